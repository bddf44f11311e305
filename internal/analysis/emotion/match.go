package emotion

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// closeMatchCutoff is the minimum similarity ratio accepted by Match.
const closeMatchCutoff = 0.6

// Match maps a raw classifier class name (for example "abrahan_feliz") to a
// configured tag: exact match first, then prefix or suffix, then the closest
// tag by similarity ratio. Unknown is returned when nothing qualifies.
func (t *Table) Match(raw string) Label {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if normalized == "" {
		return Unknown
	}

	if label, ok := t.lookup(normalized); ok {
		return label
	}

	for _, label := range t.labels {
		tag := string(label)
		if strings.HasSuffix(normalized, tag) || strings.HasPrefix(normalized, tag) {
			return label
		}
	}

	best := Unknown
	bestScore := 0.0
	target := splitRunes(normalized)
	for _, label := range t.labels {
		score := similarity(target, splitRunes(string(label)))
		if score >= closeMatchCutoff && score > bestScore {
			best = label
			bestScore = score
		}
	}
	return best
}

func similarity(a, b []string) float64 {
	return difflib.NewMatcher(a, b).Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}
