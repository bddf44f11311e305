package fallback

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/model/persona"
)

func newSelector(opts ...Option) *Selector {
	return NewSelector(persona.NewMemoryStore(persona.Seed()), emotion.NewTable(nil), opts...)
}

func TestSelectTristeStaysInTemplateSet(t *testing.T) {
	s := newSelector()
	candidates := s.Candidates("triste", "abrahan")
	require.Len(t, candidates, 3)

	allowed := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		allowed[c] = true
	}

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		got := s.Select("triste", "abrahan")
		require.True(t, allowed[got], "unexpected reply %q", got)
		seen[got] = true
	}
	assert.Len(t, seen, 3)
}

func TestSelectSubstitutesName(t *testing.T) {
	s := newSelector()

	got := s.Select("feliz", "jesus")
	assert.Contains(t, got, "Jesus")
	assert.NotContains(t, got, emotion.UserPlaceholder)

	got = s.Select("feliz", "nadie")
	assert.Contains(t, got, PlaceholderName)
}

func TestSelectUnknownEmotionUsesGenericTemplate(t *testing.T) {
	s := newSelector()

	for _, tag := range []string{"", "neutral"} {
		candidates := s.Candidates(tag, "")
		require.Len(t, candidates, 1)
		assert.Equal(t, candidates[0], s.Select(tag, ""))
		assert.True(t, strings.Contains(candidates[0], PlaceholderName))
	}
}

func TestSelectSeededIsDeterministic(t *testing.T) {
	a := newSelector(WithSeed(7))
	b := newSelector(WithSeed(7))

	for i := 0; i < 20; i++ {
		require.Equal(t, a.Select("enojado", "jesus"), b.Select("enojado", "jesus"))
	}
}
