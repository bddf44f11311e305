package emotion

import (
	"strings"
	"testing"
)

func TestTableInstruction(t *testing.T) {
	table := NewTable(nil)

	if got := table.Instruction("Triste"); !strings.Contains(got, "triste") {
		t.Fatalf("unexpected instruction for triste: %q", got)
	}
	if got := table.Instruction("asustado"); got != defaultInstruction {
		t.Fatalf("expected default instruction for unknown tag, got %q", got)
	}
}

func TestTableFallbacks(t *testing.T) {
	table := NewTable(nil)

	if got := table.Fallbacks("triste"); len(got) != 3 {
		t.Fatalf("expected 3 templates for triste, got %d", len(got))
	}
	for _, tag := range []string{"", "neutral"} {
		got := table.Fallbacks(tag)
		if len(got) != 1 || got[0] != genericFallback {
			t.Fatalf("expected generic template for %q, got %v", tag, got)
		}
	}

	got := table.Fallbacks("feliz")
	got[0] = "mutated"
	if table.Fallbacks("feliz")[0] == "mutated" {
		t.Fatal("Fallbacks must return a copy")
	}
}

func TestEveryFallbackHasPlaceholder(t *testing.T) {
	table := NewTable(nil)
	for _, label := range table.Labels() {
		for _, tpl := range table.Fallbacks(string(label)) {
			if !strings.Contains(tpl, UserPlaceholder) {
				t.Fatalf("template for %s lacks placeholder: %q", label, tpl)
			}
		}
	}
}

func TestTableRestrictedLabels(t *testing.T) {
	table := NewTable([]Label{Feliz})

	if table.Valid("triste") {
		t.Fatal("triste should not be valid in a restricted table")
	}
	if len(table.Fallbacks("triste")) != 1 {
		t.Fatal("unconfigured tag should use the generic fallback")
	}
}

func TestMatch(t *testing.T) {
	table := NewTable(nil)

	cases := map[string]Label{
		"triste":         Triste,
		"ABRAHAN_FELIZ":  Feliz,
		"jesus_enojado":  Enojado,
		"sorprendida":    Sorprendido,
		"cansada":        Cansado,
		"":               Unknown,
		"xyz":            Unknown,
		"  pensativo  ":  Pensativo,
		"riendo_abrahan": Riendo,
	}
	for raw, want := range cases {
		if got := table.Match(raw); got != want {
			t.Fatalf("Match(%q) = %q, want %q", raw, got, want)
		}
	}
}
