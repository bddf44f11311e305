package ai

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/model/chat"
	"github.com/visionagent/backend/internal/model/persona"
)

func newTestBuilder() *Builder {
	return NewBuilder(persona.NewMemoryStore(persona.Seed()), emotion.NewTable(nil))
}

func turns(n int) []chat.Turn {
	out := make([]chat.Turn, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, chat.Turn{
			UserMessage:       fmt.Sprintf("pregunta-%d", i),
			AssistantResponse: fmt.Sprintf("respuesta-%d", i),
		})
	}
	return out
}

func TestBuildGenericPrompt(t *testing.T) {
	b := newTestBuilder()

	got := b.Build("", "", "Hola", nil)

	assert.True(t, strings.HasPrefix(got, GenericSystemPrompt))
	assert.True(t, strings.HasSuffix(got, "Usuario: Hola\nAsistente:"))
}

func TestBuildGenericWhenOnlyOneSideGiven(t *testing.T) {
	b := newTestBuilder()

	for _, tc := range []struct{ user, emotion string }{
		{"jesus", ""},
		{"", "feliz"},
		{"  ", "  "},
	} {
		got := b.Build(tc.user, tc.emotion, "Hola", nil)
		assert.True(t, strings.HasPrefix(got, GenericSystemPrompt), "user=%q emotion=%q", tc.user, tc.emotion)
	}
}

func TestBuildTruncatesHistory(t *testing.T) {
	b := newTestBuilder()
	history := turns(5)

	for _, got := range []string{
		b.Build("", "", "nuevo", history),
		b.Build("abrahan", "triste", "nuevo", history),
	} {
		for i := 1; i <= 2; i++ {
			assert.NotContains(t, got, fmt.Sprintf("pregunta-%d\n", i))
			assert.NotContains(t, got, fmt.Sprintf("respuesta-%d\n", i))
		}
		for i := 3; i <= 5; i++ {
			assert.Contains(t, got, fmt.Sprintf("pregunta-%d\n", i))
			assert.Contains(t, got, fmt.Sprintf("respuesta-%d\n", i))
		}
		assert.Less(t, strings.Index(got, "pregunta-3"), strings.Index(got, "pregunta-5"))
	}
}

func TestBuildDoesNotMutateHistory(t *testing.T) {
	b := newTestBuilder()
	history := turns(4)
	snapshot := append([]chat.Turn(nil), history...)

	_ = b.Build("jesus", "feliz", "hola", history)

	require.Equal(t, snapshot, history)
}

func TestBuildPersonalisedPrompt(t *testing.T) {
	b := newTestBuilder()
	history := []chat.Turn{{UserMessage: "¿Qué tal?", AssistantResponse: "Muy bien"}}

	got := b.Build("jesus", "feliz", "Cuéntame algo", history)

	assert.True(t, strings.HasPrefix(got, "Eres un asistente creativo. Usuario: Jesus. Responde creativamente."))
	assert.NotContains(t, got, "{user_name}")
	assert.Contains(t, got, emotion.NewTable(nil).Instruction("feliz"))
	assert.Contains(t, got, "Estado emocional de Jesus: feliz.")
	assert.Contains(t, got, "Jesus: ¿Qué tal?\nAsistente: Muy bien\n")
	assert.True(t, strings.HasSuffix(got, "Jesus: Cuéntame algo\nAsistente:"))
}

func TestBuildUnknownUserUsesPlaceholder(t *testing.T) {
	b := newTestBuilder()

	got := b.Build("desconocido", "triste", "Hola", nil)

	assert.Contains(t, got, "Usuario: Usuario.")
	assert.True(t, strings.HasSuffix(got, "Usuario: Hola\nAsistente:"))
}

func TestBuildHistoryWindowOption(t *testing.T) {
	b := NewBuilder(nil, nil, WithHistoryWindow(1))

	got := b.Build("", "", "x", turns(3))

	assert.NotContains(t, got, "pregunta-2")
	assert.Contains(t, got, "pregunta-3")
	assert.Equal(t, 1, b.Window())
}
