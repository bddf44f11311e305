package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/visionagent/backend/internal/analysis/emotion"
	"github.com/visionagent/backend/internal/model/chat"
	"github.com/visionagent/backend/internal/model/persona"
	"github.com/visionagent/backend/pkg/logger"
)

const (
	// GenericSystemPrompt opens every prompt built without a user/emotion pair.
	GenericSystemPrompt = "Eres un asistente virtual amigable y servicial. Responde en español de forma clara y concisa."

	genericSpeaker   = "Usuario"
	assistantSpeaker = "Asistente"

	// DefaultHistoryWindow 是构建提示词时最多引用的历史轮数。
	DefaultHistoryWindow = 3
)

// placeholderIdentity stands in for user keys missing from the identity table.
var placeholderIdentity = persona.Identity{
	Key:            "",
	Name:           genericSpeaker,
	PromptTemplate: "Eres un asistente amigable. Usuario: {user_name}. Responde cordialmente.",
	Personality:    "profesional",
}

// Builder composes the single prompt string sent to the LLM service.
type Builder struct {
	identities persona.Store
	emotions   *emotion.Table
	window     int
	log        *logger.Logger
}

// BuilderOption customises a Builder.
type BuilderOption func(*Builder)

// WithHistoryWindow limits how many recent turns are rendered.
func WithHistoryWindow(n int) BuilderOption {
	return func(b *Builder) {
		if n > 0 {
			b.window = n
		}
	}
}

// WithBuilderLogger sets the logger used to report unknown identities.
func WithBuilderLogger(log *logger.Logger) BuilderOption {
	return func(b *Builder) {
		b.log = logger.OrDiscard(log)
	}
}

// NewBuilder creates a Builder bound to an immutable identity table and
// emotion table.
func NewBuilder(identities persona.Store, emotions *emotion.Table, opts ...BuilderOption) *Builder {
	if emotions == nil {
		emotions = emotion.NewTable(nil)
	}
	b := &Builder{
		identities: identities,
		emotions:   emotions,
		window:     DefaultHistoryWindow,
		log:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build renders the prompt. When userKey or emotion is blank the generic
// prompt is produced; otherwise the identity's template is personalised.
// An unknown userKey falls back to a placeholder identity. history is never
// modified.
func (b *Builder) Build(userKey, emotionTag, message string, history []chat.Turn) string {
	userKey = strings.TrimSpace(userKey)
	emotionTag = strings.TrimSpace(emotionTag)
	recent := recentTurns(history, b.window)

	var sb strings.Builder

	if userKey == "" || emotionTag == "" {
		sb.WriteString(GenericSystemPrompt)
		sb.WriteString("\n\n")
		writeTurns(&sb, genericSpeaker, recent)
		fmt.Fprintf(&sb, "%s: %s\n%s:", genericSpeaker, message, assistantSpeaker)
		return sb.String()
	}

	identity, ok := b.lookup(userKey)
	if !ok {
		b.log.Warn("unknown user key, using placeholder identity", "user_key", userKey)
	}

	sb.WriteString(formatTemplate(identity))
	sb.WriteString("\n")
	sb.WriteString(b.emotions.Instruction(emotionTag))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Estado emocional de %s: %s.\n\n", identity.Name, emotionTag)
	writeTurns(&sb, identity.Name, recent)
	fmt.Fprintf(&sb, "%s: %s\n%s:", identity.Name, message, assistantSpeaker)
	return sb.String()
}

// Window reports how many turns the builder renders.
func (b *Builder) Window() int {
	return b.window
}

func (b *Builder) lookup(userKey string) (persona.Identity, bool) {
	if b.identities != nil {
		if identity, ok := b.identities.FindByKey(userKey); ok {
			return identity, true
		}
	}
	return placeholderIdentity, false
}

func recentTurns(history []chat.Turn, window int) []chat.Turn {
	if window <= 0 || len(history) <= window {
		return history
	}
	return history[len(history)-window:]
}

func writeTurns(sb *strings.Builder, speaker string, turns []chat.Turn) {
	for _, turn := range turns {
		fmt.Fprintf(sb, "%s: %s\n%s: %s\n", speaker, turn.UserMessage, assistantSpeaker, turn.AssistantResponse)
	}
}

// formatTemplate 使用 eino 的 FString 模板替换 {user_name}；模板中含有其他花括号时退回到字符串替换。
func formatTemplate(identity persona.Identity) string {
	tpl := prompt.FromMessages(schema.FString, schema.SystemMessage(identity.PromptTemplate))
	msgs, err := tpl.Format(context.Background(), map[string]any{"user_name": identity.Name})
	if err == nil && len(msgs) == 1 {
		return msgs[0].Content
	}
	return strings.ReplaceAll(identity.PromptTemplate, persona.NamePlaceholder, identity.Name)
}
