package conversation

import (
	"fmt"
	"strings"

	"github.com/visionagent/backend/internal/model/chat"
)

const transcriptTimeLayout = "2006-01-02 15:04:05"

// Transcript renders a plain-text export. The output depends only on its
// inputs; timestamps are printed in UTC.
func Transcript(session chat.Session, messages []chat.Message) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Sesión: %s\n", session.Name)
	fmt.Fprintf(&sb, "ID: %s\n", session.ID)
	fmt.Fprintf(&sb, "Creada: %s UTC\n", session.CreatedAt.UTC().Format(transcriptTimeLayout))
	fmt.Fprintf(&sb, "Mensajes: %d\n", len(messages))
	sb.WriteString("\n")

	for _, msg := range messages {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", msg.CreatedAt.UTC().Format(transcriptTimeLayout), speaker(msg), msg.Content)
	}
	return sb.String()
}

func speaker(msg chat.Message) string {
	switch msg.Kind {
	case chat.KindUser:
		var tags []string
		if msg.UserKey != "" {
			tags = append(tags, msg.UserKey)
		}
		if msg.Emotion != "" {
			tags = append(tags, msg.Emotion)
		}
		if len(tags) == 0 {
			return "Usuario"
		}
		return "Usuario (" + strings.Join(tags, ", ") + ")"
	case chat.KindAssistant:
		if msg.Fallback {
			return "Asistente (respaldo)"
		}
		return "Asistente"
	case chat.KindImage:
		return "Imagen"
	default:
		return string(msg.Kind)
	}
}
