package conversation

import (
	"github.com/visionagent/backend/internal/model/chat"
)

// Pair is the user/emotion context applied to submissions that do not name
// one explicitly.
type Pair struct {
	UserKey string `json:"userKey"`
	Emotion string `json:"emotion"`
}

// PairTurns rebuilds the turn sequence of a session from its messages, which
// must be in store order. A user message is paired with the next assistant
// message; a user message that never got a reply does not produce a turn.
// Image messages do not produce turns; the last one seen is returned as the
// current pair.
func PairTurns(messages []chat.Message) ([]chat.Turn, Pair, bool) {
	turns := make([]chat.Turn, 0, len(messages)/2)
	var (
		pending *chat.Message
		current Pair
		found   bool
	)

	for i := range messages {
		msg := &messages[i]
		switch msg.Kind {
		case chat.KindUser:
			pending = msg
		case chat.KindAssistant:
			if pending == nil {
				continue
			}
			emotionTag := pending.Emotion
			if emotionTag == "" {
				emotionTag = msg.Emotion
			}
			turns = append(turns, chat.Turn{
				UserMessage:       pending.Content,
				AssistantResponse: msg.Content,
				Emotion:           emotionTag,
				Timestamp:         msg.CreatedAt,
			})
			pending = nil
		case chat.KindImage:
			current = Pair{UserKey: msg.UserKey, Emotion: msg.Emotion}
			found = true
		}
	}
	return turns, current, found
}
