package chat

import "time"

// Turn is one user message paired with the assistant reply it received.
type Turn struct {
	UserMessage       string    `json:"userMessage"`
	AssistantResponse string    `json:"assistantResponse"`
	Emotion           string    `json:"emotion,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}
