package chat

import "time"

// State is the coordinator state exposed for status display.
type State string

const (
	StateIdle          State = "idle"
	StateAwaitingReply State = "awaiting_reply"
	StateError         State = "error"
)

// Stats summarises one session for the presentation layer.
type Stats struct {
	SessionID     string    `json:"sessionId"`
	PersonaID     string    `json:"personaId"`
	State         State     `json:"state"`
	TurnCount     int       `json:"turnCount"`
	ContextWindow int       `json:"contextWindow"`
	LastError     string    `json:"lastError,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActiveAt  time.Time `json:"lastActiveAt"`
}
