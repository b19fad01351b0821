package chat

import (
	"strings"
	"time"
)

// Role tags who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the recorded roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// ParseRole normalises a stored role string.
func ParseRole(raw string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	return role, role.Valid()
}

// Turn is one immutable recorded message of a persona's conversation.
// Seq is assigned by the memory store and is strictly increasing within a persona.
type Turn struct {
	PersonaID string    `json:"personaId"`
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewTurn builds an uncommitted turn; Seq stays zero until the store assigns it.
func NewTurn(personaID string, role Role, content string) Turn {
	return Turn{
		PersonaID: personaID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}
