package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/chat"
	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
)

// Request is a fully assembled generation request.
type Request struct {
	PersonaID   string
	Messages    []*schema.Message
	Temperature *float32
}

// Assembler turns a persona, its context window and the new message into a
// Request: system message, then every window turn with its original role, then
// the new message.
type Assembler struct {
	prompts  *PersonaPromptBuilder
	template prompt.ChatTemplate
}

func NewAssembler(prompts *PersonaPromptBuilder) *Assembler {
	if prompts == nil {
		prompts = NewPersonaPromptBuilder()
	}
	return &Assembler{
		prompts: prompts,
		template: prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", true),
			schema.UserMessage("{query}"),
		),
	}
}

// Assemble has no side effects and never drops window turns.
func (a *Assembler) Assemble(ctx context.Context, p *persona.Persona, window []chat.Turn, message string) (*Request, error) {
	if p == nil {
		return nil, fmt.Errorf("assemble prompt: persona is required")
	}

	history := make([]*schema.Message, 0, len(window))
	for _, turn := range window {
		switch turn.Role {
		case chat.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case chat.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		default:
			return nil, fmt.Errorf("assemble prompt: turn %d has unknown role %q", turn.Seq, turn.Role)
		}
	}

	messages, err := a.template.Format(ctx, map[string]any{
		"system":  a.prompts.BuildSystemPrompt(p),
		"history": history,
		"query":   message,
	})
	if err != nil {
		return nil, fmt.Errorf("format chat template: %w", err)
	}

	return &Request{
		PersonaID:   p.ID,
		Messages:    messages,
		Temperature: p.Temperature,
	}, nil
}
