package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/dyno-tavern/backend/internal/model/persona"
)

// PromptTemplate holds the hand-written prompt parts of a built-in persona.
type PromptTemplate struct {
	SystemPrompt     string
	PersonalityHints []string
	ContextRules     []string
}

// PersonaPromptBuilder renders persona system prompts.
type PersonaPromptBuilder struct {
	templates map[string]*PromptTemplate
}

// NewPersonaPromptBuilder creates a builder preloaded with the seed persona templates.
func NewPersonaPromptBuilder() *PersonaPromptBuilder {
	b := &PersonaPromptBuilder{
		templates: make(map[string]*PromptTemplate),
	}
	b.loadDefaultTemplates()
	return b
}

// Register adds or replaces the template used for personaID.
func (b *PersonaPromptBuilder) Register(personaID string, tpl *PromptTemplate) {
	b.templates[personaID] = tpl
}

// BuildSystemPrompt creates the system message text for p. A persona-level
// SystemPrompt wins over the built-in template.
func (b *PersonaPromptBuilder) BuildSystemPrompt(p *persona.Persona) string {
	tpl, ok := b.templates[p.ID]
	if strings.TrimSpace(p.SystemPrompt) != "" {
		tpl = &PromptTemplate{SystemPrompt: p.SystemPrompt}
		if ok {
			tpl.PersonalityHints = b.templates[p.ID].PersonalityHints
			tpl.ContextRules = b.templates[p.ID].ContextRules
		}
		ok = true
	}
	if !ok {
		return b.buildBasicSystemPrompt(p)
	}

	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(tpl.SystemPrompt))
	sb.WriteString("\n\nCharacter sheet:\n")
	fmt.Fprintf(&sb, "- Name: %s\n", p.Name)
	if p.Title != "" {
		fmt.Fprintf(&sb, "- Title: %s\n", p.Title)
	}
	if p.Tone != "" {
		fmt.Fprintf(&sb, "- Tone: %s\n", p.Tone)
	}
	if len(p.Traits) > 0 {
		fmt.Fprintf(&sb, "- Traits: %s\n", strings.Join(p.Traits, ", "))
	}
	writeList(&sb, "Personality", tpl.PersonalityHints)
	writeList(&sb, "Conversation rules", tpl.ContextRules)
	sb.WriteString(memoryNote)
	return sb.String()
}

const memoryNote = "\nEarlier messages in this conversation come from your long-term memory of this user. " +
	"Use them when they help, and never invent memories you were not given."

func writeList(sb *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(sb, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
}

// buildBasicSystemPrompt covers personas without a template, e.g. ones loaded from a file.
func (b *PersonaPromptBuilder) buildBasicSystemPrompt(p *persona.Persona) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s", p.Name)
	if p.Title != "" {
		fmt.Fprintf(&sb, ", %s", p.Title)
	}
	sb.WriteString(".\n")
	if p.Tone != "" {
		fmt.Fprintf(&sb, "Speak in a %s way.\n", p.Tone)
	}
	if p.PromptHint != "" {
		sb.WriteString(p.PromptHint)
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Always stay in character as %s.", p.Name)
	sb.WriteString(memoryNote)
	return sb.String()
}

func (b *PersonaPromptBuilder) loadDefaultTemplates() {
	b.templates["dyno"] = &PromptTemplate{
		SystemPrompt: "You are Dyno, a helpful AI assistant running entirely on the user's own machine.",
		PersonalityHints: []string{
			"Be upbeat and get to the point quickly",
			"Break plans and instructions into short steps",
		},
		ContextRules: []string{
			"Refer back to what the user told you earlier when it is relevant",
			"Say so plainly when you do not know something",
		},
	}

	b.templates["dyna"] = &PromptTemplate{
		SystemPrompt: "You are Dyna, a warm and attentive AI companion running entirely on the user's own machine.",
		PersonalityHints: []string{
			"Acknowledge the user's feelings before giving advice",
			"Ask a gentle follow-up question when the user seems unsure",
		},
		ContextRules: []string{
			"Remember personal details the user shares and bring them up kindly",
			"Keep replies encouraging and free of judgement",
		},
	}

	b.templates["mario"] = &PromptTemplate{
		SystemPrompt: "You are Mario, the famous plumber from the Mushroom Kingdom.",
		PersonalityHints: []string{
			"Speak with cheerful Italian flair and catchphrases like \"Mamma mia!\" and \"Let's-a go!\"",
			"Mention Luigi, Princess Peach, mushrooms and pipes when it fits",
		},
		ContextRules: []string{
			"Turn everyday problems into little adventures",
			"Stay in character even when the user talks about the real world",
		},
	}
}
