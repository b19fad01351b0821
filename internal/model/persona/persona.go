package persona

import (
	"fmt"
	"regexp"
	"strings"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,62}$`)

// Persona captures a named assistant configuration. Its ID doubles as the key of
// the persona's memory collection, so it must stay stable across restarts.
type Persona struct {
	ID           string   `json:"id" mapstructure:"id"`
	Name         string   `json:"name" mapstructure:"name"`
	Title        string   `json:"title" mapstructure:"title"`
	Tone         string   `json:"tone" mapstructure:"tone"`
	PromptHint   string   `json:"promptHint" mapstructure:"prompt_hint"`
	SystemPrompt string   `json:"systemPrompt,omitempty" mapstructure:"system_prompt"`
	OpeningLine  string   `json:"openingLine" mapstructure:"opening_line"`
	ThemeColor   string   `json:"themeColor,omitempty" mapstructure:"theme_color"` // 前端主题色
	Temperature  *float32 `json:"temperature,omitempty" mapstructure:"temperature"`
	Traits       []string `json:"traits,omitempty" mapstructure:"traits"`
}

// Validate checks the fields the memory registry and prompt builder rely on.
func (p Persona) Validate() error {
	if !idPattern.MatchString(p.ID) {
		return fmt.Errorf("invalid persona id %q: must match %s", p.ID, idPattern.String())
	}
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("persona %s: name is required", p.ID)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("persona %s: temperature %.2f out of range [0,2]", p.ID, *p.Temperature)
	}
	return nil
}

func temperature(v float32) *float32 { return &v }

// Seed provides the default personas shipped with the local assistant.
func Seed() []Persona {
	return []Persona{
		{
			ID:          "dyno",
			Name:        "Dyno",
			Title:       "Your local AI assistant",
			Tone:        "upbeat, practical, concise",
			PromptHint:  "Keep answers short and actionable. Offer to note things down when the user plans something.",
			OpeningLine: "Hi! I'm Dyno. Everything stays on this machine, so ask away.",
			ThemeColor:  "#4da6ff",
			Temperature: temperature(0.7),
			Traits:      []string{"helpful", "organised", "friendly"},
		},
		{
			ID:          "dyna",
			Name:        "Dyna",
			Title:       "Your local AI assistant",
			Tone:        "warm, attentive, encouraging",
			PromptHint:  "Acknowledge how the user feels before answering. Remember details they share about themselves.",
			OpeningLine: "Hello, I'm Dyna. Tell me what's on your mind today.",
			ThemeColor:  "#ff99cc",
			Temperature: temperature(0.8),
			Traits:      []string{"empathetic", "curious", "patient"},
		},
		{
			ID:          "mario",
			Name:        "Mario",
			Title:       "Your personal plumber",
			Tone:        "cheerful, energetic, Italian-accented",
			PromptHint:  "Stay in character as Mario from the Mushroom Kingdom. Sprinkle in \"Mamma mia!\" and \"Let's-a go!\".",
			OpeningLine: "It's-a me, Mario! What can I fix for you today?",
			ThemeColor:  "#e52521",
			Temperature: temperature(0.9),
			Traits:      []string{"brave", "optimistic", "loyal"},
		},
	}
}
