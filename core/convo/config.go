package convo

import (
	"fmt"
	"strings"
)

// InjectMode controls how context fragments attached to a user message are
// rendered into the outgoing prompt for adapters that cannot accept
// structured context.
type InjectMode string

const (
	InjectNone     InjectMode = "none"
	InjectDefault  InjectMode = "default"
	InjectEnhanced InjectMode = "enhanced"
)

// ParseInjectMode validates a mode string. The empty string parses to
// InjectNone.
func ParseInjectMode(s string) (InjectMode, error) {
	switch InjectMode(s) {
	case "", InjectNone:
		return InjectNone, nil
	case InjectDefault:
		return InjectDefault, nil
	case InjectEnhanced:
		return InjectEnhanced, nil
	}
	return "", fmt.Errorf("unknown inject mode: %q", s)
}

// messagePlaceholder is the substring of PromptTemplate replaced by the
// user's message text.
const messagePlaceholder = "{message}"

// Config holds per-conversation settings. It is a value object: replacing a
// conversation's Config (e.g. on a preset switch) does not invalidate
// existing messages.
type Config struct {
	// AdapterLabel selects a backend adapter by label. Empty means the
	// registry's default adapter.
	AdapterLabel string `json:"adapter_label,omitempty"`
	// SystemPrompts seed the conversation before the first user turn.
	SystemPrompts []string `json:"system_prompts,omitempty"`
	// InjectMode controls rendering of injected context fragments.
	InjectMode InjectMode `json:"inject_mode,omitempty"`
	// PromptTemplate wraps each user message; the {message} placeholder is
	// replaced with the raw text. Empty means no wrapping.
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// RenderPrompt expands the user text through the config's prompt template
// and appends injected context according to the inject mode.
func (c Config) RenderPrompt(text string, fragments []ContextFragment) string {
	if c.PromptTemplate != "" {
		text = strings.ReplaceAll(c.PromptTemplate, messagePlaceholder, text)
	}

	if c.InjectMode == InjectNone || c.InjectMode == "" || len(fragments) == 0 {
		return text
	}

	var b strings.Builder
	b.WriteString(text)
	for _, f := range fragments {
		b.WriteString("\n\n")
		if c.InjectMode == InjectEnhanced {
			if f.Title != "" {
				b.WriteString(f.Title)
				b.WriteString(":\n")
			}
			b.WriteString(f.Data)
			if f.Source != "" {
				b.WriteString("\n(")
				b.WriteString(f.Source)
				b.WriteString(")")
			}
			continue
		}
		b.WriteString(f.Data)
	}
	return b.String()
}
