package contextbuilder

import (
	"commerce-assistant/internal/service/llm"
	"fmt"
	"strings"
)

// Messages renders the context as a chat: a system prompt carrying the
// summary and retrieved material, the history, then the current text
func (c *AgentContext) Messages(systemPrompt, current string) []llm.Message {
	var b strings.Builder
	b.WriteString(systemPrompt)

	if c.Summary != "" {
		b.WriteString("\n\nEarlier in this conversation:\n")
		b.WriteString(c.Summary)
	}
	if len(c.Catalog) > 0 {
		b.WriteString("\n\nMatching catalog items:")
		for i, it := range c.Catalog {
			fmt.Fprintf(&b, "\n%d. %s", i+1, RenderCatalogItem(it))
		}
	}
	if len(c.Knowledge) > 0 {
		b.WriteString("\n\nShop information:")
		for _, k := range c.Knowledge {
			fmt.Fprintf(&b, "\n- %s", k.Content)
		}
	}
	if len(c.CustomerHistory) > 0 {
		b.WriteString("\n\nThis customer's previous orders:")
		for _, r := range c.CustomerHistory {
			fmt.Fprintf(&b, "\n- %s (%s)", r.Summary, r.PlacedAt.Format("2006-01-02"))
		}
	}

	out := []llm.Message{{Role: llm.RoleSystem, Content: b.String()}}
	out = append(out, ToLLMMessages(c.History)...)
	return append(out, llm.Message{Role: llm.RoleUser, Content: current})
}
