package contextbuilder

import (
	"commerce-assistant/internal/service/query"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// EstimateTokens applies the chars-per-token heuristic
func EstimateTokens(text string, charsPerToken int) int {
	if charsPerToken <= 0 {
		charsPerToken = 4
	}
	return utf8.RuneCountInString(text) / charsPerToken
}

// RenderCatalogItem is the text an item contributes to the prompt
func RenderCatalogItem(it query.CatalogItem) string {
	var b strings.Builder
	b.WriteString(it.Title)
	if it.Price > 0 {
		fmt.Fprintf(&b, " - %.2f %s", it.Price, it.Currency)
	}
	keys := make([]string, 0, len(it.Attributes))
	for k := range it.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, ", %s: %s", k, it.Attributes[k])
	}
	return b.String()
}

func (b *Builder) size(c *AgentContext, current string) int {
	n := b.cfg.CharsPerToken
	total := EstimateTokens(current, n) + EstimateTokens(c.Summary, n)
	for _, m := range c.History {
		total += EstimateTokens(m.Text, n)
	}
	for _, k := range c.Knowledge {
		total += EstimateTokens(k.Content, n)
	}
	for _, it := range c.Catalog {
		total += EstimateTokens(RenderCatalogItem(it), n)
	}
	for _, r := range c.CustomerHistory {
		total += EstimateTokens(r.Summary, n)
	}
	return total
}

// truncate drops the oldest history (summary first), then the catalog
// tail, then the knowledge tail until the estimate fits the budget
func (b *Builder) truncate(c *AgentContext, current string, budget int) {
	c.SizeTokens = b.size(c, current)
	for c.SizeTokens > budget {
		switch {
		case c.Summary != "":
			c.Summary = ""
		case len(c.History) > 0:
			c.History = c.History[1:]
		case len(c.Catalog) > 0:
			c.Catalog = c.Catalog[:len(c.Catalog)-1]
		case len(c.Knowledge) > 0:
			c.Knowledge = c.Knowledge[:len(c.Knowledge)-1]
		default:
			return
		}
		c.Truncated = true
		c.SizeTokens = b.size(c, current)
	}
}
