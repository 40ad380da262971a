// Package contextbuilder assembles the bounded context an answer is generated from.
package contextbuilder

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/query"
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
)

// Config bounds what the builder gathers
type Config struct {
	HistoryWindow  int
	MaxTokens      int
	CharsPerToken  int
	KnowledgeLimit int
	CatalogLimit   int
	CustomerLimit  int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		HistoryWindow:  10,
		MaxTokens:      2000,
		CharsPerToken:  4,
		KnowledgeLimit: 3,
		CatalogLimit:   5,
		CustomerLimit:  3,
	}
}

// Request identifies the turn to build context for
type Request struct {
	Conversation *db.Conversation
	Message      *db.Message
	Tenant       *db.Tenant
	MaxTokens    int      // 0 uses the configured budget
	Query        string   // search text, defaults to the message text
	ExcludeIDs   []string // messages of the current turn, kept out of history
	Pass         *Pass
}

// AgentContext is the assembled context
type AgentContext struct {
	Summary         string
	History         []db.Message
	Knowledge       []query.KnowledgeChunk
	Catalog         []query.CatalogItem
	CustomerHistory []query.CustomerRecord
	SizeTokens      int
	Truncated       bool
}

// Builder assembles AgentContexts
type Builder struct {
	messages   db.MessageStore
	summaries  db.SummaryStore
	summarizer Summarizer
	knowledge  query.KnowledgeSearcher
	catalog    query.CatalogSearcher
	customers  query.CustomerHistory
	cfg        Config
	log        *logrus.Entry
}

// NewBuilder creates a Builder. Nil query services are skipped.
func NewBuilder(messages db.MessageStore, summaries db.SummaryStore, summarizer Summarizer,
	knowledge query.KnowledgeSearcher, catalog query.CatalogSearcher, customers query.CustomerHistory, cfg Config) *Builder {
	def := DefaultConfig()
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.CharsPerToken <= 0 {
		cfg.CharsPerToken = def.CharsPerToken
	}
	if cfg.KnowledgeLimit <= 0 {
		cfg.KnowledgeLimit = def.KnowledgeLimit
	}
	if cfg.CatalogLimit <= 0 {
		cfg.CatalogLimit = def.CatalogLimit
	}
	if cfg.CustomerLimit <= 0 {
		cfg.CustomerLimit = def.CustomerLimit
	}
	return &Builder{
		messages:   messages,
		summaries:  summaries,
		summarizer: summarizer,
		knowledge:  knowledge,
		catalog:    catalog,
		customers:  customers,
		cfg:        cfg,
		log:        logger.ForComponent("context_builder"),
	}
}

// BuildContext gathers history, knowledge, catalog and customer history and
// trims them to the token budget. Store failures are returned; query
// service failures degrade to empty sections.
func (b *Builder) BuildContext(ctx context.Context, req Request) (*AgentContext, error) {
	if req.Conversation == nil || req.Message == nil || req.Tenant == nil {
		return nil, apperr.Validation("BuildContext", "conversation, message and tenant are required")
	}
	pass := req.Pass
	if pass == nil {
		pass = NewPass()
	}
	q := req.Query
	if q == "" {
		q = req.Message.Text
	}
	entry := b.log.WithFields(logrus.Fields{
		"tenant":       req.Tenant.ID,
		"conversation": req.Conversation.ID,
	})

	out := &AgentContext{}
	var err error
	out.Summary, out.History, err = b.history(ctx, req, entry)
	if err != nil {
		return nil, err
	}

	out.Knowledge = pass.Knowledge(req.Tenant.ID, q, b.cfg.KnowledgeLimit, func() []query.KnowledgeChunk {
		return b.searchKnowledge(ctx, req.Tenant.ID, q, entry)
	})
	out.Catalog = pass.catalog(req.Tenant.ID, q, func() []query.CatalogItem {
		return b.searchCatalog(ctx, req.Tenant.ID, q, entry)
	})
	out.CustomerHistory = pass.customer(req.Tenant.ID, req.Conversation.CustomerID, func() []query.CustomerRecord {
		return b.customerHistory(ctx, req.Tenant.ID, req.Conversation.CustomerID, entry)
	})

	budget := req.MaxTokens
	if budget <= 0 {
		budget = b.cfg.MaxTokens
	}
	b.truncate(out, req.Message.Text, budget)

	entry.WithFields(logrus.Fields{
		"history":     len(out.History),
		"knowledge":   len(out.Knowledge),
		"catalog":     len(out.Catalog),
		"tokens":      out.SizeTokens,
		"truncated":   out.Truncated,
		"has_summary": out.Summary != "",
	}).Debug("Built agent context")
	return out, nil
}

// history returns the summary of collapsed turns and the tail window in
// chronological order
func (b *Builder) history(ctx context.Context, req Request, entry *logrus.Entry) (string, []db.Message, error) {
	all, err := b.messages.GetRecentMessages(ctx, req.Conversation.ID, 0)
	if err != nil {
		return "", nil, fmt.Errorf("loading history: %w", err)
	}

	exclude := map[string]bool{req.Message.ID: true}
	for _, id := range req.ExcludeIDs {
		exclude[id] = true
	}
	msgs := make([]db.Message, 0, len(all))
	for _, m := range all {
		if !exclude[m.ID] {
			msgs = append(msgs, m)
		}
	}

	if len(msgs) <= b.cfg.HistoryWindow {
		return "", msgs, nil
	}
	older := msgs[:len(msgs)-b.cfg.HistoryWindow]
	tail := msgs[len(msgs)-b.cfg.HistoryWindow:]

	summary, err := b.collapse(ctx, req, older, entry)
	if err != nil {
		return "", nil, err
	}
	return summary, tail, nil
}

// collapse returns a summary covering older. A stored summary is reused
// when it already covers them; otherwise it is extended with the new turns.
func (b *Builder) collapse(ctx context.Context, req Request, older []db.Message, entry *logrus.Entry) (string, error) {
	lastID := older[len(older)-1].ID

	active, err := b.summaries.GetActiveSummary(ctx, req.Conversation.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		active = nil
	case err != nil:
		return "", fmt.Errorf("loading summary: %w", err)
	}

	pending := older
	previous := ""
	if active != nil {
		if active.SummarizedUpToMessageID == lastID {
			if err := b.summaries.IncrementSummaryUsageCount(ctx, active.ID); err != nil {
				logger.Degraded(entry, "increment_summary_usage", err)
			}
			return active.Content, nil
		}
		previous = active.Content
		for i, m := range older {
			if m.ID == active.SummarizedUpToMessageID {
				pending = older[i+1:]
				break
			}
		}
	}

	if b.summarizer == nil {
		return FallbackSummary(previous, pending), nil
	}
	content, err := b.summarizer.Summarize(ctx, req.Tenant, req.Conversation.ID, previous, pending)
	if err != nil || strings.TrimSpace(content) == "" {
		if err == nil {
			err = errors.New("empty summary")
		}
		logger.Degraded(entry, "summarize", err)
		return FallbackSummary(previous, pending), nil
	}

	sum := &db.ConversationSummary{
		ConversationID:          req.Conversation.ID,
		Content:                 content,
		SummarizedUpToMessageID: lastID,
	}
	if err := b.summaries.CreateSummary(ctx, sum); err != nil {
		logger.Degraded(entry, "create_summary", err)
	}
	return content, nil
}

const fallbackSummaryChars = 600

// FallbackSummary condenses turns without a model: the previous summary
// followed by the latest turns, one line each, bounded in length
func FallbackSummary(previous string, msgs []db.Message) string {
	var lines []string
	for _, m := range msgs {
		who := "Customer"
		if m.Direction == db.DirectionOutbound {
			who = "Assistant"
		}
		lines = append(lines, who+": "+strings.TrimSpace(m.Text))
	}
	body := strings.Join(lines, "\n")
	if n := utf8.RuneCountInString(body); n > fallbackSummaryChars {
		r := []rune(body)
		body = "..." + string(r[n-fallbackSummaryChars:])
	}
	if previous == "" {
		return body
	}
	return previous + "\n" + body
}

func (b *Builder) searchKnowledge(ctx context.Context, tenantID, q string, entry *logrus.Entry) []query.KnowledgeChunk {
	if b.knowledge == nil {
		return nil
	}
	chunks, err := b.knowledge.SearchKnowledge(ctx, tenantID, q, b.cfg.KnowledgeLimit)
	if err != nil {
		logger.Degraded(entry, "search_knowledge", err)
	}
	if len(chunks) > 0 {
		return chunks
	}
	chunks, err = b.knowledge.FuzzySearchKnowledge(ctx, tenantID, q, b.cfg.KnowledgeLimit)
	if err != nil {
		logger.Degraded(entry, "fuzzy_search_knowledge", err)
		return nil
	}
	return chunks
}

func (b *Builder) searchCatalog(ctx context.Context, tenantID, q string, entry *logrus.Entry) []query.CatalogItem {
	if b.catalog == nil {
		return nil
	}
	items, err := b.catalog.SearchCatalog(ctx, tenantID, q, b.cfg.CatalogLimit)
	if err != nil {
		logger.Degraded(entry, "search_catalog", err)
	}
	if len(items) > 0 {
		return items
	}
	items, err = b.catalog.FuzzySearchCatalog(ctx, tenantID, q, b.cfg.CatalogLimit)
	if err != nil {
		logger.Degraded(entry, "fuzzy_search_catalog", err)
		return nil
	}
	return items
}

func (b *Builder) customerHistory(ctx context.Context, tenantID, customerID string, entry *logrus.Entry) []query.CustomerRecord {
	if b.customers == nil || customerID == "" {
		return nil
	}
	records, err := b.customers.RecentHistory(ctx, tenantID, customerID, b.cfg.CustomerLimit)
	if err != nil {
		logger.Degraded(entry, "customer_history", err)
		return nil
	}
	return records
}
