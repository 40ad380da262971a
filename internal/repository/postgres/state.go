package postgres

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/repository/db"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// contextDoc is the JSONB payload of the conversation_contexts row
type contextDoc struct {
	ExtractedEntities map[string]string `json:"extracted_entities,omitempty"`
	ShoppingCart      map[string]int    `json:"shopping_cart,omitempty"`
	LanguageUsage     map[string]int    `json:"language_usage,omitempty"`
	LastMenu          []string          `json:"last_menu,omitempty"`
	KeyFacts          []string          `json:"key_facts,omitempty"`
}

// GetContext loads the conversation context
func (p *PostgresDB) GetContext(ctx context.Context, conversationID string) (*db.ConversationContext, error) {
	query := `
	SELECT conversation_id, current_topic, pending_action, last_menu_timestamp, checkout_state,
	       clarification_attempts, language_locked, detected_language, last_interaction, expires_at,
	       version, data
	FROM conversation_contexts
	WHERE conversation_id = $1
	`
	var (
		c     db.ConversationContext
		raw   []byte
		doc   contextDoc
		langs pq.StringArray
	)
	err := p.conn.QueryRowContext(ctx, query, conversationID).Scan(
		&c.ConversationID, &c.CurrentTopic, &c.PendingAction, &c.LastMenuTimestamp, &c.CheckoutState,
		&c.ClarificationAttempts, &c.LanguageLocked, &langs, &c.LastInteraction, &c.ExpiresAt,
		&c.Version, &raw,
	)
	if err != nil {
		return nil, wrap("GetContext", err)
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.New(apperr.KindInternal, "GetContext", fmt.Errorf("decoding context data: %w", err))
	}
	c.DetectedLanguage = []string(langs)
	c.ExtractedEntities = doc.ExtractedEntities
	c.ShoppingCart = doc.ShoppingCart
	c.LanguageUsage = doc.LanguageUsage
	c.LastMenu = doc.LastMenu
	c.KeyFacts = doc.KeyFacts
	return &c, nil
}

// SaveContext upserts the conversation context
func (p *PostgresDB) SaveContext(ctx context.Context, c *db.ConversationContext) error {
	raw, err := json.Marshal(contextDoc{
		ExtractedEntities: c.ExtractedEntities,
		ShoppingCart:      c.ShoppingCart,
		LanguageUsage:     c.LanguageUsage,
		LastMenu:          c.LastMenu,
		KeyFacts:          c.KeyFacts,
	})
	if err != nil {
		return apperr.New(apperr.KindInternal, "SaveContext", err)
	}

	query := `
	INSERT INTO conversation_contexts (conversation_id, current_topic, pending_action, last_menu_timestamp,
		checkout_state, clarification_attempts, language_locked, detected_language, last_interaction,
		expires_at, version, data)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (conversation_id) DO UPDATE SET
		current_topic = EXCLUDED.current_topic,
		pending_action = EXCLUDED.pending_action,
		last_menu_timestamp = EXCLUDED.last_menu_timestamp,
		checkout_state = EXCLUDED.checkout_state,
		clarification_attempts = EXCLUDED.clarification_attempts,
		language_locked = EXCLUDED.language_locked,
		detected_language = EXCLUDED.detected_language,
		last_interaction = EXCLUDED.last_interaction,
		expires_at = EXCLUDED.expires_at,
		version = EXCLUDED.version,
		data = EXCLUDED.data
	`
	_, err = p.conn.ExecContext(ctx, query,
		c.ConversationID, c.CurrentTopic, c.PendingAction, c.LastMenuTimestamp,
		c.CheckoutState, c.ClarificationAttempts, c.LanguageLocked, pq.Array(c.DetectedLanguage), c.LastInteraction,
		c.ExpiresAt, c.Version, raw,
	)
	return wrap("SaveContext", err)
}

// CreateReferenceContext stores a displayed list
func (p *PostgresDB) CreateReferenceContext(ctx context.Context, rc *db.ReferenceContext) error {
	if rc.ID == "" {
		rc.ID = uuid.New().String()
	}
	items, err := json.Marshal(rc.Items)
	if err != nil {
		return apperr.New(apperr.KindInternal, "CreateReferenceContext", err)
	}
	query := `
	INSERT INTO reference_contexts (id, conversation_id, list_type, items, created_at, expires_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = p.conn.ExecContext(ctx, query, rc.ID, rc.ConversationID, rc.ListType, items, rc.CreatedAt, rc.ExpiresAt)
	return wrap("CreateReferenceContext", err)
}

// CurrentReferenceContext returns the latest list if it has not expired
func (p *PostgresDB) CurrentReferenceContext(ctx context.Context, conversationID string, now time.Time) (*db.ReferenceContext, error) {
	query := `
	SELECT id, conversation_id, list_type, items, created_at, expires_at
	FROM reference_contexts
	WHERE conversation_id = $1
	ORDER BY created_at DESC
	LIMIT 1
	`
	var (
		rc  db.ReferenceContext
		raw []byte
	)
	err := p.conn.QueryRowContext(ctx, query, conversationID).Scan(&rc.ID, &rc.ConversationID, &rc.ListType, &raw, &rc.CreatedAt, &rc.ExpiresAt)
	if err != nil {
		return nil, wrap("CurrentReferenceContext", err)
	}
	if rc.Expired(now) {
		return nil, apperr.New(apperr.KindExpiredContext, "CurrentReferenceContext", nil)
	}
	if err := json.Unmarshal(raw, &rc.Items); err != nil {
		return nil, apperr.New(apperr.KindInternal, "CurrentReferenceContext", err)
	}
	return &rc, nil
}

const checkoutColumns = `id, conversation_id, tenant_id, state, selected_product_id, quantity, order_id,
	payment_ref, payment_method, message_count, started_at, completed_at, abandoned_at`

// CreateCheckoutSession inserts a new session
func (p *PostgresDB) CreateCheckoutSession(ctx context.Context, s *db.CheckoutSession) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	query := `INSERT INTO checkout_sessions (` + checkoutColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := p.conn.ExecContext(ctx, query, s.ID, s.ConversationID, s.TenantID, s.State, s.SelectedProductID, s.Quantity,
		s.OrderID, s.PaymentRef, s.PaymentMethod, s.MessageCount, s.StartedAt, s.CompletedAt, s.AbandonedAt)
	return wrap("CreateCheckoutSession", err)
}

// ActiveCheckoutSession returns the open session for a conversation
func (p *PostgresDB) ActiveCheckoutSession(ctx context.Context, conversationID string) (*db.CheckoutSession, error) {
	query := `SELECT ` + checkoutColumns + `
	FROM checkout_sessions
	WHERE conversation_id = $1 AND completed_at IS NULL AND abandoned_at IS NULL
	ORDER BY started_at DESC
	LIMIT 1`
	var s db.CheckoutSession
	err := p.conn.QueryRowContext(ctx, query, conversationID).Scan(&s.ID, &s.ConversationID, &s.TenantID, &s.State,
		&s.SelectedProductID, &s.Quantity, &s.OrderID, &s.PaymentRef, &s.PaymentMethod, &s.MessageCount,
		&s.StartedAt, &s.CompletedAt, &s.AbandonedAt)
	if err != nil {
		return nil, wrap("ActiveCheckoutSession", err)
	}
	return &s, nil
}

// UpdateCheckoutSession writes the session fields except the message counter
func (p *PostgresDB) UpdateCheckoutSession(ctx context.Context, s *db.CheckoutSession) error {
	query := `
	UPDATE checkout_sessions SET state = $2, selected_product_id = $3, quantity = $4, order_id = $5,
		payment_ref = $6, payment_method = $7, completed_at = $8, abandoned_at = $9
	WHERE id = $1
	`
	res, err := p.conn.ExecContext(ctx, query, s.ID, s.State, s.SelectedProductID, s.Quantity, s.OrderID,
		s.PaymentRef, s.PaymentMethod, s.CompletedAt, s.AbandonedAt)
	if err != nil {
		return wrap("UpdateCheckoutSession", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("UpdateCheckoutSession", "checkout session "+s.ID)
	}
	return nil
}

// IncrementCheckoutMessageCount atomically bumps the counter
func (p *PostgresDB) IncrementCheckoutMessageCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := p.conn.QueryRowContext(ctx,
		`UPDATE checkout_sessions SET message_count = message_count + 1 WHERE id = $1 RETURNING message_count`,
		sessionID).Scan(&count)
	if err != nil {
		return 0, wrap("IncrementCheckoutMessageCount", err)
	}
	return count, nil
}

// AppendUsage appends a ledger row
func (p *PostgresDB) AppendUsage(ctx context.Context, r *db.ProviderUsageRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	query := `
	INSERT INTO provider_usage (id, tenant_id, conversation_id, provider, model, task_type, input_tokens,
		output_tokens, total_tokens, cost, latency_ms, success, routing_reason, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := p.conn.ExecContext(ctx, query, r.ID, r.TenantID, r.ConversationID, r.Provider, r.Model, r.TaskType,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.Cost, r.LatencyMs, r.Success, r.RoutingReason,
		r.ErrorMessage, r.CreatedAt)
	return wrap("AppendUsage", err)
}

// SumCost totals a tenant's spend in [from, to)
func (p *PostgresDB) SumCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	var total float64
	err := p.conn.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM provider_usage WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, from, to).Scan(&total)
	if err != nil {
		return 0, wrap("SumCost", err)
	}
	return total, nil
}

// AggregateUsage summarizes the ledger per tenant in [from, to)
func (p *PostgresDB) AggregateUsage(ctx context.Context, from, to time.Time) ([]db.UsageSummary, error) {
	query := `
	SELECT tenant_id, COUNT(*), COUNT(*) FILTER (WHERE NOT success), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0)
	FROM provider_usage
	WHERE created_at >= $1 AND created_at < $2
	GROUP BY tenant_id
	ORDER BY tenant_id
	`
	rows, err := p.conn.QueryContext(ctx, query, from, to)
	if err != nil {
		return nil, wrap("AggregateUsage", err)
	}
	defer rows.Close()

	var out []db.UsageSummary
	for rows.Next() {
		var s db.UsageSummary
		if err := rows.Scan(&s.TenantID, &s.Calls, &s.Failures, &s.TotalTokens, &s.TotalCost); err != nil {
			return nil, wrap("AggregateUsage", err)
		}
		out = append(out, s)
	}
	return out, wrap("AggregateUsage", rows.Err())
}

// EnqueueMessage inserts a queue entry
func (p *PostgresDB) EnqueueMessage(ctx context.Context, e *db.MessageQueueEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = db.QueueQueued
	}
	query := `
	INSERT INTO message_queue (id, conversation_id, message_id, status, queue_position, queued_at)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.conn.ExecContext(ctx, query, e.ID, e.ConversationID, e.MessageID, e.Status, e.QueuePosition, e.QueuedAt)
	return wrap("EnqueueMessage", err)
}

// QueuedEntries returns queued entries ordered by position
func (p *PostgresDB) QueuedEntries(ctx context.Context, conversationID string) ([]db.MessageQueueEntry, error) {
	query := `
	SELECT id, conversation_id, message_id, status, queue_position, queued_at, error_message
	FROM message_queue
	WHERE conversation_id = $1 AND status = 'queued'
	ORDER BY queue_position, queued_at
	`
	rows, err := p.conn.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, wrap("QueuedEntries", err)
	}
	defer rows.Close()

	var out []db.MessageQueueEntry
	for rows.Next() {
		var e db.MessageQueueEntry
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.MessageID, &e.Status, &e.QueuePosition, &e.QueuedAt, &e.ErrorMessage); err != nil {
			return nil, wrap("QueuedEntries", err)
		}
		out = append(out, e)
	}
	return out, wrap("QueuedEntries", rows.Err())
}

// CountQueued counts queued entries for a conversation
func (p *PostgresDB) CountQueued(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := p.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM message_queue WHERE conversation_id = $1 AND status = 'queued'`, conversationID).Scan(&n)
	if err != nil {
		return 0, wrap("CountQueued", err)
	}
	return n, nil
}

// UpdateQueueStatus compare-and-sets the status of an entry
func (p *PostgresDB) UpdateQueueStatus(ctx context.Context, entryID, from, to, errMsg string) error {
	if !db.ValidQueueTransition(from, to) {
		return apperr.Validation("UpdateQueueStatus", "invalid queue transition %s -> %s", from, to)
	}
	res, err := p.conn.ExecContext(ctx,
		`UPDATE message_queue SET status = $3, error_message = $4 WHERE id = $1 AND status = $2`,
		entryID, from, to, errMsg)
	if err != nil {
		return wrap("UpdateQueueStatus", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.Validation("UpdateQueueStatus", "queue entry %s is not %s", entryID, from)
	}
	return nil
}
