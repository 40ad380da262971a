package postgres

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// GetTenant retrieves a tenant by id
func (p *PostgresDB) GetTenant(ctx context.Context, id string) (*db.Tenant, error) {
	var t db.Tenant
	query := `
	SELECT id, name, monthly_budget, default_language, active
	FROM tenants
	WHERE id = $1
	`
	err := p.conn.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Name, &t.MonthlyBudget, &t.DefaultLanguage, &t.Active)
	if err != nil {
		return nil, wrap("GetTenant", err)
	}
	return &t, nil
}

// ListTenants returns all active tenants
func (p *PostgresDB) ListTenants(ctx context.Context) ([]db.Tenant, error) {
	rows, err := p.conn.QueryContext(ctx, `SELECT id, name, monthly_budget, default_language, active FROM tenants WHERE active ORDER BY id`)
	if err != nil {
		return nil, wrap("ListTenants", err)
	}
	defer rows.Close()

	var tenants []db.Tenant
	for rows.Next() {
		var t db.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.MonthlyBudget, &t.DefaultLanguage, &t.Active); err != nil {
			return nil, wrap("ListTenants", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, wrap("ListTenants", rows.Err())
}

// GetConversation retrieves a specific conversation
func (p *PostgresDB) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	var conv db.Conversation
	query := `
	SELECT id, tenant_id, customer_id, status, created_at, updated_at
	FROM conversations
	WHERE id = $1
	`
	err := p.conn.QueryRowContext(ctx, query, id).Scan(&conv.ID, &conv.TenantID, &conv.CustomerID, &conv.Status, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, wrap("GetConversation", err)
	}
	return &conv, nil
}

// SaveConversation upserts a conversation
func (p *PostgresDB) SaveConversation(ctx context.Context, conv *db.Conversation) error {
	if conv.Status == "" {
		conv.Status = db.ConversationActive
	}
	query := `
	INSERT INTO conversations (id, tenant_id, customer_id, status)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = CURRENT_TIMESTAMP
	RETURNING created_at, updated_at
	`
	err := p.conn.QueryRowContext(ctx, query, conv.ID, conv.TenantID, conv.CustomerID, conv.Status).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	return wrap("SaveConversation", err)
}

// SetConversationStatus changes the lifecycle status of a conversation
func (p *PostgresDB) SetConversationStatus(ctx context.Context, id, status string) error {
	res, err := p.conn.ExecContext(ctx, `UPDATE conversations SET status = $2, updated_at = CURRENT_TIMESTAMP WHERE id = $1`, id, status)
	if err != nil {
		return wrap("SetConversationStatus", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.NotFound("SetConversationStatus", "conversation "+id)
	}
	logger.Log.WithFields(logrus.Fields{"conversation_id": id, "status": status}).Info("Conversation status changed")
	return nil
}

// AddMessage adds a message to a conversation
func (p *PostgresDB) AddMessage(ctx context.Context, msg *db.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	query := `
	INSERT INTO messages (id, external_id, conversation_id, tenant_id, direction, text, created_at)
	VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7)
	`
	if _, err := p.conn.ExecContext(ctx, query, msg.ID, msg.ExternalID, msg.ConversationID, msg.TenantID, msg.Direction, msg.Text, msg.CreatedAt); err != nil {
		return wrap("AddMessage", err)
	}

	// Update conversation updated_at timestamp
	if _, err := p.conn.ExecContext(ctx, `UPDATE conversations SET updated_at = CURRENT_TIMESTAMP WHERE id = $1`, msg.ConversationID); err != nil {
		logger.Log.WithError(err).Warn("Error updating conversation timestamp")
	}

	logger.Log.WithFields(logrus.Fields{
		"conversation_id": msg.ConversationID,
		"direction":       msg.Direction,
		"chars":           len(msg.Text),
	}).Debug("Message stored")
	return nil
}

const messageColumns = `id, COALESCE(external_id, ''), conversation_id, tenant_id, direction, text, created_at`

func scanMessages(rows *sql.Rows) ([]db.Message, error) {
	defer rows.Close()
	var out []db.Message
	for rows.Next() {
		var m db.Message
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.ConversationID, &m.TenantID, &m.Direction, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetRecentMessages returns the latest messages in chronological order
func (p *PostgresDB) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	query := `
	SELECT ` + messageColumns + ` FROM (
		SELECT * FROM messages WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT NULLIF($2, 0)
	) recent
	ORDER BY created_at ASC
	`
	if limit < 0 {
		limit = 0
	}
	rows, err := p.conn.QueryContext(ctx, query, conversationID, limit)
	if err != nil {
		return nil, wrap("GetRecentMessages", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, wrap("GetRecentMessages", err)
}

// GetInboundMessagesBetween returns inbound messages in [from, to)
func (p *PostgresDB) GetInboundMessagesBetween(ctx context.Context, conversationID string, from, to time.Time) ([]db.Message, error) {
	query := `
	SELECT ` + messageColumns + `
	FROM messages
	WHERE conversation_id = $1 AND direction = 'inbound' AND created_at >= $2 AND created_at < $3
	ORDER BY created_at ASC
	`
	rows, err := p.conn.QueryContext(ctx, query, conversationID, from, to)
	if err != nil {
		return nil, wrap("GetInboundMessagesBetween", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, wrap("GetInboundMessagesBetween", err)
}

// GetMessagesByIDs loads messages by id in chronological order
func (p *PostgresDB) GetMessagesByIDs(ctx context.Context, ids []string) ([]db.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ANY($1) ORDER BY created_at ASC`
	rows, err := p.conn.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, wrap("GetMessagesByIDs", err)
	}
	msgs, err := scanMessages(rows)
	return msgs, wrap("GetMessagesByIDs", err)
}

// FindByExternalID looks a message up by its channel id
func (p *PostgresDB) FindByExternalID(ctx context.Context, tenantID, externalID string) (*db.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE tenant_id = $1 AND external_id = $2`
	var m db.Message
	err := p.conn.QueryRowContext(ctx, query, tenantID, externalID).Scan(&m.ID, &m.ExternalID, &m.ConversationID, &m.TenantID, &m.Direction, &m.Text, &m.CreatedAt)
	if err != nil {
		return nil, wrap("FindByExternalID", err)
	}
	return &m, nil
}

// GetActiveSummary retrieves the latest summary for a conversation
func (p *PostgresDB) GetActiveSummary(ctx context.Context, conversationID string) (*db.ConversationSummary, error) {
	var s db.ConversationSummary
	query := `
	SELECT id, conversation_id, content, summarized_up_to_message_id, usage_count, created_at
	FROM conversation_summaries
	WHERE conversation_id = $1
	ORDER BY created_at DESC
	LIMIT 1
	`
	err := p.conn.QueryRowContext(ctx, query, conversationID).Scan(&s.ID, &s.ConversationID, &s.Content, &s.SummarizedUpToMessageID, &s.UsageCount, &s.CreatedAt)
	if err != nil {
		return nil, wrap("GetActiveSummary", err)
	}
	return &s, nil
}

// CreateSummary stores a new summary
func (p *PostgresDB) CreateSummary(ctx context.Context, s *db.ConversationSummary) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	query := `
	INSERT INTO conversation_summaries (id, conversation_id, content, summarized_up_to_message_id)
	VALUES ($1, $2, $3, $4)
	RETURNING created_at
	`
	err := p.conn.QueryRowContext(ctx, query, s.ID, s.ConversationID, s.Content, s.SummarizedUpToMessageID).Scan(&s.CreatedAt)
	if err != nil {
		return wrap("CreateSummary", err)
	}
	logger.Log.WithFields(logrus.Fields{"summary_id": s.ID, "conversation_id": s.ConversationID}).Info("Created conversation summary")
	return nil
}

// IncrementSummaryUsageCount increments the usage count of a summary
func (p *PostgresDB) IncrementSummaryUsageCount(ctx context.Context, summaryID string) error {
	_, err := p.conn.ExecContext(ctx, `UPDATE conversation_summaries SET usage_count = usage_count + 1 WHERE id = $1`, summaryID)
	return wrap("IncrementSummaryUsageCount", err)
}
