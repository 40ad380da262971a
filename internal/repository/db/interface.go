package db

import (
	"context"
	"time"
)

// TenantStore reads tenant records
type TenantStore interface {
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
}

// ConversationStore reads and updates conversations
type ConversationStore interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveConversation(ctx context.Context, conv *Conversation) error
	SetConversationStatus(ctx context.Context, id, status string) error
}

// MessageStore persists conversation messages
type MessageStore interface {
	AddMessage(ctx context.Context, msg *Message) error
	// GetRecentMessages returns up to limit latest messages in chronological order. limit <= 0 returns all.
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// GetInboundMessagesBetween returns inbound messages with from <= created_at < to, oldest first
	GetInboundMessagesBetween(ctx context.Context, conversationID string, from, to time.Time) ([]Message, error)
	GetMessagesByIDs(ctx context.Context, ids []string) ([]Message, error)
	FindByExternalID(ctx context.Context, tenantID, externalID string) (*Message, error)
}

// ContextStore persists one ConversationContext per conversation
type ContextStore interface {
	// GetContext returns apperr.ErrNotFound when no context exists
	GetContext(ctx context.Context, conversationID string) (*ConversationContext, error)
	SaveContext(ctx context.Context, c *ConversationContext) error
}

// ReferenceStore persists displayed lists
type ReferenceStore interface {
	CreateReferenceContext(ctx context.Context, rc *ReferenceContext) error
	// CurrentReferenceContext returns the most recently created context if it
	// is not expired at now. An expired latest context yields ErrExpiredContext,
	// older contexts are never considered.
	CurrentReferenceContext(ctx context.Context, conversationID string, now time.Time) (*ReferenceContext, error)
}

// CheckoutStore persists checkout sessions
type CheckoutStore interface {
	CreateCheckoutSession(ctx context.Context, s *CheckoutSession) error
	// ActiveCheckoutSession returns the open session for a conversation, or ErrNotFound
	ActiveCheckoutSession(ctx context.Context, conversationID string) (*CheckoutSession, error)
	UpdateCheckoutSession(ctx context.Context, s *CheckoutSession) error
	// IncrementCheckoutMessageCount atomically increments and returns the new count
	IncrementCheckoutMessageCount(ctx context.Context, sessionID string) (int, error)
}

// UsageLedger is the append-only provider call log
type UsageLedger interface {
	AppendUsage(ctx context.Context, rec *ProviderUsageRecord) error
	// SumCost returns the tenant's total cost with from <= created_at < to
	SumCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	AggregateUsage(ctx context.Context, from, to time.Time) ([]UsageSummary, error)
}

// QueueStore persists harmonization queue entries
type QueueStore interface {
	EnqueueMessage(ctx context.Context, e *MessageQueueEntry) error
	// QueuedEntries returns entries in queued status ordered by position
	QueuedEntries(ctx context.Context, conversationID string) ([]MessageQueueEntry, error)
	CountQueued(ctx context.Context, conversationID string) (int, error)
	// UpdateQueueStatus moves an entry from one status to another. It fails when
	// the entry is not in the from status or the transition goes backwards.
	UpdateQueueStatus(ctx context.Context, entryID, from, to, errMsg string) error
}

// SummaryStore persists history summaries
type SummaryStore interface {
	GetActiveSummary(ctx context.Context, conversationID string) (*ConversationSummary, error)
	CreateSummary(ctx context.Context, s *ConversationSummary) error
	IncrementSummaryUsageCount(ctx context.Context, summaryID string) error
}

// ConversationLocker serializes passes on one conversation across
// processes. Stores shared by several instances implement it.
type ConversationLocker interface {
	// LockConversation blocks until the lock is held and returns its release func
	LockConversation(ctx context.Context, conversationID string) (func(), error)
}

// Database defines the interface for all state store operations.
// Implementations must return apperr.ErrStoreUnavailable for backend
// failures and apperr.ErrNotFound for missing rows.
type Database interface {
	TenantStore
	ConversationStore
	MessageStore
	ContextStore
	ReferenceStore
	CheckoutStore
	UsageLedger
	QueueStore
	SummaryStore
	Close() error
}

var queueRank = map[string]int{
	QueueQueued:     0,
	QueueProcessing: 1,
	QueueProcessed:  2,
	QueueFailed:     2,
}

// ValidQueueTransition reports whether a queue entry may move from one status to another
func ValidQueueTransition(from, to string) bool {
	f, ok1 := queueRank[from]
	t, ok2 := queueRank[to]
	return ok1 && ok2 && t == f+1
}
