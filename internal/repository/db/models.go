package db

import "time"

// Conversation lifecycle states
const (
	ConversationActive  = "active"
	ConversationHandoff = "handoff"
	ConversationClosed  = "closed"
)

// Message directions
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Queue entry statuses, forward only: queued -> processing -> processed|failed
const (
	QueueQueued     = "queued"
	QueueProcessing = "processing"
	QueueProcessed  = "processed"
	QueueFailed     = "failed"
)

// Tenant is a merchant using the assistant
type Tenant struct {
	ID              string
	Name            string
	MonthlyBudget   float64 // USD cap on provider spend per billing period, 0 = config default
	DefaultLanguage string
	Active          bool
}

// Conversation represents a customer conversation with a tenant
type Conversation struct {
	ID         string
	TenantID   string
	CustomerID string
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// InHandoff reports whether a human agent owns the conversation
func (c *Conversation) InHandoff() bool {
	return c.Status == ConversationHandoff
}

// Message represents one message in a conversation
type Message struct {
	ID             string
	ExternalID     string // channel-assigned id, used for duplicate delivery detection
	ConversationID string
	TenantID       string
	Direction      string
	Text           string
	CreatedAt      time.Time
}

// ContextKeysVersion is the version of the typed map key set documented below.
//
// ExtractedEntities keys: "category", "budget", "color", "size", "product_id".
// ShoppingCart keys: product id -> quantity.
// LanguageUsage keys: language code -> number of messages.
const ContextKeysVersion = 1

// ConversationContext is the memory carried between turns of one conversation
type ConversationContext struct {
	ConversationID        string
	CurrentTopic          string
	PendingAction         string
	ExtractedEntities     map[string]string
	LastMenu              []string
	LastMenuTimestamp     *time.Time
	CheckoutState         string
	ShoppingCart          map[string]int
	ClarificationAttempts int
	LanguageLocked        bool
	DetectedLanguage      []string // ordered set, last element is current
	LanguageUsage         map[string]int
	KeyFacts              []string
	LastInteraction       time.Time
	ExpiresAt             *time.Time
	Version               int
}

// CurrentLanguage returns the most recently detected language, or "" if none
func (c *ConversationContext) CurrentLanguage() string {
	if len(c.DetectedLanguage) == 0 {
		return ""
	}
	return c.DetectedLanguage[len(c.DetectedLanguage)-1]
}

// Clone returns a deep copy so callers can mutate without touching stored state
func (c *ConversationContext) Clone() *ConversationContext {
	out := *c
	out.ExtractedEntities = copyStringMap(c.ExtractedEntities)
	out.ShoppingCart = copyIntMap(c.ShoppingCart)
	out.LanguageUsage = copyIntMap(c.LanguageUsage)
	out.LastMenu = append([]string(nil), c.LastMenu...)
	out.DetectedLanguage = append([]string(nil), c.DetectedLanguage...)
	out.KeyFacts = append([]string(nil), c.KeyFacts...)
	if c.LastMenuTimestamp != nil {
		t := *c.LastMenuTimestamp
		out.LastMenuTimestamp = &t
	}
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

// ReferenceItem is one entry of a displayed list
type ReferenceItem struct {
	ID         string            `json:"id" cbor:"id"`
	Title      string            `json:"title" cbor:"title"`
	Attributes map[string]string `json:"attributes,omitempty" cbor:"attributes,omitempty"`
}

// ReferenceContext is a list shown to the customer; item order defines the 1-indexed position
type ReferenceContext struct {
	ID             string          `cbor:"id"`
	ConversationID string          `cbor:"conversation_id"`
	ListType       string          `cbor:"list_type"`
	Items          []ReferenceItem `cbor:"items"`
	CreatedAt      time.Time       `cbor:"created_at"`
	ExpiresAt      time.Time       `cbor:"expires_at"`
}

// Expired reports whether the context is no longer current at now
func (r *ReferenceContext) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// CheckoutSession tracks a purchase flow within a conversation
type CheckoutSession struct {
	ID                string
	ConversationID    string
	TenantID          string
	State             string
	SelectedProductID string
	Quantity          int
	OrderID           string
	PaymentRef        string
	PaymentMethod     string
	MessageCount      int
	StartedAt         time.Time
	CompletedAt       *time.Time
	AbandonedAt       *time.Time
}

// Open reports whether the session is neither completed nor abandoned
func (s *CheckoutSession) Open() bool {
	return s.CompletedAt == nil && s.AbandonedAt == nil
}

// ProviderUsageRecord is an append-only ledger row for one provider call attempt
type ProviderUsageRecord struct {
	ID             string
	TenantID       string
	ConversationID string
	Provider       string
	Model          string
	TaskType       string
	InputTokens    int
	OutputTokens   int
	TotalTokens    int
	Cost           float64
	LatencyMs      int64
	Success        bool
	RoutingReason  string
	ErrorMessage   string
	CreatedAt      time.Time
}

// MessageQueueEntry is a buffered inbound message awaiting harmonization
type MessageQueueEntry struct {
	ID             string
	ConversationID string
	MessageID      string
	Status         string
	QueuePosition  int
	QueuedAt       time.Time
	ErrorMessage   string
}

// ConversationSummary represents a summary of older conversation messages
type ConversationSummary struct {
	ID                      string
	ConversationID          string
	Content                 string
	SummarizedUpToMessageID string
	UsageCount              int
	CreatedAt               time.Time
}

// UsageSummary aggregates ledger rows for a tenant over a period
type UsageSummary struct {
	TenantID    string
	Calls       int
	Failures    int
	TotalTokens int
	TotalCost   float64
}

func copyStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyIntMap(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
