package testutil

import (
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/checkout"
	"commerce-assistant/internal/service/llm"
	"commerce-assistant/internal/service/query"
	"context"
	"errors"
	"sync"
	"time"
)

// MockDatabase wraps a db.Database and lets tests override individual
// operations. Methods without an override delegate to the wrapped store.
type MockDatabase struct {
	db.Database

	// Message mocks
	AddMessageFunc        func(ctx context.Context, msg *db.Message) error
	GetRecentMessagesFunc func(ctx context.Context, conversationID string, limit int) ([]db.Message, error)

	// State mocks
	GetContextFunc              func(ctx context.Context, conversationID string) (*db.ConversationContext, error)
	SaveContextFunc             func(ctx context.Context, c *db.ConversationContext) error
	CurrentReferenceContextFunc func(ctx context.Context, conversationID string, now time.Time) (*db.ReferenceContext, error)
	ActiveCheckoutSessionFunc   func(ctx context.Context, conversationID string) (*db.CheckoutSession, error)

	// Ledger mocks
	SumCostFunc     func(ctx context.Context, tenantID string, from, to time.Time) (float64, error)
	AppendUsageFunc func(ctx context.Context, rec *db.ProviderUsageRecord) error

	// Summary mocks
	GetActiveSummaryFunc func(ctx context.Context, conversationID string) (*db.ConversationSummary, error)
	CreateSummaryFunc    func(ctx context.Context, s *db.ConversationSummary) error
}

// NewMockDatabase wraps base
func NewMockDatabase(base db.Database) *MockDatabase {
	return &MockDatabase{Database: base}
}

// Message methods
func (m *MockDatabase) AddMessage(ctx context.Context, msg *db.Message) error {
	if m.AddMessageFunc != nil {
		return m.AddMessageFunc(ctx, msg)
	}
	return m.Database.AddMessage(ctx, msg)
}

func (m *MockDatabase) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	if m.GetRecentMessagesFunc != nil {
		return m.GetRecentMessagesFunc(ctx, conversationID, limit)
	}
	return m.Database.GetRecentMessages(ctx, conversationID, limit)
}

// State methods
func (m *MockDatabase) GetContext(ctx context.Context, conversationID string) (*db.ConversationContext, error) {
	if m.GetContextFunc != nil {
		return m.GetContextFunc(ctx, conversationID)
	}
	return m.Database.GetContext(ctx, conversationID)
}

func (m *MockDatabase) SaveContext(ctx context.Context, c *db.ConversationContext) error {
	if m.SaveContextFunc != nil {
		return m.SaveContextFunc(ctx, c)
	}
	return m.Database.SaveContext(ctx, c)
}

func (m *MockDatabase) CurrentReferenceContext(ctx context.Context, conversationID string, now time.Time) (*db.ReferenceContext, error) {
	if m.CurrentReferenceContextFunc != nil {
		return m.CurrentReferenceContextFunc(ctx, conversationID, now)
	}
	return m.Database.CurrentReferenceContext(ctx, conversationID, now)
}

func (m *MockDatabase) ActiveCheckoutSession(ctx context.Context, conversationID string) (*db.CheckoutSession, error) {
	if m.ActiveCheckoutSessionFunc != nil {
		return m.ActiveCheckoutSessionFunc(ctx, conversationID)
	}
	return m.Database.ActiveCheckoutSession(ctx, conversationID)
}

// Ledger methods
func (m *MockDatabase) SumCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	if m.SumCostFunc != nil {
		return m.SumCostFunc(ctx, tenantID, from, to)
	}
	return m.Database.SumCost(ctx, tenantID, from, to)
}

func (m *MockDatabase) AppendUsage(ctx context.Context, rec *db.ProviderUsageRecord) error {
	if m.AppendUsageFunc != nil {
		return m.AppendUsageFunc(ctx, rec)
	}
	return m.Database.AppendUsage(ctx, rec)
}

// Summary methods
func (m *MockDatabase) GetActiveSummary(ctx context.Context, conversationID string) (*db.ConversationSummary, error) {
	if m.GetActiveSummaryFunc != nil {
		return m.GetActiveSummaryFunc(ctx, conversationID)
	}
	return m.Database.GetActiveSummary(ctx, conversationID)
}

func (m *MockDatabase) CreateSummary(ctx context.Context, s *db.ConversationSummary) error {
	if m.CreateSummaryFunc != nil {
		return m.CreateSummaryFunc(ctx, s)
	}
	return m.Database.CreateSummary(ctx, s)
}

// MockGenerator is a mock of the routed generation call
type MockGenerator struct {
	GenerateFunc func(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error)

	mu    sync.Mutex
	calls []llm.GenerateRequest
}

func (m *MockGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, req)
	}
	return nil, errors.New("not implemented")
}

// Calls returns the requests received so far
func (m *MockGenerator) Calls() []llm.GenerateRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.GenerateRequest(nil), m.calls...)
}

// MockSummarizer is a mock history summarizer
type MockSummarizer struct {
	SummarizeFunc func(ctx context.Context, tenant *db.Tenant, conversationID, previous string, msgs []db.Message) (string, error)
}

func (m *MockSummarizer) Summarize(ctx context.Context, tenant *db.Tenant, conversationID, previous string, msgs []db.Message) (string, error) {
	if m.SummarizeFunc != nil {
		return m.SummarizeFunc(ctx, tenant, conversationID, previous, msgs)
	}
	return "", errors.New("not implemented")
}

// MockKnowledge is a mock knowledge search service. Unset funcs return no results.
type MockKnowledge struct {
	SearchFunc      func(ctx context.Context, tenantID, q string, limit int) ([]query.KnowledgeChunk, error)
	FuzzySearchFunc func(ctx context.Context, tenantID, q string, limit int) ([]query.KnowledgeChunk, error)

	mu       sync.Mutex
	searches int
}

func (m *MockKnowledge) SearchKnowledge(ctx context.Context, tenantID, q string, limit int) ([]query.KnowledgeChunk, error) {
	m.mu.Lock()
	m.searches++
	m.mu.Unlock()
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, tenantID, q, limit)
	}
	return nil, nil
}

func (m *MockKnowledge) FuzzySearchKnowledge(ctx context.Context, tenantID, q string, limit int) ([]query.KnowledgeChunk, error) {
	if m.FuzzySearchFunc != nil {
		return m.FuzzySearchFunc(ctx, tenantID, q, limit)
	}
	return nil, nil
}

// SearchCount returns how many primary searches ran
func (m *MockKnowledge) SearchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searches
}

// MockCatalog is a mock catalog search service that counts calls
type MockCatalog struct {
	SearchFunc      func(ctx context.Context, tenantID, q string, limit int) ([]query.CatalogItem, error)
	FuzzySearchFunc func(ctx context.Context, tenantID, q string, limit int) ([]query.CatalogItem, error)

	mu    sync.Mutex
	calls int
}

func (m *MockCatalog) SearchCatalog(ctx context.Context, tenantID, q string, limit int) ([]query.CatalogItem, error) {
	m.count()
	if m.SearchFunc != nil {
		return m.SearchFunc(ctx, tenantID, q, limit)
	}
	return nil, nil
}

func (m *MockCatalog) FuzzySearchCatalog(ctx context.Context, tenantID, q string, limit int) ([]query.CatalogItem, error) {
	m.count()
	if m.FuzzySearchFunc != nil {
		return m.FuzzySearchFunc(ctx, tenantID, q, limit)
	}
	return nil, nil
}

func (m *MockCatalog) count() {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
}

// CallCount returns how many searches ran
func (m *MockCatalog) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockCustomers is a mock customer history service
type MockCustomers struct {
	RecentHistoryFunc func(ctx context.Context, tenantID, customerID string, limit int) ([]query.CustomerRecord, error)
}

func (m *MockCustomers) RecentHistory(ctx context.Context, tenantID, customerID string, limit int) ([]query.CustomerRecord, error) {
	if m.RecentHistoryFunc != nil {
		return m.RecentHistoryFunc(ctx, tenantID, customerID, limit)
	}
	return nil, nil
}

// MockPaymentGateway is a mock payment gateway. Unset funcs return an error.
type MockPaymentGateway struct {
	InitiateFunc func(ctx context.Context, s *db.CheckoutSession) (string, error)
	StatusFunc   func(ctx context.Context, s *db.CheckoutSession) (*checkout.PaymentResult, error)
}

func (m *MockPaymentGateway) InitiatePayment(ctx context.Context, s *db.CheckoutSession) (string, error) {
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, s)
	}
	return "", errors.New("not implemented")
}

func (m *MockPaymentGateway) PaymentStatus(ctx context.Context, s *db.CheckoutSession) (*checkout.PaymentResult, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, s)
	}
	return nil, errors.New("not implemented")
}

// Reply returns a GenerateFunc answering every call with content
func Reply(content string) func(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
	return func(context.Context, llm.GenerateRequest) (*llm.GenerateResult, error) {
		return &llm.GenerateResult{Content: content, Provider: "mock", Model: "mock-model", InputTokens: 10, OutputTokens: 5}, nil
	}
}
