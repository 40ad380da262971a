// Package memory is an in-process implementation of db.Database used by
// tests and single-node deployments.
package memory

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/repository/db"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ db.Database = (*Store)(nil)

// Store keeps every entity in mutex-guarded maps
type Store struct {
	mu    sync.RWMutex
	clock clock.Clock
	fail  error

	tenants       map[string]*db.Tenant
	conversations map[string]*db.Conversation
	messages      map[string][]*db.Message // by conversation, insertion order
	messageByID   map[string]*db.Message
	contexts      map[string]*db.ConversationContext
	references    map[string][]*db.ReferenceContext // by conversation, creation order
	checkouts     map[string]*db.CheckoutSession
	usage         []db.ProviderUsageRecord
	queue         map[string]*db.MessageQueueEntry
	summaries     map[string][]*db.ConversationSummary
}

// NewStore creates an empty store
func NewStore(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{
		clock:         c,
		tenants:       make(map[string]*db.Tenant),
		conversations: make(map[string]*db.Conversation),
		messages:      make(map[string][]*db.Message),
		messageByID:   make(map[string]*db.Message),
		contexts:      make(map[string]*db.ConversationContext),
		references:    make(map[string][]*db.ReferenceContext),
		checkouts:     make(map[string]*db.CheckoutSession),
		queue:         make(map[string]*db.MessageQueueEntry),
		summaries:     make(map[string][]*db.ConversationSummary),
	}
}

// SetFailure makes every subsequent operation fail as unavailable. nil restores normal operation.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *Store) check(op string) error {
	if s.fail != nil {
		return apperr.StoreUnavailable(op, s.fail)
	}
	return nil
}

// Close is a no-op
func (s *Store) Close() error { return nil }

// PutTenant inserts or replaces a tenant
func (s *Store) PutTenant(t *db.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.ID] = &cp
}

func (s *Store) GetTenant(ctx context.Context, id string) (*db.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetTenant"); err != nil {
		return nil, err
	}
	t, ok := s.tenants[id]
	if !ok {
		return nil, apperr.NotFound("GetTenant", "tenant "+id)
	}
	cp := *t
	return &cp, nil
}

func (s *Store) ListTenants(ctx context.Context) ([]db.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("ListTenants"); err != nil {
		return nil, err
	}
	out := make([]db.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*db.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetConversation"); err != nil {
		return nil, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, apperr.NotFound("GetConversation", "conversation "+id)
	}
	cp := *c
	return &cp, nil
}

func (s *Store) SaveConversation(ctx context.Context, conv *db.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SaveConversation"); err != nil {
		return err
	}
	cp := *conv
	now := s.clock.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	if cp.Status == "" {
		cp.Status = db.ConversationActive
	}
	cp.UpdatedAt = now
	s.conversations[conv.ID] = &cp
	return nil
}

func (s *Store) SetConversationStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SetConversationStatus"); err != nil {
		return err
	}
	c, ok := s.conversations[id]
	if !ok {
		return apperr.NotFound("SetConversationStatus", "conversation "+id)
	}
	c.Status = status
	c.UpdatedAt = s.clock.Now()
	return nil
}

func (s *Store) AddMessage(ctx context.Context, msg *db.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AddMessage"); err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.clock.Now()
	}
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	s.messageByID[cp.ID] = &cp
	if c, ok := s.conversations[msg.ConversationID]; ok {
		c.UpdatedAt = s.clock.Now()
	}
	return nil
}

// sortedMessages returns the conversation's messages ordered by CreatedAt, stable on insertion
func (s *Store) sortedMessages(conversationID string) []db.Message {
	src := s.messages[conversationID]
	out := make([]db.Message, len(src))
	for i, m := range src {
		out[i] = *m
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetRecentMessages"); err != nil {
		return nil, err
	}
	msgs := s.sortedMessages(conversationID)
	if limit > 0 && len(msgs) > limit {
		return msgs[len(msgs)-limit:], nil
	}
	return msgs, nil
}

func (s *Store) GetInboundMessagesBetween(ctx context.Context, conversationID string, from, to time.Time) ([]db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetInboundMessagesBetween"); err != nil {
		return nil, err
	}
	var out []db.Message
	for _, m := range s.sortedMessages(conversationID) {
		if m.Direction != db.DirectionInbound {
			continue
		}
		if !m.CreatedAt.Before(from) && m.CreatedAt.Before(to) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) GetMessagesByIDs(ctx context.Context, ids []string) ([]db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetMessagesByIDs"); err != nil {
		return nil, err
	}
	out := make([]db.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.messageByID[id]; ok {
			out = append(out, *m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) FindByExternalID(ctx context.Context, tenantID, externalID string) (*db.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("FindByExternalID"); err != nil {
		return nil, err
	}
	if externalID != "" {
		for _, m := range s.messageByID {
			if m.TenantID == tenantID && m.ExternalID == externalID {
				cp := *m
				return &cp, nil
			}
		}
	}
	return nil, apperr.NotFound("FindByExternalID", "message "+externalID)
}

func (s *Store) GetContext(ctx context.Context, conversationID string) (*db.ConversationContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetContext"); err != nil {
		return nil, err
	}
	c, ok := s.contexts[conversationID]
	if !ok {
		return nil, apperr.NotFound("GetContext", "context "+conversationID)
	}
	return c.Clone(), nil
}

func (s *Store) SaveContext(ctx context.Context, c *db.ConversationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SaveContext"); err != nil {
		return err
	}
	s.contexts[c.ConversationID] = c.Clone()
	return nil
}

func (s *Store) CreateReferenceContext(ctx context.Context, rc *db.ReferenceContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateReferenceContext"); err != nil {
		return err
	}
	cp := *rc
	cp.Items = append([]db.ReferenceItem(nil), rc.Items...)
	s.references[rc.ConversationID] = append(s.references[rc.ConversationID], &cp)
	return nil
}

func (s *Store) CurrentReferenceContext(ctx context.Context, conversationID string, now time.Time) (*db.ReferenceContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("CurrentReferenceContext"); err != nil {
		return nil, err
	}
	list := s.references[conversationID]
	if len(list) == 0 {
		return nil, apperr.NotFound("CurrentReferenceContext", "reference context")
	}
	latest := list[0]
	for _, rc := range list[1:] {
		if !rc.CreatedAt.Before(latest.CreatedAt) {
			latest = rc
		}
	}
	if latest.Expired(now) {
		return nil, apperr.New(apperr.KindExpiredContext, "CurrentReferenceContext", nil)
	}
	cp := *latest
	cp.Items = append([]db.ReferenceItem(nil), latest.Items...)
	return &cp, nil
}

func (s *Store) CreateCheckoutSession(ctx context.Context, cs *db.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateCheckoutSession"); err != nil {
		return err
	}
	if cs.ID == "" {
		cs.ID = uuid.New().String()
	}
	cp := *cs
	s.checkouts[cs.ID] = &cp
	return nil
}

func (s *Store) ActiveCheckoutSession(ctx context.Context, conversationID string) (*db.CheckoutSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("ActiveCheckoutSession"); err != nil {
		return nil, err
	}
	var found *db.CheckoutSession
	for _, cs := range s.checkouts {
		if cs.ConversationID != conversationID || !cs.Open() {
			continue
		}
		if found == nil || cs.StartedAt.After(found.StartedAt) {
			found = cs
		}
	}
	if found == nil {
		return nil, apperr.NotFound("ActiveCheckoutSession", "checkout session")
	}
	cp := *found
	return &cp, nil
}

func (s *Store) UpdateCheckoutSession(ctx context.Context, cs *db.CheckoutSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateCheckoutSession"); err != nil {
		return err
	}
	cur, ok := s.checkouts[cs.ID]
	if !ok {
		return apperr.NotFound("UpdateCheckoutSession", "checkout session "+cs.ID)
	}
	cp := *cs
	// the counter is owned by IncrementCheckoutMessageCount
	if cp.MessageCount < cur.MessageCount {
		cp.MessageCount = cur.MessageCount
	}
	s.checkouts[cs.ID] = &cp
	return nil
}

func (s *Store) IncrementCheckoutMessageCount(ctx context.Context, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("IncrementCheckoutMessageCount"); err != nil {
		return 0, err
	}
	cs, ok := s.checkouts[sessionID]
	if !ok {
		return 0, apperr.NotFound("IncrementCheckoutMessageCount", "checkout session "+sessionID)
	}
	cs.MessageCount++
	return cs.MessageCount, nil
}

func (s *Store) AppendUsage(ctx context.Context, rec *db.ProviderUsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("AppendUsage"); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}
	s.usage = append(s.usage, *rec)
	return nil
}

func (s *Store) SumCost(ctx context.Context, tenantID string, from, to time.Time) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("SumCost"); err != nil {
		return 0, err
	}
	var total float64
	for _, r := range s.usage {
		if r.TenantID == tenantID && !r.CreatedAt.Before(from) && r.CreatedAt.Before(to) {
			total += r.Cost
		}
	}
	return total, nil
}

func (s *Store) AggregateUsage(ctx context.Context, from, to time.Time) ([]db.UsageSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("AggregateUsage"); err != nil {
		return nil, err
	}
	byTenant := make(map[string]*db.UsageSummary)
	for _, r := range s.usage {
		if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
			continue
		}
		sum, ok := byTenant[r.TenantID]
		if !ok {
			sum = &db.UsageSummary{TenantID: r.TenantID}
			byTenant[r.TenantID] = sum
		}
		sum.Calls++
		if !r.Success {
			sum.Failures++
		}
		sum.TotalTokens += r.TotalTokens
		sum.TotalCost += r.Cost
	}
	out := make([]db.UsageSummary, 0, len(byTenant))
	for _, sum := range byTenant {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// UsageRecords returns a copy of the ledger
func (s *Store) UsageRecords() []db.ProviderUsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]db.ProviderUsageRecord(nil), s.usage...)
}

func (s *Store) EnqueueMessage(ctx context.Context, e *db.MessageQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("EnqueueMessage"); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = db.QueueQueued
	}
	cp := *e
	s.queue[e.ID] = &cp
	return nil
}

func (s *Store) QueuedEntries(ctx context.Context, conversationID string) ([]db.MessageQueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("QueuedEntries"); err != nil {
		return nil, err
	}
	var out []db.MessageQueueEntry
	for _, e := range s.queue {
		if e.ConversationID == conversationID && e.Status == db.QueueQueued {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].QueuePosition != out[j].QueuePosition {
			return out[i].QueuePosition < out[j].QueuePosition
		}
		return out[i].QueuedAt.Before(out[j].QueuedAt)
	})
	return out, nil
}

func (s *Store) CountQueued(ctx context.Context, conversationID string) (int, error) {
	entries, err := s.QueuedEntries(ctx, conversationID)
	return len(entries), err
}

func (s *Store) UpdateQueueStatus(ctx context.Context, entryID, from, to, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpdateQueueStatus"); err != nil {
		return err
	}
	e, ok := s.queue[entryID]
	if !ok {
		return apperr.NotFound("UpdateQueueStatus", "queue entry "+entryID)
	}
	if e.Status != from || !db.ValidQueueTransition(from, to) {
		return apperr.Validation("UpdateQueueStatus", "queue entry %s cannot move %s -> %s (current %s)", entryID, from, to, e.Status)
	}
	e.Status = to
	e.ErrorMessage = errMsg
	return nil
}

// QueueEntry returns a copy of a queue entry by id
func (s *Store) QueueEntry(id string) (db.MessageQueueEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.queue[id]
	if !ok {
		return db.MessageQueueEntry{}, false
	}
	return *e, true
}

func (s *Store) GetActiveSummary(ctx context.Context, conversationID string) (*db.ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check("GetActiveSummary"); err != nil {
		return nil, err
	}
	list := s.summaries[conversationID]
	if len(list) == 0 {
		return nil, apperr.NotFound("GetActiveSummary", "summary")
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

func (s *Store) CreateSummary(ctx context.Context, sum *db.ConversationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("CreateSummary"); err != nil {
		return err
	}
	if sum.ID == "" {
		sum.ID = uuid.New().String()
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = s.clock.Now()
	}
	cp := *sum
	s.summaries[sum.ConversationID] = append(s.summaries[sum.ConversationID], &cp)
	return nil
}

func (s *Store) IncrementSummaryUsageCount(ctx context.Context, summaryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("IncrementSummaryUsageCount"); err != nil {
		return err
	}
	for _, list := range s.summaries {
		for _, sum := range list {
			if sum.ID == summaryID {
				sum.UsageCount++
				return nil
			}
		}
	}
	return apperr.NotFound("IncrementSummaryUsageCount", "summary "+summaryID)
}
