// Package reference stores the lists shown to a customer and resolves
// follow-up references such as "2", "the last one" or "the blue one".
package reference

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/cache"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// List types
const (
	ListProducts     = "products"
	ListServices     = "services"
	ListAppointments = "appointments"
	ListOrders       = "orders"
)

// Candidate is an item with its 1-indexed position
type Candidate struct {
	Item     db.ReferenceItem
	Position int
}

// Resolution is the outcome of resolving a reference. When Ambiguous is set
// Item is nil and Candidates holds every equally good match.
type Resolution struct {
	ContextID  string
	ListType   string
	Item       *db.ReferenceItem
	Position   int
	Method     string // numeric, ordinal or descriptive
	Ambiguous  bool
	Candidates []Candidate
}

// Manager stores and resolves reference contexts
type Manager struct {
	store db.ReferenceStore
	cache cache.Cache
	clock clock.Clock
	ttl   time.Duration
	log   *logrus.Entry
}

// NewManager creates a Manager. ttl is the lifetime of a stored list.
func NewManager(store db.ReferenceStore, c cache.Cache, clk clock.Clock, ttl time.Duration) *Manager {
	if c == nil {
		c = cache.Nop{}
	}
	if clk == nil {
		clk = clock.Real()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Manager{store: store, cache: c, clock: clk, ttl: ttl, log: logger.ForComponent("reference")}
}

func cacheKey(conversationID string) string { return "ref:" + conversationID }

// StoreListContext records a displayed list. It becomes the current context,
// superseding any earlier one. The cached copy is dropped before the write
// so a failed refresh never leaves the superseded list readable.
func (m *Manager) StoreListContext(ctx context.Context, conversationID, listType string, items []db.ReferenceItem) (string, error) {
	if len(items) == 0 {
		return "", apperr.Validation("StoreListContext", "reference list cannot be empty")
	}
	entry := logger.FromContext(ctx, m.log.WithField("conversation", conversationID))
	key := cacheKey(conversationID)
	if err := m.cache.Delete(ctx, key); err != nil {
		logger.Degraded(entry, "cache_delete", err)
	}

	now := m.clock.Now()
	rc := &db.ReferenceContext{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ListType:       listType,
		Items:          append([]db.ReferenceItem(nil), items...),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.ttl),
	}
	if err := m.store.CreateReferenceContext(ctx, rc); err != nil {
		return "", fmt.Errorf("storing reference context: %w", err)
	}

	if err := cache.SetValue(ctx, m.cache, key, rc, m.ttl); err != nil {
		logger.Degraded(entry, "cache_set", err)
		if err := m.cache.Delete(ctx, key); err != nil {
			logger.Degraded(entry, "cache_delete", err)
		}
	}

	entry.WithFields(logrus.Fields{
		"context_id": rc.ID,
		"list_type":  listType,
		"items":      len(items),
	}).Debug("Stored reference context")
	return rc.ID, nil
}

// Current returns the current reference context or nil when there is none or it expired
func (m *Manager) Current(ctx context.Context, conversationID string) (*db.ReferenceContext, error) {
	now := m.clock.Now()
	entry := logger.FromContext(ctx, m.log.WithField("conversation", conversationID))

	var cached db.ReferenceContext
	ok, err := cache.GetValue(ctx, m.cache, cacheKey(conversationID), &cached)
	if err != nil {
		logger.Degraded(entry, "cache_get", err)
	} else if ok && !cached.Expired(now) {
		return &cached, nil
	}

	rc, err := m.store.CurrentReferenceContext(ctx, conversationID, now)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		entry.WithField("error_kind", apperr.KindReferenceNotFound).Debug("No reference context")
		return nil, nil
	case errors.Is(err, apperr.ErrExpiredContext):
		entry.WithField("error_kind", apperr.KindExpiredContext).Debug("Reference context expired")
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("loading reference context: %w", err)
	}

	if err := cache.SetValue(ctx, m.cache, cacheKey(conversationID), rc, rc.ExpiresAt.Sub(now)); err != nil {
		logger.Degraded(entry, "cache_set", err)
	}
	return rc, nil
}

// ResolveReference resolves text against the current context. It returns
// nil when there is no live context or nothing in text refers to it.
func (m *Manager) ResolveReference(ctx context.Context, conversationID, text string) (*Resolution, error) {
	rc, err := m.Current(ctx, conversationID)
	if err != nil || rc == nil {
		return nil, err
	}

	res := Resolve(rc, text)
	entry := logger.FromContext(ctx, m.log).WithFields(logrus.Fields{"conversation": conversationID, "context_id": rc.ID})
	switch {
	case res == nil:
		entry.WithField("error_kind", apperr.KindReferenceNotFound).Debug("Reference did not resolve")
	case res.Ambiguous:
		entry.WithField("candidates", len(res.Candidates)).Info("Ambiguous reference")
	default:
		entry.WithFields(logrus.Fields{"position": res.Position, "method": res.Method}).Debug("Reference resolved")
	}
	return res, nil
}

// Resolve applies numeric, ordinal and descriptive matching in that order
func Resolve(rc *db.ReferenceContext, text string) *Resolution {
	n := len(rc.Items)
	if n == 0 {
		return nil
	}

	if pos, ok := numericPosition(text); ok {
		return at(rc, pos, "numeric")
	}
	if pos, ok := ordinalPosition(text, n); ok {
		return at(rc, pos, "ordinal")
	}

	matches := describe(rc.Items, text)
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return at(rc, matches[0], "descriptive")
	}

	res := &Resolution{ContextID: rc.ID, ListType: rc.ListType, Method: "descriptive", Ambiguous: true}
	for _, pos := range matches {
		res.Candidates = append(res.Candidates, Candidate{Item: rc.Items[pos-1], Position: pos})
	}
	return res
}

func at(rc *db.ReferenceContext, pos int, method string) *Resolution {
	if pos < 1 || pos > len(rc.Items) {
		return nil
	}
	item := rc.Items[pos-1]
	return &Resolution{ContextID: rc.ID, ListType: rc.ListType, Item: &item, Position: pos, Method: method}
}
