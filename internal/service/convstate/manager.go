// Package convstate owns the ConversationContext lifecycle: creation on
// first read, expire-on-read and the curated key facts that survive expiry.
package convstate

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxKeyFacts bounds the curated list kept across expiry
const MaxKeyFacts = 10

// ExpireFunc runs when Load finds an expired context, before it is saved
type ExpireFunc func(ctx context.Context, c *db.ConversationContext) error

// Manager loads and saves conversation contexts
type Manager struct {
	store    db.ContextStore
	clock    clock.Clock
	ttl      time.Duration
	onExpire ExpireFunc
	log      *logrus.Entry
}

// NewManager creates a Manager. ttl is the inactivity window after which transient fields clear.
func NewManager(store db.ContextStore, c clock.Clock, ttl time.Duration) *Manager {
	if c == nil {
		c = clock.Real()
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Manager{store: store, clock: c, ttl: ttl, log: logger.ForComponent("convstate")}
}

// OnExpire registers fn to run on every expiry Load observes
func (m *Manager) OnExpire(fn ExpireFunc) {
	m.onExpire = fn
}

// Load returns the context for a conversation, creating it if missing and
// clearing transient fields when it has expired
func (m *Manager) Load(ctx context.Context, conversationID string) (*db.ConversationContext, error) {
	now := m.clock.Now()

	c, err := m.store.GetContext(ctx, conversationID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		c = m.fresh(conversationID, now)
		if err := m.store.SaveContext(ctx, c); err != nil {
			return nil, fmt.Errorf("creating conversation context: %w", err)
		}
		m.log.WithField("conversation", conversationID).Debug("Created conversation context")
		return c, nil
	case err != nil:
		return nil, fmt.Errorf("loading conversation context: %w", err)
	}

	if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
		clearTransient(c)
		if m.onExpire != nil {
			if err := m.onExpire(ctx, c); err != nil {
				return nil, fmt.Errorf("expiring conversation context: %w", err)
			}
		}
		c.LastInteraction = now
		m.arm(c, now)
		if err := m.store.SaveContext(ctx, c); err != nil {
			return nil, fmt.Errorf("saving expired conversation context: %w", err)
		}
		logger.FromContext(ctx, m.log).WithFields(logrus.Fields{
			"conversation": conversationID,
			"key_facts":    len(c.KeyFacts),
		}).Info("Conversation context expired, transient state cleared")
	}
	return c, nil
}

// Save stamps the interaction time, extends expiry and persists
func (m *Manager) Save(ctx context.Context, c *db.ConversationContext) error {
	now := m.clock.Now()
	c.LastInteraction = now
	m.arm(c, now)
	if c.Version == 0 {
		c.Version = db.ContextKeysVersion
	}
	if err := m.store.SaveContext(ctx, c); err != nil {
		return fmt.Errorf("saving conversation context: %w", err)
	}
	return nil
}

func (m *Manager) fresh(conversationID string, now time.Time) *db.ConversationContext {
	c := &db.ConversationContext{
		ConversationID:    conversationID,
		ExtractedEntities: map[string]string{},
		ShoppingCart:      map[string]int{},
		LanguageUsage:     map[string]int{},
		LastInteraction:   now,
		Version:           db.ContextKeysVersion,
	}
	m.arm(c, now)
	return c
}

func (m *Manager) arm(c *db.ConversationContext, now time.Time) {
	exp := now.Add(m.ttl)
	c.ExpiresAt = &exp
}

// clearTransient resets per-topic state. Key facts, language, cart and
// checkout state are kept.
func clearTransient(c *db.ConversationContext) {
	c.CurrentTopic = ""
	c.PendingAction = ""
	c.ExtractedEntities = map[string]string{}
	c.LastMenu = nil
	c.LastMenuTimestamp = nil
	c.ClarificationAttempts = 0
}

// AddKeyFact records a fact worth keeping across expiry. Duplicates are
// ignored and the oldest fact is dropped past MaxKeyFacts.
func AddKeyFact(c *db.ConversationContext, fact string) {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return
	}
	for _, f := range c.KeyFacts {
		if strings.EqualFold(f, fact) {
			return
		}
	}
	c.KeyFacts = append(c.KeyFacts, fact)
	if len(c.KeyFacts) > MaxKeyFacts {
		c.KeyFacts = c.KeyFacts[len(c.KeyFacts)-MaxKeyFacts:]
	}
}

// SetKeyFact records "label: value", replacing an earlier value for label
func SetKeyFact(c *db.ConversationContext, label, value string) {
	value = strings.TrimSpace(value)
	if value == "" {
		return
	}
	prefix := strings.ToLower(label) + ":"
	kept := c.KeyFacts[:0]
	for _, f := range c.KeyFacts {
		if !strings.HasPrefix(strings.ToLower(f), prefix) {
			kept = append(kept, f)
		}
	}
	c.KeyFacts = kept
	AddKeyFact(c, label+": "+value)
}
