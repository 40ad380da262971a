// Package checkout advances the per-conversation purchase flow.
package checkout

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// State is a checkout step. States only move forward in the order below.
type State string

const (
	Browsing              State = "BROWSING"
	ProductSelected       State = "PRODUCT_SELECTED"
	QuantityConfirmed     State = "QUANTITY_CONFIRMED"
	PaymentMethodSelected State = "PAYMENT_METHOD_SELECTED"
	PaymentInitiated      State = "PAYMENT_INITIATED"
	PaymentConfirmed      State = "PAYMENT_CONFIRMED"
	OrderComplete         State = "ORDER_COMPLETE"
)

var order = []State{
	Browsing,
	ProductSelected,
	QuantityConfirmed,
	PaymentMethodSelected,
	PaymentInitiated,
	PaymentConfirmed,
	OrderComplete,
}

// DefaultQuickCheckoutSLA is the message count above which a session is flagged
const DefaultQuickCheckoutSLA = 3

// Rank returns the position of s in the flow, or -1 for an unknown state
func Rank(s State) int {
	for i, st := range order {
		if st == s {
			return i
		}
	}
	return -1
}

// ParseState validates a stored state name
func ParseState(s string) (State, error) {
	st := State(s)
	if Rank(st) < 0 {
		return "", apperr.Validation("ParseState", "unknown checkout state %q", s)
	}
	return st, nil
}

// PaymentStatus is what a gateway reports for an initiated payment
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusConfirmed PaymentStatus = "confirmed"
	StatusFailed    PaymentStatus = "failed"
)

// PaymentResult is a gateway status report. OrderID is set once confirmed.
type PaymentResult struct {
	Status  PaymentStatus
	OrderID string
}

// PaymentGateway is the external payment collaborator. The wire protocol is
// the gateway's business.
type PaymentGateway interface {
	// InitiatePayment requests payment for the session and returns the gateway reference
	InitiatePayment(ctx context.Context, s *db.CheckoutSession) (string, error)
	PaymentStatus(ctx context.Context, s *db.CheckoutSession) (*PaymentResult, error)
}

// ErrPaymentUnavailable is returned when no gateway is configured
var ErrPaymentUnavailable = errors.New("payment gateway not configured")

// Manager drives checkout sessions
type Manager struct {
	store    db.CheckoutStore
	clock    clock.Clock
	sla      int
	payments PaymentGateway
	log      *logrus.Entry
}

// NewManager creates a Manager. sla <= 0 uses DefaultQuickCheckoutSLA.
func NewManager(store db.CheckoutStore, c clock.Clock, sla int) *Manager {
	if c == nil {
		c = clock.Real()
	}
	if sla <= 0 {
		sla = DefaultQuickCheckoutSLA
	}
	return &Manager{store: store, clock: c, sla: sla, log: logger.ForComponent("checkout")}
}

// SetPaymentGateway wires the gateway used by InitiatePayment and SyncPayment
func (m *Manager) SetPaymentGateway(g PaymentGateway) {
	m.payments = g
}

// Active returns the open session of a conversation, or nil when there is none
func (m *Manager) Active(ctx context.Context, conversationID string) (*db.CheckoutSession, error) {
	s, err := m.store.ActiveCheckoutSession(ctx, conversationID)
	if errors.Is(err, apperr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkout session: %w", err)
	}
	return s, nil
}

// Start returns the open session, creating one in BROWSING when there is none
func (m *Manager) Start(ctx context.Context, conv *db.Conversation) (*db.CheckoutSession, error) {
	if conv == nil || conv.ID == "" {
		return nil, apperr.Validation("Start", "conversation is required")
	}
	s, err := m.Active(ctx, conv.ID)
	if err != nil || s != nil {
		return s, err
	}
	s = &db.CheckoutSession{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		State:          string(Browsing),
		StartedAt:      m.clock.Now(),
	}
	if err := m.store.CreateCheckoutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("creating checkout session: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"tenant":       conv.TenantID,
		"conversation": conv.ID,
		"session":      s.ID,
	}).Info("Checkout session started")
	return s, nil
}

// Advance moves the open session to target and applies mutate to it before
// saving. Moving to an earlier state is rejected; staying in the same state
// only applies mutate. Reaching ORDER_COMPLETE sets CompletedAt.
func (m *Manager) Advance(ctx context.Context, conversationID string, target State, mutate func(*db.CheckoutSession)) (*db.CheckoutSession, error) {
	if Rank(target) < 0 {
		return nil, apperr.Validation("Advance", "unknown checkout state %q", target)
	}
	s, err := m.Active(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.NotFound("Advance", "open checkout session")
	}
	current, err := ParseState(s.State)
	if err != nil {
		return nil, err
	}
	if Rank(target) < Rank(current) {
		return nil, apperr.Validation("Advance", "cannot move checkout from %s back to %s", current, target)
	}

	if mutate != nil {
		mutate(s)
	}
	s.State = string(target)
	if target == OrderComplete {
		now := m.clock.Now()
		s.CompletedAt = &now
	}
	if err := m.store.UpdateCheckoutSession(ctx, s); err != nil {
		return nil, fmt.Errorf("saving checkout session: %w", err)
	}

	if target != current {
		m.log.WithFields(logrus.Fields{
			"tenant":       s.TenantID,
			"conversation": conversationID,
			"session":      s.ID,
			"from":         current,
			"to":           target,
		}).Info("Checkout advanced")
	}
	return s, nil
}

// Abandon marks the open session abandoned. It is a no-op without one.
func (m *Manager) Abandon(ctx context.Context, conversationID string) error {
	s, err := m.Active(ctx, conversationID)
	if err != nil || s == nil {
		return err
	}
	if State(s.State) == OrderComplete {
		return apperr.Validation("Abandon", "checkout session %s is complete", s.ID)
	}
	now := m.clock.Now()
	s.AbandonedAt = &now
	if err := m.store.UpdateCheckoutSession(ctx, s); err != nil {
		return fmt.Errorf("saving checkout session: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"tenant":       s.TenantID,
		"conversation": conversationID,
		"session":      s.ID,
		"state":        s.State,
	}).Info("Checkout abandoned")
	return nil
}

// RecordMessage counts a customer turn in the session and reports whether
// the session now exceeds the quick checkout SLA. The flag is advisory.
func (m *Manager) RecordMessage(ctx context.Context, s *db.CheckoutSession) (int, bool, error) {
	n, err := m.store.IncrementCheckoutMessageCount(ctx, s.ID)
	if err != nil {
		return 0, false, fmt.Errorf("counting checkout message: %w", err)
	}
	s.MessageCount = n
	exceeded := n > m.sla
	if exceeded {
		m.log.WithFields(logrus.Fields{
			"tenant":        s.TenantID,
			"conversation":  s.ConversationID,
			"session":       s.ID,
			"message_count": n,
			"sla":           m.sla,
		}).Warn("Checkout exceeds quick checkout SLA")
	}
	return n, exceeded, nil
}

// InitiatePayment asks the gateway to collect payment for a session that has
// a payment method and moves it to PAYMENT_INITIATED
func (m *Manager) InitiatePayment(ctx context.Context, conversationID string) (*db.CheckoutSession, error) {
	if m.payments == nil {
		return nil, ErrPaymentUnavailable
	}
	s, err := m.Active(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.NotFound("InitiatePayment", "open checkout session")
	}
	if State(s.State) != PaymentMethodSelected {
		return nil, apperr.Validation("InitiatePayment", "checkout is in %s, want %s", s.State, PaymentMethodSelected)
	}

	ref, err := m.payments.InitiatePayment(ctx, s)
	if err != nil {
		return nil, apperr.New(apperr.KindProvider, "InitiatePayment", err)
	}
	return m.Advance(ctx, conversationID, PaymentInitiated, func(s *db.CheckoutSession) { s.PaymentRef = ref })
}

// SyncPayment polls the gateway for an initiated payment. A confirmed
// payment completes the order, a failed one abandons the session and a
// pending one leaves it as is.
func (m *Manager) SyncPayment(ctx context.Context, conversationID string) (*db.CheckoutSession, error) {
	if m.payments == nil {
		return nil, ErrPaymentUnavailable
	}
	s, err := m.Active(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperr.NotFound("SyncPayment", "open checkout session")
	}
	st := State(s.State)
	if st != PaymentInitiated && st != PaymentConfirmed {
		return nil, apperr.Validation("SyncPayment", "checkout is in %s, no payment to sync", s.State)
	}

	res, err := m.payments.PaymentStatus(ctx, s)
	if err != nil {
		return nil, apperr.New(apperr.KindProvider, "SyncPayment", err)
	}
	switch res.Status {
	case StatusConfirmed:
		if st == PaymentInitiated {
			if s, err = m.Advance(ctx, conversationID, PaymentConfirmed, func(s *db.CheckoutSession) {
				s.OrderID = res.OrderID
			}); err != nil {
				return nil, err
			}
		}
		return m.Advance(ctx, conversationID, OrderComplete, func(s *db.CheckoutSession) {
			if res.OrderID != "" {
				s.OrderID = res.OrderID
			}
		})
	case StatusFailed:
		if err := m.Abandon(ctx, conversationID); err != nil {
			return nil, err
		}
		now := m.clock.Now()
		s.AbandonedAt = &now
		return s, nil
	default:
		return s, nil
	}
}
