// Package orchestrator runs one orchestration pass per inbound customer
// message, sequencing the memory, reference, language, routing, context and
// checkout components.
package orchestrator

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/cache"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/checkout"
	"commerce-assistant/internal/service/contextbuilder"
	"commerce-assistant/internal/service/convstate"
	"commerce-assistant/internal/service/harmonizer"
	"commerce-assistant/internal/service/language"
	"commerce-assistant/internal/service/llm"
	"commerce-assistant/internal/service/rag"
	"commerce-assistant/internal/service/reference"
	"commerce-assistant/pkg/validation"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"
)

// dedupeTTL covers channel redelivery of the same webhook
const dedupeTTL = 24 * time.Hour

// IntentClassifier classifies a customer message
type IntentClassifier interface {
	ClassifyIntent(ctx context.Context, tenant *db.Tenant, conversationID, text string) (*llm.IntentResult, error)
}

// Generator is the routed generation call
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (*llm.GenerateResult, error)
}

// Answerer answers knowledge questions
type Answerer interface {
	AnswerQuestion(ctx context.Context, q rag.Question) (*rag.Answer, error)
}

// Renderer receives the semantic response and owns channel formatting
type Renderer interface {
	Render(ctx context.Context, conv *db.Conversation, resp *AgentResponse) error
}

// Deps are the collaborators of an Orchestrator. Renderer and Cache are optional.
type Deps struct {
	Store      db.Database
	Cache      cache.Cache
	Clock      clock.Clock
	Harmonizer *harmonizer.Harmonizer
	References *reference.Manager
	Language   *language.Tracker
	State      *convstate.Manager
	Checkout   *checkout.Manager
	Builder    *contextbuilder.Builder
	Intents    IntentClassifier
	Generator  Generator
	Answers    Answerer
	Renderer   Renderer
}

// Orchestrator is the top-level message processor
type Orchestrator struct {
	Deps
	validator *validation.MessageValidator
	locks     *keyedMutex
	log       *logrus.Entry
}

// NewOrchestrator creates an Orchestrator and registers it as the
// harmonizer's processor
func NewOrchestrator(deps Deps) *Orchestrator {
	if deps.Cache == nil {
		deps.Cache = cache.Nop{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	o := &Orchestrator{
		Deps:      deps,
		validator: validation.NewMessageValidator(),
		locks:     newKeyedMutex(),
		log:       logger.ForComponent("orchestrator"),
	}
	if deps.Harmonizer != nil {
		deps.Harmonizer.SetProcessor(o.processBurst)
	}
	if deps.State != nil && deps.Checkout != nil {
		deps.State.OnExpire(o.expireCheckout)
	}
	return o
}

// turn is the unit one pass works on: a single message or a harmonized burst
type turn struct {
	conv    *db.Conversation
	msg     *db.Message
	tenant  *db.Tenant
	text    string
	exclude []string

	pass     *contextbuilder.Pass
	checkout *db.CheckoutSession // session as left by this turn, if any
}

// Receive takes a new inbound message: it drops duplicate deliveries,
// persists the message and either buffers it into an open burst or
// processes it right away.
func (o *Orchestrator) Receive(ctx context.Context, conv *db.Conversation, msg *db.Message, tenant *db.Tenant) (*AgentResponse, error) {
	if err := o.validator.ValidateProcessRequest(conv, msg, tenant); err != nil {
		return nil, err
	}
	msg.TenantID = tenant.ID
	ctx = logger.WithTenant(ctx, tenant.ID)
	entry := o.log.WithFields(logrus.Fields{
		"tenant":       tenant.ID,
		"conversation": conv.ID,
	})

	var buffered, dup bool
	release, err := o.lock(ctx, conv.ID)
	if err == nil {
		buffered, dup, err = o.intake(ctx, conv, msg, entry)
		release()
	}

	switch {
	case err != nil:
		resp := o.escalate(ctx, conv, language.Default, err)
		o.render(ctx, conv, resp)
		return resp, nil
	case dup:
		entry.WithField("external_id", msg.ExternalID).Info("Duplicate delivery dropped")
		return &AgentResponse{Duplicate: true}, nil
	case buffered:
		return &AgentResponse{Buffered: true}, nil
	}
	return o.ProcessMessage(ctx, conv, msg, tenant)
}

func (o *Orchestrator) intake(ctx context.Context, conv *db.Conversation, msg *db.Message, entry *logrus.Entry) (buffered, dup bool, err error) {
	key := ""
	if msg.ExternalID != "" {
		key = dedupeKey(conv.TenantID, msg.ExternalID)
		_, hit, cerr := o.Cache.Get(ctx, key)
		if cerr != nil {
			logger.Degraded(entry, "dedupe_cache_get", cerr)
		}
		if hit {
			return false, true, nil
		}
		_, ferr := o.Store.FindByExternalID(ctx, conv.TenantID, msg.ExternalID)
		switch {
		case ferr == nil:
			return false, true, nil
		case !errors.Is(ferr, apperr.ErrNotFound):
			return false, false, ferr
		}
	}

	if err := o.Store.AddMessage(ctx, msg); err != nil {
		return false, false, fmt.Errorf("persisting inbound message: %w", err)
	}
	if key != "" {
		if err := o.Cache.Set(ctx, key, []byte(msg.ID), dedupeTTL); err != nil {
			logger.Degraded(entry, "dedupe_cache_set", err)
		}
	}

	if o.Harmonizer == nil {
		return false, false, nil
	}
	should, err := o.Harmonizer.ShouldBuffer(ctx, conv, msg)
	if err != nil || !should {
		return false, false, err
	}
	if _, err := o.Harmonizer.Buffer(ctx, conv, msg); err != nil {
		return false, false, err
	}
	return true, false, nil
}

// dedupeKey is a fixed-length key for a channel message id
func dedupeKey(tenantID, externalID string) string {
	sum := blake2b.Sum256([]byte(tenantID + "\x00" + externalID))
	return "dedupe:" + hex.EncodeToString(sum[:])
}

// ProcessMessage runs one pass for an already persisted message. Store
// unavailability and provider exhaustion become handoff responses; only
// invalid input is returned as an error.
func (o *Orchestrator) ProcessMessage(ctx context.Context, conv *db.Conversation, msg *db.Message, tenant *db.Tenant) (*AgentResponse, error) {
	if err := o.validator.ValidateProcessRequest(conv, msg, tenant); err != nil {
		return nil, err
	}
	ctx = logger.WithTenant(ctx, tenant.ID)
	t := &turn{conv: conv, msg: msg, tenant: tenant, text: msg.Text}
	resp, lang, err := o.run(ctx, t)
	if err != nil {
		resp = o.escalate(ctx, conv, lang, err)
	}
	o.render(ctx, conv, resp)
	return resp, nil
}

// processBurst is the harmonizer callback. An escalated failure is returned
// so the queue entries are marked failed.
func (o *Orchestrator) processBurst(ctx context.Context, conv *db.Conversation, msgs []db.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ctx = logger.WithTenant(ctx, conv.TenantID)
	tenant, err := o.Store.GetTenant(ctx, conv.TenantID)
	if err != nil {
		o.render(ctx, conv, o.escalate(ctx, conv, language.Default, err))
		return fmt.Errorf("loading tenant: %w", err)
	}

	last := msgs[len(msgs)-1]
	t := &turn{conv: conv, msg: &last, tenant: tenant, text: harmonizer.Combine(msgs)}
	for _, m := range msgs[:len(msgs)-1] {
		t.exclude = append(t.exclude, m.ID)
	}

	resp, lang, err := o.run(ctx, t)
	if err != nil {
		o.render(ctx, conv, o.escalate(ctx, conv, lang, err))
		return err
	}
	o.render(ctx, conv, resp)
	return nil
}

func (o *Orchestrator) render(ctx context.Context, conv *db.Conversation, resp *AgentResponse) {
	if o.Renderer == nil || resp == nil {
		return
	}
	if err := o.Renderer.Render(ctx, conv, resp); err != nil {
		logger.Degraded(o.log.WithFields(logrus.Fields{
			"tenant":       conv.TenantID,
			"conversation": conv.ID,
		}), "render", err)
	}
}

// expireCheckout abandons the open purchase of a conversation whose context
// expired
func (o *Orchestrator) expireCheckout(ctx context.Context, c *db.ConversationContext) error {
	if err := o.Checkout.Abandon(ctx, c.ConversationID); err != nil && !errors.Is(err, apperr.ErrValidation) {
		return err
	}
	c.CheckoutState = ""
	return nil
}

// escalate turns a failure that may not be guessed around into a handoff
func (o *Orchestrator) escalate(ctx context.Context, conv *db.Conversation, lang language.Language, err error) *AgentResponse {
	kind := apperr.KindOf(err)
	entry := o.log.WithFields(logrus.Fields{
		"tenant":       conv.TenantID,
		"conversation": conv.ID,
		"error_kind":   kind,
	})

	resp := &AgentResponse{
		MessageType: TypeHandoff,
		Handoff:     true,
		Language:    lang,
	}
	switch kind {
	case apperr.KindStoreUnavailable:
		resp.HandoffReason = ReasonStoreUnavailable
		resp.Content = localized("handoff", lang)
		entry.WithError(err).Error("State store unavailable, handing off")
		return resp
	case apperr.KindProvider:
		resp.HandoffReason = ReasonProviderUnavailable
		resp.Content = localized("apology", lang)
		entry.WithError(err).Error("Provider failover exhausted, handing off")
	default:
		resp.HandoffReason = ReasonInternalError
		resp.Content = localized("apology", lang)
		entry.WithError(err).Error("Orchestration failed, handing off")
	}

	// the store is reachable here, so record the handoff
	if err := o.Store.SetConversationStatus(ctx, conv.ID, db.ConversationHandoff); err != nil {
		logger.Degraded(entry, "set_handoff_status", err)
	}
	if err := o.Store.AddMessage(ctx, &db.Message{
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Direction:      db.DirectionOutbound,
		Text:           resp.Content,
	}); err != nil {
		logger.Degraded(entry, "persist_apology", err)
	}
	return resp
}
