package handlers

import (
	"commerce-assistant/internal/api/auth"
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/orchestrator"
	"commerce-assistant/pkg/validation"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Receiver is the orchestrator entry point the handler calls
type Receiver interface {
	Receive(ctx context.Context, conv *db.Conversation, msg *db.Message, tenant *db.Tenant) (*orchestrator.AgentResponse, error)
}

// MessageRequest is an inbound customer message forwarded by a channel gateway
type MessageRequest struct {
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	CustomerID     string    `json:"customer_id"`
	MessageID      string    `json:"message_id"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// MessageHandler serves the internal message and health routes
type MessageHandler struct {
	store     db.Database
	receiver  Receiver
	clock     clock.Clock
	validator *validation.IdentifierValidator
	log       *logrus.Entry
}

func NewMessageHandler(store db.Database, receiver Receiver, clk clock.Clock) *MessageHandler {
	if clk == nil {
		clk = clock.Real()
	}
	return &MessageHandler{
		store:     store,
		receiver:  receiver,
		clock:     clk,
		validator: validation.NewIdentifierValidator(),
		log:       logger.ForComponent("api"),
	}
}

// HandleMessage accepts one inbound message. A buffered message is answered
// with 202; the burst response is rendered later.
func (h *MessageHandler) HandleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		auth.SendError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}

	var req MessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.SendError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	if err := h.validator.ValidateInboundRequest(req.TenantID, req.ConversationID, req.CustomerID, req.MessageID); err != nil {
		auth.SendError(w, http.StatusBadRequest, "Invalid identifiers", err)
		return
	}
	if err := h.validator.ValidateSentAt(req.SentAt, h.clock.Now()); err != nil {
		auth.SendError(w, http.StatusBadRequest, "Invalid sent_at", err)
		return
	}

	if claims, ok := auth.ClaimsFromContext(r.Context()); ok && claims.TenantID != req.TenantID {
		auth.SendError(w, http.StatusForbidden, "Token is not valid for this tenant", nil)
		return
	}

	entry := h.log.WithFields(logrus.Fields{
		"tenant":       req.TenantID,
		"conversation": req.ConversationID,
	})

	tenant, err := h.store.GetTenant(r.Context(), req.TenantID)
	if err != nil {
		h.sendStoreError(w, entry, "Failed to load tenant", err)
		return
	}
	if !tenant.Active {
		auth.SendError(w, http.StatusForbidden, "Tenant is not active", nil)
		return
	}

	conv, err := h.conversation(r.Context(), &req)
	if err != nil {
		h.sendStoreError(w, entry, "Failed to load conversation", err)
		return
	}
	if conv.TenantID != tenant.ID || conv.CustomerID != req.CustomerID {
		auth.SendError(w, http.StatusForbidden, "Conversation belongs to another tenant or customer", nil)
		return
	}

	msg := &db.Message{
		ExternalID:     req.MessageID,
		ConversationID: conv.ID,
		TenantID:       tenant.ID,
		Direction:      db.DirectionInbound,
		Text:           req.Text,
	}

	resp, err := h.receiver.Receive(r.Context(), conv, msg, tenant)
	if err != nil {
		if errors.Is(err, apperr.ErrValidation) {
			auth.SendError(w, http.StatusBadRequest, "Invalid message", err)
			return
		}
		entry.WithError(err).Error("Failed to process message")
		auth.SendError(w, http.StatusInternalServerError, "Failed to process message", err)
		return
	}

	status := http.StatusOK
	if resp.Buffered {
		status = http.StatusAccepted
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// conversation loads the conversation or starts it on first contact
func (h *MessageHandler) conversation(ctx context.Context, req *MessageRequest) (*db.Conversation, error) {
	conv, err := h.store.GetConversation(ctx, req.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	conv = &db.Conversation{
		ID:         req.ConversationID,
		TenantID:   req.TenantID,
		CustomerID: req.CustomerID,
		Status:     db.ConversationActive,
	}
	if err := h.store.SaveConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("starting conversation: %w", err)
	}
	return conv, nil
}

func (h *MessageHandler) sendStoreError(w http.ResponseWriter, entry *logrus.Entry, message string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		auth.SendError(w, http.StatusNotFound, message, err)
	case errors.Is(err, apperr.ErrStoreUnavailable):
		entry.WithError(err).Error(message)
		auth.SendError(w, http.StatusServiceUnavailable, message, err)
	default:
		entry.WithError(err).Error(message)
		auth.SendError(w, http.StatusInternalServerError, message, err)
	}
}

// HandleHealth reports whether the state store answers
func (h *MessageHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		auth.SendError(w, http.StatusMethodNotAllowed, "Method not allowed", nil)
		return
	}
	if _, err := h.store.ListTenants(r.Context()); err != nil {
		h.log.WithError(err).Warn("Health check failed")
		auth.SendError(w, http.StatusServiceUnavailable, "State store unavailable", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}
