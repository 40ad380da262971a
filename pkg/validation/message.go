package validation

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/repository/db"
	"strings"
	"unicode/utf8"
)

// MaxMessageChars is the longest inbound text accepted for orchestration
const MaxMessageChars = 4096

const opProcess = "ValidateProcessRequest"

// MessageValidator checks orchestration input before any side effect
type MessageValidator struct{}

// NewMessageValidator creates a new MessageValidator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateText validates an inbound message body
func (v *MessageValidator) ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return apperr.Validation(opProcess, "message text cannot be empty")
	}
	if n := utf8.RuneCountInString(text); n > MaxMessageChars {
		return apperr.Validation(opProcess, "message text must be at most %d characters, got %d", MaxMessageChars, n)
	}
	return nil
}

// ValidateTenantConsistency checks the three records belong together
func (v *MessageValidator) ValidateTenantConsistency(conv *db.Conversation, msg *db.Message, tenant *db.Tenant) error {
	if conv.TenantID != tenant.ID {
		return apperr.Validation(opProcess, "conversation %s does not belong to tenant %s", conv.ID, tenant.ID)
	}
	if msg.ConversationID != conv.ID {
		return apperr.Validation(opProcess, "message %s does not belong to conversation %s", msg.ID, conv.ID)
	}
	if msg.TenantID != "" && msg.TenantID != tenant.ID {
		return apperr.Validation(opProcess, "message %s does not belong to tenant %s", msg.ID, tenant.ID)
	}
	return nil
}

// ValidateProcessRequest validates a complete orchestration request
func (v *MessageValidator) ValidateProcessRequest(conv *db.Conversation, msg *db.Message, tenant *db.Tenant) error {
	if conv == nil || msg == nil || tenant == nil {
		return apperr.Validation(opProcess, "conversation, message and tenant are required")
	}

	if conv.ID == "" {
		return apperr.Validation(opProcess, "conversation id cannot be empty")
	}

	if tenant.ID == "" {
		return apperr.Validation(opProcess, "tenant id cannot be empty")
	}

	if err := v.ValidateTenantConsistency(conv, msg, tenant); err != nil {
		return err
	}

	if msg.Direction != db.DirectionInbound {
		return apperr.Validation(opProcess, "only inbound messages can be processed, got %q", msg.Direction)
	}

	return v.ValidateText(msg.Text)
}
