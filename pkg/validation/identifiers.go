package validation

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_.:-]+$`)

// IdentifierValidator validates ids received on the internal call surface
type IdentifierValidator struct{}

// NewIdentifierValidator creates a new IdentifierValidator
func NewIdentifierValidator() *IdentifierValidator {
	return &IdentifierValidator{}
}

// ValidateID validates a single identifier field
func (v *IdentifierValidator) ValidateID(field, value string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}

	if len(value) > 128 {
		return fmt.Errorf("%s must be at most 128 characters long, got %d", field, len(value))
	}

	if !identifierPattern.MatchString(value) {
		return fmt.Errorf("%s can only contain letters, numbers, and _ . : -", field)
	}

	return nil
}

// ValidateSentAt rejects missing or far-future timestamps
func (v *IdentifierValidator) ValidateSentAt(sentAt, now time.Time) error {
	if sentAt.IsZero() {
		return errors.New("sent_at cannot be empty")
	}
	if sentAt.After(now.Add(5 * time.Minute)) {
		return fmt.Errorf("sent_at is in the future: %s", sentAt.Format(time.RFC3339))
	}
	return nil
}

// ValidateInboundRequest validates the identifiers of an inbound message request
func (v *IdentifierValidator) ValidateInboundRequest(tenantID, conversationID, customerID, messageID string) error {
	fields := []struct{ name, value string }{
		{"tenant_id", tenantID},
		{"conversation_id", conversationID},
		{"customer_id", customerID},
		{"message_id", messageID},
	}
	for _, f := range fields {
		if err := v.ValidateID(f.name, f.value); err != nil {
			return err
		}
	}
	return nil
}
