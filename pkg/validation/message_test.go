package validation

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/repository/db"
	"errors"
	"strings"
	"testing"
)

func TestMessageValidator_ValidateText(t *testing.T) {
	validator := NewMessageValidator()

	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{name: "valid message", text: "Nataka viatu vyekundu", wantErr: false},
		{name: "exactly max length", text: strings.Repeat("a", MaxMessageChars), wantErr: false},
		{name: "multibyte counted as characters", text: strings.Repeat("é", MaxMessageChars), wantErr: false},
		{name: "empty", text: "", wantErr: true},
		{name: "whitespace only", text: "  \n\t", wantErr: true},
		{name: "too long", text: strings.Repeat("a", MaxMessageChars+1), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateText(tt.text)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateText() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("ValidateText() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestMessageValidator_ValidateProcessRequest(t *testing.T) {
	validator := NewMessageValidator()

	tenant := func() *db.Tenant { return &db.Tenant{ID: "t1"} }
	conv := func() *db.Conversation { return &db.Conversation{ID: "c1", TenantID: "t1"} }
	msg := func() *db.Message {
		return &db.Message{ID: "m1", ConversationID: "c1", TenantID: "t1", Direction: db.DirectionInbound, Text: "hi"}
	}

	tests := []struct {
		name    string
		conv    *db.Conversation
		msg     *db.Message
		tenant  *db.Tenant
		wantErr string
	}{
		{name: "valid request", conv: conv(), msg: msg(), tenant: tenant()},
		{name: "nil tenant", conv: conv(), msg: msg(), tenant: nil, wantErr: "required"},
		{name: "empty conversation id", conv: &db.Conversation{TenantID: "t1"}, msg: msg(), tenant: tenant(), wantErr: "conversation id"},
		{name: "conversation from other tenant", conv: &db.Conversation{ID: "c1", TenantID: "t2"}, msg: msg(), tenant: tenant(), wantErr: "does not belong to tenant"},
		{
			name:    "message from other conversation",
			conv:    conv(),
			msg:     &db.Message{ID: "m1", ConversationID: "c9", Direction: db.DirectionInbound, Text: "hi"},
			tenant:  tenant(),
			wantErr: "does not belong to conversation",
		},
		{
			name:    "outbound message",
			conv:    conv(),
			msg:     &db.Message{ID: "m1", ConversationID: "c1", Direction: db.DirectionOutbound, Text: "hi"},
			tenant:  tenant(),
			wantErr: "only inbound",
		},
		{
			name:    "empty text",
			conv:    conv(),
			msg:     &db.Message{ID: "m1", ConversationID: "c1", Direction: db.DirectionInbound},
			tenant:  tenant(),
			wantErr: "cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validator.ValidateProcessRequest(tt.conv, tt.msg, tt.tenant)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateProcessRequest() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateProcessRequest() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("ValidateProcessRequest() error = %v, want containing %q", err, tt.wantErr)
			}
			if !errors.Is(err, apperr.ErrValidation) {
				t.Errorf("ValidateProcessRequest() error kind = %s, want validation", apperr.KindOf(err))
			}
		})
	}
}
