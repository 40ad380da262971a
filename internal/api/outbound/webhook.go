// Package outbound delivers rendered responses back to the channel gateway.
package outbound

import (
	"bytes"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/orchestrator"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Delivery is the payload posted to the gateway callback
type Delivery struct {
	TenantID       string                      `json:"tenant_id"`
	ConversationID string                      `json:"conversation_id"`
	CustomerID     string                      `json:"customer_id"`
	Response       *orchestrator.AgentResponse `json:"response"`
}

// WebhookRenderer posts responses to a callback URL. Without a URL it only logs them.
type WebhookRenderer struct {
	url        string
	httpClient *http.Client
	log        *logrus.Entry
}

func NewWebhookRenderer(url string, timeout time.Duration) *WebhookRenderer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookRenderer{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		log:        logger.ForComponent("outbound"),
	}
}

// Render delivers one response. Silent responses (no content, no handoff) are skipped.
func (r *WebhookRenderer) Render(ctx context.Context, conv *db.Conversation, resp *orchestrator.AgentResponse) error {
	if resp == nil || (resp.Content == "" && !resp.Handoff) {
		return nil
	}
	entry := r.log.WithFields(logrus.Fields{
		"tenant":       conv.TenantID,
		"conversation": conv.ID,
		"message_type": resp.MessageType,
	})
	if r.url == "" {
		entry.WithField("content", resp.Content).Info("Response rendered without callback")
		return nil
	}

	jsonData, err := json.Marshal(Delivery{
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		CustomerID:     conv.CustomerID,
		Response:       resp,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := r.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to deliver response: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1024))
		return fmt.Errorf("gateway returned status %d: %s", httpResp.StatusCode, string(body))
	}
	entry.Debug("Response delivered")
	return nil
}
