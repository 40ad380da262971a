package llm

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/repository/db"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Intent is the classified customer goal of a message
type Intent string

const (
	IntentGreeting        Intent = "GREETING"
	IntentBrowseProducts  Intent = "BROWSE_PRODUCTS"
	IntentProductQuestion Intent = "PRODUCT_QUESTION"
	IntentSelectItem      Intent = "SELECT_ITEM"
	IntentAddToCart       Intent = "ADD_TO_CART"
	IntentCheckout        Intent = "CHECKOUT"
	IntentPayment         Intent = "PAYMENT"
	IntentOrderStatus     Intent = "ORDER_STATUS"
	IntentFAQ             Intent = "FAQ"
	IntentHumanHandoff    Intent = "HUMAN_HANDOFF"
	IntentCancel          Intent = "CANCEL"
	IntentUnknown         Intent = "UNKNOWN"
)

var knownIntents = map[Intent]bool{
	IntentGreeting: true, IntentBrowseProducts: true, IntentProductQuestion: true,
	IntentSelectItem: true, IntentAddToCart: true, IntentCheckout: true, IntentPayment: true,
	IntentOrderStatus: true, IntentFAQ: true, IntentHumanHandoff: true, IntentCancel: true,
	IntentUnknown: true,
}

// IsQuestion reports whether the intent is answered from the knowledge base
func (i Intent) IsQuestion() bool {
	return i == IntentFAQ || i == IntentProductQuestion
}

// IntentResult is the outcome of classification
type IntentResult struct {
	Intent         Intent
	Confidence     float64
	Slots          map[string]string
	BudgetExceeded bool
	Fallback       bool // produced by keyword rules rather than a model
	Provider       string
	Model          string
}

const intentPrompt = `Classify the customer's message for a shop assistant on WhatsApp.
Messages may be in English, Swahili or a mix of both.

Reply with a single JSON object and nothing else:
{"intent": "<one of GREETING, BROWSE_PRODUCTS, PRODUCT_QUESTION, SELECT_ITEM, ADD_TO_CART, CHECKOUT, PAYMENT, ORDER_STATUS, FAQ, HUMAN_HANDOFF, CANCEL, UNKNOWN>",
 "confidence": <0.0-1.0>,
 "slots": {"category": "", "budget": "", "color": "", "size": "", "quantity": "", "payment_method": "", "delivery_location": ""}}
CANCEL means the customer no longer wants the purchase in progress.
Omit slots you cannot fill.`

// ClassifyIntent classifies text with the fast tier. A spent budget returns
// UNKNOWN without calling any provider; provider exhaustion or an unreadable
// reply falls back to keyword rules. Only store failures are returned.
func (r *Router) ClassifyIntent(ctx context.Context, tenant *db.Tenant, conversationID, text string) (*IntentResult, error) {
	if tenant == nil {
		return nil, apperr.Validation("ClassifyIntent", "tenant is required")
	}
	temperature := 0.0
	res, err := r.Generate(ctx, GenerateRequest{
		Tenant:         tenant,
		ConversationID: conversationID,
		Task:           TaskIntentClassification,
		Messages: []Message{
			{Role: RoleSystem, Content: intentPrompt},
			{Role: RoleUser, Content: text},
		},
		MaxTokens:   200,
		Temperature: &temperature,
		JSONMode:    true,
	})

	entry := r.log.WithFields(logrus.Fields{"tenant": tenant.ID, "conversation": conversationID})
	switch {
	case errors.Is(err, apperr.ErrBudgetExceeded):
		return &IntentResult{Intent: IntentUnknown, Confidence: 0, BudgetExceeded: true}, nil
	case errors.Is(err, apperr.ErrProvider):
		entry.WithField("error_kind", apperr.KindProvider).Warn("Intent classification fell back to keyword rules")
		return RuleBasedIntent(text), nil
	case err != nil:
		return nil, fmt.Errorf("classifying intent: %w", err)
	}

	parsed, ok := ParseIntent(res.Content)
	if !ok {
		entry.WithField("content_length", len(res.Content)).Warn("Unreadable classification reply, using keyword rules")
		return RuleBasedIntent(text), nil
	}
	parsed.Provider = res.Provider
	parsed.Model = res.Model
	return parsed, nil
}

// ParseIntent reads the classification JSON, tolerating code fences and
// surrounding prose
func ParseIntent(content string) (*IntentResult, bool) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	raw := content[start : end+1]
	if !gjson.Valid(raw) {
		return nil, false
	}

	intent := Intent(strings.ToUpper(strings.TrimSpace(gjson.Get(raw, "intent").String())))
	if !knownIntents[intent] {
		return nil, false
	}

	confidence := gjson.Get(raw, "confidence").Float()
	switch {
	case confidence < 0:
		confidence = 0
	case confidence > 1:
		confidence = 1
	}

	slots := make(map[string]string)
	gjson.Get(raw, "slots").ForEach(func(key, value gjson.Result) bool {
		if v := strings.TrimSpace(value.String()); v != "" {
			slots[key.String()] = v
		}
		return true
	})
	return &IntentResult{Intent: intent, Confidence: confidence, Slots: slots}, true
}

var intentKeywords = []struct {
	intent Intent
	words  []string
}{
	{IntentHumanHandoff, []string{"human", "agent", "person", "mtu", "wakala"}},
	{IntentCancel, []string{"cancel", "never mind", "nevermind", "ghairi", "sitaki", "acha"}},
	{IntentOrderStatus, []string{"order status", "where is my order", "track", "delivery", "oda yangu", "mzigo"}},
	{IntentPayment, []string{"pay", "payment", "mpesa", "m-pesa", "lipa", "malipo"}},
	{IntentCheckout, []string{"checkout", "buy", "order now", "nunua", "agiza"}},
	{IntentAddToCart, []string{"add to cart", "cart", "ongeza", "kikapu"}},
	{IntentFAQ, []string{"open", "close", "hours", "location", "return", "refund", "saa ngapi", "mko wapi"}},
	{IntentProductQuestion, []string{"price", "how much", "size", "color", "colour", "bei", "ngapi", "rangi"}},
	{IntentBrowseProducts, []string{"show", "products", "catalog", "catalogue", "menu", "have", "onyesha", "bidhaa", "mna"}},
	{IntentGreeting, []string{"hello", "hi", "hey", "good morning", "habari", "hujambo", "mambo", "salaam", "jambo"}},
}

// RuleBasedIntent classifies text by keywords. It is the deterministic
// fallback when no model answer is available.
func RuleBasedIntent(text string) *IntentResult {
	padded := " " + strings.Join(strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	}), " ") + " "

	for _, rule := range intentKeywords {
		for _, word := range rule.words {
			if strings.Contains(padded, " "+word+" ") {
				return &IntentResult{Intent: rule.intent, Confidence: 0.5, Slots: map[string]string{}, Fallback: true}
			}
		}
	}
	return &IntentResult{Intent: IntentUnknown, Confidence: 0, Slots: map[string]string{}, Fallback: true}
}
