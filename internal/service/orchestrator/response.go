package orchestrator

import (
	"commerce-assistant/internal/service/language"
	"commerce-assistant/internal/service/llm"
)

// Message types of an AgentResponse
const (
	TypeText          = "text"
	TypeList          = "list"
	TypeClarification = "clarification"
	TypeUncertain     = "uncertain"
	TypeHandoff       = "handoff"
)

// Handoff reasons
const (
	ReasonStoreUnavailable    = "store_unavailable"
	ReasonProviderUnavailable = "provider_unavailable"
	ReasonCustomerRequest     = "customer_request"
	ReasonHumanActive         = "human_agent_active"
	ReasonInternalError       = "internal_error"
)

// Option is a selectable entry offered with a response
type Option struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Usage summarizes the provider spend of one pass
type Usage struct {
	Provider       string  `json:"provider,omitempty"`
	Model          string  `json:"model,omitempty"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	Cost           float64 `json:"cost"`
	LatencyMs      int64   `json:"latency_ms"`
	Attempts       int     `json:"attempts"`
	BudgetExceeded bool    `json:"budget_exceeded,omitempty"`
}

func (u *Usage) add(res *llm.GenerateResult) {
	if res == nil {
		return
	}
	u.Provider = res.Provider
	u.Model = res.Model
	u.InputTokens += res.InputTokens
	u.OutputTokens += res.OutputTokens
	u.Cost += res.Cost
	u.LatencyMs += res.LatencyMs
	u.Attempts += res.Attempts
}

// AgentResponse is the semantic outcome of one orchestration pass. The
// renderer turns it into channel messages.
type AgentResponse struct {
	Content       string   `json:"content"`
	MessageType   string   `json:"message_type"`
	Confidence    float64  `json:"confidence"`
	Handoff       bool     `json:"handoff"`
	HandoffReason string   `json:"handoff_reason,omitempty"`
	Usage         Usage    `json:"usage"`
	Options       []Option `json:"options,omitempty"`

	Intent    llm.Intent        `json:"intent,omitempty"`
	Language  language.Language `json:"language,omitempty"`
	Buffered  bool              `json:"buffered,omitempty"`
	Duplicate bool              `json:"duplicate,omitempty"`
}

var texts = map[string]map[language.Language]string{
	"handoff": {
		language.English: "Let me connect you with someone from the shop. They will reply here shortly.",
		language.Swahili: "Nitakuunganisha na mhudumu wa duka. Atakujibu hapa hivi punde.",
	},
	"apology": {
		language.English: "Sorry, I'm having trouble answering right now. Someone from the shop will get back to you shortly.",
		language.Swahili: "Samahani, nina tatizo la kujibu kwa sasa. Mhudumu wa duka atakujibu hivi punde.",
	},
	"clarify": {
		language.English: "Which one do you mean?",
		language.Swahili: "Unamaanisha ipi?",
	},
	"busy": {
		language.English: "Thanks for your message! I can't look that up right now, but you can reply with an item number or ask to talk to someone from the shop.",
		language.Swahili: "Asante kwa ujumbe wako! Siwezi kuangalia hilo kwa sasa, lakini unaweza kujibu na namba ya bidhaa au kuomba kuongea na mhudumu wa duka.",
	},
	"cancelled": {
		language.English: "No problem, I've cancelled that order. Let me know if you'd like anything else.",
		language.Swahili: "Sawa, nimeghairi oda hiyo. Niambie kama unahitaji kitu kingine.",
	},
	"payment_failed": {
		language.English: "Sorry, the payment did not go through, so the order was not placed. You can start again whenever you're ready.",
		language.Swahili: "Samahani, malipo hayakufanikiwa kwa hivyo oda haikuwekwa. Unaweza kuanza upya wakati wowote.",
	},
	"offer_human": {
		language.English: "Talk to a person",
		language.Swahili: "Ongea na mhudumu",
	},
}

// localized returns the text for key in lang. Mixed conversations get both
// languages, except for short option titles.
func localized(key string, lang language.Language) string {
	switch {
	case lang == language.Swahili:
		return texts[key][language.Swahili]
	case lang == language.Mixed && key != "offer_human":
		return texts[key][language.English] + "\n" + texts[key][language.Swahili]
	default:
		return texts[key][language.English]
	}
}
