package orchestrator

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/checkout"
	"commerce-assistant/internal/service/contextbuilder"
	"commerce-assistant/internal/service/convstate"
	"commerce-assistant/internal/service/language"
	"commerce-assistant/internal/service/llm"
	"commerce-assistant/internal/service/rag"
	"commerce-assistant/internal/service/reference"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// entity keys copied from intent slots into the conversation context
var slotKeys = []string{"category", "budget", "color", "size", "delivery_location"}

// slots that also become key facts, surviving context expiry
var durableSlots = []string{"size", "delivery_location"}

// shortReply is the word count up to which a message that resolves against
// the current list is read as a pick from it, whatever its intent
const shortReply = 4

const systemPrompt = `You are the WhatsApp shopping assistant for %s.
Help customers find products, answer questions about them and complete orders.
Only mention products, prices and shop details given below. If something is not listed, say you are not sure.
Keep replies short, friendly and easy to read on a phone.
%s`

// run is one serialized pass. The returned language is the best known one
// for the reply, even on error.
func (o *Orchestrator) run(ctx context.Context, t *turn) (*AgentResponse, language.Language, error) {
	lang := language.Default
	release, err := o.lock(ctx, t.conv.ID)
	if err != nil {
		return nil, lang, err
	}
	defer release()

	t.pass = contextbuilder.NewPass()
	entry := o.log.WithFields(logrus.Fields{
		"tenant":       t.tenant.ID,
		"conversation": t.conv.ID,
	})

	conv, err := o.Store.GetConversation(ctx, t.conv.ID)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		conv = t.conv
	case err != nil:
		return nil, lang, err
	}
	if conv.InHandoff() {
		entry.Debug("Human agent owns the conversation, skipping")
		return &AgentResponse{MessageType: TypeHandoff, Handoff: true, HandoffReason: ReasonHumanActive}, lang, nil
	}

	cctx, err := o.State.Load(ctx, conv.ID)
	if err != nil {
		return nil, lang, err
	}
	lang = o.Language.Observe(ctx, cctx, t.text)

	ref, err := o.References.ResolveReference(ctx, conv.ID, t.text)
	if err != nil {
		return nil, lang, err
	}
	short := len(strings.Fields(t.text)) <= shortReply
	if ref != nil && ref.Ambiguous && short {
		return o.finish(ctx, t, cctx, o.clarify(cctx, ref, lang), lang)
	}

	intent, err := o.Intents.ClassifyIntent(ctx, t.tenant, conv.ID, t.text)
	if err != nil {
		return nil, lang, err
	}
	if ref != nil && !referenceApplies(intent.Intent, short) {
		entry.WithField("intent", intent.Intent).Debug("Reference ignored for a long message")
		ref = nil
	}
	if ref != nil && ref.Ambiguous {
		return o.finish(ctx, t, cctx, o.clarify(cctx, ref, lang), lang)
	}
	if ref != nil {
		if cctx.ExtractedEntities == nil {
			cctx.ExtractedEntities = make(map[string]string)
		}
		cctx.ExtractedEntities["product_id"] = ref.Item.ID
		cctx.CurrentTopic = ref.Item.Title
		if selectsItem(intent.Intent) {
			intent.Intent = llm.IntentSelectItem
		}
	}
	mergeSlots(cctx, intent.Slots)
	entry.WithFields(logrus.Fields{
		"intent":     intent.Intent,
		"confidence": intent.Confidence,
		"fallback":   intent.Fallback,
		"language":   lang,
	}).Debug("Message classified")

	if intent.Intent == llm.IntentHumanHandoff {
		if err := o.Store.SetConversationStatus(ctx, conv.ID, db.ConversationHandoff); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return nil, lang, err
		}
		resp := &AgentResponse{
			Content:       localized("handoff", lang),
			MessageType:   TypeHandoff,
			Confidence:    intent.Confidence,
			Handoff:       true,
			HandoffReason: ReasonCustomerRequest,
		}
		return o.finish(ctx, t, cctx, resp, lang)
	}

	reply, err := o.advanceCheckout(ctx, t, cctx, intent, ref, entry)
	if err != nil {
		return nil, lang, err
	}

	var resp *AgentResponse
	switch {
	case reply != "":
		resp = &AgentResponse{Content: localized(reply, lang), MessageType: TypeText}
	case intent.Intent.IsQuestion():
		resp, err = o.answerQuestion(ctx, t, lang)
	default:
		resp, err = o.generate(ctx, t, cctx, intent, lang)
	}
	if err != nil {
		return nil, lang, err
	}
	resp.Intent = intent.Intent
	resp.Confidence = intent.Confidence
	if intent.BudgetExceeded {
		resp.Usage.BudgetExceeded = true
	}
	cctx.ClarificationAttempts = 0
	return o.finish(ctx, t, cctx, resp, lang)
}

// referenceApplies reports whether a resolved reference belongs to a message
// of the given intent. Short messages are always picks; longer ones only
// when the intent is about an item.
func referenceApplies(intent llm.Intent, short bool) bool {
	switch intent {
	case llm.IntentUnknown, llm.IntentSelectItem, llm.IntentProductQuestion,
		llm.IntentAddToCart, llm.IntentCheckout, llm.IntentPayment:
		return true
	case llm.IntentHumanHandoff, llm.IntentCancel:
		return false
	}
	return short
}

// selectsItem reports whether a referenced message of this intent is a selection
func selectsItem(intent llm.Intent) bool {
	switch intent {
	case llm.IntentAddToCart, llm.IntentCheckout, llm.IntentPayment:
		return false
	}
	return !intent.IsQuestion()
}

// finish persists the reply and the context
func (o *Orchestrator) finish(ctx context.Context, t *turn, cctx *db.ConversationContext, resp *AgentResponse, lang language.Language) (*AgentResponse, language.Language, error) {
	resp.Language = lang
	if resp.Content != "" {
		if err := o.Store.AddMessage(ctx, &db.Message{
			ConversationID: t.conv.ID,
			TenantID:       t.tenant.ID,
			Direction:      db.DirectionOutbound,
			Text:           resp.Content,
		}); err != nil {
			return nil, lang, fmt.Errorf("persisting reply: %w", err)
		}
	}
	if err := o.State.Save(ctx, cctx); err != nil {
		return nil, lang, err
	}
	return resp, lang, nil
}

func (o *Orchestrator) clarify(cctx *db.ConversationContext, ref *reference.Resolution, lang language.Language) *AgentResponse {
	cctx.ClarificationAttempts++
	cctx.PendingAction = "clarify_reference"

	var b strings.Builder
	b.WriteString(localized("clarify", lang))
	opts := make([]Option, 0, len(ref.Candidates))
	for _, c := range ref.Candidates {
		fmt.Fprintf(&b, "\n%d. %s", c.Position, c.Item.Title)
		opts = append(opts, Option{ID: c.Item.ID, Title: c.Item.Title})
	}
	return &AgentResponse{
		Content:     b.String(),
		MessageType: TypeClarification,
		Options:     opts,
	}
}

func mergeSlots(cctx *db.ConversationContext, slots map[string]string) {
	for _, k := range slotKeys {
		v, ok := slots[k]
		if !ok {
			continue
		}
		if cctx.ExtractedEntities == nil {
			cctx.ExtractedEntities = make(map[string]string)
		}
		cctx.ExtractedEntities[k] = v
	}
	for _, k := range durableSlots {
		convstate.SetKeyFact(cctx, k, slots[k])
	}
}

// advanceCheckout counts the turn in an open session and moves the flow
// forward. Out-of-order steps are ignored. It returns the key of a fixed
// reply when the turn needs no generated answer.
func (o *Orchestrator) advanceCheckout(ctx context.Context, t *turn, cctx *db.ConversationContext,
	intent *llm.IntentResult, ref *reference.Resolution, entry *logrus.Entry) (string, error) {
	convID := t.conv.ID
	session, err := o.Checkout.Active(ctx, convID)
	if err != nil {
		return "", err
	}

	if intent.Intent == llm.IntentCancel {
		if session == nil {
			return "", nil
		}
		if err := o.Checkout.Abandon(ctx, convID); err != nil {
			return "", err
		}
		cctx.CheckoutState = ""
		return "cancelled", nil
	}

	if session != nil {
		if _, _, err := o.Checkout.RecordMessage(ctx, session); err != nil {
			return "", err
		}
		t.checkout = session
		switch checkout.State(session.State) {
		case checkout.PaymentInitiated, checkout.PaymentConfirmed:
			return o.syncPayment(ctx, t, cctx, entry)
		}
	}

	var target checkout.State
	var mutate func(*db.CheckoutSession)
	switch intent.Intent {
	case llm.IntentSelectItem:
		if ref == nil {
			break
		}
		target = checkout.ProductSelected
		mutate = func(s *db.CheckoutSession) { s.SelectedProductID = ref.Item.ID }
	case llm.IntentAddToCart:
		product := cctx.ExtractedEntities["product_id"]
		if session != nil && session.SelectedProductID != "" {
			product = session.SelectedProductID
		}
		if product == "" {
			break
		}
		qty := 1
		if n, err := strconv.Atoi(intent.Slots["quantity"]); err == nil && n > 0 {
			qty = n
		}
		target = checkout.QuantityConfirmed
		mutate = func(s *db.CheckoutSession) {
			s.SelectedProductID = product
			s.Quantity = qty
			if cctx.ShoppingCart == nil {
				cctx.ShoppingCart = make(map[string]int)
			}
			cctx.ShoppingCart[product] += qty
		}
	case llm.IntentPayment:
		if session == nil || checkout.Rank(checkout.State(session.State)) < checkout.Rank(checkout.QuantityConfirmed) {
			break
		}
		method := intent.Slots["payment_method"]
		if method == "" && strings.Contains(strings.ToLower(t.text), "mpesa") {
			method = "mpesa"
		}
		if method == "" {
			break
		}
		target = checkout.PaymentMethodSelected
		mutate = func(s *db.CheckoutSession) { s.PaymentMethod = method }
	}

	if target != "" {
		if session == nil {
			if _, err := o.Checkout.Start(ctx, t.conv); err != nil {
				return "", err
			}
		}
		s, err := o.Checkout.Advance(ctx, convID, target, mutate)
		switch {
		case errors.Is(err, apperr.ErrValidation):
			entry.WithError(err).Debug("Checkout step ignored")
		case err != nil:
			return "", err
		default:
			cctx.CheckoutState = s.State
			session = s
			t.checkout = s
		}
	}

	if session != nil && checkout.State(session.State) == checkout.PaymentMethodSelected &&
		(intent.Intent == llm.IntentPayment || intent.Intent == llm.IntentCheckout) {
		s, err := o.Checkout.InitiatePayment(ctx, convID)
		if err != nil {
			return "", o.paymentError(entry, "initiate_payment", err)
		}
		cctx.CheckoutState = s.State
		t.checkout = s
	}
	return "", nil
}

// syncPayment follows an initiated payment. Completion clears the cart and
// records the order as a key fact; a failed payment ends the session.
func (o *Orchestrator) syncPayment(ctx context.Context, t *turn, cctx *db.ConversationContext, entry *logrus.Entry) (string, error) {
	s, err := o.Checkout.SyncPayment(ctx, t.conv.ID)
	if err != nil {
		return "", o.paymentError(entry, "sync_payment", err)
	}
	t.checkout = s
	switch {
	case s.AbandonedAt != nil:
		cctx.CheckoutState = ""
		return "payment_failed", nil
	case s.CompletedAt != nil:
		cctx.CheckoutState = ""
		cctx.ShoppingCart = map[string]int{}
		convstate.SetKeyFact(cctx, "last_order", s.OrderID)
	default:
		cctx.CheckoutState = s.State
	}
	return "", nil
}

// paymentError returns store failures and degrades gateway failures, which
// leave the session where it is for the next turn to retry
func (o *Orchestrator) paymentError(entry *logrus.Entry, op string, err error) error {
	if errors.Is(err, apperr.ErrStoreUnavailable) {
		return err
	}
	logger.Degraded(entry, op, err)
	return nil
}

// answerQuestion answers from the knowledge base. Uncertain answers offer a handoff.
func (o *Orchestrator) answerQuestion(ctx context.Context, t *turn, lang language.Language) (*AgentResponse, error) {
	ans, err := o.Answers.AnswerQuestion(ctx, rag.Question{
		Text:           t.text,
		Tenant:         t.tenant,
		ConversationID: t.conv.ID,
		Language:       lang,
		Pass:           t.pass,
	})
	if err != nil {
		return nil, err
	}
	resp := &AgentResponse{Content: ans.Text, MessageType: TypeText}
	resp.Usage.add(ans.Usage)
	resp.Usage.BudgetExceeded = ans.BudgetExceeded
	if ans.Uncertain {
		resp.MessageType = TypeUncertain
		if ans.HandoffOffered {
			resp.Options = []Option{{ID: "handoff", Title: localized("offer_human", lang)}}
		}
	}
	return resp, nil
}

// generate answers from the assembled context. Catalog items shown for a
// browse request become the conversation's current reference list.
func (o *Orchestrator) generate(ctx context.Context, t *turn, cctx *db.ConversationContext, intent *llm.IntentResult, lang language.Language) (*AgentResponse, error) {
	actx, err := o.Builder.BuildContext(ctx, contextbuilder.Request{
		Conversation: t.conv,
		Message:      t.msg,
		Tenant:       t.tenant,
		Query:        t.text,
		ExcludeIDs:   t.exclude,
		Pass:         t.pass,
	})
	if err != nil {
		return nil, err
	}

	res, err := o.Generator.Generate(ctx, llm.GenerateRequest{
		Tenant:         t.tenant,
		ConversationID: t.conv.ID,
		Task:           llm.TaskResponseGeneration,
		Messages:       actx.Messages(buildSystemPrompt(t.tenant, lang, cctx, t.checkout), t.text),
		MaxTokens:      500,
	})
	if errors.Is(err, apperr.ErrBudgetExceeded) {
		resp := &AgentResponse{Content: localized("busy", lang), MessageType: TypeText}
		resp.Usage.BudgetExceeded = true
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &AgentResponse{Content: strings.TrimSpace(res.Content), MessageType: TypeText}
	resp.Usage.add(res)

	if intent.Intent == llm.IntentBrowseProducts && len(actx.Catalog) > 0 {
		items := make([]db.ReferenceItem, 0, len(actx.Catalog))
		titles := make([]string, 0, len(actx.Catalog))
		for _, it := range actx.Catalog {
			attrs := make(map[string]string, len(it.Attributes)+1)
			for k, v := range it.Attributes {
				attrs[k] = v
			}
			if it.Price > 0 {
				attrs["price"] = strconv.FormatFloat(it.Price, 'f', -1, 64)
			}
			items = append(items, db.ReferenceItem{ID: it.ID, Title: it.Title, Attributes: attrs})
			titles = append(titles, it.Title)
			resp.Options = append(resp.Options, Option{ID: it.ID, Title: it.Title})
		}
		if _, err := o.References.StoreListContext(ctx, t.conv.ID, reference.ListProducts, items); err != nil {
			return nil, err
		}
		now := o.Clock.Now()
		cctx.LastMenu = titles
		cctx.LastMenuTimestamp = &now
		resp.MessageType = TypeList
	}
	return resp, nil
}

func buildSystemPrompt(tenant *db.Tenant, lang language.Language, cctx *db.ConversationContext, session *db.CheckoutSession) string {
	name := tenant.Name
	if name == "" {
		name = "this shop"
	}
	var directive string
	switch lang {
	case language.Swahili:
		directive = "Always reply in Swahili."
	case language.Mixed:
		directive = "Reply in the same mix of English and Swahili the customer uses."
	default:
		directive = "Always reply in English."
	}
	prompt := fmt.Sprintf(systemPrompt, name, directive)

	if cctx != nil && len(cctx.KeyFacts) > 0 {
		prompt += "\nKnown about this customer: " + strings.Join(cctx.KeyFacts, "; ") + "."
	}
	if session != nil {
		switch checkout.State(session.State) {
		case checkout.PaymentInitiated:
			prompt += "\nA payment request was sent to the customer. Ask them to approve it on their phone."
		case checkout.OrderComplete:
			prompt += fmt.Sprintf("\nPayment is confirmed and order %s is complete. Thank the customer.", session.OrderID)
		}
	}
	return prompt
}
