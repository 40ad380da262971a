package llm

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/config"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/service/usage"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// TaskType names the kind of work a call performs
type TaskType string

const (
	TaskIntentClassification TaskType = "intent_classification"
	TaskRAGAnswer            TaskType = "rag_answer"
	TaskResponseGeneration   TaskType = "response_generation"
	TaskSummarization        TaskType = "summarization"
	TaskComplexReasoning     TaskType = "complex_reasoning"
)

// DefaultTaskTiers maps each task to a model tier
func DefaultTaskTiers() map[TaskType]string {
	return map[TaskType]string{
		TaskIntentClassification: config.TierFast,
		TaskRAGAnswer:            config.TierMid,
		TaskResponseGeneration:   config.TierMid,
		TaskSummarization:        config.TierFast,
		TaskComplexReasoning:     config.TierHigh,
	}
}

// Preference lets a caller override routing. Empty fields keep the defaults.
type Preference struct {
	Provider string
	Model    string
	Tier     string
}

// Route is the selected provider and model for a task
type Route struct {
	Provider string
	Model    string
	Tier     string
	Reason   string
}

// GenerateRequest is a routed generation call
type GenerateRequest struct {
	Tenant         *db.Tenant
	ConversationID string
	Task           TaskType
	Messages       []Message
	MaxTokens      int
	Temperature    *float64
	JSONMode       bool
	Preference     Preference
}

// GenerateResult is the successful attempt of a routed call
type GenerateResult struct {
	Content      string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
	LatencyMs    int64
	Attempts     int
	FinishReason string
}

// RouterConfig holds the retry and budget settings
type RouterConfig struct {
	MaxRetries  int
	CallTimeout time.Duration
	DefaultCap  float64
}

// Router selects models, enforces the monthly budget and fails over between providers
type Router struct {
	providers *config.ProvidersConfig
	clients   map[string]ProviderClient
	failover  *FailoverManager
	ledger    db.UsageLedger
	clock     clock.Clock
	cfg       RouterConfig
	tiers     map[TaskType]string
	log       *logrus.Entry
}

// NewRouter creates a Router
func NewRouter(providers *config.ProvidersConfig, clients map[string]ProviderClient, failover *FailoverManager, ledger db.UsageLedger, c clock.Clock, cfg RouterConfig) *Router {
	if c == nil {
		c = clock.Real()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	return &Router{
		providers: providers,
		clients:   clients,
		failover:  failover,
		ledger:    ledger,
		clock:     c,
		cfg:       cfg,
		tiers:     DefaultTaskTiers(),
		log:       logger.ForComponent("llm_router"),
	}
}

// SetTaskTier overrides the tier used for a task
func (r *Router) SetTaskTier(task TaskType, tier string) {
	r.tiers[task] = tier
}

// SelectModel picks the provider and model for a task
func (r *Router) SelectModel(task TaskType, pref Preference) Route {
	route := Route{Tier: r.tiers[task], Reason: "task_default"}
	if route.Tier == "" {
		route.Tier = config.TierMid
	}
	if pref.Tier != "" {
		route.Tier = pref.Tier
		route.Reason = "caller_tier"
	}

	route.Provider = r.providers.GetDefaultProvider()
	if pref.Provider != "" {
		if _, ok := r.providers.GetProvider(pref.Provider); ok {
			route.Provider = pref.Provider
			route.Reason = "caller_provider"
		}
	}

	if pref.Model != "" {
		route.Model = pref.Model
		route.Reason = "caller_model"
		return route
	}
	route.Model, _ = r.providers.ModelForTier(route.Provider, route.Tier)
	return route
}

// CheckBudget returns ErrBudgetExceeded when the tenant's spend for the
// current billing period has reached its cap
func (r *Router) CheckBudget(ctx context.Context, tenant *db.Tenant) error {
	limit := usage.EffectiveCap(tenant, r.cfg.DefaultCap)
	if limit <= 0 {
		return nil
	}
	from, to := usage.BillingPeriod(r.clock.Now())
	spent, err := r.ledger.SumCost(ctx, tenant.ID, from, to)
	if err != nil {
		return fmt.Errorf("reading usage ledger: %w", err)
	}
	if spent >= limit {
		r.log.WithFields(logrus.Fields{
			"tenant":     tenant.ID,
			"spent":      spent,
			"cap":        limit,
			"error_kind": apperr.KindBudgetExceeded,
		}).Warn("Monthly budget exhausted, skipping provider call")
		return apperr.New(apperr.KindBudgetExceeded, "CheckBudget", fmt.Errorf("spent %.4f of %.2f", spent, limit))
	}
	return nil
}

// Generate runs a routed call: budget gate, then providers in failover order
// up to MaxRetries attempts. Every attempt is appended to the ledger.
func (r *Router) Generate(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if req.Tenant == nil {
		return nil, apperr.Validation("Generate", "tenant is required")
	}
	if err := r.CheckBudget(ctx, req.Tenant); err != nil {
		return nil, err
	}

	route := r.SelectModel(req.Task, req.Preference)
	entry := r.log.WithFields(logrus.Fields{
		"tenant":       req.Tenant.ID,
		"conversation": req.ConversationID,
		"task":         req.Task,
	})

	attempts := 0
	var lastErr error
	for _, name := range r.failover.Order(route.Provider) {
		if attempts >= r.cfg.MaxRetries {
			break
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		client, ok := r.clients[name]
		if !ok {
			continue
		}

		model, reason := route.Model, route.Reason
		if name != route.Provider {
			reason = "failover"
			if m, ok := r.providers.ModelForTier(name, route.Tier); ok {
				model = m
			}
		}
		attempts++

		res, err := r.attempt(ctx, client, model, req)
		rec := &db.ProviderUsageRecord{
			TenantID:       req.Tenant.ID,
			ConversationID: req.ConversationID,
			Provider:       name,
			Model:          model,
			TaskType:       string(req.Task),
			RoutingReason:  reason,
			Success:        err == nil,
		}
		if res != nil {
			rec.InputTokens = res.InputTokens
			rec.OutputTokens = res.OutputTokens
			rec.TotalTokens = res.InputTokens + res.OutputTokens
			rec.Cost = res.Cost
			rec.LatencyMs = res.LatencyMs
		}
		if err != nil {
			rec.ErrorMessage = err.Error()
		}
		if appendErr := r.ledger.AppendUsage(ctx, rec); appendErr != nil {
			logger.Degraded(entry.WithField("provider", name), "append_usage", appendErr)
		}

		if err != nil {
			r.failover.RecordFailure(name)
			lastErr = err
			entry.WithFields(logrus.Fields{"provider": name, "model": model, "attempt": attempts}).WithError(err).Warn("Provider call failed")
			continue
		}

		r.failover.RecordSuccess(name)
		res.Provider = name
		res.Model = model
		res.Attempts = attempts
		entry.WithFields(logrus.Fields{
			"provider":   name,
			"model":      model,
			"attempts":   attempts,
			"tokens":     rec.TotalTokens,
			"cost":       rec.Cost,
			"latency_ms": rec.LatencyMs,
		}).Info("Provider call succeeded")
		return res, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no provider client available")
	}
	entry.WithFields(logrus.Fields{"attempts": attempts, "error_kind": apperr.KindProvider}).Error("Provider failover exhausted")
	return nil, apperr.New(apperr.KindProvider, "Generate", fmt.Errorf("%d attempts: %w", attempts, lastErr))
}

// attempt makes one bounded call. A timeout is returned as an error like any other failure.
func (r *Router) attempt(ctx context.Context, client ProviderClient, model string, req GenerateRequest) (*GenerateResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.cfg.CallTimeout)
	defer cancel()

	start := r.clock.Now()
	resp, err := client.Generate(callCtx, ProviderRequest{
		Messages:    req.Messages,
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSONMode:    req.JSONMode,
	})
	latency := r.clock.Now().Sub(start).Milliseconds()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s: %w", r.cfg.CallTimeout, err)
		}
		return &GenerateResult{LatencyMs: latency}, err
	}

	cost := resp.Cost
	if cost == 0 {
		cost = r.providers.Cost(client.Name(), model, resp.InputTokens, resp.OutputTokens)
	}
	return &GenerateResult{
		Content:      resp.Content,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Cost:         cost,
		LatencyMs:    latency,
		FinishReason: resp.FinishReason,
	}, nil
}
