// Package usage aggregates the provider usage ledger per billing period.
package usage

import (
	"commerce-assistant/internal/apperr"
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"commerce-assistant/internal/repository/db"
	"commerce-assistant/internal/taskqueue"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// BillingPeriod returns the UTC calendar month containing now as [start, end)
func BillingPeriod(now time.Time) (time.Time, time.Time) {
	u := now.UTC()
	start := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// EffectiveCap returns the tenant's monthly cap, or defaultCap when unset
func EffectiveCap(tenant *db.Tenant, defaultCap float64) float64 {
	if tenant != nil && tenant.MonthlyBudget > 0 {
		return tenant.MonthlyBudget
	}
	return defaultCap
}

// Report is one tenant's month-to-date usage
type Report struct {
	db.UsageSummary
	Cap      float64
	Ratio    float64
	Alerting bool
}

// Aggregator computes month-to-date usage and raises budget alerts
type Aggregator struct {
	ledger     db.UsageLedger
	tenants    db.TenantStore
	clock      clock.Clock
	defaultCap float64
	alertRatio float64
	log        *logrus.Entry
}

// NewAggregator creates an Aggregator
func NewAggregator(ledger db.UsageLedger, tenants db.TenantStore, c clock.Clock, defaultCap, alertRatio float64) *Aggregator {
	if c == nil {
		c = clock.Real()
	}
	if alertRatio <= 0 {
		alertRatio = 0.8
	}
	return &Aggregator{
		ledger:     ledger,
		tenants:    tenants,
		clock:      c,
		defaultCap: defaultCap,
		alertRatio: alertRatio,
		log:        logger.ForComponent("usage"),
	}
}

// Aggregate builds the month-to-date report for every tenant with usage
func (a *Aggregator) Aggregate(ctx context.Context) ([]Report, error) {
	from, to := BillingPeriod(a.clock.Now())
	summaries, err := a.ledger.AggregateUsage(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("aggregating usage: %w", err)
	}

	reports := make([]Report, 0, len(summaries))
	for _, s := range summaries {
		tenant, err := a.tenants.GetTenant(ctx, s.TenantID)
		if err != nil && !errors.Is(err, apperr.ErrNotFound) {
			logger.Degraded(a.log.WithField("tenant", s.TenantID), "get_tenant", err)
		}
		r := Report{UsageSummary: s, Cap: EffectiveCap(tenant, a.defaultCap)}
		if r.Cap > 0 {
			r.Ratio = s.TotalCost / r.Cap
			r.Alerting = r.Ratio >= a.alertRatio
		}

		fields := logrus.Fields{
			"tenant":       s.TenantID,
			"calls":        s.Calls,
			"failures":     s.Failures,
			"total_tokens": s.TotalTokens,
			"total_cost":   fmt.Sprintf("$%.4f", s.TotalCost),
			"cap":          fmt.Sprintf("$%.2f", r.Cap),
		}
		if r.Alerting {
			a.log.WithFields(fields).WithField("ratio", r.Ratio).Warn("Tenant approaching monthly LLM budget")
		} else {
			a.log.WithFields(fields).Info("Month-to-date LLM usage")
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Schedule registers the aggregation as a periodic task
func (a *Aggregator) Schedule(q *taskqueue.Queue, every time.Duration) {
	q.Every(every, taskqueue.Task{
		Name: "usage_aggregation",
		Run: func(ctx context.Context) error {
			_, err := a.Aggregate(ctx)
			return err
		},
	})
}
