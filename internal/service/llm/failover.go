package llm

import (
	"commerce-assistant/internal/clock"
	"commerce-assistant/internal/logger"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type outcome struct {
	at      time.Time
	success bool
}

// FailoverManager tracks provider outcomes over a rolling window and
// orders providers for a call, skipping unhealthy ones
type FailoverManager struct {
	mu         sync.Mutex
	clock      clock.Clock
	order      []string
	window     time.Duration
	floor      float64
	minSamples int
	outcomes   map[string][]outcome
	log        *logrus.Entry
}

// NewFailoverManager creates a manager for providers in fallback order
func NewFailoverManager(order []string, c clock.Clock, window time.Duration, floor float64, minSamples int) *FailoverManager {
	if c == nil {
		c = clock.Real()
	}
	if window <= 0 {
		window = 5 * time.Minute
	}
	if floor <= 0 {
		floor = 0.8
	}
	if minSamples <= 0 {
		minSamples = 5
	}
	return &FailoverManager{
		clock:      c,
		order:      append([]string(nil), order...),
		window:     window,
		floor:      floor,
		minSamples: minSamples,
		outcomes:   make(map[string][]outcome),
		log:        logger.ForComponent("failover"),
	}
}

// RecordSuccess counts a successful call
func (f *FailoverManager) RecordSuccess(provider string) { f.record(provider, true) }

// RecordFailure counts a failed or timed out call
func (f *FailoverManager) RecordFailure(provider string) { f.record(provider, false) }

func (f *FailoverManager) record(provider string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	f.outcomes[provider] = append(f.prune(provider, now), outcome{at: now, success: success})
}

// prune drops outcomes older than the window. Caller holds mu.
func (f *FailoverManager) prune(provider string, now time.Time) []outcome {
	list := f.outcomes[provider]
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(list) && !list[i].at.After(cutoff) {
		i++
	}
	list = list[i:]
	f.outcomes[provider] = list
	return list
}

// Stats returns the successes and failures inside the window
func (f *FailoverManager) Stats(provider string) (successes, failures int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, o := range f.prune(provider, f.clock.Now()) {
		if o.success {
			successes++
		} else {
			failures++
		}
	}
	return successes, failures
}

// IsHealthy reports whether the provider's success rate is at or above the
// floor. Below the minimum sample size a provider is healthy.
func (f *FailoverManager) IsHealthy(provider string) bool {
	successes, failures := f.Stats(provider)
	total := successes + failures
	if total < f.minSamples {
		return true
	}
	return float64(successes)/float64(total) >= f.floor
}

// Order returns the providers to try: primary first, then the configured
// order, without unhealthy providers. When every provider is unhealthy the
// full order is returned so a call is still attempted.
func (f *FailoverManager) Order(primary string) []string {
	candidates := make([]string, 0, len(f.order)+1)
	if primary != "" {
		candidates = append(candidates, primary)
	}
	for _, name := range f.order {
		if name != primary {
			candidates = append(candidates, name)
		}
	}

	healthy := make([]string, 0, len(candidates))
	for _, name := range candidates {
		if f.IsHealthy(name) {
			healthy = append(healthy, name)
		} else {
			f.log.WithField("provider", name).Debug("Skipping unhealthy provider")
		}
	}
	if len(healthy) == 0 {
		f.log.WithField("providers", len(candidates)).Warn("All providers unhealthy, trying full order")
		return candidates
	}
	return healthy
}
