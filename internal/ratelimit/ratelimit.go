// Copyright Peton Labs, 2026. All rights reserved.

// Package ratelimit provides the named token-bucket budgets shared by the
// pipeline stages. Each budget refills independently, so a stalled source
// budget never starves the extraction or tabular budgets.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/petonlabs/systematic-review-data-extraction/internal/metrics"
	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

// ErrTimedOut reports that no token became available within the acquire
// timeout. Callers treat it as retry-later, not as a failure of the item.
var ErrTimedOut = errors.New("rate budget: acquire timed out")

const (
	defaultPerMinute = 60
	defaultTimeout   = 30 * time.Second
)

type bucket struct {
	lim       *rate.Limiter
	perMinute int
}

// Manager owns the named budgets. Buckets are created lazily on first
// acquire, so configuration only lists the budgets it wants to tune and
// every other name falls back to the default bucket settings.
type Manager struct {
	cfg     types.RateLimitConfig
	metrics *metrics.Collector

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewManager builds a Manager from cfg. A zero default budget falls back to
// 60 requests per minute; a zero acquire timeout falls back to 30s.
func NewManager(cfg types.RateLimitConfig, mc *metrics.Collector) *Manager {
	if cfg.Default.PerMinute <= 0 {
		cfg.Default.PerMinute = defaultPerMinute
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultTimeout
	}
	return &Manager{cfg: cfg, metrics: mc, buckets: make(map[string]*bucket)}
}

func (m *Manager) bucket(name string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.buckets[name]; ok {
		return b
	}

	bc, ok := m.cfg.Budgets[name]
	if !ok || bc.PerMinute <= 0 {
		bc.PerMinute = m.cfg.Default.PerMinute
	}
	if bc.Burst <= 0 {
		bc.Burst = bc.PerMinute
	}

	b := &bucket{
		lim:       rate.NewLimiter(rate.Limit(float64(bc.PerMinute))/60.0, bc.Burst),
		perMinute: bc.PerMinute,
	}
	m.buckets[name] = b
	return b
}

// Acquire blocks until the named budget yields a token or the timeout
// elapses. A timeout of zero uses the configured acquire timeout. Returns
// ErrTimedOut when the budget stays exhausted, or the context error when the
// caller's context ends first.
func (m *Manager) Acquire(ctx context.Context, budget string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = m.cfg.AcquireTimeout
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	if err := m.bucket(budget).lim.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTimedOut
	}
	m.metrics.ObserveRateWait(budget, time.Since(start).Seconds())
	return nil
}

// BudgetStatus is a point-in-time view of one budget.
type BudgetStatus struct {
	Name      string
	PerMinute int
	Tokens    float64
}

// Status reports every budget touched so far, sorted by name.
func (m *Manager) Status() []BudgetStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]BudgetStatus, 0, len(m.buckets))
	for name, b := range m.buckets {
		out = append(out, BudgetStatus{
			Name:      name,
			PerMinute: b.perMinute,
			Tokens:    b.lim.Tokens(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
