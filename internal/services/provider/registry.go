package provider

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stoa-app/coach-engine/internal/models"
)

// ErrNoProvider is returned when every candidate has been exhausted
var ErrNoProvider = errors.New("no provider available")

// Candidate pairs an adapter with its configured priority
// (ascending = preferred).
type Candidate struct {
	Adapter  Adapter
	Priority int
}

// Selection is the outcome of picking a provider for one request
type Selection struct {
	ProviderID   string
	Stream       *ChatStream
	FallbackUsed bool
	SelectedAt   time.Time
	Status       models.HealthStatus
}

// ProviderStatus is the diagnostics snapshot for one provider
type ProviderStatus struct {
	models.ProviderHealth
	SuccessCount  int64      `json:"success_count"`
	FailureCount  int64      `json:"failure_count"`
	DegradedCount int64      `json:"degraded_count"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastFailureAt *time.Time `json:"last_failure_at,omitempty"`
}

// SelectionSummary describes the most recent selection
type SelectionSummary struct {
	ProviderID   string              `json:"provider_id"`
	Status       models.HealthStatus `json:"status"`
	FallbackUsed bool                `json:"fallback_used"`
	SelectedAt   time.Time           `json:"selected_at"`
}

type entry struct {
	adapter  Adapter
	priority int

	mu            sync.Mutex
	health        models.ProviderHealth
	successCount  int64
	failureCount  int64
	degradedCount int64
	lastSuccessAt time.Time
	lastFailureAt time.Time
}

// Registry owns the per-provider health records and selects a healthy
// adapter for each request. It is safe for concurrent use; each
// provider's counters are guarded by a per-provider lock.
type Registry struct {
	entries   []*entry
	freshness time.Duration
	logger    *logrus.Logger

	selMu        sync.RWMutex
	lastSelected *SelectionSummary
}

// NewRegistry builds a registry from candidates ordered by priority.
// Unconfigured providers start as unavailable and are never attempted.
func NewRegistry(candidates []Candidate, freshness time.Duration, logger *logrus.Logger) *Registry {
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r := &Registry{
		freshness: freshness,
		logger:    logger,
	}
	for _, c := range sorted {
		e := &entry{adapter: c.Adapter, priority: c.Priority}
		e.health = models.ProviderHealth{
			ProviderID: c.Adapter.Name(),
			Status:     models.StatusUnavailable,
			CheckedAt:  time.Now().UTC(),
		}
		if c.Adapter.Configured() {
			// Optimistic until the first check runs
			e.health.Status = models.StatusHealthy
		} else {
			e.health.Error = ErrNotConfigured.Error()
		}
		r.entries = append(r.entries, e)

		logger.WithFields(logrus.Fields{
			"provider":   c.Adapter.Name(),
			"priority":   c.Priority,
			"configured": c.Adapter.Configured(),
		}).Info("Registered provider")
	}
	return r
}

// Select walks the priority-ordered candidates and returns the first one
// whose stream opens. A stream-open failure records a failure and falls
// through to the next candidate with fallbackUsed set. Opening alone is
// not a success; the success counter ticks in RecordStreamResult once
// the stream has completed cleanly.
func (r *Registry) Select(ctx context.Context, req ChatRequest) (*Selection, error) {
	fallback := false

	for _, e := range r.entries {
		if !e.adapter.Configured() {
			continue
		}
		if r.skipFresh(e) {
			r.logger.WithField("provider", e.adapter.Name()).Debug("Skipping provider with fresh unavailable status")
			continue
		}

		stream, err := e.adapter.CreateChatStream(ctx, req)
		if err != nil {
			r.recordFailure(e, err)
			r.logger.WithError(err).WithField("provider", e.adapter.Name()).Warn("Stream open failed, falling back")
			fallback = true
			continue
		}

		sel := &Selection{
			ProviderID:   e.adapter.Name(),
			Stream:       stream,
			FallbackUsed: fallback,
			SelectedAt:   time.Now().UTC(),
			Status:       r.statusOf(e),
		}
		r.setLastSelected(sel)
		return sel, nil
	}

	return nil, ErrNoProvider
}

// RecordStreamResult updates the counters after a selected stream has
// finished. A clean completion counts the success; a mid-stream error
// marks the provider degraded instead: it responded, then failed, so it
// stays eligible for future selection.
func (r *Registry) RecordStreamResult(providerID string, err error) {
	e := r.find(providerID)
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now().UTC()
	if err == nil {
		e.successCount++
		e.lastSuccessAt = now
		if e.health.Status != models.StatusHealthy {
			e.health.Status = models.StatusHealthy
			e.health.Error = ""
			e.health.CheckedAt = now
		}
		return
	}
	e.degradedCount++
	e.lastFailureAt = now
	e.health.Status = models.StatusDegraded
	e.health.Error = err.Error()
	e.health.CheckedAt = now
}

// CheckAll refreshes every provider's health record once
func (r *Registry) CheckAll(ctx context.Context) {
	for _, e := range r.entries {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		health := e.adapter.CheckHealth(checkCtx)
		cancel()

		e.mu.Lock()
		e.health = health
		e.mu.Unlock()

		r.logger.WithFields(logrus.Fields{
			"provider":   health.ProviderID,
			"status":     health.Status,
			"latency_ms": health.LatencyMs,
		}).Debug("Provider health checked")
	}
}

// StartMonitor runs periodic health checks until ctx is cancelled
func (r *Registry) StartMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		r.CheckAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CheckAll(ctx)
			}
		}
	}()
}

// Snapshot returns the diagnostics view of every provider
func (r *Registry) Snapshot() []ProviderStatus {
	out := make([]ProviderStatus, 0, len(r.entries))
	for _, e := range r.entries {
		e.mu.Lock()
		st := ProviderStatus{
			ProviderHealth: e.health,
			SuccessCount:   e.successCount,
			FailureCount:   e.failureCount,
			DegradedCount:  e.degradedCount,
		}
		if !e.lastSuccessAt.IsZero() {
			t := e.lastSuccessAt
			st.LastSuccessAt = &t
		}
		if !e.lastFailureAt.IsZero() {
			t := e.lastFailureAt
			st.LastFailureAt = &t
		}
		e.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// LastSelected returns the most recent selection summary, or nil
func (r *Registry) LastSelected() *SelectionSummary {
	r.selMu.RLock()
	defer r.selMu.RUnlock()
	if r.lastSelected == nil {
		return nil
	}
	cp := *r.lastSelected
	return &cp
}

// ConfiguredMap reports credential presence per provider without
// revealing the credentials themselves.
func (r *Registry) ConfiguredMap() map[string]string {
	out := make(map[string]string, len(r.entries))
	for _, e := range r.entries {
		if e.adapter.Configured() {
			out[e.adapter.Name()] = "configured"
		} else {
			out[e.adapter.Name()] = "missing"
		}
	}
	return out
}

func (r *Registry) skipFresh(e *entry) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.Status == models.StatusUnavailable &&
		time.Since(e.health.CheckedAt) < r.freshness
}

func (r *Registry) statusOf(e *entry) models.HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health.Status
}

func (r *Registry) recordFailure(e *entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failureCount++
	e.lastFailureAt = time.Now().UTC()
	e.health.Status = models.StatusUnavailable
	e.health.Error = err.Error()
	e.health.CheckedAt = time.Now().UTC()
}

func (r *Registry) setLastSelected(sel *Selection) {
	r.selMu.Lock()
	defer r.selMu.Unlock()
	r.lastSelected = &SelectionSummary{
		ProviderID:   sel.ProviderID,
		Status:       sel.Status,
		FallbackUsed: sel.FallbackUsed,
		SelectedAt:   sel.SelectedAt,
	}
}

func (r *Registry) find(providerID string) *entry {
	for _, e := range r.entries {
		if e.adapter.Name() == providerID {
			return e
		}
	}
	return nil
}
