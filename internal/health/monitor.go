package health

import (
	"context"
	"sync"
	"time"
)

// Backlog sizes at which the retry ledger stops counting as healthy.
const (
	backlogDegraded = 1000
	backlogCritical = 10000
)

// DatabaseHealth reports database reachability.
type DatabaseHealth interface {
	Health(ctx context.Context) error
}

// CacheHealth reports cache reachability.
type CacheHealth interface {
	Ping(ctx context.Context) error
}

// BacklogCounter reports the number of retry records awaiting resubmission.
type BacklogCounter interface {
	CountPending(ctx context.Context) (int, error)
}

// Monitor aggregates health status from the service's dependencies. A nil
// database or cache marks that dependency as not configured rather than down.
type Monitor struct {
	db         DatabaseHealth
	cache      CacheHealth
	backlog    BacklogCounter
	lastCheck  time.Time
	lastReport map[string]ComponentHealth
	mu         sync.RWMutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(db DatabaseHealth, cache CacheHealth, backlog BacklogCounter) *Monitor {
	return &Monitor{
		db:         db,
		cache:      cache,
		backlog:    backlog,
		lastReport: make(map[string]ComponentHealth),
	}
}

// CheckHealth probes every dependency and returns per-component health.
func (m *Monitor) CheckHealth(ctx context.Context) map[string]ComponentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks (e.g. max once per 10s) to avoid hammering dependencies
	if time.Since(m.lastCheck) < 10*time.Second && len(m.lastReport) > 0 {
		return m.lastReport
	}

	report := make(map[string]ComponentHealth)

	// 1. Database
	db := ComponentHealth{Component: "database", Status: StatusHealthy}
	if m.db == nil {
		db.Status = StatusDegraded
		db.Error = "running without a database; retry records are not durable"
	} else if err := m.db.Health(ctx); err != nil {
		db.Status = StatusCritical
		db.Error = err.Error()
	}
	report["database"] = db

	// 2. Redis (optional; only reported when configured)
	if m.cache != nil {
		cache := ComponentHealth{Component: "redis", Status: StatusHealthy}
		if err := m.cache.Ping(ctx); err != nil {
			cache.Status = StatusDegraded
			cache.Error = err.Error()
		}
		report["redis"] = cache
	}

	// 3. Retry backlog
	if m.backlog != nil {
		ledger := ComponentHealth{Component: "retry_ledger", Status: StatusHealthy}
		pending, err := m.backlog.CountPending(ctx)
		if err != nil {
			ledger.Status = StatusDegraded
			ledger.Error = err.Error()
		} else {
			ledger.RetryBacklog = pending
			if pending >= backlogCritical {
				ledger.Status = StatusCritical
			} else if pending >= backlogDegraded {
				ledger.Status = StatusDegraded
			}
		}
		report["retry_ledger"] = ledger
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
