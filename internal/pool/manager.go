package pool

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Health classifies a resource's operating condition.
type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// ResourceStatus is the manager's view of one resource.
type ResourceStatus struct {
	Resource    string    `json:"resource"`
	Health      Health    `json:"health"`
	Stats       Stats     `json:"stats"`
	ErrorRate   float64   `json:"errorRate"`
	MemoryBytes uint64    `json:"memoryBytes"`
	CheckedAt   time.Time `json:"checkedAt"`
}

// Event reports a health transition.
type Event struct {
	Resource string
	From     Health
	To       Health
	At       time.Time
}

// ManagerConfig tunes the lifecycle loop.
type ManagerConfig struct {
	Interval              time.Duration
	MemoryBudgetBytes     uint64 // per-resource estimate budget; 0 disables the check
	ForceCleanupThreshold time.Duration
}

// Manager runs the resource lifecycle loop: it collects per-pool metrics,
// recomputes health, schedules idle cleanup, and emits transition events.
type Manager struct {
	cfg     ManagerConfig
	pools   func() map[string]*Pool
	onEvent func(Event)

	mu       sync.RWMutex
	statuses map[string]ResourceStatus

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewManager creates a lifecycle manager. The pools func returns the live
// pool set so resources registered at bootstrap are picked up after init.
func NewManager(cfg ManagerConfig, pools func() map[string]*Pool, onEvent func(Event)) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ForceCleanupThreshold <= 0 {
		cfg.ForceCleanupThreshold = 10 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		pools:    pools,
		onEvent:  onEvent,
		statuses: make(map[string]ResourceStatus),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the lifecycle loop.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.doneCh)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.collect()
		for {
			select {
			case <-ticker.C:
				m.collect()
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the lifecycle loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
}

// Statuses returns a copy of the latest per-resource statuses.
func (m *Manager) Statuses() map[string]ResourceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ResourceStatus, len(m.statuses))
	for name, status := range m.statuses {
		out[name] = status
	}
	return out
}

// AllServing reports whether every resource is healthy or degraded.
func (m *Manager) AllServing() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, status := range m.statuses {
		if status.Health == Unhealthy {
			return false
		}
	}
	return true
}

func (m *Manager) collect() {
	now := time.Now()
	for name, pool := range m.pools() {
		stats := pool.Stats()

		status := ResourceStatus{
			Resource:    name,
			Stats:       stats,
			MemoryBytes: estimateMemory(stats),
			CheckedAt:   now,
		}
		if stats.Acquires+stats.Failures > 0 {
			status.ErrorRate = float64(stats.Failures) / float64(stats.Acquires+stats.Failures)
		}
		status.Health = m.classify(status)

		if !stats.LastUsed.IsZero() && now.Sub(stats.LastUsed) > m.cfg.ForceCleanupThreshold {
			if closed := pool.CleanupIdle(); closed > 0 {
				log.Info().Str("resource", name).Int("closed", closed).Msg("Forced idle cleanup for stale resource")
			}
		}

		m.mu.Lock()
		previous, known := m.statuses[name]
		m.statuses[name] = status
		m.mu.Unlock()

		if known && previous.Health != status.Health && m.onEvent != nil {
			m.onEvent(Event{Resource: name, From: previous.Health, To: status.Health, At: now})
			log.Warn().
				Str("resource", name).
				Str("from", string(previous.Health)).
				Str("to", string(status.Health)).
				Msg("Resource health transition")
		}
	}
}

func (m *Manager) classify(status ResourceStatus) Health {
	switch {
	case status.ErrorRate > 0.20:
		return Unhealthy
	case status.ErrorRate > 0.10:
		return Degraded
	case m.cfg.MemoryBudgetBytes > 0 && status.MemoryBytes > m.cfg.MemoryBudgetBytes*8/10:
		return Degraded
	default:
		return Healthy
	}
}

// estimateMemory approximates the footprint of the pool's connections.
// Connections are opaque, so the estimate is a fixed per-connection cost.
func estimateMemory(stats Stats) uint64 {
	const perConn = 64 * 1024
	return uint64(stats.Active+stats.Idle) * perConn
}
