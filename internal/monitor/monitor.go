// Package monitor supervises runtime health: it probes registered
// resources, runs the pool lifecycle manager, and turns degradation into
// alerts and readiness state.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wtthornton/tappmcp/internal/alerts"
	"github.com/wtthornton/tappmcp/internal/broadcast"
	"github.com/wtthornton/tappmcp/internal/pool"
	"github.com/wtthornton/tappmcp/internal/registry"
)

const (
	// DefaultProbeInterval is how often resource health checks run.
	DefaultProbeInterval = 30 * time.Second
)

// Publisher pushes system events to broadcast subscribers.
type Publisher interface {
	Publish(topic, event string, data any)
}

// Config tunes the supervisor.
type Config struct {
	ProbeInterval         time.Duration
	PoolInterval          time.Duration
	MemoryBudgetBytes     uint64
	ForceCleanupThreshold time.Duration
}

// Supervisor owns the health loops.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	poolMgr *pool.Manager
	alerts  *alerts.Manager
	pub     Publisher

	mu            sync.RWMutex
	probeFailures map[string]string
	alertIDs      map[string]string

	startedAt time.Time

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates the supervisor. alertMgr and pub may be nil.
func New(cfg Config, reg *registry.Registry, alertMgr *alerts.Manager, pub Publisher) *Supervisor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}

	s := &Supervisor{
		cfg:           cfg,
		reg:           reg,
		alerts:        alertMgr,
		pub:           pub,
		probeFailures: make(map[string]string),
		alertIDs:      make(map[string]string),
		startedAt:     time.Now(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	s.poolMgr = pool.NewManager(pool.ManagerConfig{
		Interval:              cfg.PoolInterval,
		MemoryBudgetBytes:     cfg.MemoryBudgetBytes,
		ForceCleanupThreshold: cfg.ForceCleanupThreshold,
	}, reg.Pools, s.onPoolEvent)
	return s
}

// Start launches the probe loop and the pool lifecycle manager.
func (s *Supervisor) Start(ctx context.Context) {
	s.poolMgr.Start(ctx)
	go s.probeLoop(ctx)
	log.Info().Dur("probeInterval", s.cfg.ProbeInterval).Msg("Health supervisor started")
}

// Stop terminates the loops.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	s.poolMgr.Stop()
}

func (s *Supervisor) probeLoop(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.probe(ctx)
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// probe runs every registered health check and records the failures.
func (s *Supervisor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	failures := s.reg.HealthCheckAll(probeCtx)

	s.mu.Lock()
	previous := s.probeFailures
	s.probeFailures = make(map[string]string, len(failures))
	for name, err := range failures {
		s.probeFailures[name] = err.Error()
	}
	s.mu.Unlock()

	for name, err := range failures {
		if _, known := previous[name]; !known {
			log.Warn().Str("entry", name).Err(err).Msg("Health check failed")
			s.raiseResourceAlert(name, alerts.SeverityHigh, "Health check failing", err.Error())
		}
	}
	for name := range previous {
		if _, still := failures[name]; !still {
			log.Info().Str("entry", name).Msg("Health check recovered")
			s.resolveResourceAlert(name)
		}
	}
}

// onPoolEvent reacts to pool health transitions.
func (s *Supervisor) onPoolEvent(ev pool.Event) {
	if s.pub != nil {
		s.pub.Publish(broadcast.TopicSystem, "resource-health", map[string]any{
			"resource": ev.Resource,
			"from":     ev.From,
			"to":       ev.To,
			"at":       ev.At,
		})
	}

	switch ev.To {
	case pool.Degraded:
		s.raiseResourceAlert(ev.Resource, alerts.SeverityMedium, "Resource degraded",
			"The resource pool reported degraded health")
	case pool.Unhealthy:
		s.raiseResourceAlert(ev.Resource, alerts.SeverityCritical, "Resource unhealthy",
			"The resource pool reported unhealthy status")
	case pool.Healthy:
		s.resolveResourceAlert(ev.Resource)
	}
}

func (s *Supervisor) raiseResourceAlert(resource string, severity alerts.Severity, title, message string) {
	if s.alerts == nil {
		return
	}
	alert := s.alerts.Raise(alerts.TypeUsage, severity, "resource:"+resource, title, message,
		map[string]any{"resource": resource})
	if alert == nil {
		return
	}
	s.mu.Lock()
	s.alertIDs[resource] = alert.ID
	s.mu.Unlock()
	if s.pub != nil {
		s.pub.Publish(broadcast.TopicAlerts, "raised", alert)
	}
}

func (s *Supervisor) resolveResourceAlert(resource string) {
	if s.alerts == nil {
		return
	}
	s.mu.Lock()
	id, ok := s.alertIDs[resource]
	if ok {
		delete(s.alertIDs, resource)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if s.alerts.Resolve(id) && s.pub != nil {
		s.pub.Publish(broadcast.TopicAlerts, "resolved", map[string]string{"id": id})
	}
}

// Ready reports whether the process should accept traffic: the registry is
// initialized, no resource is unhealthy, and no probe is failing.
func (s *Supervisor) Ready() bool {
	if !s.reg.Initialized() {
		return false
	}
	if !s.poolMgr.AllServing() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.probeFailures) == 0
}

// ResourceStatuses returns the lifecycle manager's current view.
func (s *Supervisor) ResourceStatuses() map[string]pool.ResourceStatus {
	return s.poolMgr.Statuses()
}

// ProbeFailures returns the entries currently failing their health checks.
func (s *Supervisor) ProbeFailures() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.probeFailures))
	for name, msg := range s.probeFailures {
		out[name] = msg
	}
	return out
}

// Uptime reports time since the supervisor was created.
func (s *Supervisor) Uptime() time.Duration {
	return time.Since(s.startedAt)
}
