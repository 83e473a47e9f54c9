// Package alerts tracks threshold-breach alerts raised by the analytics
// pipeline and exposes them to the HTTP surface and the broadcast fabric.
package alerts

import (
	"crypto/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

// Type categorizes an alert.
type Type string

const (
	TypePerformance  Type = "performance"
	TypeError        Type = "error"
	TypeCache        Type = "cache"
	TypeUsage        Type = "usage"
	TypeOptimization Type = "optimization"
)

// Severity orders alerts by urgency.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert is a flagged event derived from a threshold breach.
type Alert struct {
	ID         string         `json:"id"`
	Type       Type           `json:"type"`
	Severity   Severity       `json:"severity"`
	Title      string         `json:"title"`
	Message    string         `json:"message"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       map[string]any `json:"data,omitempty"`
	Resolved   bool           `json:"resolved"`
	ResolvedAt *time.Time     `json:"resolvedAt,omitempty"`
}

// Clone returns a copy safe to share across goroutines.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	clone := *a
	if a.ResolvedAt != nil {
		t := *a.ResolvedAt
		clone.ResolvedAt = &t
	}
	if a.Data != nil {
		clone.Data = make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			clone.Data[k] = v
		}
	}
	return &clone
}

// Config sizes the manager.
type Config struct {
	MaxActive   int           // bound on the active list
	DedupWindow time.Duration // re-raising the same type+key inside this window is suppressed
}

// Manager owns the active alert list. Raise and Resolve are called only by
// the pipeline's ingest worker; readers get snapshots.
type Manager struct {
	mu        sync.RWMutex
	cfg       Config
	active    map[string]*Alert // id -> alert
	lastSeen  map[string]time.Time
	onRaise   func(*Alert)
	onResolve func(string)
}

// NewManager creates an alert manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 200
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		active:   make(map[string]*Alert),
		lastSeen: make(map[string]time.Time),
	}
}

// OnRaise registers a callback invoked with a clone of each new alert.
func (m *Manager) OnRaise(callback func(*Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRaise = callback
}

// OnResolve registers a callback invoked with each resolved alert id.
func (m *Manager) OnResolve(callback func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResolve = callback
}

// Raise creates an alert unless the same type+key fired inside the dedup
// window. The key identifies the breach (e.g. "error-rate", a tool name).
func (m *Manager) Raise(alertType Type, severity Severity, key, title, message string, data map[string]any) *Alert {
	now := time.Now()
	dedupKey := string(alertType) + ":" + key

	m.mu.Lock()
	if last, ok := m.lastSeen[dedupKey]; ok && now.Sub(last) < m.cfg.DedupWindow {
		m.mu.Unlock()
		return nil
	}
	m.lastSeen[dedupKey] = now

	alert := &Alert{
		ID:        ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:      alertType,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Timestamp: now,
		Data:      data,
	}
	m.active[alert.ID] = alert
	if len(m.active) > m.cfg.MaxActive {
		m.evictOldestLocked()
	}
	callback := m.onRaise
	m.mu.Unlock()

	log.Warn().
		Str("alertId", alert.ID).
		Str("type", string(alertType)).
		Str("severity", string(severity)).
		Str("title", title).
		Msg("Alert raised")

	if callback != nil {
		callback(alert.Clone())
	}
	return alert
}

// Resolve marks an alert resolved. Resolving twice, or resolving an unknown
// id, is a no-op so the operation is idempotent.
func (m *Manager) Resolve(id string) bool {
	m.mu.Lock()
	alert, ok := m.active[id]
	if !ok || alert.Resolved {
		m.mu.Unlock()
		return false
	}
	now := time.Now()
	alert.Resolved = true
	alert.ResolvedAt = &now
	delete(m.active, id)
	callback := m.onResolve
	m.mu.Unlock()

	log.Info().Str("alertId", id).Msg("Alert resolved")
	if callback != nil {
		callback(id)
	}
	return true
}

// Active returns clones of the unresolved alerts, newest first.
func (m *Manager) Active() []*Alert {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Alert, 0, len(m.active))
	for _, alert := range m.active {
		out = append(out, alert.Clone())
	}
	sortByTimestampDesc(out)
	return out
}

// ActiveCount returns the number of unresolved alerts.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

func (m *Manager) evictOldestLocked() {
	var oldestID string
	var oldest time.Time
	for id, alert := range m.active {
		if oldestID == "" || alert.Timestamp.Before(oldest) {
			oldestID = id
			oldest = alert.Timestamp
		}
	}
	if oldestID != "" {
		delete(m.active, oldestID)
	}
}

func sortByTimestampDesc(alerts []*Alert) {
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.After(alerts[j].Timestamp)
	})
}
