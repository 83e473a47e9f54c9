// Package analytics ingests completed traces and maintains the live
// metrics, trends, alerts, and usage patterns derived from them. All
// derived state is mutated by a single worker draining a bounded queue;
// readers get copies or atomic snapshots.
package analytics

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	gocpu "github.com/shirou/gopsutil/v4/cpu"
	gomem "github.com/shirou/gopsutil/v4/mem"

	"github.com/wtthornton/tappmcp/internal/alerts"
	"github.com/wtthornton/tappmcp/internal/broadcast"
	"github.com/wtthornton/tappmcp/internal/buffer"
	"github.com/wtthornton/tappmcp/internal/config"
	"github.com/wtthornton/tappmcp/internal/storage"
	"github.com/wtthornton/tappmcp/internal/trace"
)

// System call wrappers for testing.
var (
	cpuPercent    = gocpu.PercentWithContext
	virtualMemory = gomem.VirtualMemoryWithContext
)

const (
	// DefaultQueueSize bounds the ingest channel.
	DefaultQueueSize = 512

	// DefaultRingSize bounds the retained trace ring.
	DefaultRingSize = 10000

	// DefaultTrendPoints bounds each trend series.
	DefaultTrendPoints = 100

	// DefaultBacklogSize bounds the in-memory backlog kept while the
	// storage backend is down.
	DefaultBacklogSize = 1000

	systemSampleInterval = 10 * time.Second
)

// Publisher pushes events to broadcast subscribers.
type Publisher interface {
	Publish(topic, event string, data any)
}

// Config tunes the pipeline.
type Config struct {
	QueueSize   int
	RingSize    int
	TrendPoints int
	BacklogSize int

	// OverflowCount, when set, is polled for broadcast drop counts so
	// queue overflow can raise an alert.
	OverflowCount func() uint64
}

// Pipeline owns all analytics state.
type Pipeline struct {
	cfg    Config
	store  storage.Store
	alerts *alerts.Manager
	pub    Publisher

	thresholds atomic.Pointer[config.Thresholds]

	ingest chan *trace.Trace

	// Worker-owned state, guarded for copy-on-read access.
	mu           sync.Mutex
	traces       *buffer.Ring[*trace.Trace]
	rolling      rollingStats
	durations    *reservoir
	trends       map[string]*buffer.Ring[TrendPoint]
	perTool      map[string]*toolStats
	perPhase     map[string]uint64
	detector     *detector
	totalCount   uint64
	successCount uint64
	errorCount   uint64
	cacheHits    uint64
	cacheMisses  uint64
	fallbacks    uint64

	backlog     *buffer.Ring[*trace.Trace]
	storageDown bool

	memoryPct    atomic.Uint64 // math.Float64bits
	cpuPct       atomic.Uint64
	lastOverflow uint64

	alertIDs map[string]string // threshold key -> raised alert id

	live      atomic.Pointer[LiveMetrics]
	prom      *promMetrics
	heartbeat atomic.Int64

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// New creates a pipeline. store may be nil (no persistence); pub may be nil
// (no broadcast).
func New(cfg Config, store storage.Store, alertMgr *alerts.Manager, pub Publisher, thresholds config.Thresholds) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.RingSize <= 0 {
		cfg.RingSize = DefaultRingSize
	}
	if cfg.TrendPoints <= 0 {
		cfg.TrendPoints = DefaultTrendPoints
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = DefaultBacklogSize
	}

	p := &Pipeline{
		cfg:       cfg,
		store:     store,
		alerts:    alertMgr,
		pub:       pub,
		ingest:    make(chan *trace.Trace, cfg.QueueSize),
		traces:    buffer.New[*trace.Trace](cfg.RingSize),
		durations: newReservoir(),
		trends:    make(map[string]*buffer.Ring[TrendPoint], len(trendNames)),
		perTool:   make(map[string]*toolStats),
		perPhase:  make(map[string]uint64),
		detector:  newDetector(),
		backlog:   buffer.New[*trace.Trace](cfg.BacklogSize),
		alertIDs:  make(map[string]string),
		prom:      newPromMetrics(),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	p.thresholds.Store(&thresholds)

	initial := &LiveMetrics{HealthScore: 100, LastUpdated: time.Now()}
	p.live.Store(initial)
	p.heartbeat.Store(time.Now().UnixNano())
	return p
}

// SetThresholds swaps the alerting thresholds; safe to call at any time.
func (p *Pipeline) SetThresholds(t config.Thresholds) {
	p.thresholds.Store(&t)
	log.Info().Msg("Analytics thresholds updated")
}

// Offer hands a finalized trace to the pipeline, waiting up to wait for a
// queue slot. Returns false if the trace was dropped.
func (p *Pipeline) Offer(t *trace.Trace, wait time.Duration) bool {
	select {
	case p.ingest <- t:
		return true
	default:
	}
	if wait <= 0 {
		return false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case p.ingest <- t:
		return true
	case <-timer.C:
		return false
	}
}

// Run drains the ingest queue. Call in its own goroutine; Stop terminates.
func (p *Pipeline) Run() {
	defer close(p.doneCh)

	sysTicker := time.NewTicker(systemSampleInterval)
	defer sysTicker.Stop()
	p.sampleSystem()

	for {
		p.heartbeat.Store(time.Now().UnixNano())
		select {
		case t := <-p.ingest:
			p.process(t)
		case <-sysTicker.C:
			p.sampleSystem()
			p.publishSnapshot()
		case <-p.stopCh:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case t := <-p.ingest:
					p.process(t)
				default:
					return
				}
			}
		}
	}
}

// Stop terminates the worker after draining queued traces.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Live returns the current metrics snapshot.
func (p *Pipeline) Live() *LiveMetrics {
	return p.live.Load()
}

// WorkerHeartbeat reports when the ingest worker last made progress.
func (p *Pipeline) WorkerHeartbeat() time.Time {
	return time.Unix(0, p.heartbeat.Load())
}

// PromHandler serves the Prometheus exposition for the pipeline gauges.
func (p *Pipeline) PromHandler() http.Handler {
	return p.prom.Handler()
}

// Trends returns a copy of every trend series.
func (p *Pipeline) Trends() map[string][]TrendPoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string][]TrendPoint, len(p.trends))
	for name, ring := range p.trends {
		out[name] = ring.Snapshot()
	}
	return out
}

// Patterns returns a copy of the detected usage patterns.
func (p *Pipeline) Patterns() []*Pattern {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detector.snapshot()
}

// StorageBacklog reports how many traces are waiting for the storage
// backend to recover.
func (p *Pipeline) StorageBacklog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backlog.Len()
}

// LiveSnapshot implements broadcast.SnapshotProvider.
func (p *Pipeline) LiveSnapshot() any { return p.Live() }

// TrendSnapshot implements broadcast.SnapshotProvider.
func (p *Pipeline) TrendSnapshot() any { return p.Trends() }

// ActiveAlerts implements broadcast.SnapshotProvider.
func (p *Pipeline) ActiveAlerts() any {
	if p.alerts == nil {
		return nil
	}
	return p.alerts.Active()
}

// RecentPatterns implements broadcast.SnapshotProvider.
func (p *Pipeline) RecentPatterns() any { return p.Patterns() }

// process ingests one trace. Runs only on the worker goroutine.
func (p *Pipeline) process(t *trace.Trace) {
	root := t.Root()
	if root == nil {
		log.Warn().Str("trace", t.ID).Msg("Ignoring trace without root")
		return
	}
	now := time.Now()

	p.mu.Lock()
	p.traces.Push(t)

	p.totalCount++
	if root.Success {
		p.successCount++
	} else {
		p.errorCount++
	}
	for _, node := range t.Nodes {
		p.perPhase[node.Phase]++
	}
	stats, ok := p.perTool[root.Label]
	if !ok {
		stats = &toolStats{}
		p.perTool[root.Label] = stats
	}
	stats.record(root.DurationMs, root.Success, now)

	p.ingestSidecars(t)

	p.rolling.add(sample{
		start:      root.Start,
		durationMs: root.DurationMs,
		success:    root.Success,
		tool:       root.Label,
	}, now)
	p.durations.add(root.DurationMs)

	live := p.buildLiveLocked(now)
	p.appendTrendsLocked(live, now)

	recent := p.traces.Snapshot()
	created := p.detector.observe(t, recent, p.perTool, now)
	p.mu.Unlock()

	p.live.Store(live)
	p.prom.update(live)

	p.checkThresholds(t, live, stats, now)

	if p.pub != nil {
		p.pub.Publish(broadcast.TopicMetricsLive, "update", live)
		for _, pattern := range created {
			p.pub.Publish(broadcast.TopicPatterns, "detected", pattern)
		}
	}

	p.persist(t)
}

// ingestSidecars folds cache and fallback samples into the counters.
// Callers hold p.mu.
func (p *Pipeline) ingestSidecars(t *trace.Trace) {
	for _, s := range t.Sidecars["cache"] {
		var op struct {
			Hit bool `json:"hit"`
		}
		if err := json.Unmarshal(s.Payload, &op); err != nil {
			continue
		}
		if op.Hit {
			p.cacheHits++
		} else {
			p.cacheMisses++
		}
	}
	p.fallbacks += uint64(len(t.Sidecars["fallback"]))
}

// buildLiveLocked assembles the snapshot from worker state. Callers hold
// p.mu.
func (p *Pipeline) buildLiveLocked(now time.Time) *LiveMetrics {
	p.rolling.prune(now)
	p50, p95, p99 := p.durations.percentiles()

	live := &LiveMetrics{
		TotalRequests:     p.totalCount,
		SuccessCount:      p.successCount,
		ErrorCount:        p.errorCount,
		AvgResponseTimeMs: p.rolling.avgMs(),
		P50Ms:             p50,
		P95Ms:             p95,
		P99Ms:             p99,
		RequestRate:       p.rolling.rate(),
		ErrorRate:         p.rolling.errorRate(),
		MemoryUsagePct:    loadFloat(&p.memoryPct),
		CPUUsagePct:       loadFloat(&p.cpuPct),
		LastUpdated:       now,
	}
	if total := p.cacheHits + p.cacheMisses; total > 0 {
		live.CacheHitRate = float64(p.cacheHits) / float64(total)
	}
	if p.totalCount > 0 {
		live.FallbackRate = float64(p.fallbacks) / float64(p.totalCount)
	}
	if p.alerts != nil {
		live.ActiveAlerts = p.alerts.ActiveCount()
	}
	live.HealthScore = p.healthScore(live)
	return live
}

// healthScore applies the composite scoring rules and clamps to [0,100].
func (p *Pipeline) healthScore(live *LiveMetrics) int {
	th := p.thresholds.Load()
	score := 100

	switch {
	case live.ErrorRate > th.ErrorRateCritical:
		score -= 30
	case live.ErrorRate > th.ErrorRateWarn:
		score -= 15
	}
	switch {
	case live.AvgResponseTimeMs > th.ResponseTimeCritMs:
		score -= 25
	case live.AvgResponseTimeMs > th.ResponseTimeWarnMs:
		score -= 10
	}
	if p.cacheHits+p.cacheMisses > 0 {
		switch {
		case live.CacheHitRate < th.CacheHitRateLow:
			score -= 20
		case live.CacheHitRate < th.CacheHitRateWarn:
			score -= 10
		}
	}
	if live.FallbackRate > th.FallbackRateHigh {
		score -= 15
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// appendTrendsLocked records one point per series. Callers hold p.mu.
func (p *Pipeline) appendTrendsLocked(live *LiveMetrics, now time.Time) {
	values := map[string]float64{
		TrendResponseTime: live.AvgResponseTimeMs,
		TrendErrorRate:    live.ErrorRate,
		TrendMemory:       live.MemoryUsagePct,
		TrendCPU:          live.CPUUsagePct,
		TrendThroughput:   live.RequestRate,
	}
	for _, name := range trendNames {
		ring, ok := p.trends[name]
		if !ok {
			ring = buffer.New[TrendPoint](p.cfg.TrendPoints)
			p.trends[name] = ring
		}
		ring.Push(TrendPoint{Timestamp: now, Value: values[name]})
	}
}

// checkThresholds raises and resolves alerts against the configured limits.
func (p *Pipeline) checkThresholds(t *trace.Trace, live *LiveMetrics, stats *toolStats, now time.Time) {
	if p.alerts == nil {
		return
	}
	th := p.thresholds.Load()
	root := t.Root()

	switch {
	case live.ErrorRate > th.ErrorRateCritical:
		p.raise(alerts.TypeError, alerts.SeverityCritical, "error-rate",
			"Error rate critical",
			"Rolling error rate exceeds the critical threshold",
			map[string]any{"errorRate": live.ErrorRate, "threshold": th.ErrorRateCritical})
	case live.ErrorRate > th.ErrorRateWarn:
		p.raise(alerts.TypeError, alerts.SeverityMedium, "error-rate",
			"Error rate elevated",
			"Rolling error rate exceeds the warning threshold",
			map[string]any{"errorRate": live.ErrorRate, "threshold": th.ErrorRateWarn})
	default:
		p.resolveKey("error-rate")
	}

	rootTook := time.Duration(root.DurationMs * float64(time.Millisecond))
	switch {
	case rootTook > th.ResponseTimeCritical():
		p.raise(alerts.TypePerformance, alerts.SeverityHigh, "response-time:"+root.Label,
			"Slow tool invocation",
			"An invocation exceeded the critical response time threshold",
			map[string]any{"tool": root.Label, "durationMs": root.DurationMs, "thresholdMs": th.ResponseTimeCritMs})
	case rootTook > th.ResponseTimeWarn():
		p.raise(alerts.TypePerformance, alerts.SeverityMedium, "response-time:"+root.Label,
			"Tool invocation above target",
			"An invocation exceeded the response time warning threshold",
			map[string]any{"tool": root.Label, "durationMs": root.DurationMs, "thresholdMs": th.ResponseTimeWarnMs})
	}

	if root.Error != nil && root.Error.Kind == "timeout" && stats.recentErrors(now) >= errorBurstThreshold {
		p.raise(alerts.TypePerformance, alerts.SeverityHigh, "timeouts:"+root.Label,
			"Repeated tool timeouts",
			"A tool timed out several times within the rolling window",
			map[string]any{"tool": root.Label, "recentErrors": stats.recentErrors(now)})
	}

	if total := p.cacheHits + p.cacheMisses; total >= 10 {
		switch {
		case live.CacheHitRate < th.CacheHitRateLow:
			p.raise(alerts.TypeCache, alerts.SeverityHigh, "cache-hit-rate",
				"Cache hit rate very low",
				"The cache is providing little benefit",
				map[string]any{"hitRate": live.CacheHitRate, "threshold": th.CacheHitRateLow})
		case live.CacheHitRate < th.CacheHitRateWarn:
			p.raise(alerts.TypeCache, alerts.SeverityMedium, "cache-hit-rate",
				"Cache hit rate below target",
				"The cache hit rate dropped below the warning threshold",
				map[string]any{"hitRate": live.CacheHitRate, "threshold": th.CacheHitRateWarn})
		default:
			p.resolveKey("cache-hit-rate")
		}
	}

	if p.totalCount >= 10 && live.FallbackRate > th.FallbackRateHigh {
		p.raise(alerts.TypeOptimization, alerts.SeverityMedium, "fallback-rate",
			"High fallback rate",
			"Most requests are taking a fallback path",
			map[string]any{"fallbackRate": live.FallbackRate, "threshold": th.FallbackRateHigh})
	}

	if p.StorageBacklog() > th.StorageBacklogMax {
		p.raise(alerts.TypeUsage, alerts.SeverityCritical, "storage-backlog",
			"Storage backlog over limit",
			"Traces are piling up faster than the storage backend recovers",
			map[string]any{"backlog": p.StorageBacklog(), "threshold": th.StorageBacklogMax})
	}
}

// sampleSystem refreshes host memory and CPU readings and checks the
// resource thresholds.
func (p *Pipeline) sampleSystem() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if memStats, err := virtualMemory(ctx); err == nil {
		storeFloat(&p.memoryPct, memStats.UsedPercent)
	} else {
		log.Debug().Err(err).Msg("Memory sample failed")
	}
	if percentages, err := cpuPercent(ctx, 0, false); err == nil && len(percentages) > 0 {
		storeFloat(&p.cpuPct, percentages[0])
	} else if err != nil {
		log.Debug().Err(err).Msg("CPU sample failed")
	}

	if p.alerts == nil {
		return
	}
	th := p.thresholds.Load()

	if memory := loadFloat(&p.memoryPct); memory > th.MemoryUsageAlert*100 {
		p.raise(alerts.TypeUsage, alerts.SeverityHigh, "memory",
			"Memory usage high",
			"Host memory usage exceeds the alert threshold",
			map[string]any{"usagePct": memory, "threshold": th.MemoryUsageAlert * 100})
	} else {
		p.resolveKey("memory")
	}
	if cpuUsage := loadFloat(&p.cpuPct); cpuUsage > th.CPUUsageAlert*100 {
		p.raise(alerts.TypeUsage, alerts.SeverityHigh, "cpu",
			"CPU usage high",
			"Host CPU usage exceeds the alert threshold",
			map[string]any{"usagePct": cpuUsage, "threshold": th.CPUUsageAlert * 100})
	} else {
		p.resolveKey("cpu")
	}

	if p.cfg.OverflowCount != nil {
		if current := p.cfg.OverflowCount(); current > p.lastOverflow {
			p.raise(alerts.TypeUsage, alerts.SeverityMedium, "broadcast-overflow",
				"Broadcast queue overflow",
				"Subscriber queues dropped messages since the last sample",
				map[string]any{"dropped": current - p.lastOverflow, "total": current})
			p.lastOverflow = current
		}
	}
}

// publishSnapshot refreshes the live snapshot outside the ingest path so
// system samples show up even when traffic is idle.
func (p *Pipeline) publishSnapshot() {
	now := time.Now()
	p.mu.Lock()
	live := p.buildLiveLocked(now)
	p.appendTrendsLocked(live, now)
	p.mu.Unlock()

	p.live.Store(live)
	p.prom.update(live)
	if p.pub != nil {
		p.pub.Publish(broadcast.TopicMetricsLive, "update", live)
		p.pub.Publish(broadcast.TopicMetricsTrends, "update", p.Trends())
	}
}

func (p *Pipeline) raise(alertType alerts.Type, severity alerts.Severity, key, title, message string, data map[string]any) {
	if alert := p.alerts.Raise(alertType, severity, key, title, message, data); alert != nil {
		p.mu.Lock()
		p.alertIDs[key] = alert.ID
		p.mu.Unlock()
		if p.pub != nil {
			p.pub.Publish(broadcast.TopicAlerts, "raised", alert)
		}
	}
}

func (p *Pipeline) resolveKey(key string) {
	p.mu.Lock()
	id, ok := p.alertIDs[key]
	if ok {
		delete(p.alertIDs, key)
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	if p.alerts.Resolve(id) && p.pub != nil {
		p.pub.Publish(broadcast.TopicAlerts, "resolved", map[string]string{"id": id})
	}
}

// persist hands the trace to storage; failures buffer it for a later drain.
func (p *Pipeline) persist(t *trace.Trace) {
	if p.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.store.Put(ctx, t); err != nil {
		log.Warn().Err(err).Str("trace", t.ID).Msg("Trace persistence failed; buffering")
		p.mu.Lock()
		p.backlog.Push(t)
		p.storageDown = true
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	down := p.storageDown
	p.mu.Unlock()
	if down {
		p.drainBacklog(ctx)
	}
}

// drainBacklog replays buffered traces after the backend recovers.
func (p *Pipeline) drainBacklog(ctx context.Context) {
	drained := 0
	for {
		p.mu.Lock()
		buffered, ok := p.backlog.Pop()
		if !ok {
			p.storageDown = false
			p.mu.Unlock()
			break
		}
		p.mu.Unlock()

		if err := p.store.Put(ctx, buffered); err != nil {
			p.mu.Lock()
			p.backlog.Push(buffered)
			p.mu.Unlock()
			return
		}
		drained++
	}
	if drained > 0 {
		log.Info().Int("count", drained).Msg("Drained storage backlog")
	}
}

func storeFloat(target *atomic.Uint64, v float64) {
	target.Store(math.Float64bits(v))
}

func loadFloat(target *atomic.Uint64) float64 {
	return math.Float64frombits(target.Load())
}
