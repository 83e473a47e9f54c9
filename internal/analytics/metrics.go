package analytics

import (
	"math"
	"math/rand"
	"sort"
	"time"
)

const (
	// rollingWindow is the horizon for request rate and average response
	// time.
	rollingWindow = 60 * time.Second

	// reservoirSize bounds the percentile sample.
	reservoirSize = 1024
)

// LiveMetrics is the atomically published process-wide snapshot.
type LiveMetrics struct {
	TotalRequests     uint64    `json:"totalRequests"`
	SuccessCount      uint64    `json:"successCount"`
	ErrorCount        uint64    `json:"errorCount"`
	AvgResponseTimeMs float64   `json:"avgResponseTimeMs"`
	P50Ms             float64   `json:"p50Ms"`
	P95Ms             float64   `json:"p95Ms"`
	P99Ms             float64   `json:"p99Ms"`
	RequestRate       float64   `json:"requestRate"` // requests/sec over the window
	ErrorRate         float64   `json:"errorRate"`
	CacheHitRate      float64   `json:"cacheHitRate"`
	FallbackRate      float64   `json:"fallbackRate"`
	MemoryUsagePct    float64   `json:"memoryUsagePct"`
	CPUUsagePct       float64   `json:"cpuUsagePct"`
	ActiveAlerts      int       `json:"activeAlerts"`
	HealthScore       int       `json:"healthScore"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// TrendPoint is one sample in a TrendSeries.
type TrendPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Trend series names.
const (
	TrendResponseTime = "responseTime"
	TrendErrorRate    = "errorRate"
	TrendMemory       = "memory"
	TrendCPU          = "cpu"
	TrendThroughput   = "throughput"
)

var trendNames = []string{
	TrendResponseTime,
	TrendErrorRate,
	TrendMemory,
	TrendCPU,
	TrendThroughput,
}

// sample is one completed invocation in the rolling window.
type sample struct {
	start      time.Time
	durationMs float64
	success    bool
	tool       string
}

// rollingStats tracks the last-minute window.
type rollingStats struct {
	samples []sample
}

func (r *rollingStats) add(s sample, now time.Time) {
	r.samples = append(r.samples, s)
	r.prune(now)
}

func (r *rollingStats) prune(now time.Time) {
	cutoff := now.Add(-rollingWindow)
	keep := r.samples[:0]
	for _, s := range r.samples {
		if !s.start.Before(cutoff) {
			keep = append(keep, s)
		}
	}
	r.samples = keep
}

// rate returns requests per second over the window.
func (r *rollingStats) rate() float64 {
	return float64(len(r.samples)) / rollingWindow.Seconds()
}

func (r *rollingStats) avgMs() float64 {
	if len(r.samples) == 0 {
		return 0
	}
	var total float64
	for _, s := range r.samples {
		total += s.durationMs
	}
	return total / float64(len(r.samples))
}

func (r *rollingStats) errorRate() float64 {
	if len(r.samples) == 0 {
		return 0
	}
	errors := 0
	for _, s := range r.samples {
		if !s.success {
			errors++
		}
	}
	return float64(errors) / float64(len(r.samples))
}

// errorsForTool counts window errors attributed to one tool.
func (r *rollingStats) errorsForTool(tool string) int {
	count := 0
	for _, s := range r.samples {
		if s.tool == tool && !s.success {
			count++
		}
	}
	return count
}

// reservoir keeps a uniform sample of response times (Vitter's algorithm R).
type reservoir struct {
	values []float64
	seen   uint64
	rng    *rand.Rand
}

func newReservoir() *reservoir {
	return &reservoir{
		values: make([]float64, 0, reservoirSize),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *reservoir) add(v float64) {
	r.seen++
	if len(r.values) < reservoirSize {
		r.values = append(r.values, v)
		return
	}
	if idx := r.rng.Int63n(int64(r.seen)); idx < int64(reservoirSize) {
		r.values[idx] = v
	}
}

// percentiles returns p50, p95, p99 using nearest-rank on a sorted copy.
func (r *reservoir) percentiles() (p50, p95, p99 float64) {
	if len(r.values) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(r.values))
	copy(sorted, r.values)
	sort.Float64s(sorted)

	rank := func(p float64) float64 {
		idx := int(math.Ceil(p*float64(len(sorted)))) - 1
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		return sorted[idx]
	}
	return rank(0.50), rank(0.95), rank(0.99)
}

// toolStats accumulates per-tool counters for reporting and slow-path
// detection.
type toolStats struct {
	count        uint64
	errors       uint64
	totalMs      float64
	minMs        float64
	maxMs        float64
	recentMs     []float64 // last 10 durations
	lastInvoked  time.Time
	lastErrorsAt []time.Time
}

func (s *toolStats) record(durationMs float64, success bool, now time.Time) {
	s.count++
	s.totalMs += durationMs
	if s.count == 1 || durationMs < s.minMs {
		s.minMs = durationMs
	}
	if durationMs > s.maxMs {
		s.maxMs = durationMs
	}
	s.recentMs = append(s.recentMs, durationMs)
	if len(s.recentMs) > 10 {
		s.recentMs = s.recentMs[1:]
	}
	s.lastInvoked = now
	if !success {
		s.errors++
		s.lastErrorsAt = append(s.lastErrorsAt, now)
		cutoff := now.Add(-rollingWindow)
		keep := s.lastErrorsAt[:0]
		for _, t := range s.lastErrorsAt {
			if !t.Before(cutoff) {
				keep = append(keep, t)
			}
		}
		s.lastErrorsAt = keep
	}
}

func (s *toolStats) allTimeAvgMs() float64 {
	if s.count == 0 {
		return 0
	}
	return s.totalMs / float64(s.count)
}

func (s *toolStats) recentAvgMs() float64 {
	if len(s.recentMs) == 0 {
		return 0
	}
	var total float64
	for _, v := range s.recentMs {
		total += v
	}
	return total / float64(len(s.recentMs))
}

// recentErrors counts errors in the last window.
func (s *toolStats) recentErrors(now time.Time) int {
	cutoff := now.Add(-rollingWindow)
	count := 0
	for _, t := range s.lastErrorsAt {
		if !t.Before(cutoff) {
			count++
		}
	}
	return count
}
