package analytics

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtthornton/tappmcp/internal/alerts"
	"github.com/wtthornton/tappmcp/internal/broadcast"
	"github.com/wtthornton/tappmcp/internal/config"
	"github.com/wtthornton/tappmcp/internal/storage"
	"github.com/wtthornton/tappmcp/internal/trace"
)

type pubEvent struct {
	topic string
	event string
	data  any
}

type stubPub struct {
	mu     sync.Mutex
	events []pubEvent
}

func (s *stubPub) Publish(topic, event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, pubEvent{topic: topic, event: event, data: data})
}

func (s *stubPub) count(topic, event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.topic == topic && e.event == event {
			n++
		}
	}
	return n
}

type flakyStore struct {
	mu     sync.Mutex
	fail   bool
	stored []*trace.Trace
}

func (s *flakyStore) Put(ctx context.Context, t *trace.Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return fmt.Errorf("backend down")
	}
	s.stored = append(s.stored, t)
	return nil
}

func (s *flakyStore) Query(ctx context.Context, filter storage.Filter) ([]*trace.Trace, error) {
	return nil, nil
}

func (s *flakyStore) Export(ctx context.Context, format storage.Format, filter storage.Filter) (io.Reader, error) {
	return nil, fmt.Errorf("not supported")
}

func (s *flakyStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func (s *flakyStore) Close() error { return nil }

func (s *flakyStore) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *flakyStore) storedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stored)
}

var traceSeq int

func mkTrace(tool string, durationMs float64, success bool) *trace.Trace {
	traceSeq++
	now := time.Now()
	node := &trace.Node{
		ID:         1,
		Label:      tool,
		Phase:      "tool",
		Start:      now.Add(-time.Duration(durationMs) * time.Millisecond),
		End:        now,
		DurationMs: durationMs,
		Success:    success,
	}
	if !success {
		node.Error = &trace.ErrorInfo{Kind: "internal", Message: "boom"}
	}
	return &trace.Trace{
		ID:     fmt.Sprintf("trace-%d", traceSeq),
		RootID: 1,
		Nodes:  []*trace.Node{node},
	}
}

func newPipeline(store storage.Store, alertMgr *alerts.Manager, pub Publisher) *Pipeline {
	return New(Config{}, store, alertMgr, pub, config.DefaultThresholds())
}

func TestProcessUpdatesLiveMetrics(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	p.process(mkTrace("echo", 10, true))
	p.process(mkTrace("echo", 30, true))
	p.process(mkTrace("echo", 20, false))

	live := p.Live()
	assert.Equal(t, uint64(3), live.TotalRequests)
	assert.Equal(t, uint64(2), live.SuccessCount)
	assert.Equal(t, uint64(1), live.ErrorCount)
	assert.InDelta(t, 20.0, live.AvgResponseTimeMs, 0.01)
	assert.InDelta(t, 1.0/3.0, live.ErrorRate, 0.01)
	assert.Greater(t, live.RequestRate, 0.0)
	assert.False(t, live.LastUpdated.IsZero())
}

func TestProcessIgnoresRootlessTrace(t *testing.T) {
	p := newPipeline(nil, nil, nil)
	p.process(&trace.Trace{ID: "empty"})
	assert.Equal(t, uint64(0), p.Live().TotalRequests)
}

func TestCacheAndFallbackSidecars(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	tr := mkTrace("cached", 5, true)
	tr.Sidecars = map[string][]trace.Sidecar{
		"cache": {
			{Kind: "cache", Payload: []byte(`{"hit":true}`)},
			{Kind: "cache", Payload: []byte(`{"hit":true}`)},
			{Kind: "cache", Payload: []byte(`{"hit":false}`)},
		},
		"fallback": {{Kind: "fallback", Payload: []byte(`{}`)}},
	}
	p.process(tr)

	live := p.Live()
	assert.InDelta(t, 2.0/3.0, live.CacheHitRate, 0.01)
	assert.InDelta(t, 1.0, live.FallbackRate, 0.01)
}

func TestHealthScore(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	cases := []struct {
		name     string
		live     LiveMetrics
		cacheOps uint64
		want     int
	}{
		{name: "clean", live: LiveMetrics{}, want: 100},
		{name: "critical error rate", live: LiveMetrics{ErrorRate: 0.15}, want: 70},
		{name: "warn error rate", live: LiveMetrics{ErrorRate: 0.07}, want: 85},
		{name: "critical latency", live: LiveMetrics{AvgResponseTimeMs: 2500}, want: 75},
		{name: "warn latency", live: LiveMetrics{AvgResponseTimeMs: 1500}, want: 90},
		{name: "cache ignored without ops", live: LiveMetrics{CacheHitRate: 0.1}, want: 100},
		{name: "cache very low", live: LiveMetrics{CacheHitRate: 0.1}, cacheOps: 20, want: 80},
		{name: "cache below target", live: LiveMetrics{CacheHitRate: 0.4}, cacheOps: 20, want: 90},
		{name: "high fallback", live: LiveMetrics{FallbackRate: 0.6}, want: 85},
		{name: "penalties compound", live: LiveMetrics{
			ErrorRate: 0.5, AvgResponseTimeMs: 5000, CacheHitRate: 0.05, FallbackRate: 0.9,
		}, cacheOps: 20, want: 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p.cacheHits = 0
			p.cacheMisses = tc.cacheOps
			live := tc.live
			assert.Equal(t, tc.want, p.healthScore(&live))
		})
	}
}

func TestTrendsAppendPerTrace(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	for i := 0; i < 3; i++ {
		p.process(mkTrace("echo", 10, true))
	}

	trends := p.Trends()
	for _, name := range trendNames {
		assert.Len(t, trends[name], 3, name)
	}
}

func TestErrorBurstPatternPublishedOnce(t *testing.T) {
	pub := &stubPub{}
	p := newPipeline(nil, nil, pub)

	for i := 0; i < 3; i++ {
		p.process(mkTrace("shaky", 10, false))
	}

	var bursts []*Pattern
	for _, pattern := range p.Patterns() {
		if pattern.Category == PatternErrorBurst {
			bursts = append(bursts, pattern)
		}
	}
	require.Len(t, bursts, 1)
	assert.Equal(t, 3, bursts[0].Frequency)
	assert.InDelta(t, 0.6, bursts[0].Confidence, 0.01)
	assert.Equal(t, 1, pub.count(broadcast.TopicPatterns, "detected"))

	// A fourth failure inside the dedup window bumps, never re-publishes.
	p.process(mkTrace("shaky", 10, false))
	assert.Equal(t, 1, pub.count(broadcast.TopicPatterns, "detected"))
	for _, pattern := range p.Patterns() {
		if pattern.Category == PatternErrorBurst {
			assert.Equal(t, 4, pattern.Frequency)
		}
	}
}

func TestRepetitionPattern(t *testing.T) {
	pub := &stubPub{}
	p := newPipeline(nil, nil, pub)

	for i := 0; i < 6; i++ {
		p.process(mkTrace("hot", 10, true))
	}

	var reps []*Pattern
	for _, pattern := range p.Patterns() {
		if pattern.Category == PatternRepetition {
			reps = append(reps, pattern)
		}
	}
	require.Len(t, reps, 1)
	assert.GreaterOrEqual(t, reps[0].Frequency, 5)
	assert.Greater(t, reps[0].Confidence, 0.0)
	assert.Equal(t, 1, pub.count(broadcast.TopicPatterns, "detected"))
}

func TestSlowPathPattern(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	for i := 0; i < 20; i++ {
		p.process(mkTrace("degrading", 10, true))
	}
	for i := 0; i < 10; i++ {
		p.process(mkTrace("degrading", 1000, true))
	}

	found := false
	for _, pattern := range p.Patterns() {
		if pattern.Category == PatternSlowPath {
			found = true
		}
	}
	assert.True(t, found, "recent invocations far above the all-time average")
}

func TestErrorRateAlertRaisedAndResolved(t *testing.T) {
	alertMgr := alerts.NewManager(alerts.Config{})
	p := newPipeline(nil, alertMgr, nil)

	for i := 0; i < 3; i++ {
		p.process(mkTrace("failing", 10, false))
	}

	active := alertMgr.Active()
	raised := false
	for _, a := range active {
		if a.Type == alerts.TypeError && a.Severity == alerts.SeverityCritical {
			raised = true
		}
	}
	require.True(t, raised, "100%% rolling error rate must raise a critical alert")

	// Enough successes to drop the rolling error rate under the warn level.
	for i := 0; i < 100; i++ {
		p.process(mkTrace("recovered", 10, true))
	}
	for _, a := range alertMgr.Active() {
		assert.NotEqual(t, alerts.TypeError, a.Type, "error-rate alert must resolve on recovery")
	}
}

func TestSlowInvocationAlert(t *testing.T) {
	alertMgr := alerts.NewManager(alerts.Config{})
	p := newPipeline(nil, alertMgr, nil)

	p.process(mkTrace("sluggish", 3000, true))

	found := false
	for _, a := range alertMgr.Active() {
		if a.Type == alerts.TypePerformance {
			found = true
			assert.Equal(t, alerts.SeverityHigh, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestSlowInvocationWarnTier(t *testing.T) {
	alertMgr := alerts.NewManager(alerts.Config{})
	p := newPipeline(nil, alertMgr, nil)

	// Between the warn (1000 ms) and critical (2000 ms) thresholds.
	p.process(mkTrace("sluggish", 1500, true))

	found := false
	for _, a := range alertMgr.Active() {
		if a.Type == alerts.TypePerformance {
			found = true
			assert.Equal(t, alerts.SeverityMedium, a.Severity)
		}
	}
	assert.True(t, found)
}

func TestStorageBacklogBuffersAndDrains(t *testing.T) {
	store := &flakyStore{}
	store.setFail(true)
	p := newPipeline(store, nil, nil)

	for i := 0; i < 5; i++ {
		p.process(mkTrace("persisted", 10, true))
	}
	assert.Equal(t, 5, p.StorageBacklog())
	assert.Zero(t, store.storedCount())

	// Backend recovers: the next successful put drains the backlog.
	store.setFail(false)
	p.process(mkTrace("persisted", 10, true))

	assert.Zero(t, p.StorageBacklog())
	assert.Equal(t, 6, store.storedCount())
}

func TestOfferDropsWhenQueueFull(t *testing.T) {
	p := New(Config{QueueSize: 1}, nil, nil, nil, config.DefaultThresholds())

	assert.True(t, p.Offer(mkTrace("a", 1, true), 0))
	assert.False(t, p.Offer(mkTrace("b", 1, true), 0))
	assert.False(t, p.Offer(mkTrace("c", 1, true), 10*time.Millisecond))
}

func TestRunDrainsQueueOnStop(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	go p.Run()
	for i := 0; i < 10; i++ {
		require.True(t, p.Offer(mkTrace("queued", 5, true), time.Second))
	}
	p.Stop()

	assert.Equal(t, uint64(10), p.Live().TotalRequests)
	assert.False(t, p.WorkerHeartbeat().IsZero())
}

func TestSetThresholdsTakesEffect(t *testing.T) {
	p := newPipeline(nil, nil, nil)

	strict := config.DefaultThresholds()
	strict.ErrorRateCritical = 0.001
	p.SetThresholds(strict)

	live := &LiveMetrics{ErrorRate: 0.01}
	assert.Equal(t, 70, p.healthScore(live))
}
