package analytics

import (
	"sort"
	"time"
)

// ToolReport aggregates one tool's activity inside the report window.
type ToolReport struct {
	Tool        string    `json:"tool"`
	Count       uint64    `json:"count"`
	Errors      uint64    `json:"errors"`
	ErrorRate   float64   `json:"errorRate"`
	AvgMs       float64   `json:"avgMs"`
	MinMs       float64   `json:"minMs"`
	MaxMs       float64   `json:"maxMs"`
	RecentAvgMs float64   `json:"recentAvgMs"`
	LastInvoked time.Time `json:"lastInvoked"`
}

// PerformanceReport is the aggregate served on /performance.
type PerformanceReport struct {
	GeneratedAt   time.Time               `json:"generatedAt"`
	WindowSec     float64                 `json:"windowSec"`
	Live          *LiveMetrics            `json:"live"`
	Tools         []ToolReport            `json:"tools"`
	PhaseCounts   map[string]uint64       `json:"phaseCounts"`
	Patterns      []*Pattern              `json:"patterns"`
	Trends        map[string][]TrendPoint `json:"trends"`
	TracesKept    int                     `json:"tracesKept"`
	TracesEvicted uint64                  `json:"tracesEvicted"`
}

// Report builds a performance report from current pipeline state.
func (p *Pipeline) Report(window time.Duration) *PerformanceReport {
	now := time.Now()
	cutoff := now.Add(-window)

	p.mu.Lock()
	tools := make([]ToolReport, 0, len(p.perTool))
	for name, stats := range p.perTool {
		if window > 0 && stats.lastInvoked.Before(cutoff) {
			continue
		}
		report := ToolReport{
			Tool:        name,
			Count:       stats.count,
			Errors:      stats.errors,
			AvgMs:       stats.allTimeAvgMs(),
			MinMs:       stats.minMs,
			MaxMs:       stats.maxMs,
			RecentAvgMs: stats.recentAvgMs(),
			LastInvoked: stats.lastInvoked,
		}
		if stats.count > 0 {
			report.ErrorRate = float64(stats.errors) / float64(stats.count)
		}
		tools = append(tools, report)
	}
	phases := make(map[string]uint64, len(p.perPhase))
	for phase, count := range p.perPhase {
		phases[phase] = count
	}
	kept := p.traces.Len()
	evicted := p.traces.Evicted()
	patterns := p.detector.snapshot()
	p.mu.Unlock()

	sort.Slice(tools, func(i, j int) bool { return tools[i].Tool < tools[j].Tool })

	return &PerformanceReport{
		GeneratedAt:   now,
		WindowSec:     window.Seconds(),
		Live:          p.Live(),
		Tools:         tools,
		PhaseCounts:   phases,
		Patterns:      patterns,
		Trends:        p.Trends(),
		TracesKept:    kept,
		TracesEvicted: evicted,
	}
}
