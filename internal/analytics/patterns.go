package analytics

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/wtthornton/tappmcp/internal/trace"
)

// Pattern categories.
const (
	PatternRepetition = "repetition"
	PatternErrorBurst = "error-burst"
	PatternSlowPath   = "slow-path"
)

const (
	// repetitionThreshold is the minimum signature occurrences in the
	// detection window to call it a repetition.
	repetitionThreshold = 5

	// repetitionWindow is how many recent traces the repetition scan
	// covers.
	repetitionWindow = 50

	// errorBurstThreshold is the minimum same-tool errors within the
	// rolling window.
	errorBurstThreshold = 3

	// slowPathRatio is how much slower the recent average must be than
	// the all-time average.
	slowPathRatio = 2.0

	// patternDedupWindow suppresses re-emission of an equivalent pattern.
	patternDedupWindow = 5 * time.Minute

	// maxPatterns bounds the retained pattern list.
	maxPatterns = 100
)

// Pattern is a detected usage pattern.
type Pattern struct {
	ID          string    `json:"id"`
	Category    string    `json:"category"`
	Description string    `json:"description"`
	Frequency   int       `json:"frequency"`
	Confidence  float64   `json:"confidence"`
	Insights    []string  `json:"insights,omitempty"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`

	dedupKey string
}

func (p *Pattern) clone() *Pattern {
	clone := *p
	clone.Insights = append([]string(nil), p.Insights...)
	return &clone
}

// detector runs the rule-based pattern checks. All state is owned by the
// ingest worker.
type detector struct {
	patterns []*Pattern
	byKey    map[string]*Pattern
}

func newDetector() *detector {
	return &detector{byKey: make(map[string]*Pattern)}
}

// observe runs every rule against the just-ingested trace and returns the
// newly created patterns (dedup-window hits bump frequency and return
// nothing).
func (d *detector) observe(t *trace.Trace, recent []*trace.Trace, tools map[string]*toolStats, now time.Time) []*Pattern {
	var created []*Pattern

	if p := d.checkRepetition(t, recent, now); p != nil {
		created = append(created, p)
	}
	root := t.Root()
	if root != nil {
		if stats, ok := tools[root.Label]; ok {
			if p := d.checkErrorBurst(root.Label, stats, now); p != nil {
				created = append(created, p)
			}
			if p := d.checkSlowPath(root.Label, stats, now); p != nil {
				created = append(created, p)
			}
		}
	}
	return created
}

func (d *detector) checkRepetition(t *trace.Trace, recent []*trace.Trace, now time.Time) *Pattern {
	signature := t.Signature()
	if signature == "" {
		return nil
	}

	window := recent
	if len(window) > repetitionWindow {
		window = window[len(window)-repetitionWindow:]
	}
	count := 0
	for _, other := range window {
		if other.Signature() == signature {
			count++
		}
	}
	if count < repetitionThreshold {
		return nil
	}

	return d.emit(Pattern{
		Category:    PatternRepetition,
		Description: fmt.Sprintf("Call shape %q repeated %d times in the last %d requests", signature, count, len(window)),
		Frequency:   count,
		Confidence:  float64(count) / float64(len(window)),
		Insights:    []string{"Consider caching or batching this call shape"},
	}, "repetition:"+signature, now)
}

func (d *detector) checkErrorBurst(tool string, stats *toolStats, now time.Time) *Pattern {
	count := stats.recentErrors(now)
	if count < errorBurstThreshold {
		return nil
	}

	confidence := float64(count) / float64(repetitionThreshold)
	if confidence > 1 {
		confidence = 1
	}
	return d.emit(Pattern{
		Category:    PatternErrorBurst,
		Description: fmt.Sprintf("Tool %q failed %d times in the last minute", tool, count),
		Frequency:   count,
		Confidence:  confidence,
		Insights:    []string{"Check the tool's downstream dependency for an outage"},
	}, "error-burst:"+tool, now)
}

func (d *detector) checkSlowPath(tool string, stats *toolStats, now time.Time) *Pattern {
	if stats.count < 10 {
		return nil
	}
	allTime := stats.allTimeAvgMs()
	recent := stats.recentAvgMs()
	if allTime <= 0 || recent <= slowPathRatio*allTime {
		return nil
	}

	confidence := recent / (slowPathRatio * allTime)
	if confidence > 1 {
		confidence = 1
	}
	return d.emit(Pattern{
		Category:    PatternSlowPath,
		Description: fmt.Sprintf("Tool %q recent avg %.0f ms vs all-time %.0f ms", tool, recent, allTime),
		Frequency:   len(stats.recentMs),
		Confidence:  confidence,
		Insights:    []string{"Recent invocations are much slower than the historical baseline"},
	}, "slow-path:"+tool, now)
}

// emit creates the pattern unless an equivalent one was seen inside the
// dedup window, in which case the existing one is bumped instead.
func (d *detector) emit(p Pattern, dedupKey string, now time.Time) *Pattern {
	if existing, ok := d.byKey[dedupKey]; ok && now.Sub(existing.LastSeen) < patternDedupWindow {
		existing.Frequency = p.Frequency
		if p.Confidence > existing.Confidence {
			existing.Confidence = p.Confidence
		}
		existing.LastSeen = now
		return nil
	}

	p.ID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	p.FirstSeen = now
	p.LastSeen = now
	p.dedupKey = dedupKey

	d.byKey[dedupKey] = &p
	d.patterns = append(d.patterns, &p)
	if len(d.patterns) > maxPatterns {
		evicted := d.patterns[0]
		d.patterns = d.patterns[1:]
		if d.byKey[evicted.dedupKey] == evicted {
			delete(d.byKey, evicted.dedupKey)
		}
	}
	return &p
}

// snapshot returns a copy of the retained patterns, newest last.
func (d *detector) snapshot() []*Pattern {
	out := make([]*Pattern, 0, len(d.patterns))
	for _, p := range d.patterns {
		out = append(out, p.clone())
	}
	return out
}
