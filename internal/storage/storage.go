// Package storage persists completed traces. The pipeline treats the store
// as an external collaborator: persistence failures are warnings, never
// invocation failures.
package storage

import (
	"context"
	"io"
	"time"

	"github.com/wtthornton/tappmcp/internal/trace"
)

// Format selects an export encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// Filter narrows queries and exports.
type Filter struct {
	From    time.Time
	To      time.Time
	Tools   []string // match on root label; empty matches all
	Success *bool    // nil matches both outcomes
	Limit   int      // 0 means no limit
}

// Store is the persistence contract for completed traces.
type Store interface {
	Put(ctx context.Context, t *trace.Trace) error
	Query(ctx context.Context, filter Filter) ([]*trace.Trace, error)
	Export(ctx context.Context, format Format, filter Filter) (io.Reader, error)
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}
