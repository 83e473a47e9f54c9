// Package invoker executes tools: it validates input and output against the
// descriptor schemas, wraps the run in a trace, applies timeout and retry
// policy, and hands the finalized trace to the analytics pipeline.
package invoker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
	"github.com/wtthornton/tappmcp/internal/registry"
	"github.com/wtthornton/tappmcp/internal/trace"
)

const (
	// cancelGrace is how long a non-cooperative body gets after its
	// deadline before the invoker abandons it.
	cancelGrace = 500 * time.Millisecond

	// defaultHandoffWait bounds how long the invoker waits for a slot in
	// the pipeline's ingest queue before dropping the trace.
	defaultHandoffWait = 50 * time.Millisecond
)

// Sink receives finalized traces. Offer must not block longer than wait.
type Sink interface {
	Offer(t *trace.Trace, wait time.Duration) bool
}

// RequestMeta carries the caller identity onto the trace.
type RequestMeta struct {
	RequestID string
	UserID    string
	SessionID string
	Values    map[string]string
}

// Metadata describes one invocation result.
type Metadata struct {
	ExecutionTimeMs float64   `json:"executionTimeMs"`
	ToolName        string    `json:"toolName"`
	Version         string    `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
	TraceID         string    `json:"traceId"`
}

// Result is the uniform invocation envelope.
type Result struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Kind     apperrors.Kind  `json:"-"`
	Metadata Metadata        `json:"metadata"`
}

// Invoker dispatches tool invocations through the registry.
type Invoker struct {
	reg         *registry.Registry
	sink        Sink
	schemas     *schemaCache
	handoffWait time.Duration

	traceOpts trace.Options // bounds and redaction template

	shuttingDown  atomic.Bool
	droppedTraces atomic.Uint64
}

// New creates an invoker backed by the given registry and trace sink.
func New(reg *registry.Registry, sink Sink, traceOpts trace.Options) *Invoker {
	return &Invoker{
		reg:         reg,
		sink:        sink,
		schemas:     newSchemaCache(),
		handoffWait: defaultHandoffWait,
		traceOpts:   traceOpts,
	}
}

// Shutdown stops accepting invocations. In-flight calls finish normally.
func (i *Invoker) Shutdown() {
	i.shuttingDown.Store(true)
}

// DroppedTraces reports how many traces were dropped on pipeline hand-off.
func (i *Invoker) DroppedTraces() uint64 {
	return i.droppedTraces.Load()
}

// Invoke runs the named tool and returns the uniform result envelope.
func (i *Invoker) Invoke(ctx context.Context, toolName string, args json.RawMessage, meta RequestMeta) Result {
	start := time.Now()

	if i.shuttingDown.Load() {
		return i.failure(toolName, "", start, apperrors.New(apperrors.KindShuttingDown, "invoke", toolName, apperrors.ErrShuttingDown))
	}

	entry, err := i.reg.Tool(toolName)
	if err != nil {
		return i.failure(toolName, "", start, err)
	}

	opts := i.traceOpts
	opts.RequestID = meta.RequestID
	opts.UserID = meta.UserID
	opts.SessionID = meta.SessionID
	rec := trace.NewRecorder(opts)

	data, err := i.invokeNode(ctx, rec, nil, entry, args, meta)

	finalized, finErr := rec.Finalize()
	if finErr != nil {
		log.Error().Err(finErr).Str("tool", toolName).Msg("Trace finalization failed")
	} else if !i.sink.Offer(finalized, i.handoffWait) {
		i.droppedTraces.Add(1)
		log.Warn().Str("tool", toolName).Str("trace", finalized.ID).Msg("Pipeline queue full; trace dropped")
	}

	metadata := Metadata{
		ExecutionTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
		ToolName:        toolName,
		Version:         entry.Descriptor.Version,
		Timestamp:       time.Now(),
		TraceID:         rec.TraceID(),
	}
	if err != nil {
		return Result{
			Success:  false,
			Error:    apperrors.DisplayMessage(err),
			Kind:     apperrors.KindOf(err),
			Metadata: metadata,
		}
	}
	return Result{Success: true, Data: data, Metadata: metadata}
}

// invokeNode runs one tool as a trace node, recursing for dispatched
// compositions. parent == nil opens the trace root.
func (i *Invoker) invokeNode(ctx context.Context, rec *trace.Recorder, parent *trace.Node, entry *registry.ToolEntry, args json.RawMessage, meta RequestMeta) (json.RawMessage, error) {
	desc := entry.Descriptor

	if err := i.schemas.validate(desc.Name, schemaInput, desc.InputSchema, args); err != nil {
		return nil, err
	}

	var node *trace.Node
	var err error
	if parent == nil {
		node, err = rec.StartRoot(desc.Name, "tool", args)
	} else {
		node, err = rec.StartChild(parent, desc.Name, "tool", args)
	}
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, "invoke", desc.Name, err)
	}

	scope := registry.NewScope(i.reg, rec, node, meta.Values, func(ctx context.Context, name string, childArgs json.RawMessage) (json.RawMessage, error) {
		childEntry, lookupErr := i.reg.Tool(name)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return i.invokeNode(ctx, rec, node, childEntry, childArgs, meta)
	})

	data, runErr := i.runWithRetries(ctx, rec, node, entry, scope, args)

	if runErr == nil {
		if outErr := i.schemas.validate(desc.Name, schemaOutput, desc.OutputSchema, data); outErr != nil {
			runErr = outErr
			data = nil
		}
	}

	outcome := trace.Outcome{Success: runErr == nil, Result: data}
	if runErr != nil {
		outcome.Err = runErr
		outcome.ErrKind = string(apperrors.KindOf(runErr))
		// An abandoned or panicked body may have left child nodes open;
		// close them so the trace still finalizes and reaches the pipeline.
		rec.CloseOpenDescendants(node, trace.Outcome{Err: runErr, ErrKind: outcome.ErrKind})
	}
	if closeErr := rec.Close(node, outcome); closeErr != nil {
		log.Error().Err(closeErr).Str("tool", desc.Name).Msg("Trace close failed")
	}
	return data, runErr
}

// runWithRetries applies the descriptor's retry budget to transient
// failures: exponential backoff from 50 ms, factor 2, ±25% jitter, 2 s cap.
func (i *Invoker) runWithRetries(ctx context.Context, rec *trace.Recorder, node *trace.Node, entry *registry.ToolEntry, scope *registry.Scope, args json.RawMessage) (json.RawMessage, error) {
	attempts := entry.Descriptor.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(attempt)
			retryInfo, _ := json.Marshal(map[string]any{
				"attempt": attempt,
				"delayMs": delay.Milliseconds(),
				"error":   lastErr.Error(),
			})
			rec.RecordSidecar("retry", retryInfo)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, apperrors.New(apperrors.KindCancelled, "invoke", entry.Descriptor.Name, ctx.Err())
			}
		}

		data, err := i.runBody(ctx, entry, scope, args)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !apperrors.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// runBody executes the tool body under the descriptor timeout, granting a
// short grace period before abandoning a non-cooperative body.
func (i *Invoker) runBody(ctx context.Context, entry *registry.ToolEntry, scope *registry.Scope, args json.RawMessage) (json.RawMessage, error) {
	desc := entry.Descriptor

	bodyCtx := ctx
	var cancel context.CancelFunc
	if desc.Timeout > 0 {
		bodyCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		defer cancel()
	}

	type bodyResult struct {
		data json.RawMessage
		err  error
	}
	resultCh := make(chan bodyResult, 1)
	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				resultCh <- bodyResult{err: apperrors.New(apperrors.KindInternal, "invoke", desc.Name, fmt.Errorf("tool body panic: %v", recovered))}
			}
		}()
		data, err := entry.Body(bodyCtx, scope, args)
		resultCh <- bodyResult{data: data, err: err}
	}()

	select {
	case result := <-resultCh:
		return result.data, result.err
	case <-bodyCtx.Done():
	}

	// Deadline hit: give the body the grace period to notice cancellation.
	select {
	case result := <-resultCh:
		if result.err == nil && bodyCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.New(apperrors.KindTimeout, "invoke", desc.Name, bodyCtx.Err())
		}
		return result.data, result.err
	case <-time.After(cancelGrace):
	}

	log.Warn().Str("tool", desc.Name).Msg("Tool body ignored cancellation; abandoning")
	if ctx.Err() != nil && bodyCtx.Err() == context.Canceled {
		return nil, apperrors.New(apperrors.KindCancelled, "invoke", desc.Name, ctx.Err())
	}
	return nil, apperrors.New(apperrors.KindTimeout, "invoke", desc.Name, bodyCtx.Err())
}

func (i *Invoker) failure(toolName, traceID string, start time.Time, err error) Result {
	return Result{
		Success: false,
		Error:   apperrors.DisplayMessage(err),
		Kind:    apperrors.KindOf(err),
		Metadata: Metadata{
			ExecutionTimeMs: float64(time.Since(start)) / float64(time.Millisecond),
			ToolName:        toolName,
			Timestamp:       time.Now(),
			TraceID:         traceID,
		},
	}
}
