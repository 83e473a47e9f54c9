package invoker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
	"github.com/wtthornton/tappmcp/internal/registry"
	"github.com/wtthornton/tappmcp/internal/trace"
)

type captureSink struct {
	mu     sync.Mutex
	traces []*trace.Trace
	reject bool
}

func (s *captureSink) Offer(t *trace.Trace, wait time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.traces = append(s.traces, t)
	return true
}

func (s *captureSink) last() *trace.Trace {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.traces) == 0 {
		return nil
	}
	return s.traces[len(s.traces)-1]
}

var echoSchema = json.RawMessage(`{
	"type": "object",
	"properties": {"msg": {"type": "string"}},
	"required": ["msg"],
	"additionalProperties": false
}`)

func echoTool() (registry.ToolDescriptor, registry.ToolFunc) {
	desc := registry.ToolDescriptor{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "returns its input",
		InputSchema: echoSchema,
		Timeout:     5 * time.Second,
	}
	body := func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}
	return desc, body
}

func newTestInvoker(t *testing.T, register func(r *registry.Registry)) (*Invoker, *captureSink) {
	t.Helper()
	reg := registry.New()
	desc, body := echoTool()
	require.NoError(t, reg.RegisterTool(desc, body, registry.Capabilities{}))
	if register != nil {
		register(reg)
	}
	require.NoError(t, reg.InitializeAll(context.Background(), 10))

	sink := &captureSink{}
	return New(reg, sink, trace.Options{}), sink
}

func TestInvokeSuccess(t *testing.T) {
	inv, sink := newTestInvoker(t, nil)

	res := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), RequestMeta{RequestID: "req-1"})

	assert.True(t, res.Success)
	assert.JSONEq(t, `{"msg":"hi"}`, string(res.Data))
	assert.Empty(t, res.Error)
	assert.Equal(t, "echo", res.Metadata.ToolName)
	assert.Equal(t, "1.0.0", res.Metadata.Version)
	assert.NotEmpty(t, res.Metadata.TraceID)
	assert.GreaterOrEqual(t, res.Metadata.ExecutionTimeMs, 0.0)

	tr := sink.last()
	require.NotNil(t, tr)
	assert.Equal(t, res.Metadata.TraceID, tr.ID)
	assert.Equal(t, "req-1", tr.RequestID)
	assert.True(t, tr.Complete())
	assert.Equal(t, "echo", tr.Root().Label)
}

func TestInvokeRejectsInvalidInput(t *testing.T) {
	inv, sink := newTestInvoker(t, nil)

	res := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"msg":42}`), RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindInvalidInput, res.Kind)
	assert.Contains(t, res.Error, "/msg")
	assert.Nil(t, sink.last(), "rejected input never opens a trace")
}

func TestInvokeRejectsMalformedJSON(t *testing.T) {
	inv, _ := newTestInvoker(t, nil)

	res := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"msg":`), RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindInvalidInput, res.Kind)
}

func TestInvokeUnknownTool(t *testing.T) {
	inv, _ := newTestInvoker(t, nil)

	res := inv.Invoke(context.Background(), "missing", nil, RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindToolNotFound, res.Kind)
}

func TestInvokeAfterShutdown(t *testing.T) {
	inv, _ := newTestInvoker(t, nil)
	inv.Shutdown()

	res := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindShuttingDown, res.Kind)
	assert.Equal(t, "server is shutting down", res.Error)
}

func TestInvokeTimeout(t *testing.T) {
	inv, sink := newTestInvoker(t, func(r *registry.Registry) {
		desc := registry.ToolDescriptor{Name: "slow", Version: "1.0.0", Timeout: 100 * time.Millisecond}
		body := func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			select {
			case <-time.After(5 * time.Second):
				return json.RawMessage(`{}`), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		require.NoError(t, r.RegisterTool(desc, body, registry.Capabilities{}))
	})

	start := time.Now()
	res := inv.Invoke(context.Background(), "slow", nil, RequestMeta{})
	elapsed := time.Since(start)

	assert.False(t, res.Success)
	assert.Less(t, elapsed, time.Second)

	tr := sink.last()
	require.NotNil(t, tr)
	require.NotNil(t, tr.Root().Error)
	assert.Equal(t, "timeout", tr.Root().Error.Kind)
}

func TestInvokeCancelled(t *testing.T) {
	inv, _ := newTestInvoker(t, func(r *registry.Registry) {
		desc := registry.ToolDescriptor{Name: "patient", Version: "1.0.0", Timeout: 5 * time.Second}
		body := func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		require.NoError(t, r.RegisterTool(desc, body, registry.Capabilities{}))
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := inv.Invoke(ctx, "patient", nil, RequestMeta{})
	assert.False(t, res.Success)
}

func TestRetriesOnlyTransientErrors(t *testing.T) {
	var transientCalls, permanentCalls int
	inv, sink := newTestInvoker(t, func(r *registry.Registry) {
		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name: "flaky", Version: "1.0.0", Retries: 3,
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			transientCalls++
			if transientCalls < 3 {
				return nil, apperrors.WrapTransient("flaky_io", "", assertErr("connection reset"))
			}
			return json.RawMessage(`{"ok":true}`), nil
		}, registry.Capabilities{}))

		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name: "broken", Version: "1.0.0", Retries: 3,
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			permanentCalls++
			return nil, apperrors.New(apperrors.KindInvalidInput, "broken", "", apperrors.ErrInvalidInput)
		}, registry.Capabilities{}))
	})

	res := inv.Invoke(context.Background(), "flaky", nil, RequestMeta{})
	assert.True(t, res.Success)
	assert.Equal(t, 3, transientCalls)
	require.NotNil(t, sink.last())
	assert.Len(t, sink.last().Sidecars["retry"], 2, "one sidecar per retry")

	res = inv.Invoke(context.Background(), "broken", nil, RequestMeta{})
	assert.False(t, res.Success)
	assert.Equal(t, 1, permanentCalls, "non-retryable errors fail immediately")
}

func TestRetryBudgetExhausted(t *testing.T) {
	var calls int
	inv, _ := newTestInvoker(t, func(r *registry.Registry) {
		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name: "doomed", Version: "1.0.0", Retries: 2,
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			calls++
			return nil, apperrors.WrapUnavailable("doomed_io", "", assertErr("still down"))
		}, registry.Capabilities{}))
	})

	res := inv.Invoke(context.Background(), "doomed", nil, RequestMeta{})
	assert.False(t, res.Success)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
	assert.Equal(t, apperrors.KindResourceUnavailable, res.Kind)
}

func TestInvalidOutputSuppressed(t *testing.T) {
	inv, sink := newTestInvoker(t, func(r *registry.Registry) {
		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name:    "liar",
			Version: "1.0.0",
			OutputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {"count": {"type": "integer"}},
				"required": ["count"]
			}`),
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"count":"three"}`), nil
		}, registry.Capabilities{}))
	})

	res := inv.Invoke(context.Background(), "liar", nil, RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindInvalidOutput, res.Kind)
	assert.Nil(t, res.Data, "nonconforming output is never surfaced")

	tr := sink.last()
	require.NotNil(t, tr)
	assert.False(t, tr.Root().Success)
}

func TestToolBodyPanicBecomesInternalError(t *testing.T) {
	inv, _ := newTestInvoker(t, func(r *registry.Registry) {
		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name: "bomb", Version: "1.0.0",
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			panic("kaboom")
		}, registry.Capabilities{}))
	})

	res := inv.Invoke(context.Background(), "bomb", nil, RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindInternal, res.Kind)
	assert.Equal(t, "internal error", res.Error, "panic detail stays out of the envelope")
}

func TestDispatchComposesNestedTrace(t *testing.T) {
	inv, sink := newTestInvoker(t, func(r *registry.Registry) {
		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name: "outer", Version: "1.0.0",
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			return scope.Dispatch(ctx, "echo", json.RawMessage(`{"msg":"nested"}`))
		}, registry.Capabilities{}))
	})

	res := inv.Invoke(context.Background(), "outer", nil, RequestMeta{})

	require.True(t, res.Success)
	assert.JSONEq(t, `{"msg":"nested"}`, string(res.Data))

	tr := sink.last()
	require.NotNil(t, tr)
	assert.Len(t, tr.Nodes, 2)
	assert.Equal(t, "outer|echo", tr.Signature())
	child := tr.Node(tr.Root().Children[0])
	require.NotNil(t, child)
	assert.Equal(t, "echo", child.Label)
	assert.True(t, child.Success)
}

func TestDroppedTraceCounted(t *testing.T) {
	inv, sink := newTestInvoker(t, nil)
	sink.reject = true

	res := inv.Invoke(context.Background(), "echo", json.RawMessage(`{"msg":"hi"}`), RequestMeta{})

	assert.True(t, res.Success, "a dropped trace never fails the invocation")
	assert.Equal(t, uint64(1), inv.DroppedTraces())
}

func TestAbandonedBodyTraceStillRecorded(t *testing.T) {
	bodyDone := make(chan struct{})
	inv, sink := newTestInvoker(t, func(r *registry.Registry) {
		require.NoError(t, r.RegisterTool(registry.ToolDescriptor{
			Name: "stubborn", Version: "1.0.0", Timeout: 50 * time.Millisecond,
		}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
			defer close(bodyDone)
			if _, err := scope.Child("step", "tool", nil); err != nil {
				return nil, err
			}
			// Ignores cancellation well past the grace period and never
			// closes the child it opened.
			time.Sleep(800 * time.Millisecond)
			return json.RawMessage(`{}`), nil
		}, registry.Capabilities{}))
	})

	res := inv.Invoke(context.Background(), "stubborn", nil, RequestMeta{})

	assert.False(t, res.Success)
	assert.Equal(t, apperrors.KindTimeout, res.Kind)

	tr := sink.last()
	require.NotNil(t, tr, "an abandoned body must not lose its trace")
	assert.True(t, tr.Complete())
	require.Len(t, tr.Nodes, 2)
	require.NotNil(t, tr.Root().Error)
	assert.Equal(t, "timeout", tr.Root().Error.Kind)

	child := tr.Node(tr.Root().Children[0])
	require.NotNil(t, child)
	require.NotNil(t, child.Error)
	assert.Equal(t, "timeout", child.Error.Kind)

	<-bodyDone
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
