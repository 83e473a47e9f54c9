package trace

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closeOK(t *testing.T, r *Recorder, n *Node) {
	t.Helper()
	require.NoError(t, r.Close(n, Outcome{Success: true}))
}

func TestRecorderBuildsTree(t *testing.T) {
	r := NewRecorder(Options{RequestID: "req-1", UserID: "u-1"})

	root, err := r.StartRoot("plan-sprint", "execution", json.RawMessage(`{"sprint":"42"}`))
	require.NoError(t, err)

	child, err := r.StartChild(root, "fetch-backlog", "execution", nil)
	require.NoError(t, err)

	require.NoError(t, r.Close(child, Outcome{Success: true, Result: json.RawMessage(`{"items":3}`)}))
	require.NoError(t, r.Close(root, Outcome{Success: true}))

	tr, err := r.Finalize()
	require.NoError(t, err)

	assert.NotEmpty(t, tr.ID)
	assert.Equal(t, "req-1", tr.RequestID)
	assert.Equal(t, "u-1", tr.UserID)
	require.NotNil(t, tr.Root())
	assert.Equal(t, "plan-sprint", tr.Root().Label)
	assert.Equal(t, []int{child.ID}, tr.Root().Children)
	assert.True(t, tr.Complete())
	assert.Equal(t, "plan-sprint|fetch-backlog", tr.Signature())
}

func TestSecondRootRejected(t *testing.T) {
	r := NewRecorder(Options{})
	_, err := r.StartRoot("a", "execution", nil)
	require.NoError(t, err)

	_, err = r.StartRoot("b", "execution", nil)
	assert.Error(t, err)
}

func TestParentCannotCloseBeforeChildren(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)
	child, err := r.StartChild(root, "child", "execution", nil)
	require.NoError(t, err)

	err = r.Close(root, Outcome{Success: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed before child")

	closeOK(t, r, child)
	closeOK(t, r, root)
}

func TestDoubleCloseRejected(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)

	closeOK(t, r, root)
	assert.Error(t, r.Close(root, Outcome{Success: true}))
}

func TestChildOfClosedParentRejected(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)
	closeOK(t, r, root)

	_, err = r.StartChild(root, "late", "execution", nil)
	assert.Error(t, err)
}

func TestFinalizeRequiresAllClosed(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)

	_, err = r.Finalize()
	require.Error(t, err)

	closeOK(t, r, root)
	tr, err := r.Finalize()
	require.NoError(t, err)
	require.NotNil(t, tr)

	_, err = r.Finalize()
	assert.Error(t, err, "ownership transfers exactly once")
}

func TestNodeBoundElidesChildren(t *testing.T) {
	r := NewRecorder(Options{MaxNodes: 3})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)

	var children []*Node
	for i := 0; i < 5; i++ {
		child, err := r.StartChild(root, fmt.Sprintf("child-%d", i), "execution", nil)
		require.NoError(t, err)
		children = append(children, child)
	}

	for _, child := range children {
		require.NoError(t, r.Close(child, Outcome{Success: true}))
	}
	closeOK(t, r, root)

	tr, err := r.Finalize()
	require.NoError(t, err)

	assert.Len(t, tr.Nodes, 3)
	assert.True(t, tr.Truncated)
	assert.Equal(t, 3, tr.Overflow)
	// Elided nodes accept children without recording them.
	assert.True(t, children[4].Elided())
}

func TestByteBoundTruncatesPayloads(t *testing.T) {
	r := NewRecorder(Options{MaxBytes: 64})
	big := json.RawMessage(`{"blob":"` + strings.Repeat("x", 128) + `"}`)

	root, err := r.StartRoot("root", "execution", big)
	require.NoError(t, err)
	closeOK(t, r, root)

	tr, err := r.Finalize()
	require.NoError(t, err)

	assert.True(t, tr.Truncated)
	assert.Equal(t, json.RawMessage(`"[truncated]"`), tr.Root().Input)
}

func TestRedactionAppliedAtClose(t *testing.T) {
	r := NewRecorder(Options{})
	input := json.RawMessage(`{"user":"alice","password":"hunter2","nested":{"api_key":"abc"}}`)

	root, err := r.StartRoot("login", "execution", input)
	require.NoError(t, err)

	// Before close the recorded input is untouched.
	assert.JSONEq(t, string(input), string(root.Input))

	require.NoError(t, r.Close(root, Outcome{
		Success: true,
		Result:  json.RawMessage(`{"sessionToken":"xyz","ok":true}`),
	}))

	var in map[string]any
	require.NoError(t, json.Unmarshal(root.Input, &in))
	assert.Equal(t, "alice", in["user"])
	assert.Equal(t, RedactedMarker, in["password"])
	assert.Equal(t, RedactedMarker, in["nested"].(map[string]any)["api_key"])

	var out map[string]any
	require.NoError(t, json.Unmarshal(root.Result, &out))
	assert.Equal(t, RedactedMarker, out["sessionToken"])
	assert.Equal(t, true, out["ok"])
}

func TestCloseRecordsErrorInfo(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("fail", "execution", nil)
	require.NoError(t, err)

	require.NoError(t, r.Close(root, Outcome{
		Success: false,
		Err:     fmt.Errorf("backend unreachable"),
		ErrKind: "resource_unavailable",
	}))

	require.NotNil(t, root.Error)
	assert.Equal(t, "resource_unavailable", root.Error.Kind)
	assert.Equal(t, "backend unreachable", root.Error.Message)
	assert.False(t, root.Success)
	assert.GreaterOrEqual(t, root.DurationMs, 0.0)
	assert.False(t, root.End.Before(root.Start))
}

func TestSidecarsGroupedByKind(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)

	r.RecordSidecar("cache", json.RawMessage(`{"hit":true}`))
	r.RecordSidecar("cache", json.RawMessage(`{"hit":false}`))
	r.RecordSidecar("perf", json.RawMessage(`{"ms":12}`))
	closeOK(t, r, root)

	tr, err := r.Finalize()
	require.NoError(t, err)

	require.Len(t, tr.Sidecars["cache"], 2)
	require.Len(t, tr.Sidecars["perf"], 1)
	assert.WithinDuration(t, time.Now(), tr.Sidecars["perf"][0].Timestamp, time.Minute)
}

func TestTraceRoundTrip(t *testing.T) {
	r := NewRecorder(Options{RequestID: "req-rt"})
	root, err := r.StartRoot("root", "execution", json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	child, err := r.StartChild(root, "step", "execution", nil)
	require.NoError(t, err)
	closeOK(t, r, child)
	closeOK(t, r, root)

	tr, err := r.Finalize()
	require.NoError(t, err)

	data, err := json.Marshal(tr)
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, tr.ID, parsed.ID)
	assert.Equal(t, tr.RequestID, parsed.RequestID)
	assert.Equal(t, tr.Signature(), parsed.Signature())
	assert.True(t, parsed.Complete())
}

func TestForceCloseOpenDescendants(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)
	child, err := r.StartChild(root, "child", "execution", nil)
	require.NoError(t, err)
	_, err = r.StartChild(child, "grandchild", "execution", nil)
	require.NoError(t, err)

	outcome := Outcome{Err: fmt.Errorf("deadline exceeded"), ErrKind: "timeout"}
	r.CloseOpenDescendants(root, outcome)

	// With the subtree closed the root can close and the trace finalizes.
	require.NoError(t, r.Close(root, outcome))
	tr, err := r.Finalize()
	require.NoError(t, err)

	assert.True(t, tr.Complete())
	require.Len(t, tr.Nodes, 3)
	for _, n := range tr.Nodes {
		require.NotNil(t, n.Error)
		assert.Equal(t, "timeout", n.Error.Kind)
	}
}

func TestLateCallsAfterFinalizeIgnored(t *testing.T) {
	r := NewRecorder(Options{})
	root, err := r.StartRoot("root", "execution", nil)
	require.NoError(t, err)
	closeOK(t, r, root)

	tr, err := r.Finalize()
	require.NoError(t, err)

	// A goroutine outliving the request must not mutate the handed-off trace.
	r.RecordSidecar("cache", json.RawMessage(`{"hit":true}`))
	assert.Empty(t, tr.Sidecars)

	_, err = r.StartChild(root, "late", "execution", nil)
	assert.Error(t, err)
	assert.Error(t, r.Close(root, Outcome{Success: true}))
}
