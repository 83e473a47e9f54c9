package trace

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxNodes caps the call tree size per trace.
	DefaultMaxNodes = 10000
	// DefaultMaxBytes caps the cumulative parameter/result payload per trace.
	DefaultMaxBytes = 1 << 20
)

// Options tune recorder bounds and redaction.
type Options struct {
	MaxNodes         int
	MaxBytes         int
	SensitiveKeys    []string // wildcard patterns, matched case-insensitively
	RequestID        string
	UserID           string
	SessionID        string
}

// Outcome describes how a node finished.
type Outcome struct {
	Success bool
	Result  json.RawMessage
	Err     error
	ErrKind string
}

// Recorder builds one trace with push/pop semantics. Safe for use from the
// request goroutine and any child goroutines the tool body spawns.
type Recorder struct {
	mu        sync.Mutex
	trace     *Trace
	nodes     map[int]*Node
	nextID    int
	bytesUsed int
	opts      Options
	redactor  *redactor
	finalized bool
}

// NewRecorder creates an empty recorder for one request.
func NewRecorder(opts Options) *Recorder {
	if opts.MaxNodes <= 0 {
		opts.MaxNodes = DefaultMaxNodes
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = DefaultMaxBytes
	}
	return &Recorder{
		trace: &Trace{
			ID:        uuid.NewString(),
			RequestID: opts.RequestID,
			UserID:    opts.UserID,
			SessionID: opts.SessionID,
		},
		nodes:    make(map[int]*Node),
		opts:     opts,
		redactor: newRedactor(opts.SensitiveKeys),
	}
}

// TraceID returns the id assigned to this trace.
func (r *Recorder) TraceID() string {
	return r.trace.ID
}

// StartRoot creates the root node. It fails if a root already exists.
func (r *Recorder) StartRoot(label, phase string, input json.RawMessage) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.trace.Nodes) > 0 {
		return nil, fmt.Errorf("trace %s already has a root", r.trace.ID)
	}
	node := r.newNodeLocked(label, phase, input, nil)
	r.trace.RootID = node.ID
	return node, nil
}

// StartChild appends a node as the last child of parent. The parent must be
// open. When the trace is at its node or byte bound the child is elided and
// counted in the overflow field.
func (r *Recorder) StartChild(parent *Node, label, phase string, input json.RawMessage) (*Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if parent == nil {
		return nil, fmt.Errorf("trace %s: child requires a parent", r.trace.ID)
	}
	if r.finalized {
		return nil, fmt.Errorf("trace %s already finalized", r.trace.ID)
	}
	if parent.elided {
		return r.elidedNodeLocked(label, phase), nil
	}
	if _, ok := r.nodes[parent.ID]; !ok {
		return nil, fmt.Errorf("trace %s: unknown parent node %d", r.trace.ID, parent.ID)
	}
	if parent.closed {
		return nil, fmt.Errorf("trace %s: parent node %d already closed", r.trace.ID, parent.ID)
	}
	if len(r.trace.Nodes) >= r.opts.MaxNodes || r.bytesUsed >= r.opts.MaxBytes {
		return r.elidedNodeLocked(label, phase), nil
	}

	pid := parent.ID
	node := r.newNodeLocked(label, phase, input, &pid)
	parent.Children = append(parent.Children, node.ID)
	return node, nil
}

// Close sets the end timestamp, computes the duration, applies redaction,
// and records the outcome. Children must be closed before their parent.
func (r *Recorder) Close(node *Node, outcome Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node == nil || node.elided {
		return nil
	}
	if r.finalized {
		return fmt.Errorf("trace %s already finalized", r.trace.ID)
	}
	if node.closed {
		return fmt.Errorf("trace %s: node %d closed twice", r.trace.ID, node.ID)
	}
	for _, childID := range node.Children {
		if child, ok := r.nodes[childID]; ok && !child.closed {
			return fmt.Errorf("trace %s: node %d closed before child %d", r.trace.ID, node.ID, childID)
		}
	}
	r.closeNodeLocked(node, outcome)
	return nil
}

// CloseOpenDescendants force-closes every open descendant of node, deepest
// first. Used when a body is abandoned (timeout, panic) and can no longer
// close the nodes it opened; the trace still has to finalize.
func (r *Recorder) CloseOpenDescendants(node *Node, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if node == nil || node.elided || r.finalized {
		return
	}
	r.closeOpenDescendantsLocked(node, outcome)
}

func (r *Recorder) closeOpenDescendantsLocked(node *Node, outcome Outcome) {
	for _, childID := range node.Children {
		child, ok := r.nodes[childID]
		if !ok || child.closed {
			continue
		}
		r.closeOpenDescendantsLocked(child, outcome)
		r.closeNodeLocked(child, outcome)
	}
}

func (r *Recorder) closeNodeLocked(node *Node, outcome Outcome) {
	node.End = time.Now()
	if node.End.Before(node.Start) {
		node.End = node.Start
	}
	node.DurationMs = float64(node.End.Sub(node.Start)) / float64(time.Millisecond)
	node.Success = outcome.Success
	if outcome.Err != nil {
		kind := outcome.ErrKind
		if kind == "" {
			kind = "internal"
		}
		node.Error = &ErrorInfo{Kind: kind, Message: outcome.Err.Error()}
	}
	if len(outcome.Result) > 0 {
		node.Result = r.boundPayloadLocked(r.redactor.Redact(outcome.Result))
	}
	// Redaction happens at close, never at dispatch, so the body sees the
	// original parameters.
	node.Input = r.redactor.Redact(node.Input)
	node.closed = true
}

// RecordSidecar attaches a non-tree sample to the trace. Calls arriving
// after finalization (an abandoned body goroutine) are dropped.
func (r *Recorder) RecordSidecar(kind string, payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return
	}
	if r.trace.Sidecars == nil {
		r.trace.Sidecars = make(map[string][]Sidecar)
	}
	r.trace.Sidecars[kind] = append(r.trace.Sidecars[kind], Sidecar{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// Finalize transfers ownership of the trace. It fails while any node is
// still open.
func (r *Recorder) Finalize() (*Trace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalized {
		return nil, fmt.Errorf("trace %s already finalized", r.trace.ID)
	}
	for _, n := range r.trace.Nodes {
		if !n.closed {
			return nil, fmt.Errorf("trace %s: node %d still open", r.trace.ID, n.ID)
		}
	}
	if len(r.trace.Nodes) == 0 {
		return nil, fmt.Errorf("trace %s has no root", r.trace.ID)
	}
	r.finalized = true
	return r.trace, nil
}

func (r *Recorder) newNodeLocked(label, phase string, input json.RawMessage, parent *int) *Node {
	r.nextID++
	node := &Node{
		ID:       r.nextID,
		ParentID: parent,
		Label:    label,
		Phase:    phase,
		Start:    time.Now(),
		Input:    r.boundPayloadLocked(input),
	}
	r.nodes[node.ID] = node
	r.trace.Nodes = append(r.trace.Nodes, node)
	return node
}

func (r *Recorder) elidedNodeLocked(label, phase string) *Node {
	r.trace.Truncated = true
	r.trace.Overflow++
	return &Node{Label: label, Phase: phase, Start: time.Now(), elided: true}
}

// boundPayloadLocked charges the payload against the byte budget, replacing
// it with a marker once the budget is exhausted.
func (r *Recorder) boundPayloadLocked(payload json.RawMessage) json.RawMessage {
	if len(payload) == 0 {
		return nil
	}
	if r.bytesUsed+len(payload) > r.opts.MaxBytes {
		r.trace.Truncated = true
		return json.RawMessage(`"[truncated]"`)
	}
	r.bytesUsed += len(payload)
	return payload
}
