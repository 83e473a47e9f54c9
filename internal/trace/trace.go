// Package trace builds the per-request execution call tree: one node per
// operation with timings, bounded parameters, outcomes, and sidecar samples.
package trace

import (
	"encoding/json"
	"fmt"
	"time"
)

// ErrorInfo describes a failed node without leaking internal detail.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Node is a single operation in the call tree.
type Node struct {
	ID         int             `json:"id"`
	ParentID   *int            `json:"parentId,omitempty"`
	Label      string          `json:"label"`
	Phase      string          `json:"phase"`
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	DurationMs float64         `json:"durationMs"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Success    bool            `json:"success"`
	Error      *ErrorInfo      `json:"error,omitempty"`
	Children   []int           `json:"children,omitempty"`

	closed bool
	elided bool
}

// Closed reports whether the node has been closed.
func (n *Node) Closed() bool { return n.closed }

// Elided reports whether the node was dropped due to size bounds. Elided
// nodes are safe to pass to Close but record nothing.
func (n *Node) Elided() bool { return n.elided }

// Sidecar is a non-tree sample attached to the trace (performance metric,
// user pattern, cache operation).
type Sidecar struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Trace is the immutable result of a closed recorder.
type Trace struct {
	ID        string               `json:"id"`
	RequestID string               `json:"requestId,omitempty"`
	UserID    string               `json:"userId,omitempty"`
	SessionID string               `json:"sessionId,omitempty"`
	RootID    int                  `json:"rootId"`
	Nodes     []*Node              `json:"nodes"`
	Sidecars  map[string][]Sidecar `json:"sidecars,omitempty"`
	Truncated bool                 `json:"truncated,omitempty"`
	Overflow  int                  `json:"overflow,omitempty"`
}

// Root returns the root node.
func (t *Trace) Root() *Node {
	for _, n := range t.Nodes {
		if n.ID == t.RootID {
			return n
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (t *Trace) Node(id int) *Node {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Complete reports whether the root and every descendant are closed.
func (t *Trace) Complete() bool {
	for _, n := range t.Nodes {
		if !n.closed {
			return false
		}
	}
	return len(t.Nodes) > 0
}

// Signature identifies the call shape for repetition detection: the root
// label plus its depth-1 child labels in order.
func (t *Trace) Signature() string {
	root := t.Root()
	if root == nil {
		return ""
	}
	sig := root.Label
	for _, childID := range root.Children {
		if child := t.Node(childID); child != nil {
			sig += "|" + child.Label
		}
	}
	return sig
}

// Parse decodes a serialized trace. Round-trips with json.Marshal.
func Parse(data []byte) (*Trace, error) {
	var t Trace
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse trace: %w", err)
	}
	for _, n := range t.Nodes {
		if !n.End.IsZero() {
			n.closed = true
		}
	}
	return &t, nil
}
