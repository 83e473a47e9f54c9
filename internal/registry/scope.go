package registry

import (
	"context"
	"encoding/json"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
	"github.com/wtthornton/tappmcp/internal/pool"
	"github.com/wtthornton/tappmcp/internal/trace"
)

// Scope is what a running tool body sees: its trace position, the request
// values, and capabilities to reach other registry entries.
type Scope struct {
	Recorder *trace.Recorder
	Node     *trace.Node
	Values   map[string]string // request-scoped values (user, session, role)
	Dispatch DispatchFunc

	registry *Registry
}

// NewScope builds a scope for one tool invocation.
func NewScope(reg *Registry, rec *trace.Recorder, node *trace.Node, values map[string]string, dispatch DispatchFunc) *Scope {
	return &Scope{
		Recorder: rec,
		Node:     node,
		Values:   values,
		Dispatch: dispatch,
		registry: reg,
	}
}

// Child opens a child trace node under the current one. The caller must
// close it with CloseChild.
func (s *Scope) Child(label, phase string, input json.RawMessage) (*trace.Node, error) {
	return s.Recorder.StartChild(s.Node, label, phase, input)
}

// CloseChild closes a node opened with Child.
func (s *Scope) CloseChild(node *trace.Node, outcome trace.Outcome) error {
	return s.Recorder.Close(node, outcome)
}

// Sidecar records a non-tree sample (cache op, performance sample).
func (s *Scope) Sidecar(kind string, payload json.RawMessage) {
	s.Recorder.RecordSidecar(kind, payload)
}

// Acquire takes a connection from the named resource's pool. The returned
// release func must be called exactly once.
func (s *Scope) Acquire(ctx context.Context, resourceName string) (pool.Conn, func(), error) {
	entry, err := s.registry.Resource(resourceName)
	if err != nil {
		return nil, nil, err
	}
	if entry.Pool == nil {
		return nil, nil, apperrors.New(apperrors.KindInternal, "acquire", resourceName, apperrors.ErrNotInitialized)
	}
	conn, err := entry.Pool.Acquire(ctx)
	if err != nil {
		return nil, nil, err
	}
	release := func() { entry.Pool.Release(conn) }
	return conn, release, nil
}

// RenderPrompt renders the named prompt with the given variables.
func (s *Scope) RenderPrompt(name string, vars map[string]any, contextVars map[string]any) (string, error) {
	entry, err := s.registry.Prompt(name)
	if err != nil {
		return "", err
	}
	return entry.Renderer().Render(vars, contextVars)
}
