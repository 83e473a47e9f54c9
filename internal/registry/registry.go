// Package registry holds the named tool, resource, and prompt entries the
// server dispatches on. Registration is a bootstrap-only operation; after
// InitializeAll the registry is immutable and lookups are lock-free.
package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
	"github.com/wtthornton/tappmcp/internal/pool"
)

// ToolEntry pairs a tool descriptor with its body and capability record.
type ToolEntry struct {
	Descriptor ToolDescriptor
	Body       ToolFunc
	Caps       Capabilities
}

// ResourceEntry pairs a resource descriptor with its pool. The pool is
// created during InitializeAll and nil before that.
type ResourceEntry struct {
	Descriptor ResourceDescriptor
	Factory    pool.Factory
	Caps       Capabilities
	Pool       *pool.Pool
}

// PromptEntry pairs a prompt descriptor with its renderer.
type PromptEntry struct {
	Descriptor PromptDescriptor
	Caps       Capabilities

	renderer *Renderer
}

// Renderer returns the entry's renderer, creating it on first use.
func (e *PromptEntry) Renderer() *Renderer {
	if e.renderer == nil {
		e.renderer = NewRenderer(e.Descriptor)
	}
	return e.renderer
}

type entryRef struct {
	kind EntryKind
	name string
}

// Registry is the central entry table. It is single-threaded during
// bootstrap and read-only afterward.
type Registry struct {
	tools     map[string]*ToolEntry
	resources map[string]*ResourceEntry
	prompts   map[string]*PromptEntry
	order     []entryRef

	initialized atomic.Bool
	shutdown    atomic.Bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		tools:     make(map[string]*ToolEntry),
		resources: make(map[string]*ResourceEntry),
		prompts:   make(map[string]*PromptEntry),
	}
}

// RegisterTool adds a tool during bootstrap. Registering an identical
// descriptor twice is a no-op; a differing descriptor under the same name
// fails with DuplicateName.
func (r *Registry) RegisterTool(desc ToolDescriptor, body ToolFunc, caps Capabilities) error {
	if err := r.registrationAllowed(desc.Name); err != nil {
		return err
	}
	if existing, ok := r.tools[desc.Name]; ok {
		if reflect.DeepEqual(existing.Descriptor, desc) {
			return nil
		}
		return apperrors.New(apperrors.KindInternal, "register_tool", desc.Name, apperrors.ErrDuplicateName)
	}
	r.tools[desc.Name] = &ToolEntry{Descriptor: desc, Body: body, Caps: caps}
	r.order = append(r.order, entryRef{kind: KindTool, name: desc.Name})
	log.Debug().Str("tool", desc.Name).Str("version", desc.Version).Msg("Tool registered")
	return nil
}

// RegisterResource adds a resource during bootstrap.
func (r *Registry) RegisterResource(desc ResourceDescriptor, factory pool.Factory, caps Capabilities) error {
	if err := r.registrationAllowed(desc.Name); err != nil {
		return err
	}
	if desc.MaxConnections < 1 {
		return fmt.Errorf("resource %s: maxConnections must be a positive, finite bound", desc.Name)
	}
	if existing, ok := r.resources[desc.Name]; ok {
		if reflect.DeepEqual(existing.Descriptor, desc) {
			return nil
		}
		return apperrors.New(apperrors.KindInternal, "register_resource", desc.Name, apperrors.ErrDuplicateName)
	}
	r.resources[desc.Name] = &ResourceEntry{Descriptor: desc, Factory: factory, Caps: caps}
	r.order = append(r.order, entryRef{kind: KindResource, name: desc.Name})
	log.Debug().Str("resource", desc.Name).Str("type", string(desc.Type)).Msg("Resource registered")
	return nil
}

// RegisterPrompt adds a prompt during bootstrap.
func (r *Registry) RegisterPrompt(desc PromptDescriptor, caps Capabilities) error {
	if err := r.registrationAllowed(desc.Name); err != nil {
		return err
	}
	if existing, ok := r.prompts[desc.Name]; ok {
		if reflect.DeepEqual(existing.Descriptor, desc) {
			return nil
		}
		return apperrors.New(apperrors.KindInternal, "register_prompt", desc.Name, apperrors.ErrDuplicateName)
	}
	r.prompts[desc.Name] = &PromptEntry{Descriptor: desc, Caps: caps}
	r.order = append(r.order, entryRef{kind: KindPrompt, name: desc.Name})
	log.Debug().Str("prompt", desc.Name).Msg("Prompt registered")
	return nil
}

func (r *Registry) registrationAllowed(name string) error {
	if name == "" {
		return fmt.Errorf("registration requires a name")
	}
	if r.initialized.Load() {
		return apperrors.New(apperrors.KindInternal, "register", name, apperrors.ErrAlreadyInitialized)
	}
	return nil
}

// InitializeAll seals the registry, creates the resource pools, and runs
// each entry's initializer in registration order. It stops on the first
// failure and reports which entry failed.
func (r *Registry) InitializeAll(ctx context.Context, defaultMaxConns int) error {
	if r.initialized.Load() {
		return apperrors.New(apperrors.KindInternal, "initialize", "", apperrors.ErrAlreadyInitialized)
	}

	for _, ref := range r.order {
		switch ref.kind {
		case KindResource:
			entry := r.resources[ref.name]
			desc := entry.Descriptor
			max := desc.MaxConnections
			if max < 1 {
				max = defaultMaxConns
			}
			p, err := pool.New(pool.Config{
				Resource:       desc.Name,
				Max:            max,
				AcquireTimeout: desc.AcquireTimeout,
				MaxIdleTime:    desc.MaxIdleTime,
				Factory:        entry.Factory,
			})
			if err != nil {
				return fmt.Errorf("initialize resource %s: %w", ref.name, err)
			}
			entry.Pool = p
			if entry.Caps.Initialize != nil {
				if err := entry.Caps.Initialize(ctx); err != nil {
					return fmt.Errorf("initialize resource %s: %w", ref.name, err)
				}
			}
		case KindTool:
			entry := r.tools[ref.name]
			if entry.Caps.Initialize != nil {
				if err := entry.Caps.Initialize(ctx); err != nil {
					return fmt.Errorf("initialize tool %s: %w", ref.name, err)
				}
			}
		}
	}

	r.initialized.Store(true)
	log.Info().
		Int("tools", len(r.tools)).
		Int("resources", len(r.resources)).
		Int("prompts", len(r.prompts)).
		Msg("Registry initialized")
	return nil
}

// Initialized reports whether InitializeAll has completed.
func (r *Registry) Initialized() bool {
	return r.initialized.Load()
}

func (r *Registry) lookupAllowed(op, name string) error {
	if r.shutdown.Load() {
		return apperrors.New(apperrors.KindShuttingDown, op, name, apperrors.ErrShuttingDown)
	}
	if !r.initialized.Load() {
		return apperrors.New(apperrors.KindInternal, op, name, apperrors.ErrNotInitialized)
	}
	return nil
}

// Tool looks up a tool entry by name.
func (r *Registry) Tool(name string) (*ToolEntry, error) {
	if err := r.lookupAllowed("lookup_tool", name); err != nil {
		return nil, err
	}
	entry, ok := r.tools[name]
	if !ok {
		return nil, apperrors.New(apperrors.KindToolNotFound, "lookup_tool", name, apperrors.ErrToolNotFound)
	}
	return entry, nil
}

// Resource looks up a resource entry by name.
func (r *Registry) Resource(name string) (*ResourceEntry, error) {
	if err := r.lookupAllowed("lookup_resource", name); err != nil {
		return nil, err
	}
	entry, ok := r.resources[name]
	if !ok {
		return nil, apperrors.New(apperrors.KindToolNotFound, "lookup_resource", name, apperrors.ErrToolNotFound)
	}
	return entry, nil
}

// Prompt looks up a prompt entry by name.
func (r *Registry) Prompt(name string) (*PromptEntry, error) {
	if err := r.lookupAllowed("lookup_prompt", name); err != nil {
		return nil, err
	}
	entry, ok := r.prompts[name]
	if !ok {
		return nil, apperrors.New(apperrors.KindToolNotFound, "lookup_prompt", name, apperrors.ErrToolNotFound)
	}
	return entry, nil
}

// ListTools returns registered tool names, sorted for determinism.
func (r *Registry) ListTools() []string {
	return sortedKeys(r.tools)
}

// ListResources returns registered resource names, sorted.
func (r *Registry) ListResources() []string {
	return sortedKeys(r.resources)
}

// ListPrompts returns registered prompt names, sorted.
func (r *Registry) ListPrompts() []string {
	return sortedKeys(r.prompts)
}

// ToolDescriptors returns the descriptors for discovery, sorted by name.
func (r *Registry) ToolDescriptors() []ToolDescriptor {
	names := r.ListTools()
	out := make([]ToolDescriptor, 0, len(names))
	for _, name := range names {
		out = append(out, r.tools[name].Descriptor)
	}
	return out
}

// Pools returns the live pools for the lifecycle manager.
func (r *Registry) Pools() map[string]*pool.Pool {
	out := make(map[string]*pool.Pool, len(r.resources))
	if !r.initialized.Load() {
		return out
	}
	for name, entry := range r.resources {
		if entry.Pool != nil {
			out[name] = entry.Pool
		}
	}
	return out
}

// HealthCheckAll runs every entry's health check and returns per-entry
// failures keyed by name.
func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	if !r.initialized.Load() || r.shutdown.Load() {
		return failures
	}
	for name, entry := range r.resources {
		if entry.Caps.HealthCheck != nil {
			if err := entry.Caps.HealthCheck(ctx); err != nil {
				failures[name] = err
			}
		}
	}
	for name, entry := range r.tools {
		if entry.Caps.HealthCheck != nil {
			if err := entry.Caps.HealthCheck(ctx); err != nil {
				failures[name] = err
			}
		}
	}
	return failures
}

// Shutdown invokes each entry's cleanup in reverse registration order.
// Errors are aggregated; a failing cleanup never prevents the rest.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.shutdown.Swap(true) {
		return nil
	}

	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		ref := r.order[i]
		if err := r.cleanupEntry(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("cleanup %s %s: %w", ref.kind, ref.name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Info().Msg("Registry shut down")
	return nil
}

func (r *Registry) cleanupEntry(ctx context.Context, ref entryRef) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("cleanup panic: %v", recovered)
		}
	}()

	switch ref.kind {
	case KindTool:
		if caps := r.tools[ref.name].Caps; caps.Cleanup != nil {
			return caps.Cleanup(ctx)
		}
	case KindResource:
		entry := r.resources[ref.name]
		var errs []error
		if entry.Caps.Cleanup != nil {
			if cleanupErr := entry.Caps.Cleanup(ctx); cleanupErr != nil {
				errs = append(errs, cleanupErr)
			}
		}
		if entry.Pool != nil {
			if poolErr := entry.Pool.Close(ctx); poolErr != nil {
				errs = append(errs, poolErr)
			}
		}
		return errors.Join(errs...)
	case KindPrompt:
		if caps := r.prompts[ref.name].Caps; caps.Cleanup != nil {
			return caps.Cleanup(ctx)
		}
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
