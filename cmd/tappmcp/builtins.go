package main

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wtthornton/tappmcp/internal/analytics"
	"github.com/wtthornton/tappmcp/internal/pool"
	"github.com/wtthornton/tappmcp/internal/registry"
)

// registerBuiltins installs the diagnostic entries every deployment gets:
// an echo tool, a server-info tool, an in-process memory resource, and a
// status prompt.
func registerBuiltins(reg *registry.Registry, pipeline *analytics.Pipeline, startedAt time.Time) error {
	echoSchema := json.RawMessage(`{
		"type": "object",
		"properties": {"msg": {"type": "string"}},
		"required": ["msg"]
	}`)
	err := reg.RegisterTool(registry.ToolDescriptor{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "Returns its input unchanged; useful for connectivity checks",
		InputSchema: echoSchema,
		Timeout:     5 * time.Second,
	}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
		return input, nil
	}, registry.Capabilities{})
	if err != nil {
		return fmt.Errorf("register echo: %w", err)
	}

	infoSchema := json.RawMessage(`{"type": "object", "additionalProperties": false}`)
	err = reg.RegisterTool(registry.ToolDescriptor{
		Name:        "server-info",
		Version:     "1.0.0",
		Description: "Reports server version, uptime, and runtime statistics",
		InputSchema: infoSchema,
		Timeout:     5 * time.Second,
	}, func(ctx context.Context, scope *registry.Scope, input json.RawMessage) (json.RawMessage, error) {
		live := pipeline.Live()
		return json.Marshal(map[string]any{
			"version":       Version,
			"goVersion":     runtime.Version(),
			"goroutines":    runtime.NumGoroutine(),
			"uptimeSeconds": time.Since(startedAt).Seconds(),
			"tools":         reg.ListTools(),
			"totalRequests": live.TotalRequests,
			"healthScore":   live.HealthScore,
		})
	}, registry.Capabilities{})
	if err != nil {
		return fmt.Errorf("register server-info: %w", err)
	}

	kv := newMemoryBackend()
	err = reg.RegisterResource(registry.ResourceDescriptor{
		Name:           "memory",
		Type:           registry.ResourceMemory,
		Version:        "1.0.0",
		MaxConnections: 4,
		AcquireTimeout: 5 * time.Second,
		MaxIdleTime:    5 * time.Minute,
	}, kv.newConn, registry.Capabilities{
		HealthCheck: func(ctx context.Context) error { return nil },
		Cleanup: func(ctx context.Context) error {
			kv.clear()
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("register memory resource: %w", err)
	}

	err = reg.RegisterPrompt(registry.PromptDescriptor{
		Name:     "summarize-status",
		Version:  "1.0.0",
		Template: "Server {{name}} is {{status}}. Health score {{score}}/100 with {{context.activeAlerts}} active alerts.",
		Variables: map[string]registry.VariableSchema{
			"name":   {Type: "string", Required: true},
			"status": {Type: "string", Required: true},
			"score":  {Type: "number", Required: true},
		},
		ContextSchema: map[string]registry.VariableSchema{
			"activeAlerts": {Type: "number"},
		},
		CachePolicy: &registry.CachePolicy{TTL: time.Minute, MaxEntries: 64},
	}, registry.Capabilities{})
	if err != nil {
		return fmt.Errorf("register summarize-status: %w", err)
	}
	return nil
}

// memoryBackend is a process-local key/value store shared by all pooled
// connections of the built-in memory resource.
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string]string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{data: make(map[string]string)}
}

func (b *memoryBackend) clear() {
	b.mu.Lock()
	b.data = make(map[string]string)
	b.mu.Unlock()
}

func (b *memoryBackend) newConn(ctx context.Context) (pool.Conn, error) {
	return &memoryConn{backend: b, id: uuid.New().String()}, nil
}

type memoryConn struct {
	backend *memoryBackend
	id      string
	closed  bool
}

func (c *memoryConn) ID() string { return c.id }

func (c *memoryConn) Ping(ctx context.Context) error {
	if c.closed {
		return fmt.Errorf("connection %s is closed", c.id)
	}
	return nil
}

func (c *memoryConn) Close(ctx context.Context) error {
	c.closed = true
	return nil
}

// Get reads a key; callers type-assert from pool.Conn.
func (c *memoryConn) Get(key string) (string, bool) {
	c.backend.mu.RLock()
	defer c.backend.mu.RUnlock()
	v, ok := c.backend.data[key]
	return v, ok
}

// Set writes a key.
func (c *memoryConn) Set(key, value string) {
	c.backend.mu.Lock()
	c.backend.data[key] = value
	c.backend.mu.Unlock()
}
