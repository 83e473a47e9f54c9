package registry

import (
	"context"
	"encoding/json"
	"time"
)

// EntryKind discriminates registry entries.
type EntryKind string

const (
	KindTool     EntryKind = "tool"
	KindResource EntryKind = "resource"
	KindPrompt   EntryKind = "prompt"
)

// ResourceType tags the kind of external dependency a resource wraps.
type ResourceType string

const (
	ResourceFile     ResourceType = "file"
	ResourceDatabase ResourceType = "database"
	ResourceAPI      ResourceType = "api"
	ResourceMemory   ResourceType = "memory"
	ResourceCache    ResourceType = "cache"
)

// ToolDescriptor describes an invocable tool. Immutable after registration.
type ToolDescriptor struct {
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"inputSchema,omitempty"`
	OutputSchema json.RawMessage `json:"outputSchema,omitempty"`
	Timeout      time.Duration   `json:"timeout,omitempty"`
	Retries      int             `json:"retries,omitempty"`
}

// ResourceDescriptor describes a pooled external dependency. Immutable.
type ResourceDescriptor struct {
	Name           string            `json:"name"`
	Type           ResourceType      `json:"type"`
	Version        string            `json:"version"`
	Config         map[string]string `json:"config,omitempty"`
	MaxConnections int               `json:"maxConnections"`
	AcquireTimeout time.Duration     `json:"acquireTimeout,omitempty"`
	MaxIdleTime    time.Duration     `json:"maxIdleTime,omitempty"`
	SecurityPolicy string            `json:"securityPolicy,omitempty"`
}

// VariableSchema describes one prompt variable.
type VariableSchema struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// CachePolicy controls prompt render caching.
type CachePolicy struct {
	TTL        time.Duration `json:"ttl"`
	MaxEntries int           `json:"maxEntries"`
}

// PromptDescriptor describes a templated text generator. Immutable.
type PromptDescriptor struct {
	Name          string                    `json:"name"`
	Version       string                    `json:"version"`
	Template      string                    `json:"template"`
	Variables     map[string]VariableSchema `json:"variables,omitempty"`
	ContextSchema map[string]VariableSchema `json:"contextSchema,omitempty"`
	CachePolicy   *CachePolicy              `json:"cachePolicy,omitempty"`
}

// ToolFunc is the body of a tool. The scope exposes the trace handle, the
// request context values, and a dispatch capability for compositions.
type ToolFunc func(ctx context.Context, scope *Scope, input json.RawMessage) (json.RawMessage, error)

// Capabilities is the function contract an entry satisfies in place of an
// inheritance chain. Nil members are treated as no-ops.
type Capabilities struct {
	Initialize  func(ctx context.Context) error
	HealthCheck func(ctx context.Context) error
	Cleanup     func(ctx context.Context) error
}

// DispatchFunc lets a tool body call back into the registry.
type DispatchFunc func(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error)
