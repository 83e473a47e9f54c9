package invoker

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/wtthornton/tappmcp/internal/errors"
)

type schemaRole string

const (
	schemaInput  schemaRole = "input"
	schemaOutput schemaRole = "output"
)

// schemaCache compiles descriptor schemas once per tool and reuses them for
// every invocation.
type schemaCache struct {
	mu       sync.RWMutex
	compiled map[string]*jsonschema.Schema
}

func newSchemaCache() *schemaCache {
	return &schemaCache{compiled: make(map[string]*jsonschema.Schema)}
}

// validate checks payload against the raw schema. A nil schema accepts
// anything. Input violations map to InvalidInput, output violations to
// InvalidOutput.
func (c *schemaCache) validate(toolName string, role schemaRole, rawSchema, payload json.RawMessage) error {
	if len(rawSchema) == 0 {
		return nil
	}

	schema, err := c.compile(toolName, role, rawSchema)
	if err != nil {
		return apperrors.New(apperrors.KindInternal, "validate_"+string(role), toolName, err)
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return c.violation(toolName, role, fmt.Errorf("malformed JSON: %w", err))
	}
	if err := schema.Validate(doc); err != nil {
		return c.violation(toolName, role, fmt.Errorf("%s", formatValidationError(err)))
	}
	return nil
}

func (c *schemaCache) violation(toolName string, role schemaRole, err error) error {
	kind := apperrors.KindInvalidInput
	if role == schemaOutput {
		kind = apperrors.KindInvalidOutput
	}
	return apperrors.New(kind, "validate_"+string(role), toolName, err)
}

func (c *schemaCache) compile(toolName string, role schemaRole, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	key := toolName + "/" + string(role)

	c.mu.RLock()
	schema, ok := c.compiled[key]
	c.mu.RUnlock()
	if ok {
		return schema, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if schema, ok := c.compiled[key]; ok {
		return schema, nil
	}

	var schemaDoc any
	if err := json.Unmarshal(rawSchema, &schemaDoc); err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", role, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add %s schema resource: %w", role, err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", role, err)
	}

	c.compiled[key] = schema
	return schema, nil
}

// formatValidationError flattens the validator's cause tree into one line
// of "path: problem" entries so clients see every violated field at once.
func formatValidationError(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}

	var parts []string
	collectLeafCauses(ve, &parts)
	if len(parts) == 0 {
		return ve.Error()
	}
	return strings.Join(parts, "; ")
}

func collectLeafCauses(ve *jsonschema.ValidationError, out *[]string) {
	if len(ve.Causes) == 0 {
		location := "/" + strings.Join(ve.InstanceLocation, "/")
		*out = append(*out, fmt.Sprintf("%s: %s", location, ve.Error()))
		return
	}
	for _, cause := range ve.Causes {
		collectLeafCauses(cause, out)
	}
}
