// Package mcp implements the JSON-over-stdio request surface: one request
// per line in, one response per line out.
package mcp

import (
	"encoding/json"
	"time"
)

// ListToolsMethod is the discovery pseudo-tool.
const ListToolsMethod = "list-tools"

// Request is one inbound message.
type Request struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Response is one outbound message.
type Response struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *string         `json:"error"`
	Timestamp string          `json:"timestamp"`
	IsError   bool            `json:"isError,omitempty"`
}

// ToolInfo is one entry in the list-tools reply.
type ToolInfo struct {
	Name        string          `json:"name"`
	Version     string          `json:"version,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

func successResponse(data json.RawMessage) Response {
	if data == nil {
		data = json.RawMessage("null")
	}
	return Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

func errorResponse(message string) Response {
	return Response{
		Success:   false,
		Data:      json.RawMessage("null"),
		Error:     &message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		IsError:   true,
	}
}
