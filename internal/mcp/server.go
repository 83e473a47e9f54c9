package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/wtthornton/tappmcp/internal/invoker"
	"github.com/wtthornton/tappmcp/internal/logging"
	"github.com/wtthornton/tappmcp/internal/registry"
)

// maxLineBytes bounds a single request line.
const maxLineBytes = 4 * 1024 * 1024

// Server reads newline-delimited requests and writes responses. Requests
// run concurrently; the write side is serialized.
type Server struct {
	inv *invoker.Invoker
	reg *registry.Registry

	writeMu sync.Mutex
	out     io.Writer
}

// NewServer creates a stdio server around the invoker.
func NewServer(inv *invoker.Invoker, reg *registry.Registry, out io.Writer) *Server {
	return &Server{inv: inv, reg: reg, out: out}
}

// Run consumes requests from in until EOF or ctx cancellation. In-flight
// requests finish before Run returns.
func (s *Server) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}
			wg.Add(1)
			go func(raw []byte) {
				defer wg.Done()
				s.handle(ctx, raw)
			}(line)
		}
	}
}

func (s *Server) handle(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		log.Debug().Err(err).Msg("Malformed request line")
		s.write(errorResponse("malformed request"))
		return
	}
	if req.Name == "" {
		s.write(errorResponse("request is missing a tool name"))
		return
	}

	requestID := uuid.New().String()
	ctx, requestID = logging.WithRequestID(ctx, requestID)

	if req.Name == ListToolsMethod {
		s.write(s.listTools())
		return
	}

	result := s.inv.Invoke(ctx, req.Name, req.Arguments, invoker.RequestMeta{RequestID: requestID})
	if !result.Success {
		s.write(errorResponse(result.Error))
		return
	}
	s.write(successResponse(result.Data))
}

func (s *Server) listTools() Response {
	descriptors := s.reg.ToolDescriptors()
	tools := make([]ToolInfo, 0, len(descriptors))
	for _, desc := range descriptors {
		tools = append(tools, ToolInfo{
			Name:        desc.Name,
			Version:     desc.Version,
			Description: desc.Description,
			InputSchema: desc.InputSchema,
		})
	}

	data, err := json.Marshal(map[string]any{"tools": tools})
	if err != nil {
		return errorResponse("internal error")
	}
	return successResponse(data)
}

func (s *Server) write(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
		return
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		log.Warn().Err(err).Msg("Failed to write response")
	}
}
