// Package server exposes the dispatcher's tools over the Model Context
// Protocol. One MCP server named "gap" carries every registry definition;
// tool failures cross the protocol as in-band IsError results, never as
// protocol errors.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/charmbracelet/log"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kamalsaleh/mcp-for-gap/internal/dispatch"
	"github.com/kamalsaleh/mcp-for-gap/internal/registry"
)

const (
	serverName = "gap"

	// probeCommand is evaluated once before the server accepts traffic to
	// confirm the engine session is usable.
	probeCommand = "1+1;"

	defaultVersion = "dev"
)

// Prober runs the silent startup round trip against the engine session.
type Prober interface {
	Execute(ctx context.Context, command string) (string, error)
}

// Options configures Server construction.
type Options struct {
	Dispatcher *dispatch.Dispatcher
	Prober     Prober
	Logger     *log.Logger
	Version    string
}

// Server bridges the tool dispatcher onto an MCP server.
type Server struct {
	dispatcher *dispatch.Dispatcher
	prober     Prober
	logger     *log.Logger
	mcpServer  *mcp.Server
}

// New builds an MCP server with every dispatcher tool registered under its
// public name and JSON schema.
func New(opts Options) (*Server, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("server requires a dispatcher")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	version := opts.Version
	if version == "" {
		version = defaultVersion
	}

	server := &Server{
		dispatcher: opts.Dispatcher,
		prober:     opts.Prober,
		logger:     logger,
		mcpServer: mcp.NewServer(&mcp.Implementation{
			Name:    serverName,
			Version: version,
		}, nil),
	}

	definitions := opts.Dispatcher.ListTools()
	for _, definition := range definitions {
		server.register(definition)
	}
	logger.Info("tools registered", "count", len(definitions))

	return server, nil
}

func (s *Server) register(definition *registry.Definition) {
	name := definition.Name
	s.mcpServer.AddTool(&mcp.Tool{
		Name:        name,
		Description: definition.Description,
		InputSchema: definition.InputSchema(),
	}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		arguments, err := decodeArguments(req.Params.Arguments)
		if err != nil {
			return textResult(fmt.Sprintf("Invalid arguments for tool '%s': %v", name, err), true), nil
		}
		result := s.dispatcher.CallTool(ctx, name, arguments)
		return textResult(result.Text, result.IsError), nil
	})
}

// Probe evaluates the startup command through the engine session without
// touching the tool layer, so the check never reaches the command journal.
func (s *Server) Probe(ctx context.Context) error {
	if s.prober == nil {
		return nil
	}
	if _, err := s.prober.Execute(ctx, probeCommand); err != nil {
		return fmt.Errorf("initialize GAP: %w", err)
	}
	return nil
}

// Run probes the engine once, then serves MCP over stdio until the context
// is canceled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Probe(ctx); err != nil {
		return err
	}
	s.logger.Info("serving MCP over stdio", "server", serverName)
	return s.mcpServer.Run(ctx, &mcp.StdioTransport{})
}

// Connect attaches the MCP server to an arbitrary transport and returns the
// live session. Run is the stdio convenience wrapper around this.
func (s *Server) Connect(ctx context.Context, transport mcp.Transport) (*mcp.ServerSession, error) {
	return s.mcpServer.Connect(ctx, transport, nil)
}

func textResult(text string, isError bool) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}
}

// decodeArguments normalizes the SDK's argument payload. Arguments arrive as
// raw JSON over the wire and as a plain map from in-process clients.
func decodeArguments(raw any) (map[string]any, error) {
	var data []byte
	switch value := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return value, nil
	case json.RawMessage:
		data = value
	case []byte:
		data = value
	default:
		return nil, fmt.Errorf("unsupported argument payload %T", raw)
	}

	if len(data) == 0 {
		return map[string]any{}, nil
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return decoded, nil
}
