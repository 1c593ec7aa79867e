// Copyright 2026 Sattyam Jain
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcpproto "github.com/mark3labs/mcp-go/mcp"

	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/errors"
	"github.com/sattyamjjain/ferrumdeck-sub000/pkg/tools"
)

// rpcClient is the slice of the MCP client the manager needs; tests
// substitute fakes.
type rpcClient interface {
	Start(ctx context.Context) error
	Initialize(ctx context.Context, req mcpproto.InitializeRequest) (*mcpproto.InitializeResult, error)
	ListTools(ctx context.Context, req mcpproto.ListToolsRequest) (*mcpproto.ListToolsResult, error)
	CallTool(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error)
	Close() error
}

// Dialer opens a client for one server config.
type Dialer func(cfg ServerConfig) (rpcClient, error)

// connection is one live server with its registered tool names.
type connection struct {
	client    rpcClient
	toolNames []string
}

// Manager owns the MCP server connections and keeps the tool registry in
// sync with them. Reload tears everything down and reconnects from the
// given config, which is what the fsnotify watcher calls on file change.
type Manager struct {
	registry *tools.Registry
	logger   *slog.Logger
	dial     Dialer

	mu    sync.Mutex
	conns map[string]*connection
}

// NewManager returns a manager registering tools into registry.
func NewManager(registry *tools.Registry, logger *slog.Logger) *Manager {
	return &Manager{
		registry: registry,
		logger:   logger.With("component", "mcp"),
		dial:     dialServer,
		conns:    make(map[string]*connection),
	}
}

// dialServer opens the transport named by cfg.
func dialServer(cfg ServerConfig) (rpcClient, error) {
	if cfg.URL != "" {
		return mcpclient.NewStreamableHttpClient(cfg.URL)
	}
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}
	return mcpclient.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
}

// Connect dials every server in cfg, initializes the protocol, and
// registers each advertised tool as "<server>.<tool>". A server that fails
// to connect is logged and skipped; the worker runs with the rest.
func (m *Manager) Connect(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, server := range cfg.Servers {
		if err := m.connectLocked(ctx, server); err != nil {
			m.logger.Warn("mcp server unavailable", "server", server.Name, "error", err)
		}
	}
	return nil
}

func (m *Manager) connectLocked(ctx context.Context, server ServerConfig) error {
	if _, exists := m.conns[server.Name]; exists {
		return &errors.ConflictError{Resource: "mcp server", ID: server.Name, Reason: "already connected"}
	}
	client, err := m.dial(server)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return fmt.Errorf("start: %w", err)
	}

	initReq := mcpproto.InitializeRequest{
		Params: mcpproto.InitializeParams{
			ProtocolVersion: mcpproto.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcpproto.Implementation{Name: "ferrum-worker", Version: "1.0"},
		},
	}
	if _, err := client.Initialize(ctx, initReq); err != nil {
		client.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	listed, err := client.ListTools(ctx, mcpproto.ListToolsRequest{})
	if err != nil {
		client.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	conn := &connection{client: client}
	for _, tool := range listed.Tools {
		adapter := &serverTool{server: server.Name, def: tool, client: client}
		if err := m.registry.Register(adapter); err != nil {
			m.logger.Warn("skipping mcp tool", "server", server.Name, "tool", tool.Name, "error", err)
			continue
		}
		conn.toolNames = append(conn.toolNames, adapter.Name())
	}
	m.conns[server.Name] = conn
	m.logger.Info("mcp server connected", "server", server.Name, "tools", len(conn.toolNames))
	return nil
}

// Reload reconnects everything from cfg: all current connections close and
// their tools unregister, then cfg's servers connect fresh.
func (m *Manager) Reload(ctx context.Context, cfg *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAllLocked()
	for _, server := range cfg.Servers {
		if err := m.connectLocked(ctx, server); err != nil {
			m.logger.Warn("mcp server unavailable after reload", "server", server.Name, "error", err)
		}
	}
	return nil
}

func (m *Manager) closeAllLocked() {
	for name, conn := range m.conns {
		for _, toolName := range conn.toolNames {
			if err := m.registry.Unregister(toolName); err != nil {
				m.logger.Warn("unregister tool", "tool", toolName, "error", err)
			}
		}
		if err := conn.client.Close(); err != nil {
			m.logger.Warn("close mcp server", "server", name, "error", err)
		}
		delete(m.conns, name)
	}
}

// Servers returns the names of connected servers.
func (m *Manager) Servers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.conns))
	for name := range m.conns {
		names = append(names, name)
	}
	return names
}

// Close tears down all connections and their registered tools.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeAllLocked()
	return nil
}

// serverTool adapts one MCP tool to the tools.Tool interface.
type serverTool struct {
	server string
	def    mcpproto.Tool
	client rpcClient
}

// Name returns the namespaced tool name.
func (t *serverTool) Name() string { return t.server + "." + t.def.Name }

// Description returns the MCP-advertised description.
func (t *serverTool) Description() string { return t.def.Description }

// InputSchema converts the advertised schema into the registry's decoded
// JSON Schema form.
func (t *serverTool) InputSchema() map[string]any {
	schema := map[string]any{"type": "object"}
	if t.def.InputSchema.Type != "" {
		schema["type"] = t.def.InputSchema.Type
	}
	if len(t.def.InputSchema.Properties) > 0 {
		schema["properties"] = t.def.InputSchema.Properties
	}
	if len(t.def.InputSchema.Required) > 0 {
		required := make([]any, len(t.def.InputSchema.Required))
		for i, r := range t.def.InputSchema.Required {
			required[i] = r
		}
		schema["required"] = required
	}
	return schema
}

// Execute routes the call to the MCP server. Text content concatenates
// into "text"; IsError responses settle as FatalErrors (the arguments were
// valid, so a retry would not help).
func (t *serverTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	req := mcpproto.CallToolRequest{}
	req.Params.Name = t.def.Name
	req.Params.Arguments = args

	res, err := t.client.CallTool(ctx, req)
	if err != nil {
		return nil, &errors.TransientError{Op: "mcp tool call", Cause: err}
	}

	var text string
	for _, content := range res.Content {
		if tc, ok := mcpproto.AsTextContent(content); ok {
			text += tc.Text
		}
	}
	if res.IsError {
		return nil, &errors.FatalError{Op: "mcp tool " + t.Name(), Message: text}
	}
	return map[string]any{"text": text}, nil
}
