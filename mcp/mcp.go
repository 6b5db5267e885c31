// Package mcp connects to external tool servers speaking the Model Context
// Protocol and exposes their tools to the registry under namespaced names.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpspec "github.com/mark3labs/mcp-go/mcp"

	"clio.dev/cliotool"
)

// ServerConfig describes one external tool server.
type ServerConfig struct {
	Name    string            `json:"name"`
	Type    string            `json:"type,omitempty"`    // "stdio" (default), "http", "sse"
	Command string            `json:"command,omitempty"` // stdio
	Args    []string          `json:"args,omitempty"`    // stdio
	Env     map[string]string `json:"env,omitempty"`     // stdio
	URL     string            `json:"url,omitempty"`     // http/sse
	Headers map[string]string `json:"headers,omitempty"` // http/sse
}

// ParseServerConfig parses one JSON config string as passed on the
// command line.
func ParseServerConfig(raw string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return cfg, fmt.Errorf("bad plugin config: %w", err)
	}
	if cfg.Name == "" {
		return cfg, fmt.Errorf("plugin config needs a name")
	}
	return cfg, nil
}

// callTimeout bounds a single external tool invocation.
const callTimeout = 30 * time.Second

// Manager owns the live server connections for one session.
type Manager struct {
	mu      sync.Mutex
	clients map[string]*client.Client
}

func NewManager() *Manager {
	return &Manager{clients: make(map[string]*client.Client)}
}

// Connect dials the server, lists its tools, and registers each one as
// external_<server>_<name>. Schemas are passed through verbatim.
func (m *Manager) Connect(ctx context.Context, cfg ServerConfig, reg *cliotool.Registry) error {
	c, err := m.dial(cfg)
	if err != nil {
		return fmt.Errorf("plugin %s: %w", cfg.Name, err)
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("plugin %s: start: %w", cfg.Name, err)
	}

	initReq := mcpspec.InitializeRequest{
		Params: mcpspec.InitializeParams{
			ProtocolVersion: mcpspec.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcpspec.ClientCapabilities{},
			ClientInfo:      mcpspec.Implementation{Name: "clio", Version: "1.0.0"},
		},
	}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		c.Close()
		return fmt.Errorf("plugin %s: initialize: %w", cfg.Name, err)
	}

	listed, err := c.ListTools(ctx, mcpspec.ListToolsRequest{})
	if err != nil {
		c.Close()
		return fmt.Errorf("plugin %s: list tools: %w", cfg.Name, err)
	}

	for _, t := range listed.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			c.Close()
			return fmt.Errorf("plugin %s: schema of %s: %w", cfg.Name, t.Name, err)
		}
		tool := &cliotool.Tool{
			Name:        cliotool.ExternalName(cfg.Name, t.Name),
			Description: t.Description,
			InputSchema: string(schema),
			Run:         m.runner(c, t.Name),
		}
		if err := reg.Register(tool); err != nil {
			c.Close()
			return fmt.Errorf("plugin %s: %w", cfg.Name, err)
		}
	}

	m.mu.Lock()
	m.clients[cfg.Name] = c
	m.mu.Unlock()
	slog.Info("plugin connected", "server", cfg.Name, "tools", len(listed.Tools))
	return nil
}

func (m *Manager) dial(cfg ServerConfig) (*client.Client, error) {
	switch cfg.Type {
	case "stdio", "":
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio transport needs a command")
		}
		var env []string
		for k, v := range cfg.Env {
			env = append(env, k+"="+v)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "http":
		if cfg.URL == "" {
			return nil, fmt.Errorf("http transport needs a url")
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		return client.NewStreamableHttpClient(cfg.URL, opts...)
	case "sse":
		if cfg.URL == "" {
			return nil, fmt.Errorf("sse transport needs a url")
		}
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(cfg.Headers))
		}
		return client.NewSSEMCPClient(cfg.URL, opts...)
	}
	return nil, fmt.Errorf("unsupported plugin transport %q", cfg.Type)
}

// runner adapts one remote tool to the Tool.Run signature.
func (m *Manager) runner(c *client.Client, name string) func(context.Context, json.RawMessage) (string, error) {
	return func(ctx context.Context, input json.RawMessage) (string, error) {
		ctx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()

		var args map[string]any
		if len(input) > 0 {
			if err := json.Unmarshal(input, &args); err != nil {
				return "", cliotool.Errorf(cliotool.KindValidation, "bad arguments: %v", err)
			}
		}
		resp, err := c.CallTool(ctx, mcpspec.CallToolRequest{
			Params: mcpspec.CallToolParams{Name: name, Arguments: args},
		})
		if err != nil {
			return "", cliotool.Errorf(cliotool.KindFailed, "remote call: %v", err)
		}

		var out string
		for _, content := range resp.Content {
			if tc, ok := content.(mcpspec.TextContent); ok {
				if out != "" {
					out += "\n"
				}
				out += tc.Text
				continue
			}
			raw, _ := json.Marshal(content)
			if out != "" {
				out += "\n"
			}
			out += string(raw)
		}
		if resp.IsError {
			return "", cliotool.Errorf(cliotool.KindFailed, "%s", out)
		}
		return out, nil
	}
}

// Close shuts down every server connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.clients {
		c.Close()
		delete(m.clients, name)
	}
}
