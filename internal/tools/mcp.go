package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/marketvox/marketvox/pkg/types"
)

// MCP transports.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
)

// defaultMCPTimeout bounds a single extension tool call.
const defaultMCPTimeout = 30 * time.Second

// ServerConfig describes one external MCP server whose tools get bridged
// into the registry.
type ServerConfig struct {
	// Name labels the server in logs.
	Name string

	// Transport selects how to reach the server, TransportStdio or
	// TransportStreamableHTTP.
	Transport string

	// Command is the executable plus arguments for stdio servers, split on
	// whitespace.
	Command string

	// URL is the endpoint for streamable-http servers.
	URL string

	// Env holds additional environment variables for stdio servers.
	Env map[string]string

	// Timeout bounds each tool call. Zero applies defaultMCPTimeout.
	Timeout time.Duration

	// TTL is the cache TTL for the server's tool outputs. Zero disables
	// caching, which is the safe default for tools of unknown behavior.
	TTL time.Duration
}

// MCPBridge connects to external MCP servers and registers their tools
// alongside the built-ins. Extension tools are best-effort: a server that
// cannot be reached is skipped with a warning, never an error.
type MCPBridge struct {
	client *mcpsdk.Client
	log    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

// NewMCPBridge creates a bridge with a single SDK client shared across all
// server connections.
func NewMCPBridge(logger *slog.Logger) *MCPBridge {
	if logger == nil {
		logger = slog.Default()
	}
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "marketvox", Version: "1.0.0"},
		nil,
	)
	return &MCPBridge{
		client:   client,
		log:      logger,
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// Register connects to each configured server and registers its tools with
// reg. Servers that fail to connect or list are logged and skipped. Returns
// how many tools were registered.
func (b *MCPBridge) Register(ctx context.Context, reg *Registry, configs []ServerConfig) int {
	total := 0
	for _, cfg := range configs {
		n, err := b.registerServer(ctx, reg, cfg)
		if err != nil {
			b.log.Warn("mcp server skipped",
				slog.String("server", cfg.Name),
				slog.String("error", err.Error()))
			continue
		}
		b.log.Info("mcp server registered",
			slog.String("server", cfg.Name),
			slog.Int("tools", n))
		total += n
	}
	return total
}

func (b *MCPBridge) registerServer(ctx context.Context, reg *Registry, cfg ServerConfig) (int, error) {
	if cfg.Name == "" {
		return 0, errors.New("server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return 0, fmt.Errorf("stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return 0, fmt.Errorf("streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return 0, fmt.Errorf("unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return 0, fmt.Errorf("connect %q: %w", cfg.Name, err)
	}

	var discovered []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return 0, fmt.Errorf("list tools for %q: %w", cfg.Name, err)
		}
		discovered = append(discovered, *tool)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultMCPTimeout
	}

	registered := 0
	for _, tool := range discovered {
		t := &mcpTool{
			server:  cfg.Name,
			session: session,
			timeout: timeout,
			ttl:     cfg.TTL,
			def: types.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schemaToMap(tool.InputSchema),
			},
		}
		if err := reg.Register(t); err != nil {
			b.log.Warn("mcp tool skipped",
				slog.String("server", cfg.Name),
				slog.String("tool", tool.Name),
				slog.String("error", err.Error()))
			continue
		}
		registered++
	}

	b.mu.Lock()
	if old, ok := b.sessions[cfg.Name]; ok {
		_ = old.Close()
	}
	b.sessions[cfg.Name] = session
	b.mu.Unlock()

	return registered, nil
}

// Close shuts down every server connection. The bridge must not be used
// after Close returns.
func (b *MCPBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs []error
	for name, session := range b.sessions {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %q: %w", name, err))
		}
		delete(b.sessions, name)
	}
	return errors.Join(errs...)
}

// mcpTool adapts one discovered MCP tool to the registry's Tool interface.
type mcpTool struct {
	server  string
	session *mcpsdk.ClientSession
	timeout time.Duration
	ttl     time.Duration
	def     types.ToolDefinition
}

var _ Tool = (*mcpTool)(nil)

func (t *mcpTool) Definition() types.ToolDefinition { return t.def }
func (t *mcpTool) TTL() time.Duration               { return t.ttl }
func (t *mcpTool) Timeout() time.Duration           { return t.timeout }

func (t *mcpTool) Invoke(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	var args map[string]any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &args); err != nil {
			return nil, fmt.Errorf("%w: decode input: %v", ErrValidation, err)
		}
	}

	result, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      t.def.Name,
		Arguments: args,
	})
	if err != nil {
		return nil, Transient(fmt.Errorf("%s/%s: %w", t.server, t.def.Name, err))
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	text := sb.String()

	if result.IsError {
		return nil, fmt.Errorf("tools: %s/%s: %s", t.server, t.def.Name, text)
	}
	if json.Valid([]byte(text)) {
		return json.RawMessage(text), nil
	}
	return json.Marshal(struct {
		Text string `json:"text"`
	}{text})
}

// schemaToMap converts an SDK input schema to the plain map the LLM layer
// expects.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
