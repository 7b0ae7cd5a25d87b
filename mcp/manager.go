package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/magnet/agentloop"
	"github.com/martinemde/magnet/logger"
)

// Status is the connection state of a server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// ToolInfo describes a tool offered by a server.
type ToolInfo struct {
	Server      string
	Name        string
	Description string
	InputSchema map[string]any
}

// ServerStatus is a snapshot of one server for display.
type ServerStatus struct {
	Name      string
	Transport string
	Status    Status
	Tools     int
	Error     string
}

type server struct {
	name    string
	cfg     ServerConfig
	mu      sync.Mutex
	status  Status
	err     error
	session *sdkmcp.ClientSession
	tools   []ToolInfo
}

func (s *server) setStatus(st Status, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
	s.err = err
}

// Manager owns the connections to the configured MCP servers. It implements
// agentloop.MCPCaller.
type Manager struct {
	cwd     string
	servers map[string]*server
	client  *sdkmcp.Client

	mu          sync.Mutex
	initialized bool
}

var _ agentloop.MCPCaller = (*Manager)(nil)

// NewManager creates a manager for the enabled servers of configs. Nothing
// is started until Initialize.
func NewManager(configs map[string]ServerConfig, cwd string, version string) *Manager {
	m := &Manager{
		cwd:     cwd,
		servers: make(map[string]*server),
		client:  sdkmcp.NewClient(&sdkmcp.Implementation{Name: "magnet", Version: version}, nil),
	}
	for name, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		m.servers[name] = &server{name: name, cfg: cfg, status: StatusDisconnected}
	}
	return m
}

// Initialize connects to every server concurrently, each within its own
// startup timeout. It returns the connection errors by server name; servers
// that fail are left in the error state and contribute no tools.
func (m *Manager) Initialize(ctx context.Context) map[string]error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	var (
		errsMu sync.Mutex
		errs   = map[string]error{}
	)
	var g errgroup.Group
	for _, s := range m.servers {
		g.Go(func() error {
			if err := m.connect(ctx, s); err != nil {
				errsMu.Lock()
				errs[s.name] = err
				errsMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (m *Manager) connect(ctx context.Context, s *server) error {
	if err := s.cfg.Validate(); err != nil {
		s.setStatus(StatusError, err)
		return fmt.Errorf("mcp server %q: %w", s.name, err)
	}
	s.setStatus(StatusConnecting, nil)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout())
	defer cancel()

	transport := m.transport(s)
	logger.InfoCF("mcp", "Connecting to server", map[string]any{
		"server":    s.name,
		"transport": s.cfg.Transport(),
	})

	session, err := m.client.Connect(ctx, transport, nil)
	if err != nil {
		err = fmt.Errorf("connect %q: %w", s.name, err)
		s.setStatus(StatusError, err)
		logger.WarnCF("mcp", "Server connection failed", map[string]any{"server": s.name, "error": err.Error()})
		return err
	}

	tools, err := listTools(ctx, s.name, session)
	if err != nil {
		_ = session.Close()
		err = fmt.Errorf("list tools of %q: %w", s.name, err)
		s.setStatus(StatusError, err)
		logger.WarnCF("mcp", "Listing tools failed", map[string]any{"server": s.name, "error": err.Error()})
		return err
	}

	s.mu.Lock()
	s.session = session
	s.tools = tools
	s.status = StatusConnected
	s.err = nil
	s.mu.Unlock()

	logger.InfoCF("mcp", "Server connected", map[string]any{
		"server": s.name,
		"tools":  len(tools),
	})
	return nil
}

func (m *Manager) transport(s *server) sdkmcp.Transport {
	if s.cfg.URL != "" {
		httpClient := &http.Client{}
		if len(s.cfg.Headers) > 0 {
			httpClient.Transport = &headerTransport{headers: s.cfg.Headers, base: http.DefaultTransport}
		}
		return &sdkmcp.StreamableClientTransport{
			Endpoint:             s.cfg.URL,
			HTTPClient:           httpClient,
			DisableStandaloneSSE: true,
		}
	}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	env := os.Environ()
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+s.cfg.Env[k])
	}
	cmd.Env = env
	cmd.Dir = m.cwd
	if s.cfg.Cwd != "" {
		cmd.Dir = agentloop.ResolvePath(m.cwd, s.cfg.Cwd)
	}
	return &sdkmcp.CommandTransport{Command: cmd}
}

func listTools(ctx context.Context, name string, session *sdkmcp.ClientSession) ([]ToolInfo, error) {
	var (
		tools  []ToolInfo
		params sdkmcp.ListToolsParams
	)
	for {
		res, err := session.ListTools(ctx, &params)
		if err != nil {
			return nil, err
		}
		for _, t := range res.Tools {
			tools = append(tools, ToolInfo{
				Server:      name,
				Name:        t.Name,
				Description: t.Description,
				InputSchema: normalizeSchema(t.InputSchema),
			})
		}
		if res.NextCursor == "" {
			break
		}
		params.Cursor = res.NextCursor
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// normalizeSchema converts a tool input schema into a JSON object schema.
func normalizeSchema(schema any) map[string]any {
	out := map[string]any{}
	switch v := schema.(type) {
	case nil:
	case map[string]any:
		out = v
	default:
		if data, err := json.Marshal(v); err == nil {
			_ = json.Unmarshal(data, &out)
		}
	}
	if out == nil {
		out = map[string]any{}
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}
	if _, ok := out["properties"]; !ok && out["type"] == "object" {
		out["properties"] = map[string]any{}
	}
	return out
}

// Tools returns the tools of the connected servers, ordered by server and
// tool name.
func (m *Manager) Tools() []ToolInfo {
	var all []ToolInfo
	for _, name := range m.serverNames() {
		s := m.servers[name]
		s.mu.Lock()
		if s.status == StatusConnected {
			all = append(all, s.tools...)
		}
		s.mu.Unlock()
	}
	return all
}

// RegisterTools adds the tools of every connected server to reg as
// <server>__<tool> and returns how many were registered.
func (m *Manager) RegisterTools(reg *agentloop.ToolRegistry) int {
	tools := m.Tools()
	for _, t := range tools {
		reg.RegisterMCP(agentloop.NewMCPTool(t.Server, t.Name, t.Description, t.InputSchema, m))
	}
	return len(tools)
}

// CallTool calls tool on server and returns its text output and whether the
// server flagged the result as an error.
func (m *Manager) CallTool(ctx context.Context, serverName, tool string, args map[string]any) (string, bool, error) {
	s, ok := m.servers[serverName]
	if !ok {
		return "", false, fmt.Errorf("unknown MCP server: %q", serverName)
	}
	s.mu.Lock()
	session, status := s.session, s.status
	s.mu.Unlock()
	if status != StatusConnected || session == nil {
		return "", false, fmt.Errorf("not connected to server %q", serverName)
	}

	res, err := session.CallTool(ctx, &sdkmcp.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		logger.WarnCF("mcp", "Tool call failed", map[string]any{
			"server": serverName,
			"tool":   tool,
			"error":  err.Error(),
		})
		return "", false, fmt.Errorf("tools/call %s: %w", tool, err)
	}
	return extractText(res), res.IsError, nil
}

// Statuses reports every configured server, ordered by name.
func (m *Manager) Statuses() []ServerStatus {
	var out []ServerStatus
	for _, name := range m.serverNames() {
		s := m.servers[name]
		s.mu.Lock()
		st := ServerStatus{
			Name:      name,
			Transport: s.cfg.Transport(),
			Status:    s.status,
			Tools:     len(s.tools),
		}
		if s.err != nil {
			st.Error = s.err.Error()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// Shutdown closes every session.
func (m *Manager) Shutdown() error {
	var errs []error
	for _, name := range m.serverNames() {
		s := m.servers[name]
		s.mu.Lock()
		if s.session != nil {
			if err := s.session.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %q: %w", name, err))
			}
			s.session = nil
		}
		s.tools = nil
		s.status = StatusDisconnected
		s.mu.Unlock()
	}
	logger.InfoCF("mcp", "Servers shut down", map[string]any{"servers": len(m.servers)})
	return errors.Join(errs...)
}

func (m *Manager) serverNames() []string {
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// extractText converts the content blocks of a tool result into text.
func extractText(result *sdkmcp.CallToolResult) string {
	var parts []string
	for _, content := range result.Content {
		switch c := content.(type) {
		case *sdkmcp.TextContent:
			parts = append(parts, c.Text)
		case *sdkmcp.ImageContent:
			parts = append(parts, fmt.Sprintf("[image: %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *sdkmcp.AudioContent:
			parts = append(parts, fmt.Sprintf("[audio: %s, %d bytes]", c.MIMEType, len(c.Data)))
		case *sdkmcp.ResourceLink:
			parts = append(parts, fmt.Sprintf("[resource_link: %s]", c.URI))
		case *sdkmcp.EmbeddedResource:
			if c.Resource != nil && c.Resource.Text != "" {
				parts = append(parts, c.Resource.Text)
			} else if c.Resource != nil {
				parts = append(parts, fmt.Sprintf("[embedded resource: %s]", c.Resource.URI))
			}
		}
	}
	if len(parts) == 0 && result.StructuredContent != nil {
		if data, err := json.MarshalIndent(result.StructuredContent, "", "  "); err == nil {
			parts = append(parts, string(data))
		}
	}
	return strings.Join(parts, "\n")
}

// headerTransport adds fixed headers to every request.
type headerTransport struct {
	headers map[string]string
	base    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	return t.base.RoundTrip(req)
}
