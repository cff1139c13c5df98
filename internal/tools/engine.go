package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcptypes "github.com/mark3labs/mcp-go/mcp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/mcp"
	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/pkg/models"
)

// MCPConn is the subset of the MCP connection the engine needs. Satisfied by
// *mcp.Conn; tests substitute fakes.
type MCPConn interface {
	ListTools(ctx context.Context) ([]mcptypes.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.CallToolResult, error)
	Close() error
}

// Dialer opens an MCP connection.
type Dialer func(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error)

func defaultDialer(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error) {
	return mcp.Connect(ctx, serverURL, headers)
}

// Engine resolves tool configurations and executes tool uses. Turn() hands
// out sessions that cache MCP connections for the duration of one agent turn.
type Engine struct {
	registry *Registry
	dial     Dialer
	objects  storage.Store
	http     *http.Client
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewEngine wires the tool engine. metrics may be nil.
func NewEngine(registry *Registry, objects storage.Store, m *metrics.Metrics, log *slog.Logger) *Engine {
	if registry == nil {
		registry = NewRegistry()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		registry: registry,
		dial:     defaultDialer,
		objects:  objects,
		http:     &http.Client{Timeout: 30 * time.Second},
		metrics:  m,
		log:      log,
	}
}

// Turn creates a turn-scoped session.
func (e *Engine) Turn() agent.ToolSession {
	return &Session{engine: e, conns: make(map[string]MCPConn)}
}

// Session is the turn-scoped view of the engine. MCP connections opened
// during the turn are memoized by label and closed with the session.
type Session struct {
	engine *Engine
	conns  map[string]MCPConn
}

// ResolveTools expands the agent's tool configurations into the callable
// tool list. Unresolvable configurations are logged and skipped; one broken
// server must not take the whole turn down.
func (s *Session) ResolveTools(ctx context.Context, a *models.Agent) ([]models.AgentTool, error) {
	var out []models.AgentTool
	for _, cfg := range a.Tools {
		switch cfg.Type {
		case models.ToolTypeFunction, models.ToolTypeCustom:
			def, ok := s.engine.registry.Lookup(cfg.Name)
			if !ok {
				s.engine.log.Warn("configured tool is not registered", "tool", cfg.Name)
				continue
			}
			out = append(out, models.AgentTool{
				Provider:    models.ToolProviderLocal,
				Type:        cfg.Type,
				Label:       cfg.Label,
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.InputSchema,
				Config:      cfg.Config,
			})

		case models.ToolTypeMCP:
			conn, err := s.conn(ctx, cfg)
			if err != nil {
				s.engine.log.Warn("mcp server unreachable", "label", cfg.Label, "error", err)
				continue
			}
			listing, err := conn.ListTools(ctx)
			if err != nil {
				s.engine.log.Warn("mcp tool listing failed", "label", cfg.Label, "error", err)
				continue
			}
			for _, tool := range listing {
				schema, err := json.Marshal(tool.InputSchema)
				if err != nil {
					schema = nil
				}
				out = append(out, models.AgentTool{
					Provider:    models.ToolProviderLocal,
					Type:        models.ToolTypeMCP,
					Label:       cfg.Label,
					Name:        tool.Name,
					Description: tool.Description,
					InputSchema: schema,
				})
			}

		case models.ToolTypeHTTP, models.ToolTypeSQL:
			tool, err := configuredTool(cfg)
			if err != nil {
				s.engine.log.Warn("invalid tool configuration", "tool", cfg.Name, "error", err)
				continue
			}
			out = append(out, tool)

		default:
			s.engine.log.Warn("unknown tool type", "type", cfg.Type, "tool", cfg.Name)
		}
	}
	return out, nil
}

// HandleToolUse matches a use Part against the resolved tools and executes
// it. A use that matches nothing returns (nil, nil); execution failures the
// model can recover from come back as error-flagged result Parts.
func (s *Session) HandleToolUse(ctx context.Context, rc *agent.RequestContext, toolList []models.AgentTool, use models.Part) ([]models.Part, error) {
	tool, ok := matchTool(toolList, use)
	if !ok {
		return nil, nil
	}

	input, inputErr := useInput(use)
	if inputErr != nil {
		// The model produced unparseable arguments; tell it instead of
		// failing the turn.
		return []models.Part{errorResult(use, tool, inputErr.Error())}, nil
	}
	s.validateInput(tool, input)

	start := time.Now()
	parts, err := s.execute(ctx, rc, tool, use, input)
	s.record(tool, parts, err, time.Since(start))
	if err != nil {
		return nil, err
	}
	return parts, nil
}

// Close releases the session's MCP connections.
func (s *Session) Close() {
	for label, conn := range s.conns {
		if err := conn.Close(); err != nil {
			s.engine.log.Debug("mcp connection close failed", "label", label, "error", err)
		}
	}
	s.conns = nil
}

func (s *Session) execute(ctx context.Context, rc *agent.RequestContext, tool models.AgentTool, use models.Part, input json.RawMessage) ([]models.Part, error) {
	switch tool.Type {
	case models.ToolTypeFunction, models.ToolTypeCustom:
		def, ok := s.engine.registry.Lookup(tool.Name)
		if !ok {
			return nil, nil
		}
		output, err := def.Handler(ctx, rc, input)
		if err != nil {
			return []models.Part{errorResult(use, tool, err.Error())}, nil
		}
		return []models.Part{dataResult(use, tool, output)}, nil

	case models.ToolTypeMCP:
		return s.executeMCP(ctx, rc, tool, use, input)

	case models.ToolTypeHTTP:
		return s.executeHTTP(ctx, tool, use, input)

	case models.ToolTypeSQL:
		return s.executeSQL(ctx, tool, use, input)
	}
	return nil, nil
}

// conn returns the turn's cached connection for a server config, dialing on
// first use.
func (s *Session) conn(ctx context.Context, cfg models.ToolConfig) (MCPConn, error) {
	if conn, ok := s.conns[cfg.Label]; ok {
		return conn, nil
	}
	conn, err := s.engine.dial(ctx, cfg.ServerURL, cfg.Headers)
	if err != nil {
		return nil, err
	}
	s.conns[cfg.Label] = conn
	return conn, nil
}

// validateInput checks the arguments against the tool's input schema. The
// check is advisory: providers and servers re-validate, and a schema too
// strict for a usable call should not block it.
func (s *Session) validateInput(tool models.AgentTool, input json.RawMessage) {
	if len(tool.InputSchema) == 0 {
		return
	}
	sch, err := jsonschema.CompileString(tool.Name+".schema.json", string(tool.InputSchema))
	if err != nil {
		s.engine.log.Debug("tool schema does not compile", "tool", tool.Name, "error", err)
		return
	}
	var value any
	if err := json.Unmarshal(input, &value); err != nil {
		return
	}
	if err := sch.Validate(value); err != nil {
		s.engine.log.Warn("tool input fails its schema", "tool", tool.Name, "error", err)
	}
}

func (s *Session) record(tool models.AgentTool, parts []models.Part, err error, elapsed time.Duration) {
	m := s.engine.metrics
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case len(parts) > 0 && parts[0].Tool != nil && parts[0].Tool.IsError:
		status = "error"
	case parts == nil:
		status = "skipped"
	}
	m.ToolExecutionsTotal.WithLabelValues(string(tool.Type), status).Inc()
	m.ToolExecutionDuration.WithLabelValues(string(tool.Type)).Observe(elapsed.Seconds())
}

// matchTool finds the resolved tool a use refers to. Name and label must
// match; the type must match when the use carries one.
func matchTool(toolList []models.AgentTool, use models.Part) (models.AgentTool, bool) {
	if use.Tool == nil {
		return models.AgentTool{}, false
	}
	for _, tool := range toolList {
		if tool.Name != use.Tool.Name || tool.Label != use.Tool.Label {
			continue
		}
		if use.Tool.Type != "" && use.Tool.Type != tool.Type {
			continue
		}
		return tool, true
	}
	return models.AgentTool{}, false
}

// useInput extracts and checks the JSON arguments of a use Part.
func useInput(use models.Part) (json.RawMessage, error) {
	var raw json.RawMessage
	if use.Type == models.PartData {
		raw = use.Data
	} else {
		raw = json.RawMessage(use.Text)
	}
	if len(raw) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("tool input is not valid JSON")
	}
	return raw, nil
}

// configuredTool builds an AgentTool for HTTP and SQL tools, whose
// definition lives entirely in the configuration blob.
func configuredTool(cfg models.ToolConfig) (models.AgentTool, error) {
	if cfg.Name == "" {
		return models.AgentTool{}, fmt.Errorf("tool of type %s has no name", cfg.Type)
	}
	var def struct {
		Description string          `json:"description"`
		InputSchema json.RawMessage `json:"input_schema"`
	}
	if len(cfg.Config) > 0 {
		if err := json.Unmarshal(cfg.Config, &def); err != nil {
			return models.AgentTool{}, fmt.Errorf("parse tool config: %w", err)
		}
	}
	return models.AgentTool{
		Provider:    models.ToolProviderLocal,
		Type:        cfg.Type,
		Label:       cfg.Label,
		Name:        cfg.Name,
		Description: def.Description,
		InputSchema: def.InputSchema,
		Config:      cfg.Config,
	}, nil
}

// resultInfo stamps a result Part as the outcome of a use.
func resultInfo(use models.Part, tool models.AgentTool, isError bool) *models.ToolInfo {
	return &models.ToolInfo{
		Provider: models.ToolProviderLocal,
		Type:     tool.Type,
		Label:    tool.Label,
		UseID:    use.Tool.UseID,
		Name:     tool.Name,
		Event:    models.ToolEventResult,
		IsError:  isError,
	}
}

func dataResult(use models.Part, tool models.AgentTool, payload json.RawMessage) models.Part {
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	return models.Part{
		Type: models.PartData,
		Kind: models.KindData,
		Data: payload,
		Tool: resultInfo(use, tool, false),
		Task: use.Task,
	}
}

func textResult(use models.Part, tool models.AgentTool, text string) models.Part {
	return models.Part{
		Type: models.PartText,
		Kind: models.KindText,
		Text: text,
		Tool: resultInfo(use, tool, false),
		Task: use.Task,
	}
}

func errorResult(use models.Part, tool models.AgentTool, message string) models.Part {
	return models.Part{
		Type: models.PartText,
		Kind: models.KindText,
		Text: message,
		Tool: resultInfo(use, tool, true),
		Task: use.Task,
	}
}
