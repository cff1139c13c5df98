package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/pkg/models"
)

type fakeConn struct {
	tools   []mcptypes.Tool
	result  *mcptypes.CallToolResult
	callErr error
	calls   int
	closed  bool
}

func (c *fakeConn) ListTools(ctx context.Context) ([]mcptypes.Tool, error) {
	return c.tools, nil
}

func (c *fakeConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcptypes.CallToolResult, error) {
	c.calls++
	if c.callErr != nil {
		return nil, c.callErr
	}
	return c.result, nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func testEngine(t *testing.T) (*Engine, *storage.MemoryStore) {
	t.Helper()
	objects := storage.NewMemoryStore()
	e := NewEngine(NewRegistry(), objects, nil, nil)
	return e, objects
}

func testAgent(tools ...models.ToolConfig) *models.Agent {
	return &models.Agent{ID: "a1", Tools: tools}
}

func toolUse(toolType models.ToolType, label, name string, input json.RawMessage) models.Part {
	return models.Part{
		Type: models.PartData,
		Kind: models.KindData,
		Data: input,
		Tool: &models.ToolInfo{
			Provider: models.ToolProviderLocal,
			Type:     toolType,
			Label:    label,
			UseID:    "use1",
			Name:     name,
			Event:    models.ToolEventUse,
		},
		Task: &models.TaskRef{ID: "task1"},
	}
}

func useContext(a *models.Agent) *agent.RequestContext {
	return &agent.RequestContext{
		Conversation: &models.Conversation{Service: models.ServiceWhatsApp, OrganizationAddress: "biz", ContactAddress: "alice"},
		Agent:        a,
	}
}

func TestResolveRegisteredFunction(t *testing.T) {
	e, _ := testEngine(t)
	e.registry.Register(Definition{
		Name:        "calculator",
		Description: "evaluates arithmetic",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"x":{"type":"number"}}}`),
		Handler: func(ctx context.Context, rc *agent.RequestContext, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"result":4}`), nil
		},
	})

	s := e.Turn()
	defer s.Close()
	a := testAgent(
		models.ToolConfig{Type: models.ToolTypeFunction, Name: "calculator"},
		models.ToolConfig{Type: models.ToolTypeFunction, Name: "not_registered"},
	)
	resolved, err := s.ResolveTools(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 || resolved[0].Name != "calculator" {
		t.Fatalf("resolved = %+v", resolved)
	}
}

func TestResolveMCPExpandsListing(t *testing.T) {
	e, _ := testEngine(t)
	conn := &fakeConn{tools: []mcptypes.Tool{
		{Name: "lookup", Description: "find a record"},
		{Name: "update", Description: "change a record"},
	}}
	dials := 0
	e.dial = func(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error) {
		dials++
		return conn, nil
	}

	s := e.Turn()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeMCP, Label: "crm", ServerURL: "https://crm.example/mcp"})

	resolved, err := s.ResolveTools(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 2 {
		t.Fatalf("resolved = %+v", resolved)
	}
	for _, tool := range resolved {
		if tool.Label != "crm" || tool.Type != models.ToolTypeMCP {
			t.Fatalf("tool = %+v", tool)
		}
	}

	// A second resolve within the same turn reuses the connection.
	if _, err := s.ResolveTools(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if dials != 1 {
		t.Fatalf("dialed %d times in one turn, want 1", dials)
	}

	s.Close()
	if !conn.closed {
		t.Fatal("session close must close mcp connections")
	}
}

func TestResolveMCPUnreachableSkipped(t *testing.T) {
	e, _ := testEngine(t)
	e.dial = func(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	s := e.Turn()
	defer s.Close()
	a := testAgent(
		models.ToolConfig{Type: models.ToolTypeMCP, Label: "down", ServerURL: "https://down.example"},
	)
	resolved, err := s.ResolveTools(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 0 {
		t.Fatalf("resolved = %+v, want none", resolved)
	}
}

func TestHandleToolUseFunction(t *testing.T) {
	e, _ := testEngine(t)
	e.registry.Register(Definition{
		Name: "calculator",
		Handler: func(ctx context.Context, rc *agent.RequestContext, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"result":4}`), nil
		},
	})
	s := e.Turn()
	defer s.Close()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeFunction, Name: "calculator"})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeFunction, "", "calculator", json.RawMessage(`{"x":2}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 {
		t.Fatalf("parts = %+v", parts)
	}
	res := parts[0]
	if !res.IsToolResult() || res.Tool.UseID != "use1" || res.Tool.IsError {
		t.Fatalf("result tool info = %+v", res.Tool)
	}
	if res.Task == nil || res.Task.ID != "task1" {
		t.Fatalf("result task = %+v, must share the use's task", res.Task)
	}
	if string(res.Data) != `{"result":4}` {
		t.Fatalf("result data = %s", res.Data)
	}
}

func TestHandleToolUseUnmatched(t *testing.T) {
	e, _ := testEngine(t)
	s := e.Turn()
	defer s.Close()

	use := toolUse(models.ToolTypeFunction, "", "ghost", json.RawMessage(`{}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(testAgent()), nil, use)
	if err != nil {
		t.Fatal(err)
	}
	if parts != nil {
		t.Fatalf("parts = %+v, want nil for unmatched use", parts)
	}
}

func TestHandleToolUseMalformedInput(t *testing.T) {
	e, _ := testEngine(t)
	e.registry.Register(Definition{
		Name: "calculator",
		Handler: func(ctx context.Context, rc *agent.RequestContext, input json.RawMessage) (json.RawMessage, error) {
			t.Fatal("handler must not run on malformed input")
			return nil, nil
		},
	})
	s := e.Turn()
	defer s.Close()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeFunction, Name: "calculator"})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeFunction, "", "calculator", json.RawMessage(`{"x":`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || !parts[0].Tool.IsError {
		t.Fatalf("parts = %+v, want one error result", parts)
	}
}

func TestHandleToolUseHandlerErrorIsRecoverable(t *testing.T) {
	e, _ := testEngine(t)
	e.registry.Register(Definition{
		Name: "flaky",
		Handler: func(ctx context.Context, rc *agent.RequestContext, input json.RawMessage) (json.RawMessage, error) {
			return nil, fmt.Errorf("upstream on fire")
		},
	})
	s := e.Turn()
	defer s.Close()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeFunction, Name: "flaky"})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeFunction, "", "flaky", json.RawMessage(`{}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || !parts[0].Tool.IsError || !strings.Contains(parts[0].Text, "on fire") {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestExecuteMCPContentBlocks(t *testing.T) {
	e, objects := testEngine(t)
	imageData := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	conn := &fakeConn{
		tools: []mcptypes.Tool{{Name: "render"}},
		result: &mcptypes.CallToolResult{
			Content: []mcptypes.Content{
				mcptypes.TextContent{Type: "text", Text: "rendered"},
				mcptypes.ImageContent{Type: "image", Data: imageData, MIMEType: "image/png"},
			},
		},
	}
	e.dial = func(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error) {
		return conn, nil
	}

	s := e.Turn()
	defer s.Close()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeMCP, Label: "draw", ServerURL: "https://draw.example"})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeMCP, "draw", "render", json.RawMessage(`{"w":10}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[0].Text != "rendered" || parts[0].Tool.Event != models.ToolEventResult {
		t.Fatalf("text part = %+v", parts[0])
	}
	filePart := parts[1]
	if filePart.Type != models.PartFile || filePart.Kind != models.KindImage {
		t.Fatalf("file part = %+v", filePart)
	}
	obj, err := objects.Download(context.Background(), filePart.File.URI)
	if err != nil {
		t.Fatalf("blob not uploaded: %v", err)
	}
	if string(obj.Data) != "png-bytes" {
		t.Fatalf("blob = %q", obj.Data)
	}
}

func TestExecuteMCPResourceLink(t *testing.T) {
	e, objects := testEngine(t)
	conn := &fakeConn{
		tools: []mcptypes.Tool{{Name: "report"}},
		result: &mcptypes.CallToolResult{
			Content: []mcptypes.Content{
				mcptypes.ResourceLink{
					Type:        "resource_link",
					URI:         "https://files.example/q3.pdf",
					Name:        "q3.pdf",
					Description: "third quarter report",
					MIMEType:    "application/pdf",
				},
				mcptypes.ResourceLink{
					Type:     "resource_link",
					URI:      "https://files.example/chart.png",
					MIMEType: "image/png",
				},
			},
		},
	}
	e.dial = func(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error) {
		return conn, nil
	}

	s := e.Turn()
	defer s.Close()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeMCP, Label: "files", ServerURL: "https://files.example"})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeMCP, "files", "report", json.RawMessage(`{}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 2 {
		t.Fatalf("parts = %+v", parts)
	}
	doc := parts[0]
	if doc.Type != models.PartFile || doc.Kind != models.KindDocument {
		t.Fatalf("doc part = %+v", doc)
	}
	if doc.File.URI != "https://files.example/q3.pdf" || doc.File.Name != "q3.pdf" || doc.File.Description != "third quarter report" {
		t.Fatalf("doc file = %+v", doc.File)
	}
	if doc.Tool == nil || doc.Tool.Event != models.ToolEventResult || doc.Tool.IsError {
		t.Fatalf("doc tool = %+v", doc.Tool)
	}
	if parts[1].Kind != models.KindImage {
		t.Fatalf("image link part = %+v", parts[1])
	}
	// The resource is linked, not fetched; nothing lands in the object store.
	if objects.Len() != 0 {
		t.Fatalf("objects stored = %d, want 0", objects.Len())
	}
}

func TestExecuteMCPErrorFlag(t *testing.T) {
	e, _ := testEngine(t)
	conn := &fakeConn{
		tools: []mcptypes.Tool{{Name: "lookup"}},
		result: &mcptypes.CallToolResult{
			IsError: true,
			Content: []mcptypes.Content{mcptypes.TextContent{Type: "text", Text: "no such record"}},
		},
	}
	e.dial = func(ctx context.Context, serverURL string, headers map[string]string) (MCPConn, error) {
		return conn, nil
	}
	s := e.Turn()
	defer s.Close()
	a := testAgent(models.ToolConfig{Type: models.ToolTypeMCP, Label: "crm", ServerURL: "https://crm.example"})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeMCP, "crm", "lookup", json.RawMessage(`{}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || !parts[0].Tool.IsError {
		t.Fatalf("parts = %+v, want error-flagged result", parts)
	}
}

func TestExecuteHTTPTool(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"shipped"}`)
	}))
	defer server.Close()

	e, _ := testEngine(t)
	e.http = server.Client()
	s := e.Turn()
	defer s.Close()

	cfg, _ := json.Marshal(map[string]any{
		"description":  "order status",
		"input_schema": map[string]any{"type": "object"},
		"url":          server.URL,
	})
	a := testAgent(models.ToolConfig{Type: models.ToolTypeHTTP, Name: "order_status", Config: cfg})
	resolved, err := s.ResolveTools(context.Background(), a)
	if err != nil {
		t.Fatal(err)
	}
	if len(resolved) != 1 || resolved[0].Description != "order status" {
		t.Fatalf("resolved = %+v", resolved)
	}

	use := toolUse(models.ToolTypeHTTP, "", "order_status", json.RawMessage(`{"order":7}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || string(parts[0].Data) != `{"status":"shipped"}` {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestExecuteHTTPToolErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer server.Close()

	e, _ := testEngine(t)
	e.http = server.Client()
	s := e.Turn()
	defer s.Close()

	cfg, _ := json.Marshal(map[string]string{"url": server.URL})
	a := testAgent(models.ToolConfig{Type: models.ToolTypeHTTP, Name: "locked", Config: cfg})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeHTTP, "", "locked", json.RawMessage(`{}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || !parts[0].Tool.IsError || !strings.Contains(parts[0].Text, "403") {
		t.Fatalf("parts = %+v", parts)
	}
}

func TestExecuteSQLTool(t *testing.T) {
	e, _ := testEngine(t)
	s := e.Turn()
	defer s.Close()

	cfg, _ := json.Marshal(map[string]string{
		"dsn":   ":memory:",
		"query": "select ? as echo",
	})
	a := testAgent(models.ToolConfig{Type: models.ToolTypeSQL, Name: "echo_query", Config: cfg})
	resolved, _ := s.ResolveTools(context.Background(), a)

	use := toolUse(models.ToolTypeSQL, "", "echo_query", json.RawMessage(`{"args":[42]}`))
	parts, err := s.HandleToolUse(context.Background(), useContext(a), resolved, use)
	if err != nil {
		t.Fatal(err)
	}
	if len(parts) != 1 || parts[0].Tool.IsError {
		t.Fatalf("parts = %+v", parts)
	}
	var records []map[string]any
	if err := json.Unmarshal(parts[0].Data, &records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0]["echo"] != float64(42) {
		t.Fatalf("records = %+v", records)
	}
}
