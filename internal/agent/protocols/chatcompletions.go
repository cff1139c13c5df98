package protocols

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/pkg/models"
)

const (
	chatRequestTimeout = 30 * time.Second
	chatMaxRetries     = 2
)

// ChatCompletions speaks the OpenAI Chat Completions API. The stateless
// protocol: the whole conversation window is replayed on every request.
type ChatCompletions struct {
	agent  *models.Agent
	client *openai.Client
	log    *slog.Logger
}

// NewChatCompletions builds the adapter for one agent. BaseURL in the agent
// configuration points the client at OpenAI-compatible providers.
func NewChatCompletions(a *models.Agent, log *slog.Logger) *ChatCompletions {
	cfg := openai.DefaultConfig(a.Extra.APIKey)
	if a.Extra.BaseURL != "" {
		cfg.BaseURL = a.Extra.BaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &ChatCompletions{agent: a, client: openai.NewClientWithConfig(cfg), log: log}
}

func (p *ChatCompletions) Name() string { return models.ProtocolChatCompletions }

func (p *ChatCompletions) Execute(ctx context.Context, rc *agent.RequestContext) (*agent.ResponseContext, error) {
	return agent.Run(ctx, p, rc)
}

// PrepareRequest renders the conversation window into a chat completion
// request. Tool steps are regrouped and orphans dropped before rendering,
// since the API rejects histories with dangling tool calls.
func (p *ChatCompletions) PrepareRequest(ctx context.Context, rc *agent.RequestContext) (openai.ChatCompletionRequest, error) {
	window := sortToolMessages(rc.Messages)
	window = removeUnpairedToolMessages(window)
	if max := rc.Agent.Extra.MaxMessages; max > 0 && len(window) > max {
		// Truncation can orphan a use whose result fell off the front.
		window = removeUnpairedToolMessages(window[len(window)-max:])
	}

	r := &chatRenderer{agentID: rc.Agent.ID}
	if rc.Agent.SystemPrompt != "" {
		r.msgs = append(r.msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: rc.Agent.SystemPrompt,
		})
	}
	for _, msg := range window {
		r.add(msg)
	}

	return openai.ChatCompletionRequest{
		Model:    rc.Agent.Model,
		Messages: r.msgs,
		Tools:    chatTools(rc.Tools),
	}, nil
}

// SendRequest performs the API call with a per-attempt timeout and bounded
// retries on transient failures.
func (p *ChatCompletions) SendRequest(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	var res openai.ChatCompletionResponse
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, chatRequestTimeout)
		defer cancel()
		var err error
		res, err = p.client.CreateChatCompletion(cctx, req)
		if err != nil && !retryableOpenAIError(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), chatMaxRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	if len(res.Choices) == 0 {
		return openai.ChatCompletionResponse{}, errors.New("chat completion returned no choices")
	}
	return res, nil
}

// ProcessResponse dispatches on the finish reason: tool_calls become internal
// tool-use messages correlated under one fresh task id, stop becomes a single
// outgoing text, anything else produces nothing.
func (p *ChatCompletions) ProcessResponse(ctx context.Context, rc *agent.RequestContext, res openai.ChatCompletionResponse) (*agent.ResponseContext, error) {
	choice := res.Choices[0]
	out := &agent.ResponseContext{}

	switch choice.FinishReason {
	case openai.FinishReasonToolCalls:
		taskID := uuid.NewString()
		for _, tc := range choice.Message.ToolCalls {
			label, name := decodeToolName(tc.Function.Name)
			part := models.Part{
				Type: models.PartData,
				Kind: models.KindData,
				Data: []byte(tc.Function.Arguments),
				Tool: &models.ToolInfo{
					Provider: models.ToolProviderLocal,
					Type:     toolTypeFor(rc.Tools, label, name),
					Label:    label,
					UseID:    tc.ID,
					Name:     name,
					Event:    models.ToolEventUse,
				},
				Task: &models.TaskRef{ID: taskID},
			}
			out.Messages = append(out.Messages, newInsert(rc, models.DirectionInternal, part))
		}
	case openai.FinishReasonStop:
		if choice.Message.Content != "" {
			part := models.Part{Type: models.PartText, Kind: models.KindText, Text: choice.Message.Content}
			out.Messages = append(out.Messages, newInsert(rc, models.DirectionOutgoing, part))
		}
	default:
		p.log.Warn("chat completion ended without usable output", "finish_reason", choice.FinishReason)
	}
	return out, nil
}

func retryableOpenAIError(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == 429 || apiErr.HTTPStatusCode >= 500
	}
	// Timeouts and connection drops come back as plain transport errors.
	return !errors.Is(err, context.Canceled)
}

// chatRenderer renders stored messages into API messages. Parallel tool uses
// of the same task merge into a single assistant message with multiple tool
// calls.
type chatRenderer struct {
	agentID     string
	msgs        []openai.ChatCompletionMessage
	lastUseTask string
}

func (r *chatRenderer) add(msg models.Message) {
	part := msg.Content

	if part.IsToolUse() && msg.Direction == models.DirectionInternal {
		call := openai.ToolCall{
			ID:   part.Tool.UseID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      encodeToolName(part.Tool.Label, part.Tool.Name),
				Arguments: partArguments(part),
			},
		}
		key := toolTaskKey(part)
		if n := len(r.msgs); n > 0 && key != "" && key == r.lastUseTask && len(r.msgs[n-1].ToolCalls) > 0 {
			r.msgs[n-1].ToolCalls = append(r.msgs[n-1].ToolCalls, call)
			return
		}
		r.lastUseTask = key
		r.msgs = append(r.msgs, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			ToolCalls: []openai.ToolCall{call},
		})
		return
	}
	r.lastUseTask = ""

	if part.IsToolResult() && msg.Direction == models.DirectionInternal {
		r.msgs = append(r.msgs, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: part.Tool.UseID,
			Content:    partContent(part),
		})
		return
	}

	role := openai.ChatMessageRoleUser
	if msg.AgentID == r.agentID && msg.Direction != models.DirectionIncoming {
		role = openai.ChatMessageRoleAssistant
	}
	r.msgs = append(r.msgs, openai.ChatCompletionMessage{Role: role, Content: partContent(part)})
}

// partArguments extracts the tool input as the JSON arguments string.
func partArguments(part models.Part) string {
	if part.Type == models.PartData {
		return string(part.Data)
	}
	return part.Text
}

// partContent renders a Part as chat text. Structured and file content is
// wrapped in tags so the model can tell it apart from prose.
func partContent(part models.Part) string {
	switch part.Type {
	case models.PartData:
		return "<data>" + string(part.Data) + "</data>"
	case models.PartFile:
		if part.File == nil {
			return ""
		}
		var body string
		switch {
		case part.File.Transcription != "":
			body = part.File.Transcription
		case part.Text != "":
			body = part.Text
		default:
			body = part.File.Description
		}
		return fmt.Sprintf("<file name=%q mime_type=%q>%s</file>", part.File.Name, part.File.MimeType, body)
	default:
		return part.Text
	}
}

func newInsert(rc *agent.RequestContext, direction models.Direction, part models.Part) models.MessageInsert {
	return models.MessageInsert{
		Direction:           direction,
		Service:             rc.Conversation.Service,
		OrganizationAddress: rc.Conversation.OrganizationAddress,
		ContactAddress:      rc.Conversation.ContactAddress,
		AgentID:             rc.Agent.ID,
		Timestamp:           time.Now(),
		Content:             part,
	}
}

// chatTools renders resolved tools as function definitions. Labeled tools
// (MCP servers, relabeled HTTP/SQL tools) are namespaced into the function
// name, since the API has no tool namespacing of its own.
func chatTools(tools []models.AgentTool) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		var schema map[string]any
		if len(t.InputSchema) > 0 {
			if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
				schema = nil
			}
		}
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        encodeToolName(t.Label, t.Name),
				Description: t.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// encodeToolName joins label and name with a double underscore; the label is
// omitted when empty.
func encodeToolName(label, name string) string {
	if label == "" {
		return name
	}
	return label + "__" + name
}

// decodeToolName splits a wire name back into label and name on the first
// double underscore.
func decodeToolName(wire string) (label, name string) {
	if idx := strings.Index(wire, "__"); idx >= 0 {
		return wire[:idx], wire[idx+2:]
	}
	return "", wire
}

func toolTypeFor(tools []models.AgentTool, label, name string) models.ToolType {
	for _, t := range tools {
		if t.Name == name && t.Label == label {
			return t.Type
		}
	}
	return models.ToolTypeFunction
}

// sortToolMessages regroups tool steps so each task's uses come before its
// results and the whole task sits at the position of its first step. The
// providers reject interleaved tool traffic from concurrent tasks.
func sortToolMessages(msgs []models.Message) []models.Message {
	type group struct {
		uses    []models.Message
		results []models.Message
	}
	type slot struct {
		msg models.Message
		key string
	}
	groups := make(map[string]*group)
	var slots []slot

	for _, msg := range msgs {
		tool := msg.Content.Tool
		if tool == nil || msg.Direction != models.DirectionInternal {
			slots = append(slots, slot{msg: msg})
			continue
		}
		key := toolTaskKey(msg.Content)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
			slots = append(slots, slot{key: key})
		}
		if tool.Event == models.ToolEventUse {
			g.uses = append(g.uses, msg)
		} else {
			g.results = append(g.results, msg)
		}
	}

	if len(groups) == 0 {
		return msgs
	}

	out := make([]models.Message, 0, len(msgs))
	for _, s := range slots {
		if s.key == "" {
			out = append(out, s.msg)
			continue
		}
		g := groups[s.key]
		out = append(out, g.uses...)
		out = append(out, g.results...)
	}
	return out
}

// toolTaskKey correlates tool steps: the task id when present, otherwise the
// use id.
func toolTaskKey(part models.Part) string {
	if part.Task != nil && part.Task.ID != "" {
		return "task:" + part.Task.ID
	}
	if part.Tool != nil {
		return "use:" + part.Tool.UseID
	}
	return ""
}

// removeUnpairedToolMessages drops tool steps whose use id does not appear at
// least twice, once as the use and once as a result.
func removeUnpairedToolMessages(msgs []models.Message) []models.Message {
	counts := make(map[string]int)
	for _, msg := range msgs {
		if tool := msg.Content.Tool; tool != nil && msg.Direction == models.DirectionInternal {
			counts[tool.UseID]++
		}
	}
	out := make([]models.Message, 0, len(msgs))
	for _, msg := range msgs {
		if tool := msg.Content.Tool; tool != nil && msg.Direction == models.DirectionInternal && counts[tool.UseID] < 2 {
			continue
		}
		out = append(out, msg)
	}
	return out
}
