package protocols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/pkg/models"
)

const (
	assistantsCallTimeout = 10 * time.Second
	assistantsRunTimeout  = 2 * time.Minute
	assistantsPollEvery   = time.Second
)

// Assistants speaks the OpenAI Assistants API. Unlike chat completions the
// provider keeps the conversation state in a thread; the adapter only appends
// the messages the thread has not seen and carries the thread id across turns
// in the task session id of its outputs.
type Assistants struct {
	agent       *models.Agent
	client      *openai.Client
	store       store.Store
	log         *slog.Logger
	callTimeout time.Duration
}

// NewAssistants builds the adapter for one agent.
func NewAssistants(a *models.Agent, st store.Store, log *slog.Logger) *Assistants {
	cfg := openai.DefaultConfig(a.Extra.APIKey)
	if a.Extra.BaseURL != "" {
		cfg.BaseURL = a.Extra.BaseURL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Assistants{
		agent:       a,
		client:      openai.NewClientWithConfig(cfg),
		store:       st,
		log:         log,
		callTimeout: assistantsCallTimeout,
	}
}

// callCtx bounds one API call. Every assistants call gets the same budget;
// only the overall run poll has its own longer deadline.
func (p *Assistants) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, p.callTimeout)
}

func (p *Assistants) Name() string { return models.ProtocolAssistants }

func (p *Assistants) Execute(ctx context.Context, rc *agent.RequestContext) (*agent.ResponseContext, error) {
	return agent.Run(ctx, p, rc)
}

// assistantsRequest is the prepared run input: a thread holding the appended
// messages, ready to be run against the assistant.
type assistantsRequest struct {
	assistantID string
	threadID    string
}

// assistantsResponse is the finished run.
type assistantsResponse struct {
	threadID string
	run      openai.Run
}

// PrepareRequest ensures the remote assistant and thread exist, cancels any
// run still holding the thread, and appends the unsent tail of the
// conversation as user messages.
func (p *Assistants) PrepareRequest(ctx context.Context, rc *agent.RequestContext) (assistantsRequest, error) {
	assistantID, err := p.ensureAssistant(ctx, rc)
	if err != nil {
		return assistantsRequest{}, err
	}

	threadID := lastThreadID(rc.Messages, rc.Agent.ID)
	if threadID == "" {
		cctx, cancel := p.callCtx(ctx)
		thread, err := p.client.CreateThread(cctx, openai.ThreadRequest{})
		cancel()
		if err != nil {
			return assistantsRequest{}, fmt.Errorf("create thread: %w", err)
		}
		threadID = thread.ID
	} else if err := p.cancelActiveRuns(ctx, threadID); err != nil {
		return assistantsRequest{}, err
	}

	for _, msg := range unsentTail(rc.Messages, rc.Agent.ID) {
		if msg.Content.Type == models.PartFile && msg.Content.Kind == models.KindImage {
			// Image file content needs an uploaded file id; not supported.
			return assistantsRequest{}, errors.New("assistants protocol does not support image content")
		}
		content := partContent(msg.Content)
		if content == "" {
			continue
		}
		cctx, cancel := p.callCtx(ctx)
		_, err := p.client.CreateMessage(cctx, threadID, openai.MessageRequest{
			Role:    string(openai.ThreadMessageRoleUser),
			Content: content,
		})
		cancel()
		if err != nil {
			return assistantsRequest{}, fmt.Errorf("append thread message: %w", err)
		}
	}

	return assistantsRequest{assistantID: assistantID, threadID: threadID}, nil
}

// SendRequest starts a run and polls it to a terminal state.
func (p *Assistants) SendRequest(ctx context.Context, req assistantsRequest) (assistantsResponse, error) {
	cctx, cancel := p.callCtx(ctx)
	run, err := p.client.CreateRun(cctx, req.threadID, openai.RunRequest{AssistantID: req.assistantID})
	cancel()
	if err != nil {
		return assistantsResponse{}, fmt.Errorf("create run: %w", err)
	}

	deadline := time.Now().Add(assistantsRunTimeout)
	for {
		switch run.Status {
		case openai.RunStatusCompleted:
			return assistantsResponse{threadID: req.threadID, run: run}, nil
		case openai.RunStatusCancelled:
			// Someone cancelled underneath us; whatever output landed is
			// still worth reading.
			p.log.Warn("assistant run cancelled, reading partial output", "run", run.ID)
			return assistantsResponse{threadID: req.threadID, run: run}, nil
		case openai.RunStatusFailed, openai.RunStatusExpired, openai.RunStatusIncomplete:
			return assistantsResponse{}, fmt.Errorf("assistant run ended in status %s", run.Status)
		case openai.RunStatusRequiresAction:
			// Local tools are routed through chat completions instead.
			return assistantsResponse{}, errors.New("assistant run requires tool action, tools are not supported on this protocol")
		}

		if time.Now().After(deadline) {
			return assistantsResponse{}, fmt.Errorf("assistant run %s timed out in status %s", run.ID, run.Status)
		}
		select {
		case <-ctx.Done():
			return assistantsResponse{}, ctx.Err()
		case <-time.After(assistantsPollEvery):
		}

		cctx, cancel := p.callCtx(ctx)
		run, err = p.client.RetrieveRun(cctx, req.threadID, run.ID)
		cancel()
		if err != nil {
			return assistantsResponse{}, fmt.Errorf("retrieve run: %w", err)
		}
	}
}

// ProcessResponse reads the messages the run produced, newest last, and maps
// them to outgoing texts. The thread id rides along in the task session id so
// the next turn reuses the thread.
func (p *Assistants) ProcessResponse(ctx context.Context, rc *agent.RequestContext, res assistantsResponse) (*agent.ResponseContext, error) {
	order := "asc"
	cctx, cancel := p.callCtx(ctx)
	list, err := p.client.ListMessage(cctx, res.threadID, nil, &order, nil, nil, &res.run.ID)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("list run messages: %w", err)
	}

	out := &agent.ResponseContext{}
	for _, msg := range list.Messages {
		if msg.Role != string(openai.ThreadMessageRoleAssistant) {
			continue
		}
		for _, content := range msg.Content {
			if content.Text == nil {
				return nil, fmt.Errorf("unsupported assistant content type %q", content.Type)
			}
			part := models.Part{
				Type: models.PartText,
				Kind: models.KindText,
				Text: content.Text.Value,
				Task: &models.TaskRef{
					ID:        res.run.ID,
					Status:    models.TaskCompleted,
					SessionID: res.threadID,
				},
			}
			out.Messages = append(out.Messages, newInsert(rc, models.DirectionOutgoing, part))
		}
	}
	return out, nil
}

// ensureAssistant lazily creates the remote assistant and persists its id on
// the agent.
func (p *Assistants) ensureAssistant(ctx context.Context, rc *agent.RequestContext) (string, error) {
	if rc.Agent.Extra.AssistantID != "" {
		return rc.Agent.Extra.AssistantID, nil
	}
	cctx, cancel := p.callCtx(ctx)
	assistant, err := p.client.CreateAssistant(cctx, openai.AssistantRequest{
		Model:        rc.Agent.Model,
		Name:         &rc.Agent.Name,
		Instructions: &rc.Agent.SystemPrompt,
	})
	cancel()
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}

	rc.Agent.Extra.AssistantID = assistant.ID
	if err := p.store.UpdateAgentExtra(ctx, rc.Agent.ID, rc.Agent.Extra); err != nil {
		return "", fmt.Errorf("persist assistant id: %w", err)
	}
	return assistant.ID, nil
}

// cancelActiveRuns cancels any run still executing on the thread; the API
// rejects message appends while a run is active.
func (p *Assistants) cancelActiveRuns(ctx context.Context, threadID string) error {
	limit := 10
	cctx, cancel := p.callCtx(ctx)
	runs, err := p.client.ListRuns(cctx, threadID, openai.Pagination{Limit: &limit})
	cancel()
	if err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	for _, run := range runs.Runs {
		switch run.Status {
		case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusRequiresAction:
			cctx, cancel := p.callCtx(ctx)
			_, err := p.client.CancelRun(cctx, threadID, run.ID)
			cancel()
			if err != nil {
				return fmt.Errorf("cancel run %s: %w", run.ID, err)
			}
		}
	}
	return nil
}

// lastThreadID scans backwards for the thread this agent used last.
func lastThreadID(msgs []models.Message, agentID string) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.AgentID == agentID && msg.Content.Task != nil && msg.Content.Task.SessionID != "" {
			return msg.Content.Task.SessionID
		}
	}
	return ""
}

// unsentTail returns the contiguous run of messages after the agent's last
// output. Those are the only messages the thread has not seen.
func unsentTail(msgs []models.Message, agentID string) []models.Message {
	start := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].AgentID == agentID {
			start = i + 1
			break
		}
	}
	return msgs[start:]
}
