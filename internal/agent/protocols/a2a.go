package protocols

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/pkg/models"
)

const (
	a2aRequestTimeout  = 60 * time.Second
	a2aSignedURLExpiry = time.Hour
)

// A2A speaks the agent-to-agent JSON-RPC protocol: the remote peer is itself
// an agent, addressed with tasks/send calls. Task identity is carried across
// turns so an input-required task can be resumed.
type A2A struct {
	agent   *models.Agent
	objects storage.Store
	http    *http.Client
	log     *slog.Logger
}

// NewA2A builds the adapter for one agent. The object store backs file part
// transfers.
func NewA2A(a *models.Agent, objects storage.Store, httpClient *http.Client, log *slog.Logger) *A2A {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &A2A{agent: a, objects: objects, http: httpClient, log: log}
}

func (p *A2A) Name() string { return models.ProtocolA2A }

func (p *A2A) Execute(ctx context.Context, rc *agent.RequestContext) (*agent.ResponseContext, error) {
	return agent.Run(ctx, p, rc)
}

type jsonrpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  a2aTaskSendParams `json:"params"`
}

type a2aTaskSendParams struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId,omitempty"`
	Message   a2aMessage `json:"message"`
}

type a2aMessage struct {
	Role  string    `json:"role"`
	Parts []a2aPart `json:"parts"`
}

type a2aPart struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
	File *a2aFile        `json:"file,omitempty"`
}

type a2aFile struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

type jsonrpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  *a2aTask        `json:"result"`
	Error   *jsonrpcError   `json:"error"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type a2aTask struct {
	ID        string        `json:"id"`
	SessionID string        `json:"sessionId,omitempty"`
	Status    a2aTaskStatus `json:"status"`
	Artifacts []a2aArtifact `json:"artifacts,omitempty"`
}

type a2aTaskStatus struct {
	State   string      `json:"state"`
	Message *a2aMessage `json:"message,omitempty"`
}

type a2aArtifact struct {
	Name  string    `json:"name,omitempty"`
	Parts []a2aPart `json:"parts,omitempty"`
}

// PrepareRequest bundles the unsent tail of the conversation into one
// multi-part message. A prior task left in input-required state is resumed;
// anything else gets a fresh task and session.
func (p *A2A) PrepareRequest(ctx context.Context, rc *agent.RequestContext) (jsonrpcRequest, error) {
	taskID, sessionID := resumableTask(rc.Messages, rc.Agent.ID)
	if taskID == "" {
		taskID = uuid.NewString()
		sessionID = uuid.NewString()
	}

	var parts []a2aPart
	for _, msg := range unsentTail(rc.Messages, rc.Agent.ID) {
		part, err := p.outboundPart(ctx, rc, msg.Content)
		if err != nil {
			return jsonrpcRequest{}, err
		}
		if part != nil {
			parts = append(parts, *part)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, a2aPart{Type: "text", Text: ""})
	}

	return jsonrpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "tasks/send",
		Params: a2aTaskSendParams{
			ID:        taskID,
			SessionID: sessionID,
			Message:   a2aMessage{Role: "user", Parts: parts},
		},
	}, nil
}

// SendRequest posts the JSON-RPC call to the peer endpoint.
func (p *A2A) SendRequest(ctx context.Context, req jsonrpcRequest) (*a2aTask, error) {
	if p.agent.Extra.BaseURL == "" {
		return nil, fmt.Errorf("a2a agent has no base url configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode json-rpc request: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, a2aRequestTimeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(cctx, http.MethodPost, p.agent.Extra.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.agent.Extra.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.agent.Extra.APIKey)
	}

	httpRes, err := p.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post tasks/send: %w", err)
	}
	defer httpRes.Body.Close()
	if httpRes.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tasks/send returned HTTP %d", httpRes.StatusCode)
	}

	data, err := io.ReadAll(httpRes.Body)
	if err != nil {
		return nil, fmt.Errorf("read tasks/send response: %w", err)
	}
	var rpcRes jsonrpcResponse
	if err := json.Unmarshal(data, &rpcRes); err != nil {
		return nil, fmt.Errorf("decode json-rpc response: %w", err)
	}
	if rpcRes.Error != nil {
		return nil, fmt.Errorf("json-rpc error %d: %s", rpcRes.Error.Code, rpcRes.Error.Message)
	}
	if rpcRes.Result == nil {
		return nil, fmt.Errorf("json-rpc response has no result")
	}
	return rpcRes.Result, nil
}

// ProcessResponse maps the task's status message and artifacts to outgoing
// messages, all referencing the task so a later turn can resume it.
func (p *A2A) ProcessResponse(ctx context.Context, rc *agent.RequestContext, task *a2aTask) (*agent.ResponseContext, error) {
	ref := &models.TaskRef{
		ID:        task.ID,
		Status:    models.TaskStatus(task.Status.State),
		SessionID: task.SessionID,
	}

	out := &agent.ResponseContext{}
	appendParts := func(parts []a2aPart) error {
		for _, wire := range parts {
			part, err := p.inboundPart(ctx, wire)
			if err != nil {
				return err
			}
			part.Task = ref
			out.Messages = append(out.Messages, newInsert(rc, models.DirectionOutgoing, part))
		}
		return nil
	}

	if task.Status.Message != nil {
		if err := appendParts(task.Status.Message.Parts); err != nil {
			return nil, err
		}
	}
	for _, artifact := range task.Artifacts {
		if err := appendParts(artifact.Parts); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// outboundPart renders a stored Part for the wire. Small files are inlined
// as base64, large ones travel as a signed URL.
func (p *A2A) outboundPart(ctx context.Context, rc *agent.RequestContext, part models.Part) (*a2aPart, error) {
	switch part.Type {
	case models.PartText:
		return &a2aPart{Type: "text", Text: part.Text}, nil
	case models.PartData:
		return &a2aPart{Type: "data", Data: part.Data}, nil
	case models.PartFile:
		if part.File == nil {
			return nil, nil
		}
		file := &a2aFile{Name: part.File.Name, MimeType: part.File.MimeType}
		if p.inlineable(part.File) {
			obj, err := p.objects.Download(ctx, part.File.URI)
			if err != nil {
				return nil, fmt.Errorf("download file part: %w", err)
			}
			file.Bytes = base64.StdEncoding.EncodeToString(obj.Data)
		} else {
			url, err := p.objects.SignedURL(ctx, part.File.URI, a2aSignedURLExpiry)
			if err != nil {
				return nil, fmt.Errorf("sign file part url: %w", err)
			}
			file.URI = url
		}
		return &a2aPart{Type: "file", File: file}, nil
	}
	return nil, nil
}

// inlineable applies the configured size threshold. An unset threshold
// means never inline.
func (p *A2A) inlineable(file *models.FileContent) bool {
	maxMB := p.agent.Extra.SendInlineFilesUpToSizeMB
	if maxMB <= 0 {
		return false
	}
	return float64(file.Size) <= maxMB*1024*1024
}

// inboundPart maps a wire part back to a stored Part. Inlined file bytes are
// moved into the object store; file kinds follow the top-level MIME category.
func (p *A2A) inboundPart(ctx context.Context, wire a2aPart) (models.Part, error) {
	switch wire.Type {
	case "text":
		return models.Part{Type: models.PartText, Kind: models.KindText, Text: wire.Text}, nil
	case "data":
		return models.Part{Type: models.PartData, Kind: models.KindData, Data: wire.Data}, nil
	case "file":
		if wire.File == nil {
			return models.Part{}, fmt.Errorf("a2a file part without file payload")
		}
		file := &models.FileContent{
			URI:      wire.File.URI,
			MimeType: wire.File.MimeType,
			Name:     wire.File.Name,
		}
		if wire.File.Bytes != "" {
			data, err := base64.StdEncoding.DecodeString(wire.File.Bytes)
			if err != nil {
				return models.Part{}, fmt.Errorf("decode inline file bytes: %w", err)
			}
			key := "a2a/" + uuid.NewString()
			if err := p.objects.Upload(ctx, key, storage.Object{Data: data, ContentType: wire.File.MimeType}); err != nil {
				return models.Part{}, fmt.Errorf("store inline file: %w", err)
			}
			file.URI = key
			file.Size = int64(len(data))
		}
		return models.Part{
			Type: models.PartFile,
			Kind: fileKindForMime(wire.File.MimeType),
			File: file,
		}, nil
	}
	return models.Part{}, fmt.Errorf("unsupported a2a part type %q", wire.Type)
}

// fileKindForMime buckets a MIME type into a message kind by its top-level
// category.
func fileKindForMime(mimeType string) models.PartKind {
	category := mimeType
	if idx := strings.Index(mimeType, "/"); idx >= 0 {
		category = mimeType[:idx]
	}
	switch category {
	case "image":
		return models.KindImage
	case "video":
		return models.KindVideo
	case "audio":
		return models.KindAudio
	default:
		return models.KindDocument
	}
}

// resumableTask scans backwards for this agent's last task reference and
// returns it only when the peer left it waiting for input.
func resumableTask(msgs []models.Message, agentID string) (taskID, sessionID string) {
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if msg.AgentID != agentID || msg.Content.Task == nil {
			continue
		}
		task := msg.Content.Task
		if task.Status == models.TaskInputRequired {
			return task.ID, task.SessionID
		}
		return "", ""
	}
	return "", ""
}
