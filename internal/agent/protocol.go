// Package agent implements the orchestration layer that drives a configured
// AI agent through a bounded tool-use loop.
//
// The package defines the protocol adapter contract (prepare, send, process)
// and the loop that repeatedly executes an adapter, resolves tool-use Parts
// into tool invocations, and accumulates the resulting messages until the
// turn settles or the iteration budget runs out.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/threadline-ai/threadline/pkg/models"
)

var (
	// ErrUnknownProtocol reports an agent configured with a protocol no
	// adapter implements. This is a configuration error, not a runtime one.
	ErrUnknownProtocol = errors.New("unknown agent protocol")

	// ErrMaxIterations reports a turn that kept requesting tools past the
	// iteration budget.
	ErrMaxIterations = errors.New("max iterations reached")

	// ErrStale reports a turn aborted because a newer message arrived for
	// the same conversation while the turn was waiting.
	ErrStale = errors.New("newer message arrived, turn is stale")
)

// RequestContext is the immutable per-iteration bundle handed to adapters.
// Messages is the conversation window in ascending timestamp order. Tools
// is the freshly resolved tool list for this iteration.
type RequestContext struct {
	Organization *models.Organization
	Conversation *models.Conversation
	Contact      *models.Contact
	Agent        *models.Agent
	Messages     []models.Message
	Tools        []models.AgentTool
}

// ResponseContext is the adapter's output. Only Messages is populated by
// the current adapters.
type ResponseContext struct {
	Messages []models.MessageInsert
}

// Handler is the three-phase protocol adapter contract. Each phase may
// perform network I/O and may fail; failures propagate untouched to the
// loop, which owns catch/report/terminate.
type Handler[Req, Res any] interface {
	PrepareRequest(ctx context.Context, rc *RequestContext) (Req, error)
	SendRequest(ctx context.Context, req Req) (Res, error)
	ProcessResponse(ctx context.Context, rc *RequestContext, res Res) (*ResponseContext, error)
}

// Run drives a handler through its three phases.
func Run[Req, Res any](ctx context.Context, h Handler[Req, Res], rc *RequestContext) (*ResponseContext, error) {
	req, err := h.PrepareRequest(ctx, rc)
	if err != nil {
		return nil, fmt.Errorf("prepare request: %w", err)
	}
	res, err := h.SendRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	out, err := h.ProcessResponse(ctx, rc, res)
	if err != nil {
		return nil, fmt.Errorf("process response: %w", err)
	}
	return out, nil
}

// Protocol is the type-erased adapter the loop executes. Concrete adapters
// implement Execute by calling Run with their own request/response types.
type Protocol interface {
	Name() string
	Execute(ctx context.Context, rc *RequestContext) (*ResponseContext, error)
}

// ProtocolFactory selects the adapter for an agent. Implemented by the
// protocols package and injected into the loop.
type ProtocolFactory func(agent *models.Agent) (Protocol, error)

// ToolSession is the turn-scoped view of the tool engine. Implementations
// memoize MCP server connections by label for the lifetime of one turn.
type ToolSession interface {
	// ResolveTools rebuilds the agent's tool list, expanding MCP server
	// listings. Called fresh every iteration.
	ResolveTools(ctx context.Context, agent *models.Agent) ([]models.AgentTool, error)

	// HandleToolUse matches a tool-use Part against the resolved tools,
	// validates its input, invokes the tool, and returns the result
	// Parts. An unresolvable use returns (nil, nil): recoverable, the
	// use is skipped.
	HandleToolUse(ctx context.Context, rc *RequestContext, tools []models.AgentTool, use models.Part) ([]models.Part, error)

	// Close releases turn-scoped resources such as MCP connections.
	Close()
}

// ToolEngine creates turn-scoped tool sessions.
type ToolEngine interface {
	Turn() ToolSession
}
