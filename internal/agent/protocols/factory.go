// Package protocols implements the wire adapters that speak to AI agent
// backends: OpenAI Chat Completions, OpenAI Assistants, and the JSON-RPC
// agent-to-agent protocol.
package protocols

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/pkg/models"
)

// Registry builds protocol adapters from agent configuration.
type Registry struct {
	store   store.Store
	objects storage.Store
	http    *http.Client
	log     *slog.Logger
}

// NewRegistry wires the adapter dependencies. The store persists lazily
// created assistant ids; the object store backs file transfers.
func NewRegistry(st store.Store, objects storage.Store, httpClient *http.Client, log *slog.Logger) *Registry {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: st, objects: objects, http: httpClient, log: log}
}

// ForAgent selects the adapter for an agent. An empty protocol defaults to
// chat completions; anything unrecognized is a configuration error.
func (r *Registry) ForAgent(a *models.Agent) (agent.Protocol, error) {
	switch a.Extra.Protocol {
	case "", models.ProtocolChatCompletions:
		return NewChatCompletions(a, r.log), nil
	case models.ProtocolAssistants:
		return NewAssistants(a, r.store, r.log), nil
	case models.ProtocolA2A:
		return NewA2A(a, r.objects, r.http, r.log), nil
	default:
		return nil, fmt.Errorf("%w: %q", agent.ErrUnknownProtocol, a.Extra.Protocol)
	}
}
