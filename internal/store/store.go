// Package store provides the relational row store for organizations,
// conversations, contacts, agents, and messages. The store is the single
// source of truth for conversation state; nothing is cached across turns.
package store

import (
	"context"
	"errors"

	"github.com/threadline-ai/threadline/pkg/models"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("store: not found")

// Store is the typed row store consumed by the orchestration loop and the
// protocol adapters.
type Store interface {
	// OrganizationByAddress looks up the organization owning a service address.
	OrganizationByAddress(ctx context.Context, address string) (*models.Organization, error)

	// ConversationFor returns the conversation between an organization
	// address and a contact address, creating it if absent.
	ConversationFor(ctx context.Context, service models.Service, orgAddress, contactAddress string) (*models.Conversation, error)

	// ContactByAddress looks up a contact by service address.
	ContactByAddress(ctx context.Context, address string) (*models.Contact, error)

	// ActiveAgent returns the organization's active agent, or ErrNotFound.
	ActiveAgent(ctx context.Context, organizationID string) (*models.Agent, error)

	// Messages returns up to limit messages for the conversation window,
	// ordered ascending by timestamp (ties broken by id). The window is
	// the most recent limit rows.
	Messages(ctx context.Context, orgAddress, contactAddress string, limit int) ([]models.Message, error)

	// LatestIncomingMessage returns the newest incoming message of the
	// conversation, ordered by created_at descending then id descending.
	// Outgoing and internal rows are skipped so a reply persisted by a
	// concurrent turn does not look like a newer trigger.
	LatestIncomingMessage(ctx context.Context, orgAddress, contactAddress string) (*models.Message, error)

	// InsertMessages persists new message rows and returns them with
	// assigned ids and created_at values.
	InsertMessages(ctx context.Context, inserts []models.MessageInsert) ([]models.Message, error)

	// UpdateAgentExtra replaces an agent's extra configuration blob.
	// Used by the assistants adapter to persist the lazily created
	// remote assistant id.
	UpdateAgentExtra(ctx context.Context, agentID string, extra models.AgentExtra) error

	// PendingAnnotations counts messages of the conversation whose media
	// annotation is still in flight.
	PendingAnnotations(ctx context.Context, orgAddress, contactAddress string) (int, error)

	// UpdateMessageAnnotation replaces a message's content and annotation
	// status. Used by the annotation pipeline to attach transcriptions.
	UpdateMessageAnnotation(ctx context.Context, messageID string, content models.Part, status models.AnnotationStatus) error
}
