package models

import (
	"encoding/json"
	"time"
)

// Protocol names accepted in AgentExtra.Protocol.
const (
	ProtocolChatCompletions = "chat_completions"
	ProtocolAssistants      = "assistants"
	ProtocolA2A             = "a2a"
)

// Organization is a tenant reachable at a messaging address.
type Organization struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Address   string       `json:"address"`
	Settings  OrgSettings  `json:"settings"`
	CreatedAt time.Time    `json:"created_at"`
}

// OrgSettings carries per-organization response policy.
type OrgSettings struct {
	// AllowedContacts restricts which contact addresses trigger agent
	// responses. Empty means all contacts are allowed.
	AllowedContacts []string `json:"allowed_contacts,omitempty"`

	// WelcomeMessage is sent when no agent is active. Empty disables it.
	WelcomeMessage string `json:"welcome_message,omitempty"`

	// ResponseDelaySeconds postpones the agent turn after an inbound
	// message, giving annotation and follow-up messages time to land.
	ResponseDelaySeconds float64 `json:"response_delay_seconds,omitempty"`
}

// Conversation groups the message history between one organization address
// and one contact address on one service.
type Conversation struct {
	ID                  string    `json:"id"`
	Service             Service   `json:"service"`
	OrganizationAddress string    `json:"organization_address"`
	ContactAddress      string    `json:"contact_address"`
	PausedUntil         time.Time `json:"paused_until,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Paused reports whether the conversation is inside a pause window.
func (c *Conversation) Paused(now time.Time) bool {
	return c != nil && !c.PausedUntil.IsZero() && now.Before(c.PausedUntil)
}

// Contact is an end user on a messaging service.
type Contact struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a configured AI backend attached to an organization.
type Agent struct {
	ID             string       `json:"id"`
	OrganizationID string       `json:"organization_id"`
	Name           string       `json:"name"`
	Model          string       `json:"model,omitempty"`
	SystemPrompt   string       `json:"system_prompt,omitempty"`
	Active         bool         `json:"active"`
	Extra          AgentExtra   `json:"extra"`
	Tools          []ToolConfig `json:"tools,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// AgentExtra holds protocol selection and protocol-specific knobs.
type AgentExtra struct {
	// Protocol selects the wire adapter. Empty means chat_completions.
	Protocol string `json:"protocol,omitempty"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `json:"base_url,omitempty"`

	// APIKey authenticates against the provider.
	APIKey string `json:"api_key,omitempty"`

	// MaxMessages trims the history window sent to the provider.
	// Zero means no trimming.
	MaxMessages int `json:"max_messages,omitempty"`

	// MaxIterations bounds the tool-use loop. Zero means the default.
	MaxIterations int `json:"max_iterations,omitempty"`

	// SendInlineFilesUpToSizeMB is the agent-to-agent inlining threshold.
	// Files at or under the threshold are sent as base64 bytes, larger
	// ones as a signed URL.
	SendInlineFilesUpToSizeMB float64 `json:"send_inline_files_up_to_size_mb,omitempty"`

	// AssistantID is the lazily created remote assistant, persisted back
	// here on first use by the assistants adapter.
	AssistantID string `json:"assistant_id,omitempty"`

	// ErrorMessagesDirection selects where synthetic error messages go.
	// Empty means internal.
	ErrorMessagesDirection Direction `json:"error_messages_direction,omitempty"`
}

// ToolConfig is a tool declaration on an agent. The engine resolves each
// config into one or more AgentTool entries every iteration.
type ToolConfig struct {
	Type      ToolType          `json:"type"`
	Name      string            `json:"name,omitempty"`
	Label     string            `json:"label,omitempty"`
	ServerURL string            `json:"server_url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Config    json.RawMessage   `json:"config,omitempty"`
}

// AgentTool is a resolved, callable tool descriptor. Rebuilt fresh every
// orchestration iteration; never persisted.
type AgentTool struct {
	Provider     ToolProvider    `json:"provider"`
	Type         ToolType        `json:"type"`
	Label        string          `json:"label,omitempty"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
}
