// Package schema converts between the legacy (v0) message rows and the
// canonical (v1) Part model. Both directions are pure and total-but-partial:
// a row that cannot be represented yields ok=false instead of an error, and
// the caller is expected to log and skip it.
package schema

import (
	"encoding/json"
	"time"

	"github.com/threadline-ai/threadline/pkg/models"
)

// Legacy v0 type discriminants.
const (
	LegacyFunctionCall     = "function_call"
	LegacyFunctionResponse = "function_response"
	LegacyText             = "text"
	LegacyReaction         = "reaction"
	LegacyImage            = "image"
	LegacyVideo            = "video"
	LegacyAudio            = "audio"
	LegacyDocument         = "document"
	LegacySticker          = "sticker"
)

// LegacyMedia is the v0 media attachment shape.
type LegacyMedia struct {
	URL         string `json:"url"`
	MimeType    string `json:"mime_type,omitempty"`
	Size        int64  `json:"size,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Description string `json:"description,omitempty"`
}

// LegacyMessage is a v0 message row. The per-type payload fields predate
// the unified Part union: function calls carry Name/Arguments, responses
// carry Response, media rows carry Media, and the oldest rows store their
// payload under a field named after the type itself (kept in Extra).
type LegacyMessage struct {
	ID                  string                 `json:"id,omitempty"`
	Direction           models.Direction       `json:"direction,omitempty"`
	Service             models.Service         `json:"service,omitempty"`
	OrganizationAddress string                 `json:"organization_address,omitempty"`
	ContactAddress      string                 `json:"contact_address,omitempty"`
	AgentID             string                 `json:"agent_id,omitempty"`
	Timestamp           time.Time              `json:"timestamp,omitempty"`
	Status              models.MessageStatus   `json:"status,omitempty"`
	Type                string                 `json:"type"`
	Content             string                 `json:"content,omitempty"`
	Media               *LegacyMedia           `json:"media,omitempty"`
	Name                string                 `json:"name,omitempty"`
	Arguments           string                 `json:"arguments,omitempty"`
	Response            json.RawMessage        `json:"response,omitempty"`
	ToolCallID          string                 `json:"tool_call_id,omitempty"`
	V1Type              string                 `json:"v1_type,omitempty"`
	Tool                *models.ToolInfo       `json:"tool,omitempty"`
	Task                *models.TaskRef        `json:"task,omitempty"`

	// Extra holds unknown top-level fields, preserving the oldest
	// "type name used as its own field" rows.
	Extra map[string]json.RawMessage `json:"-"`
}

type legacyMessageAlias LegacyMessage

var legacyKnownFields = map[string]struct{}{
	"id": {}, "direction": {}, "service": {}, "organization_address": {},
	"contact_address": {}, "agent_id": {}, "timestamp": {}, "status": {},
	"type": {}, "content": {}, "media": {}, "name": {}, "arguments": {},
	"response": {}, "tool_call_id": {}, "v1_type": {}, "tool": {}, "task": {},
}

// UnmarshalJSON decodes known fields and collects the rest into Extra.
func (m *LegacyMessage) UnmarshalJSON(data []byte) error {
	var alias legacyMessageAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for key := range raw {
		if _, known := legacyKnownFields[key]; known {
			delete(raw, key)
		}
	}
	*m = LegacyMessage(alias)
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

// MarshalJSON re-merges Extra into the encoded object.
func (m LegacyMessage) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(legacyMessageAlias(m))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return data, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, err
	}
	for key, value := range m.Extra {
		if _, known := legacyKnownFields[key]; !known {
			merged[key] = value
		}
	}
	return json.Marshal(merged)
}
