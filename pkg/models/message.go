// Package models defines the canonical (v1) data model shared by storage,
// protocol adapters, and the tool engine. The Part union is the unit of
// content exchanged between all of them.
package models

import (
	"encoding/json"
	"time"
)

// Service identifies the messaging platform a message travels over.
type Service string

const (
	ServiceWhatsApp Service = "whatsapp"
)

// Direction indicates how a message flows relative to the organization.
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
	// DirectionInternal marks messages that never reach the contact,
	// such as tool-use and tool-result steps inside an agent turn.
	DirectionInternal Direction = "internal"
)

// MessageStatus tracks delivery state of a message.
type MessageStatus string

const (
	StatusReceived  MessageStatus = "received"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// AnnotationStatus tracks the media annotation (transcription) pipeline.
type AnnotationStatus string

const (
	AnnotationNone    AnnotationStatus = ""
	AnnotationPending AnnotationStatus = "pending"
	AnnotationDone    AnnotationStatus = "done"
	AnnotationFailed  AnnotationStatus = "failed"
)

// PartType is the discriminant of the Part union.
type PartType string

const (
	PartText PartType = "text"
	PartData PartType = "data"
	PartFile PartType = "file"
)

// PartKind refines a PartType. Text parts distinguish plain text from
// reactions; file parts carry the media category.
type PartKind string

const (
	KindText     PartKind = "text"
	KindReaction PartKind = "reaction"
	KindData     PartKind = "data"
	KindImage    PartKind = "image"
	KindVideo    PartKind = "video"
	KindAudio    PartKind = "audio"
	KindDocument PartKind = "document"
	KindSticker  PartKind = "sticker"
)

// ToolEventType marks whether a tool Part is the request or the outcome.
type ToolEventType string

const (
	ToolEventUse    ToolEventType = "use"
	ToolEventResult ToolEventType = "result"
)

// ToolProvider identifies who executes a tool. Only local execution exists.
type ToolProvider string

const (
	ToolProviderLocal ToolProvider = "local"
)

// ToolType is the declared kind of a tool configuration.
type ToolType string

const (
	ToolTypeFunction ToolType = "function"
	ToolTypeCustom   ToolType = "custom"
	ToolTypeMCP      ToolType = "mcp"
	ToolTypeHTTP     ToolType = "http"
	ToolTypeSQL      ToolType = "sql"
)

// ToolInfo tags a Part as one step of a tool invocation. A result event
// always refers back to a prior use event through UseID.
type ToolInfo struct {
	Provider ToolProvider  `json:"provider"`
	Type     ToolType      `json:"type"`
	Label    string        `json:"label,omitempty"`
	UseID    string        `json:"use_id,omitempty"`
	Name     string        `json:"name"`
	Event    ToolEventType `json:"event"`
	IsError  bool          `json:"is_error,omitempty"`
}

// TaskStatus mirrors the remote task state enum of the agent-to-agent
// protocol. Only InputRequired has cross-turn meaning: it allows a later
// turn to resume the same task.
type TaskStatus string

const (
	TaskSubmitted     TaskStatus = "submitted"
	TaskWorking       TaskStatus = "working"
	TaskInputRequired TaskStatus = "input-required"
	TaskCompleted     TaskStatus = "completed"
	TaskCanceled      TaskStatus = "canceled"
	TaskFailed        TaskStatus = "failed"
)

// TaskRef correlates the Parts produced within one orchestration iteration.
// It is an in-band key, not a stored entity.
type TaskRef struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
}

// FileContent describes a stored media object referenced by a file Part.
// URI is either an object-storage key or an absolute URL.
type FileContent struct {
	URI           string `json:"uri"`
	MimeType      string `json:"mime_type,omitempty"`
	Size          int64  `json:"size,omitempty"`
	Name          string `json:"name,omitempty"`
	Description   string `json:"description,omitempty"`
	Transcription string `json:"transcription,omitempty"`
}

// Part is the canonical tagged content union. Exactly one of Text, Data,
// or File is meaningful, selected by Type. Text doubles as the caption of
// a file Part. Tool and Task are set only on tool invocation steps.
type Part struct {
	Type      PartType        `json:"type"`
	Kind      PartKind        `json:"kind,omitempty"`
	Text      string          `json:"text,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	File      *FileContent    `json:"file,omitempty"`
	Artifacts []Part          `json:"artifacts,omitempty"`
	Tool      *ToolInfo       `json:"tool,omitempty"`
	Task      *TaskRef        `json:"task,omitempty"`
}

// IsToolUse reports whether the Part is a tool invocation request.
func (p Part) IsToolUse() bool {
	return p.Tool != nil && p.Tool.Event == ToolEventUse
}

// IsToolResult reports whether the Part is a tool invocation outcome.
func (p Part) IsToolResult() bool {
	return p.Tool != nil && p.Tool.Event == ToolEventResult
}

// Message is the canonical stored message record.
type Message struct {
	ID                  string           `json:"id"`
	Direction           Direction        `json:"direction"`
	Service             Service          `json:"service"`
	OrganizationAddress string           `json:"organization_address"`
	ContactAddress      string           `json:"contact_address"`
	AgentID             string           `json:"agent_id,omitempty"`
	Timestamp           time.Time        `json:"timestamp"`
	Status              MessageStatus    `json:"status,omitempty"`
	Annotation          AnnotationStatus `json:"annotation_status,omitempty"`
	Content             Part             `json:"content"`
	CreatedAt           time.Time        `json:"created_at"`
}

// MessageInsert is the write shape for a new message row. The store assigns
// ID and CreatedAt.
type MessageInsert struct {
	Direction           Direction        `json:"direction"`
	Service             Service          `json:"service"`
	OrganizationAddress string           `json:"organization_address"`
	ContactAddress      string           `json:"contact_address"`
	AgentID             string           `json:"agent_id,omitempty"`
	Timestamp           time.Time        `json:"timestamp"`
	Status              MessageStatus    `json:"status,omitempty"`
	Annotation          AnnotationStatus `json:"annotation_status,omitempty"`
	Content             Part             `json:"content"`
}
