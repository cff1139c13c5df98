package schema

import (
	"encoding/json"

	"github.com/threadline-ai/threadline/pkg/models"
)

// ToV1 maps a legacy row to a canonical Part. Dispatch order matters: the
// deprecated function-call/response shapes win over media shapes, media
// over plain content, and the "type name used as its own field" fallback
// comes last. Returns ok=false for rows no rule matches.
func ToV1(row LegacyMessage) (models.Part, bool) {
	switch row.Type {
	case LegacyFunctionCall:
		return functionCallToV1(row), true
	case LegacyFunctionResponse:
		return functionResponseToV1(row), true
	case LegacyImage, LegacyVideo, LegacyAudio, LegacyDocument, LegacySticker:
		if row.Media == nil {
			return models.Part{}, false
		}
		return mediaToV1(row), true
	case LegacyText:
		return models.Part{Type: models.PartText, Kind: models.KindText, Text: row.Content}, true
	case LegacyReaction:
		return models.Part{Type: models.PartText, Kind: models.KindReaction, Text: row.Content}, true
	}
	// Oldest rows store the payload under a field named after the type.
	if raw, ok := row.Extra[row.Type]; ok {
		return models.Part{Type: models.PartData, Kind: models.KindData, Data: raw}, true
	}
	return models.Part{}, false
}

func functionCallToV1(row LegacyMessage) models.Part {
	part := models.Part{
		Tool: toolInfoForRow(row, models.ToolEventUse),
		Task: row.Task,
	}
	if row.V1Type == "data" {
		part.Type = models.PartData
		part.Kind = models.KindData
		part.Data = json.RawMessage(row.Arguments)
	} else {
		part.Type = models.PartText
		part.Kind = models.KindText
		part.Text = row.Arguments
	}
	return part
}

func functionResponseToV1(row LegacyMessage) models.Part {
	part := models.Part{
		Tool: toolInfoForRow(row, models.ToolEventResult),
		Task: row.Task,
	}
	if row.V1Type == "data" || (row.V1Type == "" && len(row.Response) > 0) {
		part.Type = models.PartData
		part.Kind = models.KindData
		part.Data = row.Response
	} else {
		part.Type = models.PartText
		part.Kind = models.KindText
		part.Text = row.Content
	}
	return part
}

func mediaToV1(row LegacyMessage) models.Part {
	file := &models.FileContent{
		URI:         row.Media.URL,
		MimeType:    row.Media.MimeType,
		Size:        row.Media.Size,
		Name:        row.Media.Filename,
		Description: row.Media.Description,
	}
	part := models.Part{
		Type: models.PartFile,
		Kind: models.PartKind(row.Type),
		File: file,
	}
	if row.Type == LegacyAudio {
		// Audio rows keep their transcription in the legacy content
		// column rather than the media description.
		file.Transcription = row.Content
	} else {
		part.Text = row.Content
	}
	return part
}

// toolInfoForRow returns the row's tool metadata, synthesizing defaults for
// rows written before tool metadata existed. The synthesis is a legacy-only
// shim: tool_call_id (falling back to the row id) becomes the use id.
func toolInfoForRow(row LegacyMessage, event models.ToolEventType) *models.ToolInfo {
	if row.Tool != nil {
		return row.Tool
	}
	useID := row.ToolCallID
	if useID == "" {
		useID = row.ID
	}
	return &models.ToolInfo{
		Provider: models.ToolProviderLocal,
		Type:     models.ToolTypeFunction,
		UseID:    useID,
		Name:     row.Name,
		Event:    event,
	}
}

// FromV1 maps a canonical message back to a legacy row. Internal tool
// messages dispatch on (direction, tool event, tool provider, part type);
// user-visible messages dispatch on part type alone. Returns ok=false for
// unrepresentable messages. Tool identity (use_id/tool_call_id) round-trips
// exactly; the transient v1_type tag is reconstructed from the part type.
func FromV1(msg models.Message) (*LegacyMessage, bool) {
	row := &LegacyMessage{
		ID:                  msg.ID,
		Direction:           msg.Direction,
		Service:             msg.Service,
		OrganizationAddress: msg.OrganizationAddress,
		ContactAddress:      msg.ContactAddress,
		AgentID:             msg.AgentID,
		Timestamp:           msg.Timestamp,
		Status:              msg.Status,
	}
	part := msg.Content

	if part.Tool != nil && msg.Direction == models.DirectionInternal {
		if part.Tool.Provider != models.ToolProviderLocal {
			return nil, false
		}
		row.Name = part.Tool.Name
		row.ToolCallID = part.Tool.UseID
		row.Tool = part.Tool
		row.Task = part.Task
		switch part.Tool.Event {
		case models.ToolEventUse:
			row.Type = LegacyFunctionCall
			if part.Type == models.PartData {
				row.Arguments = string(part.Data)
				row.V1Type = "data"
			} else {
				row.Arguments = part.Text
			}
		case models.ToolEventResult:
			row.Type = LegacyFunctionResponse
			if part.Type == models.PartData {
				row.Response = part.Data
			} else {
				row.Content = part.Text
				row.V1Type = "text"
			}
		default:
			return nil, false
		}
		return row, true
	}

	switch part.Type {
	case models.PartText:
		if part.Kind == models.KindReaction {
			row.Type = LegacyReaction
		} else {
			row.Type = LegacyText
		}
		row.Content = part.Text
		return row, true
	case models.PartData:
		row.Type = string(models.KindData)
		row.Extra = map[string]json.RawMessage{string(models.KindData): part.Data}
		return row, true
	case models.PartFile:
		if part.File == nil {
			return nil, false
		}
		row.Type = string(part.Kind)
		row.Media = &LegacyMedia{
			URL:         part.File.URI,
			MimeType:    part.File.MimeType,
			Size:        part.File.Size,
			Filename:    part.File.Name,
			Description: part.File.Description,
		}
		if part.Kind == models.KindAudio {
			row.Content = part.File.Transcription
		} else {
			row.Content = part.Text
		}
		return row, true
	}
	return nil, false
}
