package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcptypes "github.com/mark3labs/mcp-go/mcp"

	"github.com/threadline-ai/threadline/internal/agent"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/pkg/models"
)

// executeMCP invokes a tool on the labeled server and converts the content
// blocks of the result into Parts.
func (s *Session) executeMCP(ctx context.Context, rc *agent.RequestContext, tool models.AgentTool, use models.Part, input json.RawMessage) ([]models.Part, error) {
	cfg, ok := serverConfig(rc.Agent, tool.Label)
	if !ok {
		return nil, nil
	}
	conn, err := s.conn(ctx, cfg)
	if err != nil {
		return []models.Part{errorResult(use, tool, fmt.Sprintf("tool server unreachable: %v", err))}, nil
	}

	var args map[string]any
	if err := json.Unmarshal(input, &args); err != nil {
		return []models.Part{errorResult(use, tool, "tool input must be a JSON object")}, nil
	}

	res, err := conn.CallTool(ctx, tool.Name, args)
	if err != nil {
		return []models.Part{errorResult(use, tool, err.Error())}, nil
	}

	parts := make([]models.Part, 0, len(res.Content))
	for _, content := range res.Content {
		part, err := s.contentPart(ctx, content)
		if err != nil {
			return nil, err
		}
		part.Tool = resultInfo(use, tool, res.IsError)
		part.Task = use.Task
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		parts = append(parts, textResult(use, tool, ""))
		parts[len(parts)-1].Tool.IsError = res.IsError
	}
	return parts, nil
}

// contentPart maps one MCP content block to a Part. Binary blocks are moved
// into the object store and referenced as file Parts.
func (s *Session) contentPart(ctx context.Context, content mcptypes.Content) (models.Part, error) {
	switch c := content.(type) {
	case mcptypes.TextContent:
		return models.Part{Type: models.PartText, Kind: models.KindText, Text: c.Text}, nil

	case mcptypes.ImageContent:
		return s.storeBlob(ctx, c.Data, c.MIMEType, models.KindImage)

	case mcptypes.AudioContent:
		return s.storeBlob(ctx, c.Data, c.MIMEType, models.KindAudio)

	case mcptypes.EmbeddedResource:
		switch res := c.Resource.(type) {
		case mcptypes.TextResourceContents:
			return models.Part{Type: models.PartText, Kind: models.KindText, Text: res.Text}, nil
		case mcptypes.BlobResourceContents:
			return s.storeBlob(ctx, res.Blob, res.MIMEType, models.KindDocument)
		}

	case mcptypes.ResourceLink:
		// The resource stays on the server; only the reference travels.
		return models.Part{
			Type: models.PartFile,
			Kind: linkKind(c.MIMEType),
			File: &models.FileContent{
				URI:         c.URI,
				MimeType:    c.MIMEType,
				Name:        c.Name,
				Description: c.Description,
			},
		}, nil
	}
	return models.Part{}, fmt.Errorf("unsupported mcp content block %T", content)
}

// linkKind buckets a linked resource's MIME type into a file kind by its
// top-level category.
func linkKind(mimeType string) models.PartKind {
	category, _, _ := strings.Cut(mimeType, "/")
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

func (s *Session) storeBlob(ctx context.Context, b64, mimeType string, kind models.PartKind) (models.Part, error) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return models.Part{}, fmt.Errorf("decode mcp blob: %w", err)
	}
	key := "tools/" + uuid.NewString()
	if err := s.engine.objects.Upload(ctx, key, storage.Object{Data: data, ContentType: mimeType}); err != nil {
		return models.Part{}, fmt.Errorf("store mcp blob: %w", err)
	}
	return models.Part{
		Type: models.PartFile,
		Kind: kind,
		File: &models.FileContent{URI: key, MimeType: mimeType, Size: int64(len(data))},
	}, nil
}

// serverConfig finds the MCP server configuration a label refers to.
func serverConfig(a *models.Agent, label string) (models.ToolConfig, bool) {
	for _, cfg := range a.Tools {
		if cfg.Type == models.ToolTypeMCP && cfg.Label == label {
			return cfg, true
		}
	}
	return models.ToolConfig{}, false
}
