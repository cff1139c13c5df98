package whatsapp

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/threadline-ai/threadline/internal/storage"
)

// Transcriber converts stored audio into text for the annotation pipeline.
type Transcriber interface {
	Transcribe(ctx context.Context, obj storage.Object, filename string) (string, error)
}

// OpenAITranscriber implements Transcriber with the audio transcription API.
type OpenAITranscriber struct {
	client *openai.Client
	model  string
}

// NewOpenAITranscriber builds a whisper-backed transcriber. model defaults
// to whisper-1.
func NewOpenAITranscriber(apiKey, baseURL, model string) *OpenAITranscriber {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &OpenAITranscriber{client: openai.NewClientWithConfig(cfg), model: model}
}

func (t *OpenAITranscriber) Transcribe(ctx context.Context, obj storage.Object, filename string) (string, error) {
	if filename == "" {
		filename = audioFilename(obj.ContentType)
	}
	res, err := t.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    t.model,
		FilePath: filename,
		Reader:   bytes.NewReader(obj.Data),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return res.Text, nil
}

// audioFilename derives a filename from the MIME type. The transcription API
// sniffs the container format from the extension.
func audioFilename(contentType string) string {
	mediaType := contentType
	if parsed, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = parsed
	}
	ext := "ogg"
	switch {
	case strings.Contains(mediaType, "mpeg"), strings.Contains(mediaType, "mp3"):
		ext = "mp3"
	case strings.Contains(mediaType, "mp4"), strings.Contains(mediaType, "m4a"):
		ext = "m4a"
	case strings.Contains(mediaType, "wav"):
		ext = "wav"
	case strings.Contains(mediaType, "webm"):
		ext = "webm"
	}
	return "audio." + ext
}
