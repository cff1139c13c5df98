package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/threadline-ai/threadline/pkg/models"
)

// httpToolConfig is the executor section of an HTTP tool's config blob.
type httpToolConfig struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// executeHTTP posts the tool input to the configured endpoint and returns
// the response body as the result. Non-2xx responses come back as error
// results the model can react to.
func (s *Session) executeHTTP(ctx context.Context, tool models.AgentTool, use models.Part, input json.RawMessage) ([]models.Part, error) {
	var cfg httpToolConfig
	if err := json.Unmarshal(tool.Config, &cfg); err != nil {
		return nil, fmt.Errorf("parse http tool config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http tool %s has no url", tool.Name)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if method != http.MethodGet {
		body = bytes.NewReader(input)
	}
	req, err := http.NewRequestWithContext(ctx, method, cfg.URL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	res, err := s.engine.http.Do(req)
	if err != nil {
		return []models.Part{errorResult(use, tool, err.Error())}, nil
	}
	defer res.Body.Close()
	payload, err := io.ReadAll(res.Body)
	if err != nil {
		return []models.Part{errorResult(use, tool, err.Error())}, nil
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return []models.Part{errorResult(use, tool, fmt.Sprintf("HTTP %d: %s", res.StatusCode, payload))}, nil
	}
	if json.Valid(payload) {
		return []models.Part{dataResult(use, tool, payload)}, nil
	}
	return []models.Part{textResult(use, tool, string(payload))}, nil
}
