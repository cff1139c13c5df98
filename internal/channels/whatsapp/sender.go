package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/pkg/models"
)

const (
	senderMaxRetries = 3
	mediaLinkExpiry  = time.Hour
)

// Sender delivers outbound messages over the Graph API. It satisfies the
// orchestration loop's sender contract.
type Sender struct {
	cfg     *Config
	objects storage.Store
	http    *http.Client
	metrics *metrics.Metrics
	log     *slog.Logger

	mu          sync.Mutex
	lastInbound map[string]string

	// newBackOff is a test seam.
	newBackOff func() backoff.BackOff
}

// NewSender wires the Graph API sender. objects is used to mint signed
// links for media messages; m may be nil.
func NewSender(cfg *Config, objects storage.Store, m *metrics.Metrics, log *slog.Logger) *Sender {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sender{
		cfg:         cfg,
		objects:     objects,
		http:        &http.Client{Timeout: 30 * time.Second},
		metrics:     m,
		log:         log,
		lastInbound: make(map[string]string),
		newBackOff:  func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// TrackInbound remembers the newest inbound message id per contact. The
// typing indicator needs it: the Cloud API expresses typing as a read
// receipt on the message being replied to.
func (s *Sender) TrackInbound(contactAddress, messageID string) {
	s.mu.Lock()
	s.lastInbound[contactAddress] = messageID
	s.mu.Unlock()
}

// SendMessage delivers one outgoing message to its contact.
func (s *Sender) SendMessage(ctx context.Context, msg models.Message) error {
	payload, err := s.payloadFor(ctx, msg)
	if err != nil {
		return err
	}
	if payload == nil {
		s.log.Debug("message not deliverable over whatsapp", "message", msg.ID, "part", msg.Content.Type)
		return nil
	}
	wamid, err := s.post(ctx, payload, true)
	if err != nil {
		return fmt.Errorf("send message %s: %w", msg.ID, err)
	}
	if s.metrics != nil {
		s.metrics.MessagesTotal.WithLabelValues(string(msg.Service), string(msg.Direction)).Inc()
	}
	s.log.Debug("message delivered", "message", msg.ID, "wamid", wamid)
	return nil
}

// SendTyping refreshes the typing indicator. Without a tracked inbound
// message there is nothing to acknowledge and the call is a no-op.
func (s *Sender) SendTyping(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	wamid := s.lastInbound[conv.ContactAddress]
	s.mu.Unlock()
	if wamid == "" {
		return nil
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"status":            "read",
		"message_id":        wamid,
		"typing_indicator":  map[string]any{"type": "text"},
	}
	_, err := s.post(ctx, payload, false)
	return err
}

// payloadFor renders a message into a Graph API request body. A nil payload
// with nil error means the part has no WhatsApp representation.
func (s *Sender) payloadFor(ctx context.Context, msg models.Message) (map[string]any, error) {
	base := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.ContactAddress,
	}

	part := msg.Content
	switch part.Type {
	case models.PartText:
		// Reactions from agents carry no target message id, so they go
		// out as plain text.
		base["type"] = "text"
		base["text"] = map[string]any{"body": part.Text}
	case models.PartData:
		base["type"] = "text"
		base["text"] = map[string]any{"body": string(part.Data)}
	case models.PartFile:
		if part.File == nil {
			return nil, fmt.Errorf("file part without file content")
		}
		link, err := s.mediaLink(ctx, part.File.URI)
		if err != nil {
			return nil, err
		}
		mediaType := graphMediaType(part.Kind)
		media := map[string]any{"link": link}
		if part.Text != "" && mediaType != "audio" && mediaType != "sticker" {
			media["caption"] = part.Text
		}
		if mediaType == "document" && part.File.Name != "" {
			media["filename"] = part.File.Name
		}
		base["type"] = mediaType
		base[mediaType] = media
	default:
		return nil, nil
	}
	return base, nil
}

// mediaLink turns a storage key into a fetchable URL. Absolute URLs pass
// through unchanged.
func (s *Sender) mediaLink(ctx context.Context, uri string) (string, error) {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri, nil
	}
	if s.objects == nil {
		return "", fmt.Errorf("no object store for media key %q", uri)
	}
	link, err := s.objects.SignedURL(ctx, uri, mediaLinkExpiry)
	if err != nil {
		return "", fmt.Errorf("sign media link %q: %w", uri, err)
	}
	return link, nil
}

func graphMediaType(kind models.PartKind) string {
	switch kind {
	case models.KindImage:
		return "image"
	case models.KindVideo:
		return "video"
	case models.KindAudio:
		return "audio"
	case models.KindSticker:
		return "sticker"
	default:
		return "document"
	}
}

// post sends a payload to the messages endpoint and returns the assigned
// message id. Retryable failures back off exponentially when retry is set.
func (s *Sender) post(ctx context.Context, payload map[string]any, retry bool) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := s.cfg.apiURL(s.cfg.PhoneNumberID + "/messages")

	var wamid string
	attempt := 0
	operation := func() error {
		if attempt > 0 && s.metrics != nil {
			s.metrics.SendRetriesTotal.Inc()
		}
		attempt++
		id, err := s.postOnce(ctx, url, body)
		if err != nil {
			return err
		}
		wamid = id
		return nil
	}

	if !retry {
		if err := operation(); err != nil {
			return "", unwrapPermanent(err)
		}
		return wamid, nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), senderMaxRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return "", unwrapPermanent(err)
	}
	return wamid, nil
}

func (s *Sender) postOnce(ctx context.Context, url string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	data, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		err := fmt.Errorf("graph API returned HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
		if res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500 {
			return "", err
		}
		return "", backoff.Permanent(err)
	}

	var out struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &out); err == nil && len(out.Messages) > 0 {
		return out.Messages[0].ID, nil
	}
	return "", nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
