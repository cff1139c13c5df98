package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/pkg/models"
)

type memStore struct {
	mu       sync.Mutex
	messages []models.Message
}

func (s *memStore) OrganizationByAddress(ctx context.Context, address string) (*models.Organization, error) {
	return nil, store.ErrNotFound
}

func (s *memStore) ConversationFor(ctx context.Context, service models.Service, orgAddress, contactAddress string) (*models.Conversation, error) {
	return &models.Conversation{Service: service, OrganizationAddress: orgAddress, ContactAddress: contactAddress}, nil
}

func (s *memStore) ContactByAddress(ctx context.Context, address string) (*models.Contact, error) {
	return nil, store.ErrNotFound
}

func (s *memStore) ActiveAgent(ctx context.Context, organizationID string) (*models.Agent, error) {
	return nil, store.ErrNotFound
}

func (s *memStore) Messages(ctx context.Context, orgAddress, contactAddress string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...), nil
}

func (s *memStore) LatestIncomingMessage(ctx context.Context, orgAddress, contactAddress string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Direction == models.DirectionIncoming {
			m := s.messages[i]
			return &m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *memStore) InsertMessages(ctx context.Context, inserts []models.MessageInsert) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(inserts))
	for _, in := range inserts {
		m := models.Message{
			ID:                  fmt.Sprintf("m%d", len(s.messages)+1),
			Direction:           in.Direction,
			Service:             in.Service,
			OrganizationAddress: in.OrganizationAddress,
			ContactAddress:      in.ContactAddress,
			AgentID:             in.AgentID,
			Timestamp:           in.Timestamp,
			Status:              in.Status,
			Annotation:          in.Annotation,
			Content:             in.Content,
			CreatedAt:           time.Now().UTC(),
		}
		s.messages = append(s.messages, m)
		out = append(out, m)
	}
	return out, nil
}

func (s *memStore) UpdateAgentExtra(ctx context.Context, agentID string, extra models.AgentExtra) error {
	return store.ErrNotFound
}

func (s *memStore) PendingAnnotations(ctx context.Context, orgAddress, contactAddress string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Annotation == models.AnnotationPending {
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpdateMessageAnnotation(ctx context.Context, messageID string, content models.Part, status models.AnnotationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].ID == messageID {
			s.messages[i].Content = content
			s.messages[i].Annotation = status
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *memStore) byID(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

type fixedTranscriber struct {
	text string
	err  error
}

func (t fixedTranscriber) Transcribe(ctx context.Context, obj storage.Object, filename string) (string, error) {
	return t.text, t.err
}

func deliveryBody(message string) string {
	return fmt.Sprintf(`{
		"object": "whatsapp_business_account",
		"entry": [{"changes": [{"field": "messages", "value": {
			"metadata": {"display_phone_number": "biz", "phone_number_id": "123"},
			"contacts": [{"wa_id": "alice", "profile": {"name": "Alice"}}],
			"messages": [%s]
		}}]}]
	}`, message)
}

func waitTrigger(t *testing.T, ch <-chan models.Message) models.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no trigger received")
		return models.Message{}
	}
}

func TestWebhookVerify(t *testing.T) {
	cfg := DefaultConfig()
	cfg.VerifyToken = "secret"
	w := NewWebhook(cfg, &memStore{}, storage.NewMemoryStore(), nil, nil, nil, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secret&hub.challenge=12345", nil)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Fatalf("verify: code=%d body=%q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil)
	rec = httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("bad token: code=%d", rec.Code)
	}
}

func TestWebhookTextMessage(t *testing.T) {
	st := &memStore{}
	triggers := make(chan models.Message, 1)
	onMessage := func(ctx context.Context, m *models.Message) { triggers <- *m }
	w := NewWebhook(DefaultConfig(), st, storage.NewMemoryStore(), nil, nil, onMessage, nil, nil)

	body := deliveryBody(`{"from": "alice", "id": "wamid.1", "timestamp": "1756500000", "type": "text", "text": {"body": "hello"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}

	got := waitTrigger(t, triggers)
	if got.Direction != models.DirectionIncoming || got.ContactAddress != "alice" || got.OrganizationAddress != "biz" {
		t.Fatalf("trigger = %+v", got)
	}
	if got.Content.Text != "hello" || got.Content.Kind != models.KindText {
		t.Fatalf("content = %+v", got.Content)
	}
	if got.Timestamp.Unix() != 1756500000 {
		t.Fatalf("timestamp = %v", got.Timestamp)
	}
}

func TestWebhookMediaMessage(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer token" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		if strings.Contains(req.URL.Path, "media42") {
			json.NewEncoder(rw).Encode(map[string]any{
				"url":       "http://" + req.Host + "/bytes",
				"mime_type": "image/jpeg",
			})
			return
		}
		io.WriteString(rw, "jpegdata")
	}))
	defer graph.Close()

	cfg := DefaultConfig()
	cfg.AccessToken = "token"
	cfg.GraphBaseURL = graph.URL
	objects := storage.NewMemoryStore()
	st := &memStore{}
	triggers := make(chan models.Message, 1)
	onMessage := func(ctx context.Context, m *models.Message) { triggers <- *m }
	w := NewWebhook(cfg, st, objects, nil, nil, onMessage, nil, nil)

	body := deliveryBody(`{"from": "alice", "id": "wamid.2", "timestamp": "1756500000", "type": "image", "image": {"id": "media42", "mime_type": "image/jpeg", "caption": "look"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	got := waitTrigger(t, triggers)
	if got.Content.Type != models.PartFile || got.Content.Kind != models.KindImage {
		t.Fatalf("content = %+v", got.Content)
	}
	if got.Content.File.URI != "whatsapp/media42" || got.Content.Text != "look" {
		t.Fatalf("file = %+v text = %q", got.Content.File, got.Content.Text)
	}
	obj, err := objects.Download(context.Background(), "whatsapp/media42")
	if err != nil {
		t.Fatal(err)
	}
	if string(obj.Data) != "jpegdata" || obj.ContentType != "image/jpeg" {
		t.Fatalf("stored object = %+v", obj)
	}
}

func TestWebhookAudioTranscription(t *testing.T) {
	graph := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.URL.Path, "voice7") {
			json.NewEncoder(rw).Encode(map[string]any{
				"url":       "http://" + req.Host + "/bytes",
				"mime_type": "audio/ogg",
			})
			return
		}
		io.WriteString(rw, "oggdata")
	}))
	defer graph.Close()

	cfg := DefaultConfig()
	cfg.AccessToken = "token"
	cfg.GraphBaseURL = graph.URL
	st := &memStore{}
	triggers := make(chan models.Message, 1)
	onMessage := func(ctx context.Context, m *models.Message) { triggers <- *m }
	w := NewWebhook(cfg, st, storage.NewMemoryStore(), fixedTranscriber{text: "call me back"}, nil, onMessage, nil, nil)

	body := deliveryBody(`{"from": "alice", "id": "wamid.3", "timestamp": "1756500000", "type": "audio", "audio": {"id": "voice7", "mime_type": "audio/ogg"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)

	got := waitTrigger(t, triggers)
	if got.Annotation != models.AnnotationPending {
		t.Fatalf("annotation = %q, want pending", got.Annotation)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if m, ok := st.byID(got.ID); ok && m.Annotation == models.AnnotationDone {
			if m.Content.File.Transcription != "call me back" {
				t.Fatalf("transcription = %q", m.Content.File.Transcription)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("annotation never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWebhookTracksInbound(t *testing.T) {
	st := &memStore{}
	sender := NewSender(DefaultConfig(), nil, nil, nil)
	triggers := make(chan models.Message, 1)
	onMessage := func(ctx context.Context, m *models.Message) { triggers <- *m }
	w := NewWebhook(DefaultConfig(), st, storage.NewMemoryStore(), nil, sender, onMessage, nil, nil)

	body := deliveryBody(`{"from": "alice", "id": "wamid.9", "timestamp": "1756500000", "type": "text", "text": {"body": "hi"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, req)
	waitTrigger(t, triggers)

	sender.mu.Lock()
	wamid := sender.lastInbound["alice"]
	sender.mu.Unlock()
	if wamid != "wamid.9" {
		t.Fatalf("tracked = %q, want wamid.9", wamid)
	}
}
