package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/threadline-ai/threadline/internal/metrics"
	"github.com/threadline-ai/threadline/internal/storage"
	"github.com/threadline-ai/threadline/internal/store"
	"github.com/threadline-ai/threadline/pkg/models"
)

// TurnFunc is invoked for every stored inbound message that should trigger
// an agent turn.
type TurnFunc func(ctx context.Context, trigger *models.Message)

// InboundTracker observes raw inbound message ids. The sender implements it
// to drive typing indicators and read receipts.
type InboundTracker interface {
	TrackInbound(contactAddress, messageID string)
}

// Webhook ingests Cloud API webhook deliveries: it verifies subscriptions,
// normalizes inbound messages into stored rows, pulls media into the object
// store, and hands triggers to the orchestration loop.
type Webhook struct {
	cfg         *Config
	store       store.Store
	objects     storage.Store
	transcriber Transcriber
	tracker     InboundTracker
	onMessage   TurnFunc
	http        *http.Client
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// NewWebhook wires the webhook handler. transcriber, tracker, and m may be
// nil.
func NewWebhook(cfg *Config, st store.Store, objects storage.Store, transcriber Transcriber, tracker InboundTracker, onMessage TurnFunc, m *metrics.Metrics, log *slog.Logger) *Webhook {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Webhook{
		cfg:         cfg,
		store:       st,
		objects:     objects,
		transcriber: transcriber,
		tracker:     tracker,
		onMessage:   onMessage,
		http:        &http.Client{Timeout: 30 * time.Second},
		metrics:     m,
		log:         log,
	}
}

// webhookPayload is the Cloud API delivery envelope.
type webhookPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		Changes []struct {
			Field string      `json:"field"`
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Metadata struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []inboundMessage `json:"messages"`
	Statuses []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"statuses"`
}

type inboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      string        `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Reaction *struct {
		Emoji string `json:"emoji"`
	} `json:"reaction"`
	Image    *inboundMedia `json:"image"`
	Video    *inboundMedia `json:"video"`
	Audio    *inboundMedia `json:"audio"`
	Document *inboundMedia `json:"document"`
	Sticker  *inboundMedia `json:"sticker"`
}

type inboundMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

// ServeHTTP handles GET subscription verification and POST deliveries.
func (w *Webhook) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		w.verify(rw, req)
	case http.MethodPost:
		w.deliver(rw, req)
	default:
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (w *Webhook) verify(rw http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == w.cfg.VerifyToken {
		io.WriteString(rw, q.Get("hub.challenge"))
		return
	}
	w.countWebhook("invalid")
	http.Error(rw, "verification failed", http.StatusForbidden)
}

func (w *Webhook) deliver(rw http.ResponseWriter, req *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		w.countWebhook("invalid")
		http.Error(rw, "bad payload", http.StatusBadRequest)
		return
	}
	if payload.Object != "whatsapp_business_account" {
		w.countWebhook("ignored")
		rw.WriteHeader(http.StatusOK)
		return
	}

	// Meta retries deliveries that do not return 200 quickly; processing
	// continues after the response.
	rw.WriteHeader(http.StatusOK)
	w.countWebhook("accepted")

	ctx := context.WithoutCancel(req.Context())
	go w.process(ctx, payload)
}

func (w *Webhook) process(ctx context.Context, payload webhookPayload) {
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue
			}
			w.processChange(ctx, change.Value)
		}
	}
}

func (w *Webhook) processChange(ctx context.Context, value changeValue) {
	orgAddress := value.Metadata.DisplayPhoneNumber
	w.saveContacts(ctx, value)

	for _, status := range value.Statuses {
		w.log.Debug("delivery status update", "message", status.ID, "status", status.Status)
	}

	for _, inbound := range value.Messages {
		if err := w.ingest(ctx, orgAddress, inbound); err != nil {
			w.log.Error("inbound message dropped", "message", inbound.ID, "error", err)
		}
	}
}

func (w *Webhook) ingest(ctx context.Context, orgAddress string, inbound inboundMessage) error {
	if w.tracker != nil {
		w.tracker.TrackInbound(inbound.From, inbound.ID)
	}
	insert := models.MessageInsert{
		Direction:           models.DirectionIncoming,
		Service:             models.ServiceWhatsApp,
		OrganizationAddress: orgAddress,
		ContactAddress:      inbound.From,
		Timestamp:           parseUnix(inbound.Timestamp),
		Status:              models.StatusReceived,
	}

	var transcribe bool
	switch inbound.Type {
	case "text":
		if inbound.Text == nil {
			return fmt.Errorf("text message without body")
		}
		insert.Content = models.Part{Type: models.PartText, Kind: models.KindText, Text: inbound.Text.Body}
	case "reaction":
		if inbound.Reaction == nil {
			return fmt.Errorf("reaction message without payload")
		}
		insert.Content = models.Part{Type: models.PartText, Kind: models.KindReaction, Text: inbound.Reaction.Emoji}
	case "image", "video", "audio", "document", "sticker":
		media := inbound.media()
		if media == nil {
			return fmt.Errorf("%s message without media", inbound.Type)
		}
		part, err := w.fetchMedia(ctx, media, models.PartKind(inbound.Type))
		if err != nil {
			return err
		}
		insert.Content = part
		if inbound.Type == "audio" && w.transcriber != nil {
			insert.Annotation = models.AnnotationPending
			transcribe = true
		}
	default:
		w.log.Debug("unsupported inbound message type", "type", inbound.Type)
		return nil
	}

	stored, err := w.store.InsertMessages(ctx, []models.MessageInsert{insert})
	if err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}
	msg := stored[0]
	if w.metrics != nil {
		w.metrics.MessagesTotal.WithLabelValues(string(msg.Service), string(msg.Direction)).Inc()
	}
	if transcribe {
		go w.annotate(ctx, msg)
	}
	if w.onMessage != nil {
		w.onMessage(ctx, &msg)
	}
	return nil
}

func (m inboundMessage) media() *inboundMedia {
	switch {
	case m.Image != nil:
		return m.Image
	case m.Video != nil:
		return m.Video
	case m.Audio != nil:
		return m.Audio
	case m.Document != nil:
		return m.Document
	case m.Sticker != nil:
		return m.Sticker
	}
	return nil
}

// fetchMedia resolves a media id through the Graph API, downloads the bytes,
// and parks them in the object store.
func (w *Webhook) fetchMedia(ctx context.Context, media *inboundMedia, kind models.PartKind) (models.Part, error) {
	lookup, err := w.graphGET(ctx, w.cfg.apiURL(media.ID))
	if err != nil {
		return models.Part{}, fmt.Errorf("resolve media %s: %w", media.ID, err)
	}
	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		FileSize int64  `json:"file_size"`
	}
	if err := json.Unmarshal(lookup, &meta); err != nil {
		return models.Part{}, fmt.Errorf("decode media lookup: %w", err)
	}

	data, err := w.graphGET(ctx, meta.URL)
	if err != nil {
		return models.Part{}, fmt.Errorf("download media %s: %w", media.ID, err)
	}

	key := "whatsapp/" + media.ID
	mimeType := meta.MimeType
	if mimeType == "" {
		mimeType = media.MimeType
	}
	if err := w.objects.Upload(ctx, key, storage.Object{Data: data, ContentType: mimeType}); err != nil {
		return models.Part{}, fmt.Errorf("store media %s: %w", media.ID, err)
	}

	return models.Part{
		Type: models.PartFile,
		Kind: kind,
		Text: media.Caption,
		File: &models.FileContent{
			URI:      key,
			MimeType: mimeType,
			Size:     int64(len(data)),
			Name:     media.Filename,
		},
	}, nil
}

func (w *Webhook) graphGET(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+w.cfg.AccessToken)
	res, err := w.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d", res.StatusCode)
	}
	return io.ReadAll(res.Body)
}

// annotate transcribes an audio message and attaches the result.
func (w *Webhook) annotate(ctx context.Context, msg models.Message) {
	obj, err := w.objects.Download(ctx, msg.Content.File.URI)
	if err != nil {
		w.failAnnotation(ctx, msg, err)
		return
	}
	text, err := w.transcriber.Transcribe(ctx, obj, msg.Content.File.Name)
	if err != nil {
		w.failAnnotation(ctx, msg, err)
		return
	}

	content := msg.Content
	file := *content.File
	file.Transcription = text
	content.File = &file
	if err := w.store.UpdateMessageAnnotation(ctx, msg.ID, content, models.AnnotationDone); err != nil {
		w.log.Error("annotation update failed", "message", msg.ID, "error", err)
	}
}

func (w *Webhook) failAnnotation(ctx context.Context, msg models.Message, cause error) {
	w.log.Warn("transcription failed", "message", msg.ID, "error", cause)
	if err := w.store.UpdateMessageAnnotation(ctx, msg.ID, msg.Content, models.AnnotationFailed); err != nil {
		w.log.Error("annotation update failed", "message", msg.ID, "error", err)
	}
}

// saveContacts upserts profile names when the store supports it.
func (w *Webhook) saveContacts(ctx context.Context, value changeValue) {
	saver, ok := w.store.(interface {
		SaveContact(ctx context.Context, c *models.Contact) error
	})
	if !ok {
		return
	}
	for _, contact := range value.Contacts {
		if _, err := w.store.ContactByAddress(ctx, contact.WaID); err == nil {
			continue
		}
		c := &models.Contact{Address: contact.WaID, Name: contact.Profile.Name}
		if err := saver.SaveContact(ctx, c); err != nil {
			w.log.Debug("contact upsert failed", "contact", contact.WaID, "error", err)
		}
	}
}

func (w *Webhook) countWebhook(status string) {
	if w.metrics != nil {
		w.metrics.WebhookRequestsTotal.WithLabelValues(status).Inc()
	}
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}
