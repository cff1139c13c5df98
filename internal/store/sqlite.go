package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/threadline-ai/threadline/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS organizations (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	address    TEXT NOT NULL UNIQUE,
	settings   TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS contacts (
	id         TEXT PRIMARY KEY,
	address    TEXT NOT NULL UNIQUE,
	name       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conversations (
	id                   TEXT PRIMARY KEY,
	service              TEXT NOT NULL,
	organization_address TEXT NOT NULL,
	contact_address      TEXT NOT NULL,
	paused_until         TEXT NOT NULL DEFAULT '',
	created_at           TEXT NOT NULL,
	updated_at           TEXT NOT NULL,
	UNIQUE (service, organization_address, contact_address)
);

CREATE TABLE IF NOT EXISTS agents (
	id              TEXT PRIMARY KEY,
	organization_id TEXT NOT NULL,
	name            TEXT NOT NULL,
	model           TEXT NOT NULL DEFAULT '',
	system_prompt   TEXT NOT NULL DEFAULT '',
	active          INTEGER NOT NULL DEFAULT 0,
	extra           TEXT NOT NULL DEFAULT '{}',
	tools           TEXT NOT NULL DEFAULT '[]',
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id                   TEXT PRIMARY KEY,
	direction            TEXT NOT NULL,
	service              TEXT NOT NULL,
	organization_address TEXT NOT NULL,
	contact_address      TEXT NOT NULL,
	agent_id             TEXT NOT NULL DEFAULT '',
	timestamp            TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT '',
	annotation_status    TEXT NOT NULL DEFAULT '',
	content              TEXT NOT NULL,
	created_at           TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages (organization_address, contact_address, created_at);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. Use ":memory:" for an
// ephemeral store.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// The driver opens one connection per query by default; SQLite writes
	// need serialization.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) OrganizationByAddress(ctx context.Context, address string) (*models.Organization, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, address, settings, created_at FROM organizations WHERE address = ?`, address)

	var org models.Organization
	var settings, createdAt string
	if err := row.Scan(&org.ID, &org.Name, &org.Address, &settings, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan organization: %w", err)
	}
	if err := json.Unmarshal([]byte(settings), &org.Settings); err != nil {
		return nil, fmt.Errorf("decode organization settings: %w", err)
	}
	org.CreatedAt = parseTime(createdAt)
	return &org, nil
}

func (s *SQLiteStore) ConversationFor(ctx context.Context, service models.Service, orgAddress, contactAddress string) (*models.Conversation, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, service, organization_address, contact_address, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (service, organization_address, contact_address) DO NOTHING`,
		uuid.NewString(), service, orgAddress, contactAddress, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("ensure conversation: %w", err)
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, service, organization_address, contact_address, paused_until, created_at, updated_at
		 FROM conversations WHERE service = ? AND organization_address = ? AND contact_address = ?`,
		service, orgAddress, contactAddress)

	var conv models.Conversation
	var pausedUntil, createdAt, updatedAt string
	err = row.Scan(&conv.ID, &conv.Service, &conv.OrganizationAddress, &conv.ContactAddress, &pausedUntil, &createdAt, &updatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	if pausedUntil != "" {
		conv.PausedUntil = parseTime(pausedUntil)
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

func (s *SQLiteStore) ContactByAddress(ctx context.Context, address string) (*models.Contact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, name, created_at FROM contacts WHERE address = ?`, address)

	var c models.Contact
	var createdAt string
	if err := row.Scan(&c.ID, &c.Address, &c.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func (s *SQLiteStore) ActiveAgent(ctx context.Context, organizationID string) (*models.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, model, system_prompt, active, extra, tools, created_at, updated_at
		 FROM agents WHERE organization_id = ? AND active = 1
		 ORDER BY updated_at DESC LIMIT 1`, organizationID)
	return scanAgent(row)
}

func (s *SQLiteStore) Messages(ctx context.Context, orgAddress, contactAddress string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, service, organization_address, contact_address, agent_id,
		        timestamp, status, annotation_status, content, created_at
		 FROM (
			SELECT * FROM messages
			WHERE organization_address = ? AND contact_address = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		 ) ORDER BY timestamp ASC, id ASC`,
		orgAddress, contactAddress, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) LatestIncomingMessage(ctx context.Context, orgAddress, contactAddress string) (*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, direction, service, organization_address, contact_address, agent_id,
		        timestamp, status, annotation_status, content, created_at
		 FROM messages
		 WHERE organization_address = ? AND contact_address = ? AND direction = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		orgAddress, contactAddress, string(models.DirectionIncoming))
	if err != nil {
		return nil, fmt.Errorf("query latest message: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	msg, err := scanMessage(rows)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQLiteStore) InsertMessages(ctx context.Context, inserts []models.MessageInsert) ([]models.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]models.Message, 0, len(inserts))
	for _, in := range inserts {
		msg := models.Message{
			ID:                  uuid.NewString(),
			Direction:           in.Direction,
			Service:             in.Service,
			OrganizationAddress: in.OrganizationAddress,
			ContactAddress:      in.ContactAddress,
			AgentID:             in.AgentID,
			Timestamp:           in.Timestamp,
			Status:              in.Status,
			Annotation:          in.Annotation,
			Content:             in.Content,
			CreatedAt:           now,
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
		content, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("encode message content: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (id, direction, service, organization_address, contact_address,
			                       agent_id, timestamp, status, annotation_status, content, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.ID, msg.Direction, msg.Service, msg.OrganizationAddress, msg.ContactAddress,
			msg.AgentID, formatTime(msg.Timestamp), msg.Status, msg.Annotation, string(content), formatTime(msg.CreatedAt))
		if err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}
		out = append(out, msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateAgentExtra(ctx context.Context, agentID string, extra models.AgentExtra) error {
	blob, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("encode agent extra: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET extra = ?, updated_at = ? WHERE id = ?`,
		string(blob), formatTime(time.Now().UTC()), agentID)
	if err != nil {
		return fmt.Errorf("update agent extra: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) PendingAnnotations(ctx context.Context, orgAddress, contactAddress string) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages
		 WHERE organization_address = ? AND contact_address = ? AND annotation_status = ?`,
		orgAddress, contactAddress, models.AnnotationPending)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending annotations: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) UpdateMessageAnnotation(ctx context.Context, messageID string, content models.Part, status models.AnnotationStatus) error {
	blob, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode message content: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET content = ?, annotation_status = ? WHERE id = ?`,
		string(blob), status, messageID)
	if err != nil {
		return fmt.Errorf("update message annotation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveOrganization inserts or replaces an organization row.
func (s *SQLiteStore) SaveOrganization(ctx context.Context, org *models.Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}
	settings, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("encode organization settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO organizations (id, name, address, settings, created_at) VALUES (?, ?, ?, ?, ?)`,
		org.ID, org.Name, org.Address, string(settings), formatTime(org.CreatedAt))
	return err
}

// SaveContact inserts or replaces a contact row.
func (s *SQLiteStore) SaveContact(ctx context.Context, c *models.Contact) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO contacts (id, address, name, created_at) VALUES (?, ?, ?, ?)`,
		c.ID, c.Address, c.Name, formatTime(c.CreatedAt))
	return err
}

// SaveAgent inserts or replaces an agent row.
func (s *SQLiteStore) SaveAgent(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	extra, err := json.Marshal(a.Extra)
	if err != nil {
		return fmt.Errorf("encode agent extra: %w", err)
	}
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("encode agent tools: %w", err)
	}
	active := 0
	if a.Active {
		active = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO agents (id, organization_id, name, model, system_prompt, active, extra, tools, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.OrganizationID, a.Name, a.Model, a.SystemPrompt, active,
		string(extra), string(tools), formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

// PauseConversation sets the conversation's pause window, silencing agent
// turns until the given time.
func (s *SQLiteStore) PauseConversation(ctx context.Context, service models.Service, orgAddress, contactAddress string, until time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET paused_until = ?, updated_at = ?
		 WHERE service = ? AND organization_address = ? AND contact_address = ?`,
		formatTime(until), formatTime(time.Now().UTC()), service, orgAddress, contactAddress)
	if err != nil {
		return fmt.Errorf("pause conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var active int
	var extra, tools, createdAt, updatedAt string
	err := row.Scan(&a.ID, &a.OrganizationID, &a.Name, &a.Model, &a.SystemPrompt,
		&active, &extra, &tools, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.Active = active != 0
	if err := json.Unmarshal([]byte(extra), &a.Extra); err != nil {
		return nil, fmt.Errorf("decode agent extra: %w", err)
	}
	if err := json.Unmarshal([]byte(tools), &a.Tools); err != nil {
		return nil, fmt.Errorf("decode agent tools: %w", err)
	}
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

func scanMessage(row rowScanner) (models.Message, error) {
	var msg models.Message
	var timestamp, content, createdAt string
	err := row.Scan(&msg.ID, &msg.Direction, &msg.Service, &msg.OrganizationAddress, &msg.ContactAddress,
		&msg.AgentID, &timestamp, &msg.Status, &msg.Annotation, &content, &createdAt)
	if err != nil {
		return models.Message{}, fmt.Errorf("scan message: %w", err)
	}
	if err := json.Unmarshal([]byte(content), &msg.Content); err != nil {
		return models.Message{}, fmt.Errorf("decode message content: %w", err)
	}
	msg.Timestamp = parseTime(timestamp)
	msg.CreatedAt = parseTime(createdAt)
	return msg, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
