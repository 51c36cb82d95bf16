package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/brandon/inboxd/pkg/types"
)

// ErrNotFound is returned when a message id has no row in the store.
var ErrNotFound = errors.New("message not found")

// InsertResult reports the outcome of an idempotent insert
type InsertResult int

const (
	// Stored means the message was newly written
	Stored InsertResult = iota
	// Duplicate means a row with the same id already existed; nothing was written
	Duplicate
)

// timeLayout is the on-disk timestamp format. RFC 3339 in UTC keeps
// lexicographic and chronological ordering identical.
const timeLayout = time.RFC3339Nano

// Insert persists a message, returning Duplicate without writing anything
// when the id is already present. Uniqueness is enforced by the database
// itself, so concurrent inserts of the same id resolve to exactly one row.
func (s *Store) Insert(ctx context.Context, msg *types.Message) (InsertResult, error) {
	tags := msg.Tags
	if tags == nil {
		tags = []string{}
	}
	tagsJSON, err := json.Marshal(tags)
	if err != nil {
		return Duplicate, fmt.Errorf("failed to marshal tags: %w", err)
	}

	var cc sql.NullString
	if msg.CC != nil {
		cc = sql.NullString{String: *msg.CC, Valid: true}
	}

	query := `
		INSERT INTO messages (id, conversation_id, received_at, ingested_at, sender, recipients, cc, subject, tags, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`
	result, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.ReceivedAt.UTC().Format(timeLayout),
		msg.IngestedAt.UTC().Format(timeLayout),
		msg.Sender,
		msg.Recipients,
		cc,
		msg.Subject,
		string(tagsJSON),
		msg.Body,
	)
	if err != nil {
		return Duplicate, fmt.Errorf("failed to insert message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return Duplicate, fmt.Errorf("failed to read insert result: %w", err)
	}
	if rows == 0 {
		return Duplicate, nil
	}
	return Stored, nil
}

// GetByID retrieves a message by its id
func (s *Store) GetByID(ctx context.Context, id string) (*types.Message, error) {
	query := `
		SELECT id, conversation_id, received_at, ingested_at, sender, recipients, cc, subject, tags, body
		FROM messages
		WHERE id = ?
	`
	row := s.db.QueryRowxContext(ctx, query, id)

	msg, err := scanMessage(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return msg, nil
}

// GetByConversation retrieves all messages sharing a conversation id,
// ordered by received_at ascending. An empty conversation id or no
// matches yields an empty slice.
func (s *Store) GetByConversation(ctx context.Context, conversationID string) ([]types.Message, error) {
	if conversationID == "" {
		return []types.Message{}, nil
	}

	query := `
		SELECT id, conversation_id, received_at, ingested_at, sender, recipients, cc, subject, tags, body
		FROM messages
		WHERE conversation_id = ?
		ORDER BY received_at ASC
	`
	rows, err := s.db.QueryxContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	defer rows.Close()

	messages := []types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// ListRecent returns message summaries ordered by ingested_at descending
func (s *Store) ListRecent(ctx context.Context, limit int) ([]types.MessageSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, conversation_id, sender, subject, received_at, ingested_at, body
		FROM messages
		ORDER BY ingested_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryxContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var results []types.MessageSummary
	for rows.Next() {
		var summary types.MessageSummary
		var receivedAt, ingestedAt, body string

		err := rows.Scan(
			&summary.ID,
			&summary.ConversationID,
			&summary.Sender,
			&summary.Subject,
			&receivedAt,
			&ingestedAt,
			&body,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan summary: %w", err)
		}

		summary.ReceivedAt = parseStoredTime(receivedAt)
		summary.IngestedAt = parseStoredTime(ingestedAt)

		summary.Snippet = snippet(body)

		results = append(results, summary)
	}

	return results, rows.Err()
}

// Count returns the total number of stored messages
func (s *Store) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, "SELECT COUNT(*) FROM messages")
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// snippet truncates a body to at most 200 bytes, backing up to a rune
// boundary so the result is always valid UTF-8
func snippet(body string) string {
	if len(body) <= 200 {
		return body
	}
	cut := 200
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut] + "..."
}

// scanMessage scans one full message row via the provided scan function
func scanMessage(scan func(dest ...interface{}) error) (*types.Message, error) {
	var msg types.Message
	var receivedAt, ingestedAt, tagsJSON string
	var cc sql.NullString

	err := scan(
		&msg.ID,
		&msg.ConversationID,
		&receivedAt,
		&ingestedAt,
		&msg.Sender,
		&msg.Recipients,
		&cc,
		&msg.Subject,
		&tagsJSON,
		&msg.Body,
	)
	if err != nil {
		return nil, err
	}

	msg.ReceivedAt = parseStoredTime(receivedAt)
	msg.IngestedAt = parseStoredTime(ingestedAt)

	if cc.Valid {
		msg.CC = &cc.String
	}

	if err := json.Unmarshal([]byte(tagsJSON), &msg.Tags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
	}
	if msg.Tags == nil {
		msg.Tags = []string{}
	}

	return &msg, nil
}

// parseStoredTime parses a stored timestamp, falling back to RFC 3339
// without sub-second precision for rows written by older builds
func parseStoredTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		t, err = time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}
		}
	}
	return t
}
