package mailbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/servesys-labs/ainp-broker/internal/apperr"
	"github.com/servesys-labs/ainp-broker/internal/db"
	"github.com/servesys-labs/ainp-broker/pkg/models"
)

const maxPageSize = 200

// Store persists per-recipient message copies and keeps thread aggregates
// consistent in the same transaction as every write.
type Store struct {
	pool *db.Pool
	log  *zap.Logger
}

func NewStore(pool *db.Pool, log *zap.Logger) *Store {
	return &Store{pool: pool, log: log}
}

// ConversationID derives a stable thread id for an envelope. An explicit
// conversation_id in the payload wins; otherwise the unordered participant
// pair defines the thread.
func ConversationID(env *models.Envelope, ownerDID string) string {
	if env.Payload != nil {
		if cid, ok := env.Payload["conversation_id"].(string); ok && cid != "" {
			return cid
		}
	}
	a, b := env.FromDID, ownerDID
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Save persists one copy of the envelope for ownerDID and updates the thread
// aggregate atomically. Idempotent on (owner_did, envelope.id): a replayed
// stream delivery neither duplicates the message nor double-counts the
// thread.
func (s *Store) Save(ctx context.Context, env *models.Envelope, ownerDID string) error {
	convID := ConversationID(env, ownerDID)
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return apperr.Validation("payload not serializable")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (owner_did, envelope_id, conversation_id, from_did, msg_type, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_did, envelope_id) DO NOTHING`,
		ownerDID, env.ID, convID, env.FromDID, env.MsgType, payload)
	if err != nil {
		return apperr.Dependency(err, "message insert failed")
	}
	if tag.RowsAffected() == 0 {
		// Already stored; thread counters were bumped on the first write.
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO threads (conversation_id, owner_did, participants, last_message_at, message_count, unread_count)
		VALUES ($1, $2, $3, NOW(), 1, 1)
		ON CONFLICT (owner_did, conversation_id) DO UPDATE SET
			message_count = threads.message_count + 1,
			unread_count = threads.unread_count + 1,
			last_message_at = NOW(),
			participants = (
				SELECT ARRAY(SELECT DISTINCT unnest(threads.participants || EXCLUDED.participants))
			)`,
		convID, ownerDID, []string{env.FromDID, ownerDID}); err != nil {
		return apperr.Dependency(err, "thread update failed")
	}

	return tx.Commit(ctx)
}

// InboxPage is one keyset page of messages.
type InboxPage struct {
	Messages   []models.Message `json:"messages"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

// ListOptions narrow an inbox read.
type ListOptions struct {
	Limit      int
	Cursor     string
	Label      string
	UnreadOnly bool
}

// ListInbox pages messages newest first with keyset pagination on
// (created_at DESC, envelope_id DESC).
func (s *Store) ListInbox(ctx context.Context, ownerDID string, opts ListOptions) (*InboxPage, error) {
	limit := opts.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	var args []any
	args = append(args, ownerDID)
	query := `
		SELECT envelope_id, conversation_id, from_did, msg_type, payload, read, labels, created_at
		FROM messages WHERE owner_did = $1`

	if opts.Cursor != "" {
		at, id, err := decodeCursor(opts.Cursor)
		if err != nil {
			return nil, apperr.Validation("invalid cursor")
		}
		args = append(args, at, id)
		query += fmt.Sprintf(" AND (created_at, envelope_id) < ($%d, $%d)", len(args)-1, len(args))
	}
	if opts.Label != "" {
		args = append(args, opts.Label)
		query += fmt.Sprintf(" AND $%d = ANY(labels)", len(args))
	}
	if opts.UnreadOnly {
		query += " AND NOT read"
	}
	args = append(args, limit+1)
	query += fmt.Sprintf(" ORDER BY created_at DESC, envelope_id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Dependency(err, "inbox query failed")
	}
	defer rows.Close()

	var page InboxPage
	var stamps []time.Time
	for rows.Next() {
		var m models.Message
		var payload []byte
		var createdAt time.Time
		m.OwnerDID = ownerDID
		if err := rows.Scan(&m.EnvelopeID, &m.ConversationID, &m.FromDID, &m.MsgType,
			&payload, &m.Read, &m.Labels, &createdAt); err != nil {
			return nil, apperr.Dependency(err, "message scan failed")
		}
		_ = json.Unmarshal(payload, &m.Payload)
		m.CreatedAt = createdAt.UnixMilli()
		stamps = append(stamps, createdAt)
		page.Messages = append(page.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Dependency(err, "inbox read failed")
	}

	trimPage(&page, stamps, limit)
	return &page, nil
}

// trimPage cuts the lookahead row and derives the next cursor. The cursor
// keeps the stored timestamp precision: CreatedAt is millisecond-truncated
// for the API, and a truncated cursor would skip same-millisecond neighbors
// under the (created_at, envelope_id) keyset.
func trimPage(page *InboxPage, stamps []time.Time, limit int) {
	if len(page.Messages) <= limit {
		return
	}
	last := page.Messages[limit-1]
	page.Messages = page.Messages[:limit]
	page.NextCursor = encodeCursor(stamps[limit-1], last.EnvelopeID)
}

// GetThread returns the thread and its messages. The caller must be the
// thread owner or a participant, otherwise AccessDenied.
func (s *Store) GetThread(ctx context.Context, callerDID, conversationID string) (*models.Thread, []models.Message, error) {
	var t models.Thread
	var lastAt time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, owner_did, participants, last_message_at, message_count, unread_count
		FROM threads WHERE owner_did = $1 AND conversation_id = $2`,
		callerDID, conversationID).
		Scan(&t.ConversationID, &t.OwnerDID, &t.Participants, &lastAt, &t.MessageCount, &t.UnreadCount)
	t.LastMessageAt = lastAt.UnixMilli()
	if errors.Is(err, pgx.ErrNoRows) {
		// Not the owner; allow participants with at least one message in the
		// conversation, otherwise deny without revealing existence.
		var n int
		if err := s.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM messages
			WHERE conversation_id = $1 AND (owner_did = $2 OR from_did = $2)`,
			conversationID, callerDID).Scan(&n); err != nil {
			return nil, nil, apperr.Dependency(err, "thread lookup failed")
		}
		if n == 0 {
			return nil, nil, apperr.New(apperr.CodeAuthorization, "not a participant of this thread")
		}
		t = models.Thread{ConversationID: conversationID, OwnerDID: callerDID}
	} else if err != nil {
		return nil, nil, apperr.Dependency(err, "thread lookup failed")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT envelope_id, conversation_id, from_did, msg_type, payload, read, labels, created_at
		FROM messages WHERE owner_did = $1 AND conversation_id = $2
		ORDER BY created_at ASC, envelope_id ASC`,
		callerDID, conversationID)
	if err != nil {
		return nil, nil, apperr.Dependency(err, "thread messages query failed")
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var payload []byte
		var createdAt time.Time
		m.OwnerDID = callerDID
		if err := rows.Scan(&m.EnvelopeID, &m.ConversationID, &m.FromDID, &m.MsgType,
			&payload, &m.Read, &m.Labels, &createdAt); err != nil {
			return nil, nil, apperr.Dependency(err, "message scan failed")
		}
		_ = json.Unmarshal(payload, &m.Payload)
		m.CreatedAt = createdAt.UnixMilli()
		msgs = append(msgs, m)
	}
	return &t, msgs, rows.Err()
}

// MarkRead flips the read flag and keeps the thread unread_count exact.
// Idempotent: marking an already-read message again is a no-op.
func (s *Store) MarkRead(ctx context.Context, ownerDID, envelopeID string, read bool) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var convID string
	var current bool
	err = tx.QueryRow(ctx, `
		SELECT conversation_id, read FROM messages
		WHERE owner_did = $1 AND envelope_id = $2 FOR UPDATE`,
		ownerDID, envelopeID).Scan(&convID, &current)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("message %s not found", envelopeID)
	}
	if err != nil {
		return apperr.Dependency(err, "message lock failed")
	}
	if current == read {
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET read = $3 WHERE owner_did = $1 AND envelope_id = $2`,
		ownerDID, envelopeID, read); err != nil {
		return apperr.Dependency(err, "read flag update failed")
	}
	delta := 1
	if read {
		delta = -1
	}
	if _, err := tx.Exec(ctx, `
		UPDATE threads SET unread_count = GREATEST(unread_count + $3, 0)
		WHERE owner_did = $1 AND conversation_id = $2`,
		ownerDID, convID, delta); err != nil {
		return apperr.Dependency(err, "unread count update failed")
	}
	return tx.Commit(ctx)
}

// Label applies set union/difference to a message's labels. An empty
// operation fails NoLabels.
func (s *Store) Label(ctx context.Context, ownerDID, envelopeID string, add, remove []string) error {
	if len(add) == 0 && len(remove) == 0 {
		return apperr.Validation("no labels to add or remove").WithReason("NoLabels")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return apperr.Dependency(err, "database unavailable")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var labels []string
	err = tx.QueryRow(ctx, `
		SELECT labels FROM messages WHERE owner_did = $1 AND envelope_id = $2 FOR UPDATE`,
		ownerDID, envelopeID).Scan(&labels)
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("message %s not found", envelopeID)
	}
	if err != nil {
		return apperr.Dependency(err, "message lock failed")
	}

	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	for _, l := range add {
		set[strings.TrimSpace(l)] = true
	}
	for _, l := range remove {
		delete(set, strings.TrimSpace(l))
	}
	delete(set, "")

	next := make([]string, 0, len(set))
	for l := range set {
		next = append(next, l)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE messages SET labels = $3 WHERE owner_did = $1 AND envelope_id = $2`,
		ownerDID, envelopeID, next); err != nil {
		return apperr.Dependency(err, "label update failed")
	}
	return tx.Commit(ctx)
}

func encodeCursor(at time.Time, id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf("%d|%s", at.UnixMicro(), id)))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(b), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", errors.New("malformed cursor")
	}
	var usec int64
	if _, err := fmt.Sscanf(parts[0], "%d", &usec); err != nil {
		return time.Time{}, "", err
	}
	return time.UnixMicro(usec), parts[1], nil
}
