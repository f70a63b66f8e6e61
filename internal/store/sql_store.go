package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/models"
	"github.com/google/uuid"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) String() string {
	if d == dialectPostgres {
		return "postgres"
	}
	return "sqlite3"
}

// sqlStore is the database/sql implementation shared by the SQLite and
// PostgreSQL stores. Queries are written with ? placeholders and rebound
// for PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ Store      = (*sqlStore)(nil)
	_ DedupRepo  = (*sqlStore)(nil)
	_ OutboxRepo = (*sqlStore)(nil)
)

// rebind rewrites ? placeholders to $1, $2, ... for PostgreSQL.
func (s *sqlStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) exec(query string, args ...any) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func (s *sqlStore) queryRow(query string, args ...any) *sql.Row {
	return s.db.QueryRow(s.rebind(query), args...)
}

func (s *sqlStore) query(query string, args ...any) (*sql.Rows, error) {
	return s.db.Query(s.rebind(query), args...)
}

func (s *sqlStore) GetConversationState(conversationID string) (*models.ConversationState, error) {
	var raw string
	var version int64
	err := s.queryRow(`SELECT state_json, version FROM conversation_states WHERE conversation_id = ?`, conversationID).Scan(&raw, &version)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("Store.GetConversationState: not found", "dialect", s.dialect, "conversationID", conversationID)
		return nil, nil
	}
	if err != nil {
		slog.Error("Store.GetConversationState: query failed", "dialect", s.dialect, "conversationID", conversationID, "error", err)
		return nil, fmt.Errorf("failed to read conversation state: %w", err)
	}
	state, err := decodeState(raw)
	if err != nil {
		return nil, err
	}
	state.Version = version
	return state, nil
}

func (s *sqlStore) SaveConversationState(state *models.ConversationState) error {
	if state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	raw, err := encodeState(state)
	if err != nil {
		return err
	}
	now := time.Now()
	created := state.CreatedAt
	if created.IsZero() {
		created = now
	}
	next := state.Version + 1

	var res sql.Result
	if state.Version == 0 {
		res, err = s.exec(`INSERT INTO conversation_states (conversation_id, mode, state_json, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (conversation_id) DO NOTHING`,
			state.ConversationID, string(state.Mode), raw, created, now, next)
	} else {
		res, err = s.exec(`UPDATE conversation_states SET mode = ?, state_json = ?, updated_at = ?, version = ?
			WHERE conversation_id = ? AND version = ?`,
			string(state.Mode), raw, now, next, state.ConversationID, state.Version)
	}
	if err != nil {
		slog.Error("Store.SaveConversationState: write failed", "dialect", s.dialect, "conversationID", state.ConversationID, "error", err)
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save conversation state: %w", err)
	}
	if n == 0 {
		slog.Warn("Store.SaveConversationState: version conflict", "dialect", s.dialect, "conversationID", state.ConversationID, "version", state.Version)
		return fmt.Errorf("%w: conversation %s, saved from version %d", ErrStateConflict, state.ConversationID, state.Version)
	}
	state.Version = next
	slog.Debug("Store.SaveConversationState: saved", "dialect", s.dialect, "conversationID", state.ConversationID, "mode", state.Mode)
	return nil
}

func (s *sqlStore) DeleteConversationState(conversationID string) error {
	if _, err := s.exec(`DELETE FROM conversation_states WHERE conversation_id = ?`, conversationID); err != nil {
		slog.Error("Store.DeleteConversationState: delete failed", "dialect", s.dialect, "conversationID", conversationID, "error", err)
		return fmt.Errorf("failed to delete conversation state: %w", err)
	}
	return nil
}

func (s *sqlStore) ListConversationIDs() ([]string, error) {
	rows, err := s.query(`SELECT conversation_id FROM conversation_states ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan conversation id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) AddSubmission(rec models.SubmissionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().Unix()
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode submission fields: %w", err)
	}
	_, err = s.exec(`INSERT INTO submissions (id, conversation_id, team_id, success, tracking_url, error_text, fields_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.TeamID, rec.Success, nilIfEmpty(rec.TrackingURL), nilIfEmpty(rec.ErrorText), string(fields), rec.CreatedAt)
	if err != nil {
		slog.Error("Store.AddSubmission: insert failed", "dialect", s.dialect, "conversationID", rec.ConversationID, "error", err)
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	slog.Debug("Store.AddSubmission: recorded", "dialect", s.dialect, "id", rec.ID, "success", rec.Success)
	return nil
}

func (s *sqlStore) GetSubmissions(conversationID string) ([]models.SubmissionRecord, error) {
	rows, err := s.query(`SELECT id, conversation_id, team_id, success, tracking_url, error_text, fields_json, created_at
		FROM submissions WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query submissions: %w", err)
	}
	defer rows.Close()

	out := []models.SubmissionRecord{}
	for rows.Next() {
		var rec models.SubmissionRecord
		var trackingURL, errorText sql.NullString
		var fields string
		if err := rows.Scan(&rec.ID, &rec.ConversationID, &rec.TeamID, &rec.Success, &trackingURL, &errorText, &fields, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan submission: %w", err)
		}
		rec.TrackingURL = trackingURL.String
		rec.ErrorText = errorText.String
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode submission fields: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqlStore) IsDuplicate(messageID string) (bool, error) {
	var id string
	err := s.queryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}
	return true, nil
}

func (s *sqlStore) RecordInbound(messageID, conversationID string) (bool, error) {
	res, err := s.exec(`INSERT INTO inbound_dedup (message_id, conversation_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`, messageID, conversationID, time.Now())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) MarkProcessed(messageID string) error {
	if _, err := s.exec(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`, time.Now(), messageID); err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

const outboxColumns = `id, recipient, kind, body, status, attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

func (s *sqlStore) EnqueueOutboxMessage(recipient, kind, body, dedupeKey string) (string, error) {
	if dedupeKey != "" {
		var existing string
		err := s.queryRow(`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'canceled')`, dedupeKey).Scan(&existing)
		if err == nil {
			slog.Debug("Store.EnqueueOutboxMessage: dedupe hit", "dedupeKey", dedupeKey, "existingID", existing)
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := uuid.NewString()
	now := time.Now()
	_, err := s.exec(`INSERT INTO outbox_messages (id, recipient, kind, body, status, attempts, dedupe_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?)`,
		id, recipient, kind, body, nilIfEmpty(dedupeKey), now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("Store.EnqueueOutboxMessage: queued", "id", id, "recipient", recipient, "kind", kind)
	return id, nil
}

func (s *sqlStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	if s.dialect == dialectPostgres {
		rows, err := s.query(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ?
			WHERE id IN (
				SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				ORDER BY created_at ASC LIMIT ?
				FOR UPDATE SKIP LOCKED
			)
			RETURNING `+outboxColumns, now, now, now, limit)
		if err != nil {
			return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
		}
		defer rows.Close()
		return scanOutboxMessages(rows)
	}

	// SQLite serializes writers, so select-then-update inside one
	// transaction cannot double claim.
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("claim begin failed: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT `+outboxColumns+` FROM outbox_messages
		WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY created_at ASC LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	msgs, err := scanOutboxMessages(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range msgs {
		if _, err := tx.Exec(`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`, now, now, msgs[i].ID); err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		locked := now
		msgs[i].LockedAt = &locked
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("claim commit failed: %w", err)
	}
	return msgs, nil
}

func (s *sqlStore) MarkOutboxMessageSent(id string) error {
	if _, err := s.exec(`UPDATE outbox_messages SET status = 'sent', locked_at = NULL, updated_at = ? WHERE id = ?`, time.Now(), id); err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *sqlStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time, maxAttempts int) error {
	_, err := s.exec(`UPDATE outbox_messages
		SET status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'queued' END,
			attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		WHERE id = ?`, maxAttempts, errMsg, nextAttemptAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *sqlStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	res, err := s.exec(`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ?
		WHERE status = 'sending' AND locked_at < ?`, time.Now(), staleBefore)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Store.RequeueStaleSendingMessages: requeued", "dialect", s.dialect, "count", n)
	}
	return int(n), nil
}

// GetOutboxMessage returns one outbox row by id.
func (s *sqlStore) GetOutboxMessage(id string) (*OutboxMessage, error) {
	rows, err := s.query(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("outbox lookup failed: %w", err)
	}
	defer rows.Close()
	msgs, err := scanOutboxMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (s *sqlStore) Close() error {
	slog.Debug("Store.Close: closing database", "dialect", s.dialect)
	if err := s.db.Close(); err != nil {
		slog.Error("Store.Close: close failed", "dialect", s.dialect, "error", err)
		return err
	}
	return nil
}

func scanOutboxMessages(rows *sql.Rows) ([]OutboxMessage, error) {
	var msgs []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		var dedupeKey, lastError sql.NullString
		var nextAttemptAt, lockedAt sql.NullTime
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Kind, &m.Body, &m.Status, &m.Attempts,
			&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message failed: %w", err)
		}
		m.DedupeKey = dedupeKey.String
		m.LastError = lastError.String
		if nextAttemptAt.Valid {
			t := nextAttemptAt.Time
			m.NextAttemptAt = &t
		}
		if lockedAt.Valid {
			t := lockedAt.Time
			m.LockedAt = &t
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox iteration failed: %w", err)
	}
	return msgs, nil
}

// nilIfEmpty maps "" to SQL NULL.
func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
