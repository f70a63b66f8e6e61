// Package store provides storage backends for Front Door.
//
// Conversation state, the submission audit trail, inbound message dedupe and
// the reply outbox are kept in memory, in SQLite or in PostgreSQL.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/FrontDoor/internal/models"
)

var (
	ErrDSNNotSet = errors.New("database DSN not set")
	// ErrStateConflict is returned by SaveConversationState when another
	// writer saved or deleted the conversation after this state was loaded.
	ErrStateConflict = errors.New("conversation state changed by another writer")
)

// Store persists conversation state and submission records. Get returns a
// nil state without error when the conversation has none stored.
//
// SaveConversationState is a compare-and-swap on state.Version: version 0
// only inserts, any other version only replaces that exact revision. On
// success state.Version is advanced to the stored revision.
type Store interface {
	GetConversationState(conversationID string) (*models.ConversationState, error)
	SaveConversationState(state *models.ConversationState) error
	DeleteConversationState(conversationID string) error
	ListConversationIDs() ([]string, error)

	AddSubmission(rec models.SubmissionRecord) error
	GetSubmissions(conversationID string) ([]models.SubmissionRecord, error)

	Close() error
}

// Opts holds configuration for the SQL stores.
type Opts struct {
	DSN string
}

// Option applies a configuration to Opts.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(path string) Option {
	return func(o *Opts) { o.DSN = path }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns "postgres" for PostgreSQL URLs and key/value
// connection strings, and "sqlite3" for anything else (a file path).
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") {
		return "postgres"
	}
	if strings.Contains(d, "host=") || strings.Contains(d, "dbname=") || strings.Contains(d, "user=") {
		return "postgres"
	}
	return "sqlite3"
}

func encodeState(state *models.ConversationState) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation state: %w", err)
	}
	return string(b), nil
}

func decodeState(raw string) (*models.ConversationState, error) {
	var state models.ConversationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, fmt.Errorf("failed to decode conversation state: %w", err)
	}
	state.Normalize()
	return &state, nil
}

// InMemoryStore keeps everything in process memory. States are stored as
// deep copies so callers cannot alias stored data.
type InMemoryStore struct {
	mu          sync.RWMutex
	states      map[string]*models.ConversationState
	submissions []models.SubmissionRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]*models.ConversationState)}
}

func (s *InMemoryStore) GetConversationState(conversationID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[conversationID]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

func (s *InMemoryStore) SaveConversationState(state *models.ConversationState) error {
	if state.ConversationID == "" {
		return models.ErrEmptyConversationID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var current int64
	if prev, ok := s.states[state.ConversationID]; ok {
		current = prev.Version
	}
	if current != state.Version {
		return fmt.Errorf("%w: conversation %s at version %d, saved from %d", ErrStateConflict, state.ConversationID, current, state.Version)
	}
	cp := state.Clone()
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	cp.Version = state.Version + 1
	s.states[state.ConversationID] = cp
	state.Version = cp.Version
	return nil
}

func (s *InMemoryStore) DeleteConversationState(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, conversationID)
	return nil
}

func (s *InMemoryStore) ListConversationIDs() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *InMemoryStore) AddSubmission(rec models.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Fields = rec.Fields.Clone()
	s.submissions = append(s.submissions, rec)
	return nil
}

func (s *InMemoryStore) GetSubmissions(conversationID string) ([]models.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.SubmissionRecord{}
	for _, rec := range s.submissions {
		if rec.ConversationID == conversationID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
