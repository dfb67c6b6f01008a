package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"arcanum/internal/models"

	"github.com/rs/zerolog"
)

// Backend persists the full session table as a unit. A nil backend
// keeps sessions in memory only.
type Backend interface {
	Save(ctx context.Context, sessions map[string]*models.Session) error
	Load(ctx context.Context) (map[string]*models.Session, error)
}

// Store holds all live negotiation and conversation state keyed by
// Discord thread ID. Handlers run on the gateway dispatch goroutines,
// so every access goes through the lock.
type Store struct {
	mu       sync.RWMutex
	backend  Backend
	sessions map[string]*models.Session
	log      zerolog.Logger
}

func NewStore(backend Backend, log zerolog.Logger) *Store {
	return &Store{
		backend:  backend,
		sessions: map[string]*models.Session{},
		log:      log.With().Str("component", "session").Logger(),
	}
}

// Get returns the session for a thread, or nil when none exists.
func (s *Store) Get(threadID string) *models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[threadID]
}

func (s *Store) Set(threadID string, sess *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[threadID] = sess
}

// Update applies fn to the session under the lock. It returns false
// when the thread has no session, in which case fn never runs.
func (s *Store) Update(threadID string, fn func(*models.Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[threadID]
	if !ok {
		return false
	}
	fn(sess)
	return true
}

func (s *Store) Delete(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, threadID)
}

// ListByType returns thread IDs of sessions matching any given type.
func (s *Store) ListByType(types ...models.SessionType) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for id, sess := range s.sessions {
		for _, t := range types {
			if sess.Type == t {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// ClearByType drops every session of the given types and reports how
// many were removed.
func (s *Store) ClearByType(types ...models.SessionType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, sess := range s.sessions {
		for _, t := range types {
			if sess.Type == t {
				delete(s.sessions, id)
				n++
				break
			}
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Persist writes the whole session table through the backend.
func (s *Store) Persist(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.mu.RLock()
	snapshot := make(map[string]*models.Session, len(s.sessions))
	for id, sess := range s.sessions {
		snapshot[id] = sess
	}
	s.mu.RUnlock()
	if err := s.backend.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("persist sessions: %w", err)
	}
	return nil
}

// Load replaces the in-memory table with the persisted one.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	loaded, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("load sessions: %w", err)
	}
	s.mu.Lock()
	s.sessions = loaded
	s.mu.Unlock()
	s.log.Info().Int("count", len(loaded)).Msg("sessions restored")
	return nil
}

// SQLiteBackend stores each session as a JSON row in the sessions
// table. Save rewrites the table in one transaction so the persisted
// state always matches the in-memory table exactly.
type SQLiteBackend struct {
	db *sql.DB
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{db: db}
}

func (b *SQLiteBackend) Save(ctx context.Context, sessions map[string]*models.Session) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO sessions(thread_id, data) VALUES(?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, sess := range sessions {
		data, err := json.Marshal(sess)
		if err != nil {
			return fmt.Errorf("encode session %s: %w", id, err)
		}
		if _, err := stmt.ExecContext(ctx, id, string(data)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Load(ctx context.Context) (map[string]*models.Session, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT thread_id, data FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]*models.Session{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		var sess models.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("decode session %s: %w", id, err)
		}
		out[id] = &sess
	}
	return out, rows.Err()
}
