// Package session keeps short-lived conversation state for the
// natural-language translator. Sessions are in-memory only; they carry the
// entities and turns a follow-up question needs, not durable history.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const gcInterval = 1 * time.Minute

// Entities are the values a follow-up question may omit. They come from
// the most recent successfully translated turn.
type Entities struct {
	Table      string
	TimeColumn string
	Start      string
	End        string
}

// Turn is one completed exchange.
type Turn struct {
	Question string
	SpecJSON string
	SQL      string
	At       time.Time
}

// Session is one conversation. Access goes through Store.WithSession so
// concurrent questions on the same session serialize; context reads and
// appends are then race-free without per-field locking.
type Session struct {
	ID       uuid.UUID
	Entities Entities
	Turns    []Turn

	mu       sync.Mutex
	lastUsed time.Time
}

// RecentTurns returns up to n most recent turns, oldest first.
func (s *Session) RecentTurns(n int) []Turn {
	if len(s.Turns) <= n {
		return s.Turns
	}
	return s.Turns[len(s.Turns)-n:]
}

// Config bounds session lifetime and size.
type Config struct {
	// InactivityWindow expires a session after this long without a turn.
	InactivityWindow time.Duration
	// MaxTurns trims the oldest turns beyond this count.
	MaxTurns int
}

// Store holds live sessions with inactivity expiry.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session
	stopped  bool

	stopChan chan struct{}
}

// NewStore creates a session store and starts its expiry goroutine, which
// runs until Close.
func NewStore(cfg Config, logger *zap.Logger) *Store {
	st := &Store{
		cfg:      cfg,
		logger:   logger.Named("session"),
		sessions: make(map[uuid.UUID]*Session),
		stopChan: make(chan struct{}),
	}
	go st.expireLoop()
	return st
}

// WithSession runs fn with the session locked, creating the session on
// first use. Two concurrent questions on the same session run one after
// the other; an expired session starts a fresh conversation rather than
// failing.
func (st *Store) WithSession(id uuid.UUID, fn func(*Session) error) error {
	sess := st.getOrCreate(id)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastUsed = time.Now()
	return fn(sess)
}

func (st *Store) getOrCreate(id uuid.UUID) *Session {
	st.mu.RLock()
	sess, ok := st.sessions[id]
	st.mu.RUnlock()
	if ok {
		return sess
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if sess, ok := st.sessions[id]; ok {
		return sess
	}
	sess = &Session{ID: id, lastUsed: time.Now()}
	st.sessions[id] = sess
	return sess
}

// Append records a completed turn and updates carried entities. Caller
// must hold the session via WithSession.
func (st *Store) Append(sess *Session, turn Turn, entities Entities) {
	turn.At = time.Now()
	sess.Turns = append(sess.Turns, turn)
	if st.cfg.MaxTurns > 0 && len(sess.Turns) > st.cfg.MaxTurns {
		sess.Turns = sess.Turns[len(sess.Turns)-st.cfg.MaxTurns:]
	}

	// A turn that resolved an entity overwrites the carried one; absent
	// values keep what earlier turns established.
	if entities.Table != "" {
		sess.Entities.Table = entities.Table
	}
	if entities.TimeColumn != "" {
		sess.Entities.TimeColumn = entities.TimeColumn
	}
	if entities.Start != "" {
		sess.Entities.Start = entities.Start
	}
	if entities.End != "" {
		sess.Entities.End = entities.End
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *Store) expireLoop() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			st.expireOnce()
		case <-st.stopChan:
			return
		}
	}
}

func (st *Store) expireOnce() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.stopped || st.cfg.InactivityWindow <= 0 {
		return
	}

	now := time.Now()
	expired := 0
	for id, sess := range st.sessions {
		sess.mu.Lock()
		idle := now.Sub(sess.lastUsed)
		sess.mu.Unlock()

		if idle > st.cfg.InactivityWindow {
			delete(st.sessions, id)
			expired++
		}
	}
	if expired > 0 {
		st.logger.Debug("expired sessions",
			zap.Int("count", expired),
			zap.Int("remaining", len(st.sessions)))
	}
}

// Close stops the expiry goroutine. Idempotent.
func (st *Store) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.stopped {
		return
	}
	st.stopped = true
	close(st.stopChan)
}
