package dispensing

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinic/pharmacy/internal/platform/telemetry"
)

type storeEntry struct {
	mu      sync.Mutex
	session *Session
	touched time.Time
	removed bool
}

// Store keeps open sessions in memory, at most one per visit. Sessions are
// dropped as soon as they are committed or abandoned.
type Store struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*storeEntry
	byVisit  map[uuid.UUID]uuid.UUID
	metrics  *telemetry.Metrics
	now      func() time.Time
}

func NewStore(metrics *telemetry.Metrics) *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*storeEntry),
		byVisit:  make(map[uuid.UUID]uuid.UUID),
		metrics:  metrics,
		now:      time.Now,
	}
}

// Put registers a freshly opened session.
func (st *Store) Put(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if existing, ok := st.byVisit[s.VisitID]; ok {
		return fmt.Errorf("%w: session %s", ErrSessionExists, existing)
	}
	st.sessions[s.ID] = &storeEntry{session: s, touched: st.now()}
	st.byVisit[s.VisitID] = s.ID
	st.metrics.SessionOpened()
	return nil
}

// Do runs fn with exclusive access to the session. A session left in a
// terminal state by fn is removed from the store.
func (st *Store) Do(id uuid.UUID, fn func(*Session) error) error {
	st.mu.Lock()
	e, ok := st.sessions[id]
	st.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return ErrSessionNotFound
	}
	err := fn(e.session)
	e.touched = st.now()
	closed := e.session.State.Closed()
	if closed {
		e.removed = true
	}
	visitID := e.session.VisitID
	e.mu.Unlock()

	if closed {
		st.remove(id, visitID)
	}
	return err
}

// Get returns a copy of the session.
func (st *Store) Get(id uuid.UUID) (*Session, error) {
	var snap *Session
	err := st.Do(id, func(s *Session) error {
		snap = s.Clone()
		return nil
	})
	return snap, err
}

// Sweep drops sessions untouched for longer than maxIdle and returns how many
// were removed. Sessions busy in Do are skipped.
func (st *Store) Sweep(maxIdle time.Duration) int {
	cutoff := st.now().Add(-maxIdle)
	st.mu.Lock()
	defer st.mu.Unlock()

	n := 0
	for id, e := range st.sessions {
		if !e.mu.TryLock() {
			continue
		}
		if e.touched.Before(cutoff) {
			e.removed = true
			delete(st.sessions, id)
			delete(st.byVisit, e.session.VisitID)
			st.metrics.SessionClosed()
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

func (st *Store) remove(id, visitID uuid.UUID) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.sessions[id]; !ok {
		return
	}
	delete(st.sessions, id)
	if st.byVisit[visitID] == id {
		delete(st.byVisit, visitID)
	}
	st.metrics.SessionClosed()
}
