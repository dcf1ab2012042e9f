package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crosslink-mc/crosslink/internal/identity"
)

// Session is the transient contract between an external user and the
// admission pipeline. The Store owns the authoritative copy; other
// components receive value snapshots and mutate through Store methods
// only.
type Session struct {
	ID             string
	ExternalID     string
	RawUsername    string
	NormalizedName string
	Edition        identity.Edition
	PlatformID     uuid.UUID
	ChallengeCode  string // eight hex characters, emitted in notifications

	CreatedAt time.Time
	ExpiresAt time.Time

	State          State
	WarningsIssued int // monotonic count of expiry warnings already sent
	EnteredHolding time.Time
	TerminalAt     time.Time
	TerminalReason string
}

// Remaining returns the time until absolute expiry.
func (s Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// sessionEntry pairs the authoritative session with its write lock, so
// snapshots handed out of the store stay plain values.
type sessionEntry struct {
	mu sync.Mutex
	s  Session
}

// snapshot copies the session under the entry lock.
func (e *sessionEntry) snapshot() Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s
}

var (
	ErrDuplicateExternal = errors.New("external identity already has a pending session")
	ErrDuplicateUsername = errors.New("username already has a pending session")
	ErrNotFound          = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// Store holds pending sessions under three indices: primary by session id,
// secondary by external identity and by normalized username, plus a lookup
// by challenge code. Index maps are guarded by one short-critical-section
// mutex; per-session state is guarded by the entry's own lock.
type Store struct {
	mu         sync.RWMutex
	byID       map[string]*sessionEntry
	byExternal map[string]*sessionEntry
	byName     map[string]*sessionEntry
	byCode     map[string]*sessionEntry

	// released records when an admitted binding gave up a username, so
	// the rebind cooldown can be enforced on the next claim.
	released map[string]time.Time

	now func() time.Time
}

// NewStore creates an empty store on the wall clock.
func NewStore() *Store {
	return NewStoreWithClock(time.Now)
}

// NewStoreWithClock creates a store with an injected clock for tests.
func NewStoreWithClock(now func() time.Time) *Store {
	return &Store{
		byID:       make(map[string]*sessionEntry),
		byExternal: make(map[string]*sessionEntry),
		byName:     make(map[string]*sessionEntry),
		byCode:     make(map[string]*sessionEntry),
		released:   make(map[string]time.Time),
		now:        now,
	}
}

// Create registers a new session. Fails when either secondary index
// already holds an active session for the same key.
func (st *Store) Create(s *Session) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Index entries are either pending or admitted; both block reuse.
	if _, ok := st.byExternal[s.ExternalID]; ok {
		return ErrDuplicateExternal
	}
	if _, ok := st.byName[s.NormalizedName]; ok {
		return ErrDuplicateUsername
	}

	e := &sessionEntry{s: *s}
	st.byID[s.ID] = e
	st.byExternal[s.ExternalID] = e
	st.byName[s.NormalizedName] = e
	if s.ChallengeCode != "" {
		st.byCode[s.ChallengeCode] = e
	}
	return nil
}

func (st *Store) lookup(m map[string]*sessionEntry, key string) (Session, bool) {
	st.mu.RLock()
	e, ok := m[key]
	st.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	return e.snapshot(), true
}

// Get returns a copy of the session by id.
func (st *Store) Get(id string) (Session, bool) {
	return st.lookup(st.byID, id)
}

// LookupByExternal returns a copy of the session for an external identity.
func (st *Store) LookupByExternal(externalID string) (Session, bool) {
	return st.lookup(st.byExternal, externalID)
}

// LookupByUsername returns a copy of the session for a normalized username.
func (st *Store) LookupByUsername(normalized string) (Session, bool) {
	return st.lookup(st.byName, normalized)
}

// LookupByCode returns a copy of the session carrying the challenge code.
func (st *Store) LookupByCode(code string) (Session, bool) {
	return st.lookup(st.byCode, code)
}

// Advance transitions the session to the given state, enforcing the DAG.
// Terminal transitions release the secondary index entries immediately so
// the user can start over; the primary entry survives until Evict so a
// final notification can still resolve the session.
func (st *Store) Advance(id string, to State, reason string) (Session, error) {
	st.mu.RLock()
	e, ok := st.byID[id]
	st.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	e.mu.Lock()
	if !canTransition(e.s.State, to) {
		from := e.s.State
		e.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	e.s.State = to
	switch to {
	case StateInHoldingContext:
		e.s.EnteredHolding = st.now()
	case StateAdmitted, StateExpired, StateRejected, StateCancelled:
		e.s.TerminalAt = st.now()
		e.s.TerminalReason = reason
	}
	snap := e.s
	e.mu.Unlock()

	// Admitted sessions keep their indices: the gate resolves subsequent
	// connects for the bound username through them. The other terminal
	// states free the username and external identity for a fresh start.
	if to.IsTerminal() && to != StateAdmitted {
		st.releaseIndices(e)
	}
	return snap, nil
}

// MarkWarned advances the monotonic warning counter to at least n and
// reports whether this call moved it (i.e. whether the caller should
// actually send the notification). Restarts and reschedules therefore
// never double-notify.
func (st *Store) MarkWarned(id string, n int) (Session, bool) {
	st.mu.RLock()
	e, ok := st.byID[id]
	st.mu.RUnlock()
	if !ok {
		return Session{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.State.IsTerminal() || e.s.State == StateInHoldingContext {
		return Session{}, false
	}
	if e.s.WarningsIssued >= n {
		return Session{}, false
	}
	e.s.WarningsIssued = n
	return e.s, true
}

// BindPlatformID records the canonical platform id after validation.
func (st *Store) BindPlatformID(id string, platformID uuid.UUID) {
	st.mu.RLock()
	e, ok := st.byID[id]
	st.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.s.PlatformID = platformID
	e.mu.Unlock()
}

// Evict removes a terminal session entirely.
func (st *Store) Evict(id string) {
	st.mu.Lock()
	e, ok := st.byID[id]
	if ok {
		delete(st.byID, id)
	}
	st.mu.Unlock()
	if ok {
		st.releaseIndices(e)
	}
}

// releaseIndices removes the secondary entries if they still point at e.
// Releasing an admitted binding stamps the username for the rebind
// cooldown; sessions that never reached Admitted held no binding.
func (st *Store) releaseIndices(e *sessionEntry) {
	s := e.snapshot()
	wasAdmitted := s.State == StateAdmitted

	st.mu.Lock()
	defer st.mu.Unlock()
	if cur, ok := st.byExternal[s.ExternalID]; ok && cur == e {
		delete(st.byExternal, s.ExternalID)
	}
	if cur, ok := st.byName[s.NormalizedName]; ok && cur == e {
		delete(st.byName, s.NormalizedName)
	}
	if s.ChallengeCode != "" {
		if cur, ok := st.byCode[s.ChallengeCode]; ok && cur == e {
			delete(st.byCode, s.ChallengeCode)
		}
	}
	if wasAdmitted {
		st.released[s.NormalizedName] = st.now()
	}
}

// ReleasedAt reports when the username's last admitted binding was
// released, if any release is on record.
func (st *Store) ReleasedAt(normalized string) (time.Time, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	at, ok := st.released[normalized]
	return at, ok
}

// PruneReleased drops release stamps older than the cooldown so the map
// stays bounded by churn, not history.
func (st *Store) PruneReleased(cooldown time.Duration) int {
	cutoff := st.now().Add(-cooldown)
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for name, at := range st.released {
		if at.Before(cutoff) {
			delete(st.released, name)
			n++
		}
	}
	return n
}

// SnapshotAll returns copies of every session, active and terminal.
func (st *Store) SnapshotAll() []Session {
	st.mu.RLock()
	all := make([]*sessionEntry, 0, len(st.byID))
	for _, e := range st.byID {
		all = append(all, e)
	}
	st.mu.RUnlock()

	out := make([]Session, 0, len(all))
	for _, e := range all {
		out = append(out, e.snapshot())
	}
	return out
}

// ActiveCount reports sessions not yet in a terminal state.
func (st *Store) ActiveCount() int {
	st.mu.RLock()
	all := make([]*sessionEntry, 0, len(st.byID))
	for _, e := range st.byID {
		all = append(all, e)
	}
	st.mu.RUnlock()

	n := 0
	for _, e := range all {
		if !e.snapshot().State.IsTerminal() {
			n++
		}
	}
	return n
}
