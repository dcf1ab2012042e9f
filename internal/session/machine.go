package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/identity"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/ratelimit"
)

// BeginStatus classifies the outcome of a verification request.
type BeginStatus int

const (
	BeginOK BeginStatus = iota
	BeginInvalidUsername
	BeginRateLimited
	BeginConflict
	BeginServiceUnavailable
	BeginBlacklisted
)

// BeginResult is returned to the social adapter that initiated verification.
type BeginResult struct {
	Status        BeginStatus
	SessionID     string
	Expiry        time.Time
	ChallengeCode string
	RetryAfter    time.Duration
}

// ConnectStatus classifies what the gate learns from a game connect.
type ConnectStatus int

const (
	ConnectNotPending ConnectStatus = iota
	ConnectWrongEdition
	ConnectHolding // session advanced to the holding context
)

// ConnectVerdict is handed to the Admission Gate.
type ConnectVerdict struct {
	Status  ConnectStatus
	Session Session
}

// Journal persists sessions so a restart can restore pending
// verifications and admitted bindings. Writes are best effort: losing
// the journal loses in-flight sessions but never falsely admits.
type Journal interface {
	SaveSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, id string) error
	LoadActiveSessions(ctx context.Context) ([]Session, error)
}

// Machine drives sessions across the verification state machine. All
// mutation goes through the Store; the Machine holds no session state of
// its own.
type Machine struct {
	cfg      config.VerificationConfig
	store    *Store
	resolver *identity.Resolver
	limiter  *ratelimit.Limiter
	bus      *events.Bus
	mets     *metrics.Metrics
	journal  Journal // nil keeps sessions memory-only
	sched    *warningScheduler
	now      func() time.Time

	blacklist map[string]struct{}
}

// NewMachine wires the verification state machine. journal may be nil.
func NewMachine(cfg config.VerificationConfig, store *Store, resolver *identity.Resolver,
	limiter *ratelimit.Limiter, bus *events.Bus, mets *metrics.Metrics, journal Journal) *Machine {
	return newMachine(cfg, store, resolver, limiter, bus, mets, journal, time.Now)
}

func newMachine(cfg config.VerificationConfig, store *Store, resolver *identity.Resolver,
	limiter *ratelimit.Limiter, bus *events.Bus, mets *metrics.Metrics, journal Journal, now func() time.Time) *Machine {
	bl := make(map[string]struct{}, len(cfg.Blacklist))
	for _, entry := range cfg.Blacklist {
		bl[strings.ToLower(entry)] = struct{}{}
	}
	m := &Machine{
		cfg:       cfg,
		store:     store,
		resolver:  resolver,
		limiter:   limiter,
		bus:       bus,
		mets:      mets,
		journal:   journal,
		now:       now,
		blacklist: bl,
	}
	m.sched = newWarningScheduler(m, cfg.Warnings, now)
	return m
}

// Restore reloads journaled sessions after a restart: pending sessions
// get their warning timers re-armed, admitted bindings resolve returning
// connects again. Sessions that expired while the process was down are
// reaped by the first sweep.
func (m *Machine) Restore(ctx context.Context) (int, error) {
	if m.journal == nil {
		return 0, nil
	}
	sessions, err := m.journal.LoadActiveSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("session: restore: %w", err)
	}

	restored := 0
	for _, s := range sessions {
		cp := s
		if err := m.store.Create(&cp); err != nil {
			slog.Warn("[Verification] restore skipped", "session", s.ID, "error", err)
			continue
		}
		if !cp.State.IsTerminal() {
			m.sched.schedule(cp.ID, cp.ExpiresAt)
		}
		restored++
	}
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))
	if restored > 0 {
		slog.Info("[Verification] sessions restored", "count", restored)
	}
	return restored, nil
}

// persist journals the session snapshot, best effort.
func (m *Machine) persist(ctx context.Context, s Session) {
	if m.journal == nil {
		return
	}
	if err := m.journal.SaveSession(ctx, s); err != nil {
		slog.Warn("[Verification] journal write failed", "session", s.ID, "error", err)
	}
}

// unpersist drops the journal row for a finished session, best effort.
func (m *Machine) unpersist(ctx context.Context, id string) {
	if m.journal == nil {
		return
	}
	if err := m.journal.DeleteSession(ctx, id); err != nil {
		slog.Warn("[Verification] journal delete failed", "session", id, "error", err)
	}
}

// Begin starts verification for an external identity claiming a username.
func (m *Machine) Begin(ctx context.Context, externalID, rawUsername string) BeginResult {
	normalized, edition := identity.Normalize(rawUsername)
	if normalized == "" || len(normalized) > 32 {
		m.mets.VerificationAttempts.WithLabelValues("invalid_username").Inc()
		return BeginResult{Status: BeginInvalidUsername}
	}

	if m.isBlacklisted(externalID) || m.isBlacklisted(normalized) {
		m.mets.VerificationAttempts.WithLabelValues("blacklisted").Inc()
		return BeginResult{Status: BeginBlacklisted}
	}

	if rel, ok := m.store.ReleasedAt(normalized); ok {
		if until := rel.Add(m.cfg.RebindCooldown.Std()); m.now().Before(until) {
			m.mets.VerificationAttempts.WithLabelValues("rate_limited").Inc()
			return BeginResult{Status: BeginRateLimited, RetryAfter: until.Sub(m.now())}
		}
	}

	res := m.limiter.Consume("verify:"+externalID, time.Hour, m.cfg.AttemptsPerHour)
	if !res.Allowed {
		m.mets.VerificationAttempts.WithLabelValues("rate_limited").Inc()
		return BeginResult{Status: BeginRateLimited, RetryAfter: res.RetryAfter}
	}

	resolution, err := m.resolver.Resolve(ctx, rawUsername)
	if err != nil {
		// A lookup outage must not charge the caller's bucket.
		m.limiter.Refund("verify:" + externalID)
		m.mets.VerificationAttempts.WithLabelValues("unavailable").Inc()
		return BeginResult{Status: BeginServiceUnavailable}
	}
	if !resolution.Exists {
		m.mets.VerificationAttempts.WithLabelValues("invalid_username").Inc()
		return BeginResult{Status: BeginInvalidUsername}
	}

	now := m.now()
	s := &Session{
		ID:             uuid.New().String(),
		ExternalID:     externalID,
		RawUsername:    rawUsername,
		NormalizedName: normalized,
		Edition:        edition,
		PlatformID:     resolution.PlatformID,
		ChallengeCode:  newChallengeCode(),
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.Timeout.Std()),
		State:          StateIssued,
	}

	if err := m.store.Create(s); err != nil {
		m.mets.VerificationAttempts.WithLabelValues("conflict").Inc()
		return BeginResult{Status: BeginConflict}
	}

	// The resolver already confirmed existence, so the Issued state is
	// transited synchronously and the session parks awaiting the connect.
	if _, err := m.store.Advance(s.ID, StateUsernameValidated, ""); err != nil {
		slog.Error("[Verification] advance to validated failed", "session", s.ID, "error", err)
	}
	if _, err := m.store.Advance(s.ID, StateAwaitingGameConnect, ""); err != nil {
		slog.Error("[Verification] advance to awaiting failed", "session", s.ID, "error", err)
	}

	m.sched.schedule(s.ID, s.ExpiresAt)
	if cur, ok := m.store.Get(s.ID); ok {
		m.persist(ctx, cur)
	}
	m.mets.VerificationAttempts.WithLabelValues("ok").Inc()
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))

	slog.Info("[Verification] session opened",
		"session", s.ID, "external", externalID, "username", normalized, "edition", edition.String())

	return BeginResult{
		Status:        BeginOK,
		SessionID:     s.ID,
		Expiry:        s.ExpiresAt,
		ChallengeCode: s.ChallengeCode,
	}
}

// ObserveGameConnect is called when a player with a pending session reaches
// the proxy. The discriminant is the normalized username; an eight-hex
// challenge code is accepted as an alternative.
func (m *Machine) ObserveGameConnect(rawUsername string, edition identity.Edition) ConnectVerdict {
	normalized, _ := identity.Normalize(rawUsername)

	s, ok := m.store.LookupByUsername(normalized)
	if !ok && isChallengeCode(normalized) {
		s, ok = m.store.LookupByCode(normalized)
	}
	if !ok {
		return ConnectVerdict{Status: ConnectNotPending}
	}

	if s.State.IsTerminal() || s.Remaining(m.now()) <= 0 {
		return ConnectVerdict{Status: ConnectNotPending}
	}
	if s.Edition != edition {
		// Session stays pending: the user may retry with the right client.
		return ConnectVerdict{Status: ConnectWrongEdition, Session: s}
	}

	advanced, err := m.store.Advance(s.ID, StateInHoldingContext, "")
	if err != nil {
		// Concurrent connect already advanced it; report current state.
		if cur, ok := m.store.Get(s.ID); ok && cur.State == StateInHoldingContext {
			return ConnectVerdict{Status: ConnectHolding, Session: cur}
		}
		return ConnectVerdict{Status: ConnectNotPending}
	}

	m.sched.cancel(s.ID)
	m.persist(context.Background(), advanced)
	slog.Info("[Verification] game connect matched", "session", s.ID, "username", normalized)
	return ConnectVerdict{Status: ConnectHolding, Session: advanced}
}

// Admit performs the terminal InHoldingContext → Admitted transition.
func (m *Machine) Admit(ctx context.Context, sessionID string) (Session, error) {
	s, err := m.store.Advance(sessionID, StateAdmitted, "admitted")
	if err != nil {
		return Session{}, err
	}
	m.resolver.Invalidate(s.NormalizedName)
	m.persist(ctx, s)
	m.mets.VerificationOutcomes.WithLabelValues("admitted").Inc()
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))
	m.bus.Emit(ctx, events.TypeVerificationOutcome, s.ID, events.VerificationOutcome{
		SessionID:  s.ID,
		ExternalID: s.ExternalID,
		Username:   s.NormalizedName,
		Outcome:    "admitted",
		PlatformID: s.PlatformID,
		Edition:    s.Edition.String(),
	})
	return s, nil
}

// Cancel terminates the session for an external identity on user request.
func (m *Machine) Cancel(ctx context.Context, externalID string) error {
	s, ok := m.store.LookupByExternal(externalID)
	if !ok {
		return ErrNotFound
	}
	advanced, err := m.store.Advance(s.ID, StateCancelled, "user cancelled")
	if err != nil {
		return err
	}
	m.sched.cancel(s.ID)
	m.unpersist(ctx, advanced.ID)
	m.mets.VerificationOutcomes.WithLabelValues("cancelled").Inc()
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))
	m.bus.Emit(ctx, events.TypeVerificationOutcome, advanced.ID, events.VerificationOutcome{
		SessionID:  advanced.ID,
		ExternalID: advanced.ExternalID,
		Username:   advanced.NormalizedName,
		Outcome:    "cancelled",
	})
	return nil
}

// Unlink releases an admitted binding (moderation action or user
// request routed through the admin surface). The username becomes
// claimable again once the rebind cooldown elapses; the player record
// and its XP survive for the next binding of the same username.
func (m *Machine) Unlink(ctx context.Context, sessionID string) error {
	s, ok := m.store.Get(sessionID)
	if !ok {
		return ErrNotFound
	}
	if s.State != StateAdmitted {
		return fmt.Errorf("%w: session %s is not admitted", ErrInvalidTransition, sessionID)
	}
	m.store.Evict(sessionID)
	m.resolver.Invalidate(s.NormalizedName)
	m.unpersist(ctx, sessionID)
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))
	m.bus.Emit(ctx, events.TypeVerificationOutcome, s.ID, events.VerificationOutcome{
		SessionID:  s.ID,
		ExternalID: s.ExternalID,
		Username:   s.NormalizedName,
		Outcome:    "unlinked",
	})
	slog.Info("[Verification] binding released", "session", s.ID, "username", s.NormalizedName)
	return nil
}

// Reject forces a session into the Rejected state (blacklist hit discovered
// late, moderation action).
func (m *Machine) Reject(ctx context.Context, sessionID, reason string) error {
	advanced, err := m.store.Advance(sessionID, StateRejected, reason)
	if err != nil {
		return err
	}
	m.sched.cancel(sessionID)
	m.unpersist(ctx, sessionID)
	m.mets.VerificationOutcomes.WithLabelValues("rejected").Inc()
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))
	m.bus.Emit(ctx, events.TypeVerificationOutcome, advanced.ID, events.VerificationOutcome{
		SessionID:  advanced.ID,
		ExternalID: advanced.ExternalID,
		Username:   advanced.NormalizedName,
		Outcome:    "rejected",
		Reason:     reason,
	})
	return nil
}

// ExpireSweep transitions overdue sessions to Expired and evicts terminal
// sessions whose grace period has elapsed. Idempotent and safe to
// interrupt; invoked every sweep interval and from tests directly.
func (m *Machine) ExpireSweep(ctx context.Context) (expired, evicted int) {
	now := m.now()
	for _, s := range m.store.SnapshotAll() {
		switch {
		case !s.State.IsTerminal() && s.Remaining(now) <= 0:
			if _, err := m.store.Advance(s.ID, StateExpired, "timeout"); err == nil {
				expired++
				m.sched.cancel(s.ID)
				m.unpersist(ctx, s.ID)
				m.mets.VerificationOutcomes.WithLabelValues("expired").Inc()
				m.bus.Emit(ctx, events.TypeVerificationOutcome, s.ID, events.VerificationOutcome{
					SessionID:  s.ID,
					ExternalID: s.ExternalID,
					Username:   s.NormalizedName,
					Outcome:    "expired",
				})
			}
		case s.State.IsTerminal() && s.State != StateAdmitted && now.Sub(s.TerminalAt) > m.cfg.EvictGrace.Std():
			// Admitted sessions stay: the gate resolves returning
			// players through them.
			m.store.Evict(s.ID)
			evicted++
		}
	}
	m.store.PruneReleased(m.cfg.RebindCooldown.Std())
	m.mets.SessionsActive.Set(float64(m.store.ActiveCount()))
	return expired, evicted
}

// RunSweeper drives ExpireSweep on the configured interval until ctx ends.
func (m *Machine) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.sched.stop()
			return
		case <-ticker.C:
			expired, evicted := m.ExpireSweep(ctx)
			if expired > 0 || evicted > 0 {
				slog.Debug("[Verification] sweep", "expired", expired, "evicted", evicted)
			}
		}
	}
}

// fireWarning is invoked by the scheduler when threshold index idx is due.
// The monotonic warning counter in the store suppresses duplicates.
func (m *Machine) fireWarning(ctx context.Context, sessionID string, idx int) {
	s, ok := m.store.MarkWarned(sessionID, idx+1)
	if !ok {
		return
	}
	m.bus.Emit(ctx, events.TypeVerificationWarning, sessionID, events.VerificationWarning{
		SessionID:        s.ID,
		ExternalID:       s.ExternalID,
		Username:         s.NormalizedName,
		ChallengeCode:    s.ChallengeCode,
		MinutesRemaining: m.cfg.Warnings[idx],
	})
}

func (m *Machine) isBlacklisted(key string) bool {
	_, ok := m.blacklist[strings.ToLower(key)]
	return ok
}

// newChallengeCode returns eight hex characters from a CSPRNG.
func newChallengeCode() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// The code is advisory, never required; fall back to a UUID slice.
		return uuid.New().String()[:8]
	}
	return hex.EncodeToString(b[:])
}

// isChallengeCode reports whether s looks like an eight-hex code.
func isChallengeCode(s string) bool {
	if len(s) != 8 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
