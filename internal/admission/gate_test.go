package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/identity"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/ratelimit"
	"github.com/crosslink-mc/crosslink/internal/session"
)

type staticLookup struct {
	mu       sync.Mutex
	profiles map[string]*identity.Profile
}

func (f *staticLookup) Lookup(_ context.Context, name string) (*identity.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.profiles[name]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return p, nil
}

func verificationConfig() config.VerificationConfig {
	return config.VerificationConfig{
		Timeout:         config.Duration(10 * time.Minute),
		Warnings:        []float64{8, 5, 2, 0.5},
		AttemptsPerHour: 3,
		SweepInterval:   config.Duration(3 * time.Minute),
		EvictGrace:      config.Duration(time.Minute),
		HoldingPolicy:   "immediate",
		HoldingTarget:   "hub-1",
	}
}

func newGateHarness(t *testing.T, cfg config.VerificationConfig) (*Gate, *session.Machine, *session.Store) {
	t.Helper()
	lookup := &staticLookup{profiles: map[string]*identity.Profile{
		"steve": {ID: uuid.New(), Name: "Steve"},
	}}
	resolver, err := identity.NewResolver(lookup, config.IdentityConfig{
		PositiveTTL:   config.Duration(24 * time.Hour),
		NegativeTTL:   config.Duration(10 * time.Minute),
		LookupTimeout: config.Duration(time.Second),
		CacheSize:     100,
	}, metrics.Nop())
	require.NoError(t, err)

	store := session.NewStore()
	machine := session.NewMachine(cfg, store, resolver, ratelimit.New(), events.NewBus(), metrics.Nop(), nil)
	return NewGate(cfg, machine, store, metrics.Nop()), machine, store
}

func TestCheckRejectsUnknownPlayer(t *testing.T) {
	gate, _, _ := newGateHarness(t, verificationConfig())
	v := gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, Reject, v.Decision)
	assert.NotEmpty(t, v.Reason)
}

// First connect answers with the holding verdict; the immediate policy
// admits right behind it, so the next connect passes fully.
func TestCheckImmediatePolicyFlow(t *testing.T) {
	gate, machine, store := newGateHarness(t, verificationConfig())
	begin := machine.Begin(context.Background(), "ext-1", "Steve")
	require.Equal(t, session.BeginOK, begin.Status)

	first := gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, AllowConnectToHoldingOnly, first.Decision)
	assert.Equal(t, "hub-1", first.Target)

	s, ok := store.Get(begin.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StateAdmitted, s.State)

	second := gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, AllowConnect, second.Decision)
}

func TestCheckManualPolicyHolds(t *testing.T) {
	cfg := verificationConfig()
	cfg.HoldingPolicy = "manual"
	gate, machine, store := newGateHarness(t, cfg)
	begin := machine.Begin(context.Background(), "ext-1", "Steve")
	require.Equal(t, session.BeginOK, begin.Status)

	v := gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, AllowConnectToHoldingOnly, v.Decision)

	// Still holding on reconnect until an operator admits.
	v = gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, AllowConnectToHoldingOnly, v.Decision)

	s, ok := store.Get(begin.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.StateInHoldingContext, s.State)

	require.NoError(t, gate.Admit(context.Background(), begin.SessionID))
	v = gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, AllowConnect, v.Decision)
}

func TestCheckMinDwellPolicyAdmitsAfterDwell(t *testing.T) {
	cfg := verificationConfig()
	cfg.HoldingPolicy = "min_dwell"
	cfg.MinDwell = config.Duration(20 * time.Millisecond)
	gate, machine, store := newGateHarness(t, cfg)
	begin := machine.Begin(context.Background(), "ext-1", "Steve")
	require.Equal(t, session.BeginOK, begin.Status)

	v := gate.Check(context.Background(), "Steve", identity.EditionNative)
	assert.Equal(t, AllowConnectToHoldingOnly, v.Decision)

	assert.Eventually(t, func() bool {
		s, ok := store.Get(begin.SessionID)
		return ok && s.State == session.StateAdmitted
	}, time.Second, 5*time.Millisecond)
}

func TestCheckWrongEditionRejectsWithHint(t *testing.T) {
	gate, machine, _ := newGateHarness(t, verificationConfig())
	require.Equal(t, session.BeginOK, machine.Begin(context.Background(), "ext-1", "Steve").Status)

	v := gate.Check(context.Background(), ".Steve", identity.EditionAlternate)
	assert.Equal(t, Reject, v.Decision)
	assert.Contains(t, v.Reason, "native")
}

func TestCheckAdmittedWrongEditionRejected(t *testing.T) {
	gate, machine, _ := newGateHarness(t, verificationConfig())
	require.Equal(t, session.BeginOK, machine.Begin(context.Background(), "ext-1", "Steve").Status)

	_ = gate.Check(context.Background(), "Steve", identity.EditionNative)
	v := gate.Check(context.Background(), ".Steve", identity.EditionAlternate)
	assert.Equal(t, Reject, v.Decision)
}
