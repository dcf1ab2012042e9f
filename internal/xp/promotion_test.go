package xp

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/store"
)

type roleSync struct {
	playerID uuid.UUID
	main     int
	sub      int
}

type fakeRoles struct {
	mu        sync.Mutex
	syncs     []roleSync
	announces []string
}

func (f *fakeRoles) SyncRole(_ context.Context, playerID uuid.UUID, main, sub int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs = append(f.syncs, roleSync{playerID: playerID, main: main, sub: sub})
	return nil
}

func (f *fakeRoles) Announce(_ context.Context, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.announces = append(f.announces, channel+": "+text)
	return nil
}

type promoterHarness struct {
	promoter *Promoter
	players  *memPlayers
	roles    *fakeRoles
	bus      *events.Bus
	lattice  *Lattice

	mu      sync.Mutex
	changes []events.RankChanged
}

func newPromoterHarness(t *testing.T, cfg config.XPConfig) *promoterHarness {
	t.Helper()
	h := &promoterHarness{
		players: newMemPlayers(),
		roles:   &fakeRoles{},
		bus:     events.NewBus(),
		lattice: defaultLattice(t),
	}
	var err error
	h.promoter, err = NewPromoter(cfg, h.lattice, h.players, h.roles, h.bus, metrics.Nop())
	require.NoError(t, err)
	t.Cleanup(h.promoter.Close)

	h.bus.Subscribe(events.TypeRankChanged, func(_ context.Context, ev *events.Event) error {
		h.mu.Lock()
		h.changes = append(h.changes, ev.Data.(events.RankChanged))
		h.mu.Unlock()
		return nil
	})
	return h
}

func (h *promoterHarness) seed(t *testing.T, name string, main, sub int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := h.players.Update(context.Background(), id, func(r *store.PlayerRecord) error {
		r.DisplayName = name
		r.MainRank = main
		r.SubRank = sub
		return nil
	})
	require.NoError(t, err)
	return id
}

func (h *promoterHarness) emitGain(id uuid.UUID, eventID string, cumulative int64) {
	gain := events.XPGain{PlayerID: id, Source: "chat", Amount: 10, NewCumulative: cumulative}
	if eventID != "" {
		h.bus.EmitWithID(context.Background(), eventID, events.TypeXPGain, id.String(), gain)
	} else {
		h.bus.Emit(context.Background(), events.TypeXPGain, id.String(), gain)
	}
}

func TestPromotionOnGain(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 0, 0)

	target := Coordinate{Main: 0, Sub: 2}
	threshold, ok := h.lattice.Threshold(target)
	require.True(t, ok)
	h.emitGain(player, "", threshold)

	require.Len(t, h.changes, 1)
	assert.Equal(t, target.Main, h.changes[0].NewMain)
	assert.Equal(t, target.Sub, h.changes[0].NewSub)
	assert.False(t, h.changes[0].Demotion)
	assert.True(t, h.changes[0].Announced)

	rec := h.players.get(player)
	assert.Equal(t, target.Main, rec.MainRank)
	assert.Equal(t, target.Sub, rec.SubRank)

	require.Len(t, h.roles.syncs, 1)
	assert.Equal(t, roleSync{playerID: player, main: target.Main, sub: target.Sub}, h.roles.syncs[0])

	require.Len(t, h.roles.announces, 1)
	assert.Contains(t, h.roles.announces[0], "global: ")
	assert.Contains(t, h.roles.announces[0], "Steve")
}

// Replaying a gain event with the same id produces no second transition
// and no second role sync.
func TestPromotionIdempotentOnReplay(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 0, 0)

	threshold, ok := h.lattice.Threshold(Coordinate{Main: 1, Sub: 0})
	require.True(t, ok)

	h.emitGain(player, "e-42", threshold)
	h.emitGain(player, "e-42", threshold)

	assert.Len(t, h.changes, 1)
	assert.Len(t, h.roles.syncs, 1)
	assert.Len(t, h.roles.announces, 1)
}

func TestPromotionNoChangeWithinRank(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 0, 0)

	h.emitGain(player, "", 10) // below the first sub threshold

	assert.Empty(t, h.changes)
	assert.Empty(t, h.roles.syncs)
	assert.Empty(t, h.roles.announces)
}

func TestDemotionSilentByDefault(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 2, 3)

	h.emitGain(player, "", 0)

	require.Len(t, h.changes, 1)
	assert.True(t, h.changes[0].Demotion)
	assert.False(t, h.changes[0].Announced)
	assert.Empty(t, h.roles.announces)

	// The role still tracks the new coordinate.
	require.Len(t, h.roles.syncs, 1)
	assert.Equal(t, 0, h.roles.syncs[0].main)
	assert.Equal(t, 0, h.roles.syncs[0].sub)
}

func TestDemotionAnnouncedWhenConfigured(t *testing.T) {
	cfg := xpConfig()
	cfg.AnnounceDemotions = true
	h := newPromoterHarness(t, cfg)
	player := h.seed(t, "Steve", 2, 3)

	h.emitGain(player, "", 0)

	require.Len(t, h.changes, 1)
	assert.True(t, h.changes[0].Demotion)
	assert.True(t, h.changes[0].Announced)
	require.Len(t, h.roles.announces, 1)
}

// Every transition lands in the record's history, queryable after the
// fact.
func TestPromotionRecordedOnRecord(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 0, 0)

	target := Coordinate{Main: 0, Sub: 2}
	threshold, ok := h.lattice.Threshold(target)
	require.True(t, ok)
	h.emitGain(player, "", threshold)

	rec := h.players.get(player)
	require.Len(t, rec.RankHistory, 1)
	entry := rec.RankHistory[0]
	assert.Equal(t, 0, entry.OldMain)
	assert.Equal(t, 0, entry.OldSub)
	assert.Equal(t, target.Main, entry.NewMain)
	assert.Equal(t, target.Sub, entry.NewSub)
	assert.False(t, entry.Demotion)
	assert.False(t, entry.At.IsZero())
}

// A long promotion streak keeps only the newest history entries.
func TestRankHistoryBounded(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 0, 0)

	n := 0
	for main := 0; main <= 2; main++ {
		for sub := 0; sub < 7; sub++ {
			if main == 0 && sub == 0 {
				continue
			}
			threshold, ok := h.lattice.Threshold(Coordinate{Main: main, Sub: sub})
			require.True(t, ok)
			h.emitGain(player, fmt.Sprintf("h-%d", n), threshold)
			n++
		}
	}

	// Twenty transitions happened; the record keeps the newest sixteen.
	rec := h.players.get(player)
	assert.Len(t, rec.RankHistory, 16)
	last := rec.RankHistory[len(rec.RankHistory)-1]
	assert.Equal(t, rec.MainRank, last.NewMain)
	assert.Equal(t, rec.SubRank, last.NewSub)
}

// Distinct ids each count once; a burst of gains lands on the final rank
// with one transition per derived change.
func TestPromotionBurstDistinctIDs(t *testing.T) {
	h := newPromoterHarness(t, xpConfig())
	player := h.seed(t, "Steve", 0, 0)

	cumulative := int64(0)
	for i := 0; i < 40; i++ {
		cumulative += 25
		h.emitGain(player, fmt.Sprintf("e-%d", i), cumulative)
	}

	rec := h.players.get(player)
	final := h.lattice.Derive(cumulative)
	assert.Equal(t, final.Main, rec.MainRank)
	assert.Equal(t, final.Sub, rec.SubRank)

	// Transitions are strictly increasing in coordinate order.
	prev := Coordinate{}
	for _, ch := range h.changes {
		cur := Coordinate{Main: ch.NewMain, Sub: ch.NewSub}
		assert.True(t, prev.Less(cur) || prev == (Coordinate{}), "transition regressed to %s", cur)
		prev = cur
	}
}
