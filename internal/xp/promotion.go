package xp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/store"
)

// RoleSyncer is the slice of the social adapter the coordinator drives:
// role synchronization and promotion announcements.
type RoleSyncer interface {
	SyncRole(ctx context.Context, playerID uuid.UUID, mainRank, subRank int) error
	Announce(ctx context.Context, channel, text string) error
}

// seenTTL bounds how long a processed gain id is remembered. Gains are
// delivered synchronously, so replays arrive well inside this window.
const seenTTL = time.Hour

// Promoter reacts to XP gains: it derives the rank coordinate from the
// new cumulative total, writes it through to the player record, syncs the
// social role and announces the change. Processing is keyed on the gain
// event id, so a replayed event produces no second transition.
type Promoter struct {
	cfg     config.XPConfig
	lattice *Lattice
	players PlayerStore
	roles   RoleSyncer
	bus     *events.Bus
	mets    *metrics.Metrics

	seen otter.CacheWithVariableTTL[string, struct{}]

	unsubscribe func()
}

// NewPromoter builds the promotion coordinator and subscribes it to gains.
func NewPromoter(cfg config.XPConfig, lattice *Lattice, players PlayerStore,
	roles RoleSyncer, bus *events.Bus, mets *metrics.Metrics) (*Promoter, error) {
	seen, err := otter.MustBuilder[string, struct{}](16384).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("xp: build dedup cache: %w", err)
	}

	p := &Promoter{
		cfg:     cfg,
		lattice: lattice,
		players: players,
		roles:   roles,
		bus:     bus,
		mets:    mets,
		seen:    seen,
	}
	p.unsubscribe = bus.Subscribe(events.TypeXPGain, p.onGain)
	return p, nil
}

// Close detaches the coordinator from the bus.
func (p *Promoter) Close() {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
}

func (p *Promoter) onGain(ctx context.Context, ev *events.Event) error {
	gain, ok := ev.Data.(events.XPGain)
	if !ok {
		return fmt.Errorf("xp: unexpected gain payload %T", ev.Data)
	}

	if _, dup := p.seen.Get(ev.ID); dup {
		return nil
	}
	p.seen.Set(ev.ID, struct{}{}, seenTTL)

	target := p.lattice.Derive(gain.NewCumulative)

	var old Coordinate
	var changed bool
	var displayName string
	_, err := p.players.Update(ctx, gain.PlayerID, func(r *store.PlayerRecord) error {
		old = Coordinate{Main: r.MainRank, Sub: r.SubRank}
		displayName = r.DisplayName
		if old == target {
			return nil
		}
		changed = true
		r.MainRank = target.Main
		r.SubRank = target.Sub
		r.RecordRankChange(store.RankChange{
			At:       time.Now(),
			OldMain:  old.Main,
			OldSub:   old.Sub,
			NewMain:  target.Main,
			NewSub:   target.Sub,
			Demotion: target.Less(old),
		})
		return nil
	})
	if err != nil {
		// The record write failed; forget the id so a redelivery can retry.
		p.seen.Delete(ev.ID)
		return fmt.Errorf("xp: rank write-through for %s: %w", gain.PlayerID, err)
	}
	if !changed {
		return nil
	}

	demotion := target.Less(old)
	direction := "promotion"
	if demotion {
		direction = "demotion"
	}
	p.mets.RankChanges.WithLabelValues(direction).Inc()

	announced := !demotion || p.cfg.AnnounceDemotions
	if announced {
		p.announce(ctx, displayName, old, target, demotion)
	}

	if err := p.roles.SyncRole(ctx, gain.PlayerID, target.Main, target.Sub); err != nil {
		slog.Warn("[Promotion] role sync failed", "player", gain.PlayerID, "rank", target, "error", err)
	}

	p.bus.Emit(ctx, events.TypeRankChanged, gain.PlayerID.String(), events.RankChanged{
		PlayerID:  gain.PlayerID,
		OldMain:   old.Main,
		OldSub:    old.Sub,
		NewMain:   target.Main,
		NewSub:    target.Sub,
		Demotion:  demotion,
		Announced: announced,
	})

	slog.Info("[Promotion] rank changed",
		"player", gain.PlayerID, "from", old, "to", target, "direction", direction)
	return nil
}

func (p *Promoter) announce(ctx context.Context, name string, old, target Coordinate, demotion bool) {
	verb := "advanced"
	if demotion {
		verb = "moved"
	}
	text := fmt.Sprintf("%s %s from rank %s to %s", name, verb, old, target)
	if err := p.roles.Announce(ctx, p.cfg.AnnounceChannel, text); err != nil {
		slog.Warn("[Promotion] announce failed", "player", name, "error", err)
	}
}
