package xp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/ratelimit"
	"github.com/crosslink-mc/crosslink/internal/store"
)

// PlayerStore is the slice of the persistence coordinator the accumulator
// needs: one atomic read-modify-write per award.
type PlayerStore interface {
	Update(ctx context.Context, id uuid.UUID, fn func(*store.PlayerRecord) error) (store.PlayerRecord, error)
}

// AwardStatus classifies the outcome of one award attempt.
type AwardStatus int

const (
	AwardGranted AwardStatus = iota
	AwardOnCooldown
	AwardCapped
	AwardUnavailable
)

// AwardResult reports what an award attempt did.
type AwardResult struct {
	Status        AwardStatus
	Amount        int64 // effective XP granted, possibly clamped by a cap
	NewCumulative int64
	RetryAfter    time.Duration // set on AwardOnCooldown
	CappedWindow  string        // daily | weekly | monthly | source; the window that clamped or refused the award
}

// AwardContext carries the multiplicative modifiers for one award. Zero
// fields mean "no modifier" and are treated as 1.0.
type AwardContext struct {
	Quality  float64
	Context  float64
	Seasonal float64

	// EventID, when set, becomes the stable id of the published gain event.
	// Replaying a gain with the same id is absorbed by downstream dedup.
	EventID string
}

var errCapped = errors.New("xp: window cap reached")

// Accumulator turns raw activity into XP awards. Every award is a single
// atomic update against the player record; cooldowns gate the attempt
// before the record is touched.
type Accumulator struct {
	cfg     config.XPConfig
	players PlayerStore
	limiter *ratelimit.Limiter
	bus     *events.Bus
	mets    *metrics.Metrics
	now     func() time.Time
}

// NewAccumulator wires the award path.
func NewAccumulator(cfg config.XPConfig, players PlayerStore, limiter *ratelimit.Limiter,
	bus *events.Bus, mets *metrics.Metrics) *Accumulator {
	return newAccumulator(cfg, players, limiter, bus, mets, time.Now)
}

func newAccumulator(cfg config.XPConfig, players PlayerStore, limiter *ratelimit.Limiter,
	bus *events.Bus, mets *metrics.Metrics, now func() time.Time) *Accumulator {
	return &Accumulator{cfg: cfg, players: players, limiter: limiter, bus: bus, mets: mets, now: now}
}

// Award attempts one XP grant for a player from a configured source.
// Unknown sources are a programming error and return one.
func (a *Accumulator) Award(ctx context.Context, playerID uuid.UUID, source string, actx AwardContext) (AwardResult, error) {
	src, ok := a.cfg.Sources[source]
	if !ok {
		return AwardResult{}, fmt.Errorf("xp: unknown source %q", source)
	}

	cooldownKey := "xp:" + playerID.String() + ":" + source
	if cd := src.Cooldown.Std(); cd > 0 {
		res := a.limiter.Consume(cooldownKey, cd, 1)
		if !res.Allowed {
			a.mets.XPAwards.WithLabelValues(source, "cooldown").Inc()
			return AwardResult{Status: AwardOnCooldown, RetryAfter: res.RetryAfter}, nil
		}
	}

	now := a.now()
	amount := a.effectiveAmount(src, actx, now)
	if amount <= 0 {
		return AwardResult{Status: AwardGranted}, nil
	}

	var granted int64
	var capWindow string
	rec, err := a.players.Update(ctx, playerID, func(r *store.PlayerRecord) error {
		prevAnchor := r.Windows.DailyAnchor
		r.Windows.Roll(now)
		if !r.Windows.DailyAnchor.Equal(prevAnchor) {
			r.PerSourceDay = make(map[string]int64)
		}

		granted = amount
		clamp := func(used, limit int64, window string) {
			if limit <= 0 {
				return
			}
			if avail := limit - used; avail < granted {
				granted = avail
				capWindow = window
			}
		}
		clamp(r.Windows.Daily, a.cfg.Caps.Daily, "daily")
		clamp(r.Windows.Weekly, a.cfg.Caps.Weekly, "weekly")
		clamp(r.Windows.Monthly, a.cfg.Caps.Monthly, "monthly")
		clamp(r.PerSourceDay[source], src.DailyCap, "source")
		if granted <= 0 {
			return errCapped
		}

		r.CumulativeXP += granted
		r.Windows.Add(granted)
		if r.PerSourceDay == nil {
			r.PerSourceDay = make(map[string]int64)
		}
		r.PerSourceDay[source] += granted
		if r.PerSourceTotal == nil {
			r.PerSourceTotal = make(map[string]int64)
		}
		r.PerSourceTotal[source] += granted
		r.UpdatedAt = now
		return nil
	})
	if err != nil {
		// A refused award must not charge the cooldown bucket.
		a.limiter.Refund(cooldownKey)
		if errors.Is(err, errCapped) {
			a.mets.XPAwards.WithLabelValues(source, "capped").Inc()
			return AwardResult{Status: AwardCapped, CappedWindow: capWindow}, nil
		}
		a.mets.XPAwards.WithLabelValues(source, "unavailable").Inc()
		return AwardResult{Status: AwardUnavailable}, err
	}

	a.mets.XPAwards.WithLabelValues(source, "awarded").Inc()
	a.mets.XPAmount.WithLabelValues(source).Add(float64(granted))

	gain := events.XPGain{
		PlayerID:      playerID,
		Source:        source,
		Amount:        granted,
		NewCumulative: rec.CumulativeXP,
	}
	if actx.EventID != "" {
		a.bus.EmitWithID(ctx, actx.EventID, events.TypeXPGain, playerID.String(), gain)
	} else {
		a.bus.Emit(ctx, events.TypeXPGain, playerID.String(), gain)
	}

	slog.Debug("[XP] award", "player", playerID, "source", source, "amount", granted, "cumulative", rec.CumulativeXP)
	return AwardResult{
		Status:        AwardGranted,
		Amount:        granted,
		NewCumulative: rec.CumulativeXP,
		CappedWindow:  capWindow,
	}, nil
}

// effectiveAmount applies the multiplicative modifier chain to the base.
func (a *Accumulator) effectiveAmount(src config.SourceConfig, actx AwardContext, now time.Time) int64 {
	mult := orOne(src.Multiplier) * orOne(actx.Quality) * orOne(actx.Context) * orOne(actx.Seasonal)
	if src.Community {
		mult *= orOne(a.cfg.CommunityBonus)
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		mult *= orOne(a.cfg.WeekendBonus)
	}
	return int64(math.Round(float64(src.Base) * mult))
}

func orOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}
