package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/crosslink-mc/crosslink/internal/circuitbreaker"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

var (
	// ErrCacheMiss is returned by CacheTier when the key is absent.
	ErrCacheMiss = errors.New("store: cache miss")
	// ErrPlayerNotFound is returned when no tier holds the player.
	ErrPlayerNotFound = errors.New("store: player not found")
	// ErrPersistenceDegraded refuses writes while the durable backlog is
	// over its bound. Accepting them would grow the backlog without limit
	// and lose XP on a crash.
	ErrPersistenceDegraded = errors.New("store: persistence degraded, writes refused")
)

// CacheTier is the warm tier in front of the durable store. Implementations
// are best effort; every error degrades to a durable-tier read.
type CacheTier interface {
	GetRecord(ctx context.Context, id uuid.UUID) (*PlayerRecord, error)
	PutRecord(ctx context.Context, rec *PlayerRecord) error
	DeleteRecord(ctx context.Context, id uuid.UUID) error
}

// DurableTier is the system of record beneath the hot set.
type DurableTier interface {
	LoadPlayer(ctx context.Context, id uuid.UUID) (*PlayerRecord, error)
	LoadPlayerByExternal(ctx context.Context, externalID string) (*PlayerRecord, error)
	SavePlayers(ctx context.Context, recs []*PlayerRecord) error
}

// HistoryTier is the optional append-only XP gain history. A DurableTier
// that implements it receives one row per award, written off the award
// path.
type HistoryTier interface {
	AppendXPGain(ctx context.Context, playerID uuid.UUID, at time.Time, source string, amount, newCumulative int64) error
}

type xpHistoryRow struct {
	playerID   uuid.UUID
	at         time.Time
	source     string
	amount     int64
	cumulative int64
}

type playerEntry struct {
	mu  sync.Mutex
	rec *PlayerRecord // nil until first load
}

// Coordinator owns the authoritative in-memory copy of every touched
// player record and trails it into the cache and durable tiers. Reads
// populate upward (durable → cache → hot); writes go through the hot set
// and are flushed in batches, so a tier outage never blocks gameplay.
type Coordinator struct {
	cfg     config.PersistenceConfig
	cache   CacheTier   // nil disables the warm tier
	durable DurableTier // nil keeps state memory-only
	bus     *events.Bus
	mets    *metrics.Metrics
	breaker *circuitbreaker.Breaker
	now     func() time.Time

	hot        *xsync.Map[uuid.UUID, *playerEntry]
	byExternal *xsync.Map[string, uuid.UUID]

	dirtyMu    sync.Mutex
	dirtyOrder []uuid.UUID
	dirtySet   map[uuid.UUID]*PlayerRecord // latest snapshot per dirty id
	degraded   bool

	wake chan struct{}

	history HistoryTier
	histCh  chan xpHistoryRow
}

// NewCoordinator builds the persistence coordinator. Either tier may be
// nil; the hot set alone still satisfies every read and write.
func NewCoordinator(cfg config.PersistenceConfig, cache CacheTier, durable DurableTier,
	bus *events.Bus, mets *metrics.Metrics) *Coordinator {
	return newCoordinator(cfg, cache, durable, bus, mets, time.Now)
}

func newCoordinator(cfg config.PersistenceConfig, cache CacheTier, durable DurableTier,
	bus *events.Bus, mets *metrics.Metrics, now func() time.Time) *Coordinator {
	c := &Coordinator{
		cfg:        cfg,
		cache:      cache,
		durable:    durable,
		bus:        bus,
		mets:       mets,
		now:        now,
		hot:        xsync.NewMap[uuid.UUID, *playerEntry](),
		byExternal: xsync.NewMap[string, uuid.UUID](),
		dirtySet:   make(map[uuid.UUID]*PlayerRecord),
		wake:       make(chan struct{}, 1),
	}
	c.breaker = circuitbreaker.New(circuitbreaker.DefaultConfig("persistence"))
	bus.Subscribe(events.TypeVerificationOutcome, c.onVerificationOutcome)
	if h, ok := durable.(HistoryTier); ok {
		c.history = h
		c.histCh = make(chan xpHistoryRow, 1024)
		bus.Subscribe(events.TypeXPGain, c.onXPGain)
	}
	return c
}

// Get reads a player record, populating the hot set from the lower tiers.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (PlayerRecord, error) {
	entry, _ := c.hot.LoadOrStore(id, &playerEntry{})
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.rec == nil {
		rec, err := c.load(ctx, id)
		if err != nil {
			return PlayerRecord{}, err
		}
		entry.rec = rec
	}
	return *entry.rec, nil
}

// Update applies fn to the player record atomically. A missing record is
// created in place; an error from fn aborts without any tier write.
// Writes are refused while the durable backlog is over its bound.
func (c *Coordinator) Update(ctx context.Context, id uuid.UUID, fn func(*PlayerRecord) error) (PlayerRecord, error) {
	if c.Degraded() {
		return PlayerRecord{}, ErrPersistenceDegraded
	}
	entry, _ := c.hot.LoadOrStore(id, &playerEntry{})
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.rec == nil {
		rec, err := c.load(ctx, id)
		switch {
		case err == nil:
			entry.rec = rec
		case errors.Is(err, ErrPlayerNotFound):
			now := c.now()
			entry.rec = &PlayerRecord{
				ID:             id,
				PerSourceTotal: make(map[string]int64),
				PerSourceDay:   make(map[string]int64),
				CreatedAt:      now,
				UpdatedAt:      now,
			}
		default:
			return PlayerRecord{}, err
		}
	}

	before := snapshotRecord(entry.rec)
	if err := fn(entry.rec); err != nil {
		*entry.rec = *before
		return PlayerRecord{}, err
	}

	snap := snapshotRecord(entry.rec)
	c.markDirty(snap)
	c.writeCache(ctx, snap)
	if snap.ExternalID != "" {
		c.byExternal.Store(snap.ExternalID, snap.ID)
	}
	return *snap, nil
}

// GetByExternal resolves a player through their social-platform identity,
// so verified social senders get the same record as their game presence.
// The hot index serves repeat lookups; misses fall through to the durable
// tier.
func (c *Coordinator) GetByExternal(ctx context.Context, externalID string) (PlayerRecord, error) {
	if externalID == "" {
		return PlayerRecord{}, ErrPlayerNotFound
	}
	if id, ok := c.byExternal.Load(externalID); ok {
		return c.Get(ctx, id)
	}
	if c.durable == nil {
		return PlayerRecord{}, ErrPlayerNotFound
	}

	rec, err := c.durable.LoadPlayerByExternal(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrPlayerNotFound) {
			return PlayerRecord{}, ErrPlayerNotFound
		}
		return PlayerRecord{}, fmt.Errorf("store: durable read for external %s: %w", externalID, err)
	}
	c.byExternal.Store(externalID, rec.ID)
	return c.Get(ctx, rec.ID)
}

// load reads through cache then durable. ErrPlayerNotFound when neither
// tier knows the id.
func (c *Coordinator) load(ctx context.Context, id uuid.UUID) (*PlayerRecord, error) {
	if c.cache != nil {
		rec, err := c.cache.GetRecord(ctx, id)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			slog.Warn("[Store] cache read failed", "player", id, "error", err)
		}
	}
	if c.durable == nil {
		return nil, ErrPlayerNotFound
	}

	rec, err := c.durable.LoadPlayer(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPlayerNotFound) {
			return nil, ErrPlayerNotFound
		}
		return nil, fmt.Errorf("store: durable read for %s: %w", id, err)
	}
	c.writeCache(ctx, rec)
	if rec.ExternalID != "" {
		c.byExternal.Store(rec.ExternalID, rec.ID)
	}
	return rec, nil
}

func (c *Coordinator) writeCache(ctx context.Context, rec *PlayerRecord) {
	if c.cache == nil {
		return
	}
	if err := c.cache.PutRecord(ctx, rec); err != nil {
		c.mets.PersistWrites.WithLabelValues("cache", "error").Inc()
		slog.Warn("[Store] cache write failed", "player", rec.ID, "error", err)
		return
	}
	c.mets.PersistWrites.WithLabelValues("cache", "ok").Inc()
}

// markDirty queues the latest snapshot for the durable flusher. Order is
// first-dirtied; a record already queued only has its snapshot replaced.
func (c *Coordinator) markDirty(snap *PlayerRecord) {
	if c.durable == nil {
		return
	}
	c.dirtyMu.Lock()
	if _, queued := c.dirtySet[snap.ID]; !queued {
		c.dirtyOrder = append(c.dirtyOrder, snap.ID)
	}
	c.dirtySet[snap.ID] = snap
	backlog := len(c.dirtyOrder)
	overBound := backlog > c.cfg.BacklogMax && !c.degraded
	if overBound {
		c.degraded = true
	}
	c.dirtyMu.Unlock()

	c.mets.PersistBacklog.Set(float64(backlog))
	if overBound {
		c.mets.InvariantViolations.WithLabelValues("persistence").Inc()
		c.bus.Emit(context.Background(), events.TypePersistenceDegraded, "", events.PersistenceDegraded{
			Backlog: backlog,
			Breaker: c.breaker.State().String(),
		})
		slog.Error("[Store] durable backlog over bound", "backlog", backlog)
	}

	if backlog >= c.cfg.BatchSize {
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

// Run drives the durable flusher until ctx ends, then drains what it can.
func (c *Coordinator) Run(ctx context.Context) {
	if c.durable == nil {
		<-ctx.Done()
		return
	}

	window := time.Duration(c.cfg.BatchWindowMs) * time.Millisecond
	if window <= 0 {
		window = 100 * time.Millisecond
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(ctx)
		case <-c.wake:
			c.Flush(ctx)
		case row := <-c.histCh: // nil channel without a HistoryTier
			if err := c.history.AppendXPGain(ctx, row.playerID, row.at, row.source, row.amount, row.cumulative); err != nil {
				slog.Warn("[Store] xp history append failed", "player", row.playerID, "error", err)
			}
		}
	}
}

// Flush pushes queued snapshots to the durable tier in dirty order, one
// batch per call. Failed batches are requeued at the front.
func (c *Coordinator) Flush(ctx context.Context) {
	if c.durable == nil {
		return
	}
	for {
		batch := c.takeBatch()
		if len(batch) == 0 {
			return
		}

		start := c.now()
		err := c.breaker.Execute(func() error {
			return c.durable.SavePlayers(ctx, batch)
		})
		c.mets.PersistFlushLag.Observe(time.Since(start).Seconds())

		if err != nil {
			c.mets.PersistWrites.WithLabelValues("durable", "error").Inc()
			slog.Warn("[Store] durable flush failed", "batch", len(batch), "error", err)
			c.requeue(batch)
			return
		}
		c.mets.PersistWrites.WithLabelValues("durable", "ok").Inc()

		c.dirtyMu.Lock()
		recovered := c.degraded && len(c.dirtyOrder) <= c.cfg.BacklogMax/2
		if recovered {
			c.degraded = false
		}
		c.dirtyMu.Unlock()
		if recovered {
			slog.Info("[Store] durable backlog recovered")
		}
	}
}

func (c *Coordinator) takeBatch() []*PlayerRecord {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()

	n := len(c.dirtyOrder)
	if n == 0 {
		return nil
	}
	if c.cfg.BatchSize > 0 && n > c.cfg.BatchSize {
		n = c.cfg.BatchSize
	}

	batch := make([]*PlayerRecord, 0, n)
	for _, id := range c.dirtyOrder[:n] {
		batch = append(batch, c.dirtySet[id])
		delete(c.dirtySet, id)
	}
	c.dirtyOrder = append(c.dirtyOrder[:0], c.dirtyOrder[n:]...)
	c.mets.PersistBacklog.Set(float64(len(c.dirtyOrder)))
	return batch
}

// requeue puts a failed batch back at the head, preserving dirty order.
// Snapshots dirtied since the take are newer and win.
func (c *Coordinator) requeue(batch []*PlayerRecord) {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()

	head := make([]uuid.UUID, 0, len(batch)+len(c.dirtyOrder))
	for _, rec := range batch {
		if _, queued := c.dirtySet[rec.ID]; queued {
			continue
		}
		c.dirtySet[rec.ID] = rec
		head = append(head, rec.ID)
	}
	c.dirtyOrder = append(head, c.dirtyOrder...)
	c.mets.PersistBacklog.Set(float64(len(c.dirtyOrder)))
}

// Degraded reports whether the coordinator is refusing writes.
func (c *Coordinator) Degraded() bool {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return c.degraded
}

// Backlog reports the number of records awaiting a durable write.
func (c *Coordinator) Backlog() int {
	c.dirtyMu.Lock()
	defer c.dirtyMu.Unlock()
	return len(c.dirtyOrder)
}

// BreakerState exposes the durable-tier breaker for /status.
func (c *Coordinator) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Invalidate drops the hot entry so the next read re-populates from the
// lower tiers. Driven by cross-instance cache invalidations.
func (c *Coordinator) Invalidate(id uuid.UUID) {
	c.hot.Delete(id)
}

// onVerificationOutcome registers admitted players in the record store.
func (c *Coordinator) onVerificationOutcome(ctx context.Context, ev *events.Event) error {
	outcome, ok := ev.Data.(events.VerificationOutcome)
	if !ok {
		return fmt.Errorf("store: unexpected outcome payload %T", ev.Data)
	}
	if outcome.Outcome != "admitted" || outcome.PlatformID == uuid.Nil {
		return nil
	}

	_, err := c.Update(ctx, outcome.PlatformID, func(r *PlayerRecord) error {
		r.DisplayName = outcome.Username
		r.Edition = outcome.Edition
		r.ExternalID = outcome.ExternalID
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: register admitted player %s: %w", outcome.PlatformID, err)
	}
	slog.Info("[Store] player registered", "player", outcome.PlatformID, "username", outcome.Username)
	return nil
}

// onXPGain queues one history row per award. Rows are dropped when the
// buffer is full; the history is an analytics trail, never authoritative.
func (c *Coordinator) onXPGain(_ context.Context, ev *events.Event) error {
	gain, ok := ev.Data.(events.XPGain)
	if !ok {
		return nil
	}
	select {
	case c.histCh <- xpHistoryRow{
		playerID:   gain.PlayerID,
		at:         ev.Time,
		source:     gain.Source,
		amount:     gain.Amount,
		cumulative: gain.NewCumulative,
	}:
	default:
		slog.Debug("[Store] xp history buffer full, row dropped", "player", gain.PlayerID)
	}
	return nil
}

// snapshotRecord deep-copies a record, including the per-source maps and
// the rank history.
func snapshotRecord(r *PlayerRecord) *PlayerRecord {
	cp := *r
	cp.PerSourceTotal = make(map[string]int64, len(r.PerSourceTotal))
	for k, v := range r.PerSourceTotal {
		cp.PerSourceTotal[k] = v
	}
	cp.PerSourceDay = make(map[string]int64, len(r.PerSourceDay))
	for k, v := range r.PerSourceDay {
		cp.PerSourceDay[k] = v
	}
	cp.RankHistory = append([]RankChange(nil), r.RankHistory...)
	return &cp
}
