// Package audit keeps the channel audit trail: a bounded in-memory ring
// for operator queries plus a best-effort durable sink. Losing the sink
// never blocks chat.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
)

// Entry is one audited chat decision.
type Entry struct {
	At        time.Time `json:"at"`
	Channel   string    `json:"channel"`
	SenderKey string    `json:"sender_key"`
	Verdict   string    `json:"verdict"`
	Text      string    `json:"text"`
}

// Sink is the durable backend for audit rows. The Postgres tier
// implements it.
type Sink interface {
	AppendAudit(ctx context.Context, at time.Time, channel, senderKey, verdict, text string) error
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

// Log is the audit trail. The ring holds the most recent RingSize
// entries; the sink trails it and is pruned on the retention schedule.
type Log struct {
	cfg  config.AuditConfig
	sink Sink // nil keeps the trail memory-only
	now  func() time.Time

	mu   sync.Mutex
	ring []Entry
	next int
	full bool

	cron *cron.Cron
}

// New builds the audit log and subscribes it to filter infractions.
func New(cfg config.AuditConfig, sink Sink, bus *events.Bus) *Log {
	return newLog(cfg, sink, bus, time.Now)
}

func newLog(cfg config.AuditConfig, sink Sink, bus *events.Bus, now func() time.Time) *Log {
	size := cfg.RingSize
	if size <= 0 {
		size = 4096
	}
	l := &Log{
		cfg:  cfg,
		sink: sink,
		now:  now,
		ring: make([]Entry, size),
	}
	if bus != nil {
		bus.Subscribe(events.TypeFilterInfraction, l.onInfraction)
	}
	return l
}

// Record appends one entry to the ring and, when configured, the sink.
func (l *Log) Record(ctx context.Context, e Entry) {
	if e.At.IsZero() {
		e.At = l.now()
	}

	l.mu.Lock()
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	if err := l.sink.AppendAudit(ctx, e.At, e.Channel, e.SenderKey, e.Verdict, e.Text); err != nil {
		slog.Warn("[Audit] sink append failed", "channel", e.Channel, "error", err)
	}
}

// Recent returns up to n entries, newest first.
func (l *Log) Recent(n int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.next
	if l.full {
		count = len(l.ring)
	}
	if n > count {
		n = count
	}

	out := make([]Entry, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.ring)) % len(l.ring)
		out = append(out, l.ring[idx])
	}
	return out
}

// StartRetention schedules the daily prune. Returns a stop function.
func (l *Log) StartRetention() func() {
	l.cron = cron.New()
	l.cron.AddFunc("@daily", func() {
		l.prune(context.Background())
	})
	l.cron.Start()
	return func() { l.cron.Stop() }
}

func (l *Log) prune(ctx context.Context) {
	if l.sink == nil {
		return
	}
	cutoff := l.now().Add(-l.cfg.Retention.Std())
	removed, err := l.sink.PruneAudit(ctx, cutoff)
	if err != nil {
		slog.Warn("[Audit] retention prune failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("[Audit] retention prune", "removed", removed, "cutoff", cutoff)
	}
}

// onInfraction records cancelled messages from the filter chain.
func (l *Log) onInfraction(ctx context.Context, ev *events.Event) error {
	inf, ok := ev.Data.(events.FilterInfraction)
	if !ok {
		return fmt.Errorf("audit: unexpected infraction payload %T", ev.Data)
	}
	l.Record(ctx, Entry{
		At:        ev.Time,
		SenderKey: inf.SenderKey,
		Verdict:   "cancelled:" + inf.Check,
		Text:      inf.Reason,
	})
	return nil
}
