// Package events provides the in-process pub/sub bus that connects the
// verification pipeline, the chat fabric and the progression engine.
//
// Delivery is synchronous and in publish order: handlers for the same event
// type run on the publisher's goroutine, one after another. That is what
// gives XP gains and rank transitions their per-player FIFO guarantee —
// a publisher that awards XP for a player observes every handler side effect
// before it publishes the next gain for that player.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type discriminates event payloads on the bus.
type Type string

const (
	TypeXPGain              Type = "xp.gain"
	TypeRankChanged         Type = "rank.changed"
	TypeVerificationWarning Type = "verification.warning"
	TypeVerificationOutcome Type = "verification.outcome"
	TypeFilterInfraction    Type = "filter.infraction"
	TypePersistenceDegraded Type = "persistence.degraded"
)

// Event is the envelope for every payload published on the bus.
type Event struct {
	ID      string    `json:"id"`
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	Subject string    `json:"subject,omitempty"` // player id, session id, sender key
	Data    any       `json:"data"`
}

// XPGain is published after a successful award.
type XPGain struct {
	PlayerID      uuid.UUID
	Source        string
	Amount        int64
	NewCumulative int64
}

// RankChanged is published once per distinct rank transition.
type RankChanged struct {
	PlayerID  uuid.UUID
	OldMain   int
	OldSub    int
	NewMain   int
	NewSub    int
	Demotion  bool
	Announced bool
}

// VerificationWarning is consumed by the social adapter to post timed notices.
type VerificationWarning struct {
	SessionID        string
	ExternalID       string
	Username         string
	ChallengeCode    string
	MinutesRemaining float64
}

// VerificationOutcome records terminal session results. Admissions carry
// the platform binding so the player registry can be populated.
type VerificationOutcome struct {
	SessionID  string
	ExternalID string
	Username   string
	Outcome    string // admitted | expired | rejected | cancelled
	Reason     string
	PlatformID uuid.UUID
	Edition    string
}

// FilterInfraction is emitted when a check cancels a message. Policy
// decisions (mutes, escalation) are made by consumers, never by the chain.
type FilterInfraction struct {
	SenderKey string
	Check     string
	Reason    string
}

// PersistenceDegraded signals that the durable-tier backlog crossed its
// bound; in-memory state remains authoritative while the tier recovers.
type PersistenceDegraded struct {
	Backlog int
	Breaker string
}

// Handler processes one event. Returning an error is logged, not retried.
type Handler func(ctx context.Context, ev *Event) error

type subscriberEntry struct {
	id      uint64
	handler Handler
}

// Bus is the in-process event bus. Subscribers are grouped by event type;
// the subscriber list is copied on write so publishing never blocks on
// subscription churn.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscriberEntry
	nextID uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]subscriberEntry)}
}

// Subscribe registers a handler for one event type and returns an
// unsubscribe function.
func (b *Bus) Subscribe(t Type, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[t] = append(b.subs[t], subscriberEntry{id: id, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		entries := b.subs[t]
		for i, e := range entries {
			if e.id == id {
				b.subs[t] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the event to every subscriber of its type, in
// subscription order, on the caller's goroutine.
func (b *Bus) Publish(ctx context.Context, ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	entries := b.subs[ev.Type]
	b.mu.RUnlock()

	for _, e := range entries {
		if err := e.handler(ctx, ev); err != nil {
			slog.Warn("[EventBus] handler error", "type", ev.Type, "subject", ev.Subject, "error", err)
		}
	}
}

// Emit wraps data in an envelope and publishes it.
func (b *Bus) Emit(ctx context.Context, t Type, subject string, data any) {
	b.Publish(ctx, &Event{Type: t, Subject: subject, Data: data})
}

// EmitWithID publishes with a caller-supplied stable event id. Consumers
// that must be idempotent (the promotion coordinator) key their dedup on it.
func (b *Bus) EmitWithID(ctx context.Context, id string, t Type, subject string, data any) {
	b.Publish(ctx, &Event{ID: id, Type: t, Subject: subject, Data: data})
}

// SubscriberCount reports how many handlers are registered, for /status.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, entries := range b.subs {
		n += len(entries)
	}
	return n
}
