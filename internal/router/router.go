// Package router is the channel pub/sub fabric between platform adapters.
//
// Fan-out skips the publishing adapter to avoid echo. Ordering is strict
// per (origin adapter, channel); global ordering is not promised. Every
// subscriber owns bounded queues drained by its own goroutine, so one
// slow platform cannot stall the rest of the fabric.
package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/maypok86/otter"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

// Handler delivers one message to a subscriber.
type Handler func(msg *chat.Message)

// subscriber keeps priority and normal traffic on separate queues so
// overflow eviction can never touch a queued priority message. The drain
// always empties the priority queue first.
type subscriber struct {
	id       string
	platform chat.Platform
	handler  Handler
	prio     chan *chat.Message
	normal   chan *chat.Message
	done     chan struct{}
}

// Router fans messages out by channel.
type Router struct {
	cfg      config.RouterConfig
	channels map[string]config.ChannelConfig
	mets     *metrics.Metrics

	mu   sync.RWMutex
	subs []*subscriber

	dedup otter.CacheWithVariableTTL[string, struct{}]

	spillMu sync.Mutex
}

// New builds the router over the configured channel table.
func New(cfg config.RouterConfig, channels []config.ChannelConfig, mets *metrics.Metrics) (*Router, error) {
	dedup, err := otter.MustBuilder[string, struct{}](65536).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, err
	}
	chanTable := make(map[string]config.ChannelConfig, len(channels))
	for _, c := range channels {
		chanTable[c.Name] = c
	}
	return &Router{cfg: cfg, channels: chanTable, mets: mets, dedup: dedup}, nil
}

// Subscribe registers an egress identity for one platform. The returned
// function unsubscribes and stops the drain goroutine.
func (r *Router) Subscribe(id string, platform chat.Platform, h Handler) func() {
	sub := &subscriber{
		id:       id,
		platform: platform,
		handler:  h,
		prio:     make(chan *chat.Message, r.cfg.QueueDepth),
		normal:   make(chan *chat.Message, r.cfg.QueueDepth),
		done:     make(chan struct{}),
	}
	go sub.drain(r.mets)

	r.mu.Lock()
	r.subs = append(r.subs, sub)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		for i, s := range r.subs {
			if s == sub {
				r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		close(sub.done)
	}
}

func (s *subscriber) drain(mets *metrics.Metrics) {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.prio:
			s.handle(mets, msg)
			continue
		default:
		}
		select {
		case <-s.done:
			return
		case msg := <-s.prio:
			s.handle(mets, msg)
		case msg := <-s.normal:
			s.handle(mets, msg)
		}
	}
}

func (s *subscriber) handle(mets *metrics.Metrics, msg *chat.Message) {
	mets.RouterQueueDepth.WithLabelValues(s.id).Set(float64(len(s.prio) + len(s.normal)))
	s.handler(msg)
}

// Publish fans the message out to every subscriber of its channel except
// the origin identity. Duplicate ingress ids inside the rolling window are
// dropped before fan-out.
func (r *Router) Publish(_ context.Context, originID string, msg *chat.Message) {
	if _, seen := r.dedup.Get(msg.IngressID); seen {
		r.mets.MessagesDropped.WithLabelValues("dedup").Inc()
		return
	}
	r.dedup.Set(msg.IngressID, struct{}{}, r.cfg.DedupWindow.Std())

	ch, ok := r.channels[msg.Channel]
	if !ok {
		r.mets.MessagesDropped.WithLabelValues("no_channel").Inc()
		slog.Debug("[Router] unknown channel", "channel", msg.Channel)
		return
	}
	priority := ch.Priority || msg.Author.Priority

	r.mu.RLock()
	subs := r.subs
	r.mu.RUnlock()

	for _, sub := range subs {
		if sub.id == originID {
			r.mets.MessagesDropped.WithLabelValues("echo").Inc()
			continue
		}
		if !bridgesTo(ch, sub.platform) {
			continue
		}
		r.deliver(sub, msg, priority)
	}
	r.mets.MessagesRouted.WithLabelValues(string(msg.Origin), msg.Channel).Inc()
}

func bridgesTo(ch config.ChannelConfig, p chat.Platform) bool {
	for _, b := range ch.Bridges {
		if b == string(p) {
			return true
		}
	}
	return false
}

// deliver enqueues for one subscriber. Non-priority traffic evicts the
// oldest queued non-priority message on overflow and never displaces
// queued priority traffic; priority traffic blocks the publisher for the
// configured window, then spills to disk rather than dropping.
func (r *Router) deliver(sub *subscriber, msg *chat.Message, priority bool) {
	if !priority {
		select {
		case sub.normal <- msg:
			r.mets.RouterQueueDepth.WithLabelValues(sub.id).Set(float64(len(sub.prio) + len(sub.normal)))
			return
		default:
		}
		select {
		case <-sub.normal:
			r.mets.MessagesDropped.WithLabelValues("overflow").Inc()
		default:
		}
		select {
		case sub.normal <- msg:
		default:
			r.mets.MessagesDropped.WithLabelValues("overflow").Inc()
		}
		return
	}

	select {
	case sub.prio <- msg:
		r.mets.RouterQueueDepth.WithLabelValues(sub.id).Set(float64(len(sub.prio) + len(sub.normal)))
		return
	default:
	}
	block := time.Duration(r.cfg.PriorityBlockMs) * time.Millisecond
	select {
	case sub.prio <- msg:
		return
	case <-time.After(block):
	}
	r.spill(sub.id, msg)
}

type spilledMessage struct {
	Subscriber string        `json:"subscriber"`
	At         time.Time     `json:"at"`
	Message    *chat.Message `json:"message"`
}

// spill appends a priority message to the disk overflow. Without a
// configured path the message is counted as dropped; priority loss is
// always surfaced in metrics either way.
func (r *Router) spill(subscriberID string, msg *chat.Message) {
	if r.cfg.OverflowPath == "" {
		r.mets.MessagesDropped.WithLabelValues("overflow").Inc()
		slog.Warn("[Router] priority message dropped, no overflow path", "subscriber", subscriberID)
		return
	}

	r.spillMu.Lock()
	defer r.spillMu.Unlock()
	f, err := os.OpenFile(r.cfg.OverflowPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.mets.MessagesDropped.WithLabelValues("overflow").Inc()
		slog.Error("[Router] overflow open failed", "path", r.cfg.OverflowPath, "error", err)
		return
	}
	defer f.Close()

	line, err := json.Marshal(spilledMessage{Subscriber: subscriberID, At: time.Now(), Message: msg})
	if err == nil {
		line = append(line, '\n')
		_, err = f.Write(line)
	}
	if err != nil {
		r.mets.MessagesDropped.WithLabelValues("overflow").Inc()
		slog.Error("[Router] overflow write failed", "error", err)
		return
	}
	slog.Warn("[Router] priority message spilled to disk", "subscriber", subscriberID, "ingress", msg.IngressID)
}
