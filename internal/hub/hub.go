// Package hub is the wiring layer of the messaging fabric: every inbound
// message passes moderation, optional translation and routing here, and
// every allowed game message feeds the progression engine.
package hub

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/crosslink-mc/crosslink/internal/audit"
	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/filter"
	"github.com/crosslink-mc/crosslink/internal/platform"
	"github.com/crosslink-mc/crosslink/internal/router"
	"github.com/crosslink-mc/crosslink/internal/store"
	"github.com/crosslink-mc/crosslink/internal/translate"
	"github.com/crosslink-mc/crosslink/internal/xp"
)

// PlayerReader resolves verified players for rank enrichment. Game
// senders arrive with a player id; social senders only carry their
// external identity.
type PlayerReader interface {
	Get(ctx context.Context, id uuid.UUID) (store.PlayerRecord, error)
	GetByExternal(ctx context.Context, externalID string) (store.PlayerRecord, error)
}

// Awarder is the slice of the progression engine the chat path drives.
type Awarder interface {
	Award(ctx context.Context, playerID uuid.UUID, source string, actx xp.AwardContext) (xp.AwardResult, error)
}

// Hub connects adapters to the moderation, translation and routing
// pipeline. One Hub instance serves the whole proxy.
type Hub struct {
	chain      *filter.Chain
	translator *translate.Service // nil disables translation
	router     *router.Router
	players    PlayerReader // nil disables rank enrichment
	awarder    Awarder      // nil disables chat XP
	trail      *audit.Log   // nil disables the audit trail

	channels   map[string]config.ChannelConfig
	targetLang string

	unsubs []func()
}

// New assembles the hub. targetLang is the egress language for channels
// with translation enabled; empty disables translation outright.
func New(chain *filter.Chain, translator *translate.Service, rt *router.Router,
	players PlayerReader, awarder Awarder, trail *audit.Log,
	channels []config.ChannelConfig, targetLang string) *Hub {
	byName := make(map[string]config.ChannelConfig, len(channels))
	for _, ch := range channels {
		byName[ch.Name] = ch
	}
	return &Hub{
		chain:      chain,
		translator: translator,
		router:     rt,
		players:    players,
		awarder:    awarder,
		trail:      trail,
		channels:   byName,
		targetLang: targetLang,
	}
}

// Attach registers an adapter on both sides of the fabric: routed
// messages flow out through Send, inbound messages enter the pipeline.
func (h *Hub) Attach(a platform.Adapter) {
	unsub := h.router.Subscribe(a.Name(), a.Platform(), func(msg *chat.Message) {
		if err := a.Send(context.Background(), msg); err != nil {
			slog.Warn("[Hub] egress send failed", "adapter", a.Name(), "channel", msg.Channel, "error", err)
		}
	})
	h.unsubs = append(h.unsubs, unsub)
	a.SubscribeInbound(h.HandleInbound)
}

// Detach unsubscribes every attached adapter from the router.
func (h *Hub) Detach() {
	for _, unsub := range h.unsubs {
		unsub()
	}
	h.unsubs = nil
}

// HandleInbound runs one message through the full pipeline. Cancelled
// messages stop here; everything else is routed and audited.
func (h *Hub) HandleInbound(ctx context.Context, msg *chat.Message) {
	h.enrich(ctx, msg)

	result := h.chain.Evaluate(ctx, msg)
	if result.Verdict == chat.VerdictCancel {
		h.record(ctx, msg, "cancelled:"+result.Check)
		return
	}

	h.translate(ctx, msg)
	h.router.Publish(ctx, originID(msg), msg)
	h.record(ctx, msg, result.Verdict.String())
	h.award(ctx, msg)
}

// enrich fills the author's rank from the player record so formatters
// can render the prefix. A social sender resolved to a verified player
// also gains their player id, which keys infractions across platforms.
func (h *Hub) enrich(ctx context.Context, msg *chat.Message) {
	if h.players == nil {
		return
	}

	var (
		rec store.PlayerRecord
		err error
	)
	switch {
	case msg.Author.PlayerID != uuid.Nil:
		rec, err = h.players.Get(ctx, msg.Author.PlayerID)
	case msg.Author.ExternalID != "":
		rec, err = h.players.GetByExternal(ctx, msg.Author.ExternalID)
	default:
		return
	}
	if err != nil {
		return
	}

	msg.Author.PlayerID = rec.ID
	msg.Author.MainRank = rec.MainRank
	msg.Author.SubRank = rec.SubRank
	if msg.Author.DisplayName == "" {
		msg.Author.DisplayName = rec.DisplayName
	}
}

// translate rewrites the canonical text for channels with translation
// enabled. Failures leave the message untranslated; chat never blocks on
// a provider.
func (h *Hub) translate(ctx context.Context, msg *chat.Message) {
	if h.translator == nil || h.targetLang == "" {
		return
	}
	ch, ok := h.channels[msg.Channel]
	if !ok || !ch.Translate {
		return
	}

	res, err := h.translator.Translate(ctx, msg.CanonicalText, "", h.targetLang)
	if err != nil {
		slog.Debug("[Hub] translation skipped", "channel", msg.Channel, "error", err)
		return
	}
	msg.Lang = res.SourceLang
	if res.Translated {
		msg.SourceText = msg.CanonicalText
		msg.CanonicalText = res.Text
		msg.Translated = true
		msg.Confidence = res.Confidence
	}
}

// award feeds allowed game chat into the progression engine. Cooldowns
// and caps are the accumulator's concern; the hub only reports activity.
func (h *Hub) award(ctx context.Context, msg *chat.Message) {
	if h.awarder == nil || msg.Origin != chat.PlatformGame || msg.Author.PlayerID == uuid.Nil {
		return
	}
	if _, err := h.awarder.Award(ctx, msg.Author.PlayerID, "chat", xp.AwardContext{EventID: "chat-" + msg.IngressID}); err != nil {
		slog.Warn("[Hub] chat award failed", "player", msg.Author.PlayerID, "error", err)
	}
}

func (h *Hub) record(ctx context.Context, msg *chat.Message, verdict string) {
	if h.trail == nil {
		return
	}
	h.trail.Record(ctx, audit.Entry{
		At:        msg.ReceivedAt,
		Channel:   msg.Channel,
		SenderKey: msg.Author.SenderKey(),
		Verdict:   verdict,
		Text:      msg.CanonicalText,
	})
}

// originID is the router subscriber id the message entered through.
func originID(msg *chat.Message) string {
	return string(msg.Origin)
}
