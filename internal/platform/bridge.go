package platform

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/format"
)

// bridgeFrame is the wire format on the federated link.
type bridgeFrame struct {
	Kind      string `json:"kind"` // chat | announce
	IngressID string `json:"ingress_id,omitempty"`
	Channel   string `json:"channel"`
	Author    string `json:"author,omitempty"`
	Text      string `json:"text"`
}

// BridgeAdapter keeps a long-lived websocket to the federated network.
// Delivery is best effort: frames queued while the link is down are kept
// up to the queue depth and the rest are dropped.
type BridgeAdapter struct {
	cfg config.BridgeConfig

	outbound chan bridgeFrame

	handlerMu sync.RWMutex
	handler   InboundHandler

	dialer *websocket.Dialer
}

// NewBridgeAdapter builds the adapter; Run must be started for traffic to
// flow.
func NewBridgeAdapter(cfg config.BridgeConfig) *BridgeAdapter {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 256
	}
	return &BridgeAdapter{
		cfg:      cfg,
		outbound: make(chan bridgeFrame, depth),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (a *BridgeAdapter) Name() string            { return "bridge" }
func (a *BridgeAdapter) Platform() chat.Platform { return chat.PlatformBridge }

// Send queues a routed message for the federated side. A full queue drops
// the frame; the bridge contract is best effort.
func (a *BridgeAdapter) Send(_ context.Context, msg *chat.Message) error {
	a.enqueue(bridgeFrame{
		Kind:      "chat",
		IngressID: msg.IngressID,
		Channel:   msg.Channel,
		Author:    msg.Author.DisplayName,
		Text:      format.Render(msg, chat.PlatformBridge),
	})
	return nil
}

// Announce queues an out-of-band notice.
func (a *BridgeAdapter) Announce(_ context.Context, channel, text string) error {
	a.enqueue(bridgeFrame{Kind: "announce", Channel: channel, Text: text})
	return nil
}

func (a *BridgeAdapter) enqueue(f bridgeFrame) {
	select {
	case a.outbound <- f:
	default:
		slog.Debug("[Bridge] outbound queue full, frame dropped", "channel", f.Channel)
	}
}

func (a *BridgeAdapter) SubscribeInbound(h InboundHandler) {
	a.handlerMu.Lock()
	a.handler = h
	a.handlerMu.Unlock()
}

// SyncRole is a no-op; the federated side carries no role system.
func (a *BridgeAdapter) SyncRole(context.Context, uuid.UUID, int, int) error {
	return nil
}

// Run maintains the connection until ctx ends, reconnecting with jittered
// exponential backoff from the configured base up to the cap.
func (a *BridgeAdapter) Run(ctx context.Context) {
	backoff := time.Duration(a.cfg.ReconnectBaseMs) * time.Millisecond
	ceiling := time.Duration(a.cfg.ReconnectCapMs) * time.Millisecond

	for ctx.Err() == nil {
		conn, _, err := a.dialer.DialContext(ctx, a.cfg.URL, nil)
		if err != nil {
			slog.Warn("[Bridge] dial failed", "url", a.cfg.URL, "retry_in", backoff, "error", err)
			jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff)/2+1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > ceiling {
				backoff = ceiling
			}
			continue
		}

		slog.Info("[Bridge] connected", "url", a.cfg.URL)
		backoff = time.Duration(a.cfg.ReconnectBaseMs) * time.Millisecond
		a.pump(ctx, conn)
		conn.Close()
	}
}

// pump runs the read and write loops until either side fails.
func (a *BridgeAdapter) pump(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			var frame bridgeFrame
			if err := conn.ReadJSON(&frame); err != nil {
				slog.Warn("[Bridge] read failed", "error", err)
				return
			}
			a.dispatch(ctx, frame)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			return
		case <-done:
			return
		case frame := <-a.outbound:
			payload, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				slog.Warn("[Bridge] write failed", "error", err)
				// Frame is lost; best effort.
				return
			}
		}
	}
}

func (a *BridgeAdapter) dispatch(ctx context.Context, frame bridgeFrame) {
	if frame.Kind != "chat" {
		return
	}
	a.handlerMu.RLock()
	h := a.handler
	a.handlerMu.RUnlock()
	if h == nil {
		return
	}

	msg := chat.NewMessage(chat.PlatformBridge, frame.Channel,
		chat.Author{DisplayName: frame.Author}, frame.Text)
	if frame.IngressID != "" {
		msg.IngressID = frame.IngressID
	}
	h(ctx, msg)
}
