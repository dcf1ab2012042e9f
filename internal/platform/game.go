package platform

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/format"
)

// GameTransport is the host proxy's outbound text surface.
type GameTransport interface {
	// SendTo delivers a text packet to one connected player.
	SendTo(ctx context.Context, playerID uuid.UUID, text string) error
	// Broadcast delivers to every connected player.
	Broadcast(ctx context.Context, text string) error
	// Players lists currently connected player ids.
	Players() []uuid.UUID
}

// playerLane serializes outbound sends to one player and remembers the
// last delivered status line for coalescing.
type playerLane struct {
	mu         sync.Mutex
	lastStatus string
}

// GameAdapter bridges the host proxy's chat packets into the fabric.
// Outbound delivery is per-player FIFO; repeated adjacent status sends
// with identical text are coalesced into one.
type GameAdapter struct {
	cfg       config.GameConfig
	transport GameTransport

	lanes *xsync.Map[uuid.UUID, *playerLane]

	handlerMu sync.RWMutex
	handler   InboundHandler
}

// NewGameAdapter builds the game adapter over the proxy transport.
func NewGameAdapter(cfg config.GameConfig, transport GameTransport) *GameAdapter {
	return &GameAdapter{
		cfg:       cfg,
		transport: transport,
		lanes:     xsync.NewMap[uuid.UUID, *playerLane](),
	}
}

func (a *GameAdapter) Name() string            { return "game" }
func (a *GameAdapter) Platform() chat.Platform { return chat.PlatformGame }

// Send broadcasts a routed chat message to every connected player in the
// host's native markup.
func (a *GameAdapter) Send(ctx context.Context, msg *chat.Message) error {
	return a.transport.Broadcast(ctx, format.Render(msg, chat.PlatformGame))
}

// SendStatus delivers a per-player status line. Identical adjacent status
// lines are coalesced so a flapping condition does not spam the player.
func (a *GameAdapter) SendStatus(ctx context.Context, playerID uuid.UUID, text string) error {
	lane, _ := a.lanes.LoadOrStore(playerID, &playerLane{})
	lane.mu.Lock()
	defer lane.mu.Unlock()

	if a.cfg.CoalesceStatus && lane.lastStatus == text {
		return nil
	}
	if err := a.transport.SendTo(ctx, playerID, text); err != nil {
		return err
	}
	lane.lastStatus = text
	return nil
}

// SendTo delivers a non-status line to one player, preserving per-player
// order relative to status sends.
func (a *GameAdapter) SendTo(ctx context.Context, playerID uuid.UUID, text string) error {
	lane, _ := a.lanes.LoadOrStore(playerID, &playerLane{})
	lane.mu.Lock()
	defer lane.mu.Unlock()
	lane.lastStatus = ""
	return a.transport.SendTo(ctx, playerID, text)
}

// Announce broadcasts an out-of-band notice in the host's markup.
func (a *GameAdapter) Announce(ctx context.Context, _ string, text string) error {
	return a.transport.Broadcast(ctx, "§6"+text)
}

func (a *GameAdapter) SubscribeInbound(h InboundHandler) {
	a.handlerMu.Lock()
	a.handler = h
	a.handlerMu.Unlock()
}

// HandleChatPacket is invoked by the proxy glue once per inbound chat
// packet. The author must already be admitted; the caller fills rank data.
func (a *GameAdapter) HandleChatPacket(ctx context.Context, author chat.Author, channel, text string) {
	a.handlerMu.RLock()
	h := a.handler
	a.handlerMu.RUnlock()
	if h == nil {
		return
	}
	h(ctx, chat.NewMessage(chat.PlatformGame, channel, author, text))
}

// DropLane forgets a disconnected player's lane state.
func (a *GameAdapter) DropLane(playerID uuid.UUID) {
	a.lanes.Delete(playerID)
}

// SyncRole is a no-op; the game platform has no role system to mirror.
func (a *GameAdapter) SyncRole(context.Context, uuid.UUID, int, int) error {
	return nil
}
