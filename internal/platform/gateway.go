package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/crosslink-mc/crosslink/internal/admission"
	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/identity"
)

const (
	gwPongWait   = 60 * time.Second
	gwPingPeriod = 30 * time.Second
	gwWriteWait  = 10 * time.Second
	gwMaxMsgSize = 64 * 1024
	gwSendBuffer = 256
)

// ErrPlayerOffline means no connected proxy owns the player.
var ErrPlayerOffline = errors.New("player not connected")

// ConnectionGate is the admission decision the gateway relays to the
// proxy on every login.
type ConnectionGate interface {
	Check(ctx context.Context, rawUsername string, edition identity.Edition) admission.Verdict
}

// proxyFrame is the wire format between the hub and the proxy plugin.
// The proxy sends login, join, chat and quit; the hub answers login with
// verdict and pushes send and broadcast.
type proxyFrame struct {
	Kind     string `json:"kind"`
	Username string `json:"username,omitempty"`
	Edition  string `json:"edition,omitempty"` // native | alternate
	Player   string `json:"player,omitempty"`  // platform uuid
	Name     string `json:"name,omitempty"`
	Channel  string `json:"channel,omitempty"`
	Text     string `json:"text,omitempty"`
	Decision string `json:"decision,omitempty"`
	Target   string `json:"target,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// proxyConn is one websocket from a proxy instance. All writes go through
// the send channel and a single writePump, so ping, verdict and broadcast
// never race on the socket.
type proxyConn struct {
	conn    *websocket.Conn
	send    chan proxyFrame
	done    chan struct{}
	once    sync.Once
	players *xsync.Map[uuid.UUID, struct{}]
}

func (c *proxyConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// enqueue drops the frame when the outbound buffer is full; a proxy that
// cannot drain its queue must not stall the fabric.
func (c *proxyConn) enqueue(f proxyFrame) error {
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return ErrPlayerOffline
	default:
		return fmt.Errorf("proxy send queue full, %s frame dropped", f.Kind)
	}
}

// GameGateway is the websocket server the proxy plugin dials. It relays
// logins to the admission gate, feeds chat packets into the game adapter
// and implements the adapter's outbound transport over the same socket.
type GameGateway struct {
	cfg  config.GameConfig
	gate ConnectionGate

	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[*proxyConn]struct{}
	owners *xsync.Map[uuid.UUID, *proxyConn]

	adapterMu sync.RWMutex
	adapter   *GameAdapter

	http *http.Server
}

// NewGameGateway builds the gateway. BindAdapter must be called before
// traffic flows; the adapter needs the gateway as its transport first.
func NewGameGateway(cfg config.GameConfig, gate ConnectionGate) *GameGateway {
	g := &GameGateway{
		cfg:  cfg,
		gate: gate,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The proxy plugin is not a browser; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:  make(map[*proxyConn]struct{}),
		owners: xsync.NewMap[uuid.UUID, *proxyConn](),
	}

	r := mux.NewRouter()
	r.HandleFunc("/proxy", g.handleProxy).Methods(http.MethodGet)
	g.http = &http.Server{Addr: cfg.ListenAddr, Handler: r}
	return g
}

// BindAdapter attaches the game adapter that receives inbound chat.
func (g *GameGateway) BindAdapter(a *GameAdapter) {
	g.adapterMu.Lock()
	g.adapter = a
	g.adapterMu.Unlock()
}

// Run serves proxy connections until ctx ends.
func (g *GameGateway) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("[Gateway] listening", "addr", g.http.Addr)
		errCh <- g.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := g.http.Shutdown(shutdownCtx)
		g.mu.Lock()
		for c := range g.conns {
			c.close()
		}
		g.mu.Unlock()
		return err
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// SendTo delivers a text packet to the proxy owning the player.
func (g *GameGateway) SendTo(_ context.Context, playerID uuid.UUID, text string) error {
	owner, ok := g.owners.Load(playerID)
	if !ok {
		return ErrPlayerOffline
	}
	return owner.enqueue(proxyFrame{Kind: "send", Player: playerID.String(), Text: text})
}

// Broadcast delivers to every connected proxy.
func (g *GameGateway) Broadcast(_ context.Context, text string) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var firstErr error
	for c := range g.conns {
		if err := c.enqueue(proxyFrame{Kind: "broadcast", Text: text}); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Players lists every player currently owned by a connected proxy.
func (g *GameGateway) Players() []uuid.UUID {
	out := make([]uuid.UUID, 0, g.owners.Size())
	g.owners.Range(func(id uuid.UUID, _ *proxyConn) bool {
		out = append(out, id)
		return true
	})
	return out
}

// handleProxy upgrades the connection and runs its pumps.
func (g *GameGateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Gateway] upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &proxyConn{
		conn:    conn,
		send:    make(chan proxyFrame, gwSendBuffer),
		done:    make(chan struct{}),
		players: xsync.NewMap[uuid.UUID, struct{}](),
	}
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()
	slog.Info("[Gateway] proxy connected", "remote", r.RemoteAddr)

	go g.writePump(c)
	g.readLoop(r.Context(), c)
	g.drop(c)
	slog.Info("[Gateway] proxy disconnected", "remote", r.RemoteAddr)
}

func (g *GameGateway) readLoop(ctx context.Context, c *proxyConn) {
	c.conn.SetReadLimit(gwMaxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(gwPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(gwPongWait))
	})

	for {
		var frame proxyFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("[Gateway] read failed", "error", err)
			}
			return
		}
		g.dispatch(ctx, c, frame)
	}
}

func (g *GameGateway) writePump(c *proxyConn) {
	ticker := time.NewTicker(gwPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(gwWriteWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(gwWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (g *GameGateway) dispatch(ctx context.Context, c *proxyConn, frame proxyFrame) {
	switch frame.Kind {
	case "login":
		verdict := g.gate.Check(ctx, frame.Username, editionFrom(frame.Edition))
		c.enqueue(proxyFrame{
			Kind:     "verdict",
			Username: frame.Username,
			Decision: verdict.Decision.String(),
			Target:   verdict.Target,
			Reason:   verdict.Reason,
		})
	case "join":
		id, err := uuid.Parse(frame.Player)
		if err != nil {
			slog.Warn("[Gateway] join with bad player id", "player", frame.Player)
			return
		}
		c.players.Store(id, struct{}{})
		g.owners.Store(id, c)
	case "chat":
		id, err := uuid.Parse(frame.Player)
		if err != nil {
			return
		}
		g.adapterMu.RLock()
		adapter := g.adapter
		g.adapterMu.RUnlock()
		if adapter == nil {
			return
		}
		adapter.HandleChatPacket(ctx, chat.Author{PlayerID: id, DisplayName: frame.Name}, frame.Channel, frame.Text)
	case "quit":
		id, err := uuid.Parse(frame.Player)
		if err != nil {
			return
		}
		g.release(c, id)
	default:
		slog.Debug("[Gateway] unknown frame kind", "kind", frame.Kind)
	}
}

// release forgets one player if this connection owns them.
func (g *GameGateway) release(c *proxyConn, id uuid.UUID) {
	c.players.Delete(id)
	if owner, ok := g.owners.Load(id); ok && owner == c {
		g.owners.Delete(id)
	}
	g.adapterMu.RLock()
	adapter := g.adapter
	g.adapterMu.RUnlock()
	if adapter != nil {
		adapter.DropLane(id)
	}
}

// drop releases every player the connection owned and deregisters it.
func (g *GameGateway) drop(c *proxyConn) {
	c.players.Range(func(id uuid.UUID, _ struct{}) bool {
		g.release(c, id)
		return true
	})
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
	c.close()
}

func editionFrom(raw string) identity.Edition {
	if raw == "alternate" {
		return identity.EditionAlternate
	}
	return identity.EditionNative
}
