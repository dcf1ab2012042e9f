package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
)

type bridgeServer struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	received []bridgeFrame
	conns    []*websocket.Conn
}

func (s *bridgeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		var frame bridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		s.mu.Lock()
		s.received = append(s.received, frame)
		s.mu.Unlock()
	}
}

func (s *bridgeServer) push(frame bridgeFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	payload, _ := json.Marshal(frame)
	return s.conns[len(s.conns)-1].WriteMessage(websocket.TextMessage, payload)
}

func (s *bridgeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func startBridge(t *testing.T) (*BridgeAdapter, *bridgeServer, context.CancelFunc) {
	t.Helper()
	srv := &bridgeServer{}
	ts := httptest.NewServer(http.HandlerFunc(srv.handle))
	t.Cleanup(ts.Close)

	a := NewBridgeAdapter(config.BridgeConfig{
		URL:             "ws" + strings.TrimPrefix(ts.URL, "http"),
		ReconnectBaseMs: 10,
		ReconnectCapMs:  100,
		QueueDepth:      16,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)
	return a, srv, cancel
}

func TestBridgeSendsQueuedFrames(t *testing.T) {
	a, srv, cancel := startBridge(t)
	defer cancel()

	msg := chat.NewMessage(chat.PlatformGame, "global", chat.Author{DisplayName: "Steve"}, "hello")
	require.NoError(t, a.Send(context.Background(), msg))

	assert.Eventually(t, func() bool { return srv.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "chat", srv.received[0].Kind)
	assert.Equal(t, msg.IngressID, srv.received[0].IngressID)
	assert.Contains(t, srv.received[0].Text, "Steve")
}

func TestBridgeDispatchesInbound(t *testing.T) {
	a, srv, cancel := startBridge(t)
	defer cancel()

	var mu sync.Mutex
	var got []*chat.Message
	a.SubscribeInbound(func(_ context.Context, msg *chat.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	})

	// Wait for the adapter to connect before pushing.
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()
		return len(srv.conns) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, srv.push(bridgeFrame{
		Kind: "chat", IngressID: "remote-1", Channel: "global", Author: "Remote", Text: "hi from afar",
	}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, chat.PlatformBridge, got[0].Origin)
	assert.Equal(t, "remote-1", got[0].IngressID)
	assert.Equal(t, "hi from afar", got[0].RawText)
}

func TestBridgeAnnounceFrame(t *testing.T) {
	a, srv, cancel := startBridge(t)
	defer cancel()

	require.NoError(t, a.Announce(context.Background(), "global", "server restarting"))

	assert.Eventually(t, func() bool { return srv.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, "announce", srv.received[0].Kind)
}
