package router

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

func routerConfig() config.RouterConfig {
	return config.RouterConfig{
		QueueDepth:      8,
		PriorityBlockMs: 50,
		DedupWindow:     config.Duration(10 * time.Minute),
	}
}

func channelTable() []config.ChannelConfig {
	return []config.ChannelConfig{
		{Name: "global", Bridges: []string{"game", "social", "bridge"}},
		{Name: "staff", Bridges: []string{"game", "social"}, Priority: true},
		{Name: "game-only", Bridges: []string{"game"}},
	}
}

type collector struct {
	mu   sync.Mutex
	msgs []*chat.Message
}

func (c *collector) handle(msg *chat.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func testMessage(channel, text string) *chat.Message {
	return chat.NewMessage(chat.PlatformGame, channel, chat.Author{DisplayName: "Steve"}, text)
}

func TestPublishFansOutExceptOrigin(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	game := &collector{}
	social := &collector{}
	bridge := &collector{}
	defer r.Subscribe("game", chat.PlatformGame, game.handle)()
	defer r.Subscribe("social", chat.PlatformSocial, social.handle)()
	defer r.Subscribe("bridge", chat.PlatformBridge, bridge.handle)()

	r.Publish(context.Background(), "game", testMessage("global", "hello"))

	assert.Eventually(t, func() bool {
		return social.count() == 1 && bridge.count() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, game.count())
}

func TestPublishRespectsChannelBindings(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	social := &collector{}
	defer r.Subscribe("social", chat.PlatformSocial, social.handle)()

	r.Publish(context.Background(), "game", testMessage("game-only", "internal"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, social.count())
}

func TestPublishDropsDuplicateIngress(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	social := &collector{}
	defer r.Subscribe("social", chat.PlatformSocial, social.handle)()

	msg := testMessage("global", "hello")
	ctx := context.Background()
	r.Publish(ctx, "game", msg)
	r.Publish(ctx, "game", msg)

	assert.Eventually(t, func() bool { return social.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, social.count())
}

func TestPublishUnknownChannelDropped(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	social := &collector{}
	defer r.Subscribe("social", chat.PlatformSocial, social.handle)()

	r.Publish(context.Background(), "game", testMessage("nope", "hello"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, social.count())
}

func TestOverflowDropsOldestNonPriority(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	var delivered []string
	var mu sync.Mutex
	defer r.Subscribe("social", chat.PlatformSocial, func(msg *chat.Message) {
		entered <- struct{}{}
		<-release
		mu.Lock()
		delivered = append(delivered, msg.RawText)
		mu.Unlock()
	})()

	ctx := context.Background()
	// Park "a" inside the handler, fill the queue with b..i, then force
	// the oldest two queued messages out with j and k.
	r.Publish(ctx, "game", testMessage("global", "a"))
	<-entered
	for i := 1; i < 11; i++ {
		r.Publish(ctx, "game", testMessage("global", string(rune('a'+i))))
	}
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 9
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// "a" was in-flight; the queue kept the newest eight of the rest.
	assert.Equal(t, "a", delivered[0])
	assert.Equal(t, "k", delivered[len(delivered)-1])
	assert.NotContains(t, delivered, "b")
	assert.NotContains(t, delivered, "c")
}

// A queued staff message survives a non-priority overflow: eviction only
// ever displaces non-priority traffic.
func TestOverflowSparesQueuedPriority(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	entered := make(chan struct{}, 16)
	release := make(chan struct{})
	var delivered []string
	var mu sync.Mutex
	defer r.Subscribe("social", chat.PlatformSocial, func(msg *chat.Message) {
		entered <- struct{}{}
		<-release
		mu.Lock()
		delivered = append(delivered, msg.RawText)
		mu.Unlock()
	})()

	ctx := context.Background()
	// Park "a" inside the handler, queue the staff message, then push the
	// normal queue two past its depth so eviction has to pick victims.
	r.Publish(ctx, "game", testMessage("global", "a"))
	<-entered
	r.Publish(ctx, "game", testMessage("staff", "urgent"))
	for i := 0; i < 10; i++ {
		r.Publish(ctx, "game", testMessage("global", fmt.Sprintf("filler-%d", i)))
	}
	close(release)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(delivered) == 10
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	// The staff message drains ahead of the queued normals; the evicted
	// victims are the two oldest fillers.
	assert.Equal(t, "urgent", delivered[1])
	assert.NotContains(t, delivered, "filler-0")
	assert.NotContains(t, delivered, "filler-1")
	assert.Contains(t, delivered, "filler-9")
}

func TestPrioritySpillsToDisk(t *testing.T) {
	cfg := routerConfig()
	cfg.OverflowPath = filepath.Join(t.TempDir(), "overflow.jsonl")
	r, err := New(cfg, channelTable(), metrics.Nop())
	require.NoError(t, err)

	block := make(chan struct{})
	defer close(block)
	defer r.Subscribe("social", chat.PlatformSocial, func(*chat.Message) {
		<-block
	})()

	ctx := context.Background()
	// Fill the in-flight slot and the queue, then overflow with priority
	// traffic that must survive on disk.
	for i := 0; i < 10; i++ {
		r.Publish(ctx, "game", testMessage("staff", "queued"))
	}
	spilled := testMessage("staff", "must survive")
	r.Publish(ctx, "game", spilled)

	f, err := os.Open(cfg.OverflowPath)
	require.NoError(t, err)
	defer f.Close()

	var found bool
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec spilledMessage
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		if rec.Message.IngressID == spilled.IngressID {
			found = true
			assert.Equal(t, "social", rec.Subscriber)
		}
	}
	assert.True(t, found, "priority message not found in overflow file")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	social := &collector{}
	unsub := r.Subscribe("social", chat.PlatformSocial, social.handle)
	unsub()

	r.Publish(context.Background(), "game", testMessage("global", "hello"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, social.count())
}

func TestPerOriginFIFO(t *testing.T) {
	r, err := New(routerConfig(), channelTable(), metrics.Nop())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	defer r.Subscribe("social", chat.PlatformSocial, func(msg *chat.Message) {
		mu.Lock()
		order = append(order, msg.RawText)
		mu.Unlock()
	})()

	ctx := context.Background()
	for _, text := range []string{"1", "2", "3", "4", "5"} {
		r.Publish(ctx, "game", testMessage("global", text))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, order)
}
