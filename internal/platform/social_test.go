package platform

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
)

type sentMessage struct {
	bot     string
	channel string
	text    string
}

type fakeSocial struct {
	mu       sync.Mutex
	sent     []sentMessage
	roles    map[string][]string // externalID -> assigned roles in order
	removed  map[string][]string
	failBots map[string]bool
}

func newFakeSocial() *fakeSocial {
	return &fakeSocial{
		roles:    make(map[string][]string),
		removed:  make(map[string][]string),
		failBots: make(map[string]bool),
	}
}

func (f *fakeSocial) SendMessage(_ context.Context, botName, channel, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBots[botName] {
		return errors.New("gateway down")
	}
	f.sent = append(f.sent, sentMessage{bot: botName, channel: channel, text: text})
	return nil
}

func (f *fakeSocial) AssignRole(_ context.Context, externalID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles[externalID] = append(f.roles[externalID], role)
	return nil
}

func (f *fakeSocial) RemoveRole(_ context.Context, externalID, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[externalID] = append(f.removed[externalID], role)
	return nil
}

func socialConfig() config.SocialConfig {
	return config.SocialConfig{
		Bots: []config.BotConfig{
			{Name: "herald", Priority: 0, Channels: []string{"global"}},
			{Name: "warden", Priority: 1, Channels: []string{"staff"}},
			{Name: "scribe", Priority: 2},
			{Name: "jester", Priority: 3},
		},
		RatePerSec:   1000,
		SegmentLimit: 2000,
	}
}

func boundPlayer(externalID string) func(uuid.UUID) (string, bool) {
	return func(uuid.UUID) (string, bool) { return externalID, externalID != "" }
}

func TestSendUsesChannelAffinity(t *testing.T) {
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), nil, transport, boundPlayer("ext-1"))

	msg := chat.NewMessage(chat.PlatformGame, "staff", chat.Author{DisplayName: "Steve"}, "hi")
	require.NoError(t, a.Send(context.Background(), msg))

	require.Len(t, transport.sent, 1)
	assert.Equal(t, "warden", transport.sent[0].bot)
}

func TestSendSegmentsLongText(t *testing.T) {
	cfg := socialConfig()
	cfg.SegmentLimit = 50
	transport := newFakeSocial()
	a := NewSocialAdapter(cfg, nil, transport, boundPlayer("ext-1"))

	msg := chat.NewMessage(chat.PlatformGame, "global", chat.Author{DisplayName: "Steve"},
		strings.Repeat("lorem ipsum ", 20))
	require.NoError(t, a.Send(context.Background(), msg))

	assert.Greater(t, len(transport.sent), 1)
	for _, s := range transport.sent {
		assert.LessOrEqual(t, len([]rune(s.text)), 50)
	}
}

func TestAnnouncePicksHighestPriorityHealthy(t *testing.T) {
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), nil, transport, boundPlayer("ext-1"))
	ctx := context.Background()

	require.NoError(t, a.Announce(ctx, "global", "promotion!"))
	require.Len(t, transport.sent, 1)
	assert.Equal(t, "herald", transport.sent[0].bot)

	// Knock herald out; the next announcement falls to warden.
	transport.mu.Lock()
	transport.failBots["herald"] = true
	transport.mu.Unlock()
	_ = a.Announce(ctx, "global", "again")

	require.NoError(t, a.Announce(ctx, "global", "third"))
	last := transport.sent[len(transport.sent)-1]
	assert.Equal(t, "warden", last.bot)
}

func TestMarkHealthyRestoresPersonality(t *testing.T) {
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), nil, transport, boundPlayer("ext-1"))
	ctx := context.Background()

	transport.mu.Lock()
	transport.failBots["herald"] = true
	transport.mu.Unlock()
	_ = a.Announce(ctx, "global", "fails")

	transport.mu.Lock()
	transport.failBots["herald"] = false
	transport.mu.Unlock()
	a.MarkHealthy("herald")

	require.NoError(t, a.Announce(ctx, "global", "back"))
	last := transport.sent[len(transport.sent)-1]
	assert.Equal(t, "herald", last.bot)
}

func TestAllBotsDown(t *testing.T) {
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), nil, transport, boundPlayer("ext-1"))
	ctx := context.Background()

	transport.mu.Lock()
	for _, b := range socialConfig().Bots {
		transport.failBots[b.Name] = true
	}
	transport.mu.Unlock()

	for range socialConfig().Bots {
		_ = a.Announce(ctx, "global", "doomed")
	}
	err := a.Announce(ctx, "global", "doomed")
	assert.ErrorIs(t, err, ErrNoHealthyBot)
}

func TestSyncRoleIdempotent(t *testing.T) {
	roleMap := map[string]string{"12:3": "Veteran III", "12:*": "Veteran"}
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), roleMap, transport, boundPlayer("ext-1"))
	ctx := context.Background()
	player := uuid.New()

	require.NoError(t, a.SyncRole(ctx, player, 12, 3))
	require.NoError(t, a.SyncRole(ctx, player, 12, 3))
	assert.Equal(t, []string{"Veteran III"}, transport.roles["ext-1"])
}

func TestSyncRoleReplacesPrevious(t *testing.T) {
	roleMap := map[string]string{"12:3": "Veteran III", "13:0": "Elder"}
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), roleMap, transport, boundPlayer("ext-1"))
	ctx := context.Background()
	player := uuid.New()

	require.NoError(t, a.SyncRole(ctx, player, 12, 3))
	require.NoError(t, a.SyncRole(ctx, player, 13, 0))

	assert.Equal(t, []string{"Veteran III", "Elder"}, transport.roles["ext-1"])
	assert.Equal(t, []string{"Veteran III"}, transport.removed["ext-1"])
}

func TestSyncRoleWildcardFallback(t *testing.T) {
	roleMap := map[string]string{"12:*": "Veteran"}
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), roleMap, transport, boundPlayer("ext-1"))

	require.NoError(t, a.SyncRole(context.Background(), uuid.New(), 12, 5))
	assert.Equal(t, []string{"Veteran"}, transport.roles["ext-1"])
}

func TestSyncRoleUnboundPlayerSkipped(t *testing.T) {
	roleMap := map[string]string{"12:3": "Veteran III"}
	transport := newFakeSocial()
	a := NewSocialAdapter(socialConfig(), roleMap, transport, boundPlayer(""))

	require.NoError(t, a.SyncRole(context.Background(), uuid.New(), 12, 3))
	assert.Empty(t, transport.roles)
}
