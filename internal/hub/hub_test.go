package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/audit"
	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/filter"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/platform"
	"github.com/crosslink-mc/crosslink/internal/router"
	"github.com/crosslink-mc/crosslink/internal/store"
	"github.com/crosslink-mc/crosslink/internal/translate"
	"github.com/crosslink-mc/crosslink/internal/xp"
)

type memAdapter struct {
	name string
	plat chat.Platform

	mu      sync.Mutex
	sent    []*chat.Message
	handler platform.InboundHandler
}

func (a *memAdapter) Name() string            { return a.name }
func (a *memAdapter) Platform() chat.Platform { return a.plat }

func (a *memAdapter) Send(_ context.Context, msg *chat.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *memAdapter) Announce(context.Context, string, string) error { return nil }

func (a *memAdapter) SubscribeInbound(h platform.InboundHandler) { a.handler = h }

func (a *memAdapter) SyncRole(context.Context, uuid.UUID, int, int) error { return nil }

func (a *memAdapter) sentCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sent)
}

func (a *memAdapter) lastSent() *chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		return nil
	}
	return a.sent[len(a.sent)-1]
}

type recordingAwarder struct {
	mu     sync.Mutex
	awards []string
}

func (r *recordingAwarder) Award(_ context.Context, playerID uuid.UUID, source string, _ xp.AwardContext) (xp.AwardResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.awards = append(r.awards, playerID.String()+":"+source)
	return xp.AwardResult{Status: xp.AwardGranted, Amount: 10}, nil
}

type staticPlayers struct {
	recs map[uuid.UUID]store.PlayerRecord
}

func (s *staticPlayers) Get(_ context.Context, id uuid.UUID) (store.PlayerRecord, error) {
	rec, ok := s.recs[id]
	if !ok {
		return store.PlayerRecord{}, store.ErrPlayerNotFound
	}
	return rec, nil
}

func (s *staticPlayers) GetByExternal(_ context.Context, externalID string) (store.PlayerRecord, error) {
	for _, rec := range s.recs {
		if rec.ExternalID == externalID {
			return rec, nil
		}
	}
	return store.PlayerRecord{}, store.ErrPlayerNotFound
}

type echoProvider struct{}

func (echoProvider) Name() string { return "echo" }

func (echoProvider) Detect(context.Context, string) (translate.Detection, error) {
	return translate.Detection{Lang: "es", Confidence: 0.95}, nil
}

func (echoProvider) Translate(_ context.Context, text, _, targetLang string) (translate.Translated, error) {
	return translate.Translated{Text: "[" + targetLang + "] " + text, SourceLang: "es", Confidence: 0.9}, nil
}

func (echoProvider) SupportedPairs(context.Context) ([]translate.Pair, error) {
	return []translate.Pair{{Source: "es", Target: "en"}}, nil
}

func hubChannels() []config.ChannelConfig {
	return []config.ChannelConfig{
		{Name: "global", Bridges: []string{"game", "social", "bridge"}},
		{Name: "intl", Bridges: []string{"game", "social"}, Translate: true},
	}
}

func filterConfigs() []config.FilterConfig {
	return []config.FilterConfig{
		{Name: "length", MaxLength: 256},
		{Name: "pattern", Patterns: []config.PatternRule{{Match: "forbidden", HardBlock: true}}},
	}
}

type hubHarness struct {
	hub     *Hub
	game    *memAdapter
	social  *memAdapter
	trail   *audit.Log
	awarder *recordingAwarder
	players *staticPlayers
}

func newHubHarness(t *testing.T) *hubHarness {
	t.Helper()
	bus := events.NewBus()
	mets := metrics.Nop()

	chain, err := filter.NewChain(filterConfigs(), bus, mets)
	require.NoError(t, err)

	rt, err := router.New(config.RouterConfig{
		QueueDepth:      16,
		PriorityBlockMs: 50,
		DedupWindow:     config.Duration(10 * time.Minute),
	}, hubChannels(), mets)
	require.NoError(t, err)

	translator, err := translate.NewService(config.TranslationConfig{
		Providers:       []string{"echo"},
		CacheTTL:        config.Duration(24 * time.Hour),
		CacheSize:       100,
		MinConfidence:   0.7,
		ProviderTimeout: config.Duration(time.Second),
	}, []translate.Provider{echoProvider{}}, mets)
	require.NoError(t, err)

	h := &hubHarness{
		game:    &memAdapter{name: "game", plat: chat.PlatformGame},
		social:  &memAdapter{name: "social", plat: chat.PlatformSocial},
		trail:   audit.New(config.AuditConfig{RingSize: 64}, nil, bus),
		awarder: &recordingAwarder{},
		players: &staticPlayers{recs: make(map[uuid.UUID]store.PlayerRecord)},
	}
	h.hub = New(chain, translator, rt, h.players, h.awarder, h.trail, hubChannels(), "en")
	h.hub.Attach(h.game)
	h.hub.Attach(h.social)
	t.Cleanup(h.hub.Detach)
	return h
}

func gameAuthor() chat.Author {
	return chat.Author{PlayerID: uuid.New(), DisplayName: "Steve"}
}

func TestInboundRoutedToOtherPlatforms(t *testing.T) {
	h := newHubHarness(t)

	msg := chat.NewMessage(chat.PlatformGame, "global", gameAuthor(), "hello world")
	h.hub.HandleInbound(context.Background(), msg)

	assert.Eventually(t, func() bool { return h.social.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.game.sentCount(), "origin must not receive its own message")
}

func TestCancelledMessageNotRouted(t *testing.T) {
	h := newHubHarness(t)

	msg := chat.NewMessage(chat.PlatformGame, "global", gameAuthor(), "this is forbidden text")
	h.hub.HandleInbound(context.Background(), msg)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.social.sentCount())

	// Both the infraction subscription and the pipeline record the drop.
	recent := h.trail.Recent(10)
	require.NotEmpty(t, recent)
	assert.Contains(t, recent[0].Verdict, "cancelled:pattern")
}

func TestTranslatedChannel(t *testing.T) {
	h := newHubHarness(t)

	msg := chat.NewMessage(chat.PlatformGame, "intl", gameAuthor(), "hola mundo")
	h.hub.HandleInbound(context.Background(), msg)

	assert.Eventually(t, func() bool { return h.social.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	delivered := h.social.lastSent()
	assert.True(t, delivered.Translated)
	assert.Equal(t, "es", delivered.Lang)
	assert.Equal(t, "hola mundo", delivered.SourceText)
	assert.Equal(t, "[en] hola mundo", delivered.CanonicalText)
}

func TestUntranslatedChannelLeftAlone(t *testing.T) {
	h := newHubHarness(t)

	msg := chat.NewMessage(chat.PlatformGame, "global", gameAuthor(), "hola mundo")
	h.hub.HandleInbound(context.Background(), msg)

	assert.Eventually(t, func() bool { return h.social.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.social.lastSent().Translated)
}

func TestRankEnrichment(t *testing.T) {
	h := newHubHarness(t)
	author := gameAuthor()
	h.players.recs[author.PlayerID] = store.PlayerRecord{
		ID: author.PlayerID, DisplayName: "Steve", MainRank: 12, SubRank: 3,
	}

	msg := chat.NewMessage(chat.PlatformGame, "global", author, "hello")
	h.hub.HandleInbound(context.Background(), msg)

	assert.Eventually(t, func() bool { return h.social.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	delivered := h.social.lastSent()
	assert.Equal(t, 12, delivered.Author.MainRank)
	assert.Equal(t, 3, delivered.Author.SubRank)
}

func TestSocialSenderEnrichedByExternalID(t *testing.T) {
	h := newHubHarness(t)
	playerID := uuid.New()
	h.players.recs[playerID] = store.PlayerRecord{
		ID: playerID, ExternalID: "ext-7", DisplayName: "Alex", MainRank: 4, SubRank: 6,
	}

	msg := chat.NewMessage(chat.PlatformSocial, "global", chat.Author{ExternalID: "ext-7", DisplayName: "Alex"}, "hey")
	h.hub.HandleInbound(context.Background(), msg)

	assert.Eventually(t, func() bool { return h.game.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	delivered := h.game.lastSent()
	assert.Equal(t, playerID, delivered.Author.PlayerID)
	assert.Equal(t, 4, delivered.Author.MainRank)
	assert.Equal(t, 6, delivered.Author.SubRank)
}

func TestGameChatFeedsProgression(t *testing.T) {
	h := newHubHarness(t)
	author := gameAuthor()

	msg := chat.NewMessage(chat.PlatformGame, "global", author, "hello")
	h.hub.HandleInbound(context.Background(), msg)

	h.awarder.mu.Lock()
	defer h.awarder.mu.Unlock()
	require.Len(t, h.awarder.awards, 1)
	assert.Equal(t, author.PlayerID.String()+":chat", h.awarder.awards[0])
}

func TestSocialChatEarnsNoGameXP(t *testing.T) {
	h := newHubHarness(t)

	msg := chat.NewMessage(chat.PlatformSocial, "global", chat.Author{ExternalID: "ext-9", DisplayName: "Drew"}, "hi")
	h.hub.HandleInbound(context.Background(), msg)

	assert.Eventually(t, func() bool { return h.game.sentCount() == 1 }, time.Second, 5*time.Millisecond)
	h.awarder.mu.Lock()
	defer h.awarder.mu.Unlock()
	assert.Empty(t, h.awarder.awards)
}
