package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/format"
)

// SocialTransport is the REST/gateway surface of the social platform,
// shared by every bot personality.
type SocialTransport interface {
	SendMessage(ctx context.Context, botName, channel, text string) error
	AssignRole(ctx context.Context, externalID, role string) error
	RemoveRole(ctx context.Context, externalID, role string) error
}

// ErrNoHealthyBot means every personality is marked unhealthy.
var ErrNoHealthyBot = errors.New("no healthy bot personality")

// personality is one logical egress identity on the shared connection.
type personality struct {
	cfg     config.BotConfig
	healthy atomic.Bool
}

// SocialAdapter speaks for the network on the social platform through
// four bot personalities sharing one REST rate budget.
type SocialAdapter struct {
	cfg     config.SocialConfig
	roleMap map[string]string

	transport SocialTransport
	limiter   *rate.Limiter
	bots      []*personality

	// lastRole remembers the last role synced per external identity so
	// SyncRole stays idempotent without a round trip.
	lastRole *xsync.Map[string, string]

	// binding resolves player ids to external identities for role sync.
	binding func(playerID uuid.UUID) (externalID string, ok bool)

	handlerMu sync.RWMutex
	handler   InboundHandler
}

// NewSocialAdapter builds the adapter. binding resolves a player to the
// bound external identity; role sync for unbound players is skipped.
func NewSocialAdapter(cfg config.SocialConfig, roleMap map[string]string, transport SocialTransport,
	binding func(uuid.UUID) (string, bool)) *SocialAdapter {
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	a := &SocialAdapter{
		cfg:       cfg,
		roleMap:   roleMap,
		transport: transport,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst),
		lastRole:  xsync.NewMap[string, string](),
		binding:   binding,
	}
	for _, bc := range cfg.Bots {
		p := &personality{cfg: bc}
		p.healthy.Store(true)
		a.bots = append(a.bots, p)
	}
	return a
}

func (a *SocialAdapter) Name() string            { return "social" }
func (a *SocialAdapter) Platform() chat.Platform { return chat.PlatformSocial }

// botFor picks the personality with affinity for the channel, falling back
// to the announcement bot.
func (a *SocialAdapter) botFor(channel string) (*personality, error) {
	for _, p := range a.bots {
		if !p.healthy.Load() {
			continue
		}
		for _, c := range p.cfg.Channels {
			if c == channel {
				return p, nil
			}
		}
	}
	return a.announcer()
}

// announcer picks the highest-priority healthy personality.
func (a *SocialAdapter) announcer() (*personality, error) {
	candidates := make([]*personality, 0, len(a.bots))
	for _, p := range a.bots {
		if p.healthy.Load() {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyBot
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].cfg.Priority < candidates[j].cfg.Priority
	})
	return candidates[0], nil
}

// Send renders the message for the platform and delivers it, segmenting
// oversized text at word boundaries under the shared rate budget.
func (a *SocialAdapter) Send(ctx context.Context, msg *chat.Message) error {
	bot, err := a.botFor(msg.Channel)
	if err != nil {
		return err
	}
	return a.deliver(ctx, bot, msg.Channel, format.Render(msg, chat.PlatformSocial))
}

// Announce posts through the highest-priority healthy personality.
func (a *SocialAdapter) Announce(ctx context.Context, channel, text string) error {
	bot, err := a.announcer()
	if err != nil {
		return err
	}
	return a.deliver(ctx, bot, channel, text)
}

func (a *SocialAdapter) deliver(ctx context.Context, bot *personality, channel, text string) error {
	for _, segment := range Segment(text, a.cfg.SegmentLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.transport.SendMessage(ctx, bot.cfg.Name, channel, segment); err != nil {
			bot.healthy.Store(false)
			slog.Warn("[Social] send failed, personality marked unhealthy",
				"bot", bot.cfg.Name, "channel", channel, "error", err)
			return err
		}
	}
	return nil
}

// MarkHealthy restores a personality after the gateway reconnects.
func (a *SocialAdapter) MarkHealthy(botName string) {
	for _, p := range a.bots {
		if p.cfg.Name == botName {
			p.healthy.Store(true)
			return
		}
	}
}

func (a *SocialAdapter) SubscribeInbound(h InboundHandler) {
	a.handlerMu.Lock()
	a.handler = h
	a.handlerMu.Unlock()
}

// HandleInbound is invoked by the gateway glue once per social message.
func (a *SocialAdapter) HandleInbound(ctx context.Context, author chat.Author, channel, text string) {
	a.handlerMu.RLock()
	h := a.handler
	a.handlerMu.RUnlock()
	if h == nil {
		return
	}
	h(ctx, chat.NewMessage(chat.PlatformSocial, channel, author, text))
}

// SyncRole maps the rank coordinate to the configured platform role and
// assigns it, removing the previously synced role. Re-syncing the same
// coordinate is a no-op.
func (a *SocialAdapter) SyncRole(ctx context.Context, playerID uuid.UUID, mainRank, subRank int) error {
	externalID, ok := a.binding(playerID)
	if !ok {
		return nil
	}
	role, ok := a.roleFor(mainRank, subRank)
	if !ok {
		return nil
	}

	if prev, _ := a.lastRole.Load(externalID); prev == role {
		return nil
	}

	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.transport.AssignRole(ctx, externalID, role); err != nil {
		return fmt.Errorf("assign role %q: %w", role, err)
	}
	if prev, ok := a.lastRole.Load(externalID); ok && prev != role {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		if err := a.transport.RemoveRole(ctx, externalID, prev); err != nil {
			slog.Warn("[Social] stale role removal failed", "external", externalID, "role", prev, "error", err)
		}
	}
	a.lastRole.Store(externalID, role)
	return nil
}

// roleFor resolves the role table. Exact "main:sub" rows win; a "main:*"
// row covers the whole main rank.
func (a *SocialAdapter) roleFor(mainRank, subRank int) (string, bool) {
	if role, ok := a.roleMap[fmt.Sprintf("%d:%d", mainRank, subRank)]; ok {
		return role, true
	}
	role, ok := a.roleMap[fmt.Sprintf("%d:*", mainRank)]
	return role, ok
}
