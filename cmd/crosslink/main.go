// Command crosslink runs the proxy-resident communication hub: the
// verification pipeline, the cross-platform messaging fabric and the XP
// progression engine, plus the admin/metrics server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/crosslink-mc/crosslink/internal/admission"
	"github.com/crosslink-mc/crosslink/internal/api"
	"github.com/crosslink-mc/crosslink/internal/audit"
	"github.com/crosslink-mc/crosslink/internal/chat"
	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/events"
	"github.com/crosslink-mc/crosslink/internal/filter"
	"github.com/crosslink-mc/crosslink/internal/hub"
	"github.com/crosslink-mc/crosslink/internal/identity"
	"github.com/crosslink-mc/crosslink/internal/metrics"
	"github.com/crosslink-mc/crosslink/internal/platform"
	"github.com/crosslink-mc/crosslink/internal/ratelimit"
	"github.com/crosslink-mc/crosslink/internal/router"
	"github.com/crosslink-mc/crosslink/internal/session"
	"github.com/crosslink-mc/crosslink/internal/store"
	"github.com/crosslink-mc/crosslink/internal/translate"
	"github.com/crosslink-mc/crosslink/internal/xp"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", envOr("CROSSLINK_CONFIG", ""), "path to config.yaml")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(),
	})))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("hub exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mets := metrics.New()
	bus := events.NewBus()

	// Persistence tiers. Either tier may be absent; the hot set alone
	// keeps the hub serving, at the cost of durability.
	var cache store.CacheTier
	var redisCache *store.RedisCache
	if cfg.Redis.Addr != "" {
		rc, err := store.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Persistence.CacheTTL.Std())
		if err != nil {
			slog.Warn("[Boot] redis unavailable, cache tier disabled", "addr", cfg.Redis.Addr, "error", err)
		} else {
			redisCache = rc
			cache = rc
		}
	}

	var durable store.DurableTier
	var pg *store.Postgres
	if cfg.Postgres.DSN != "" {
		p, err := store.NewPostgres(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer p.Close()
		pg = p
		durable = p
	} else {
		slog.Warn("[Boot] no postgres dsn, durable tier disabled")
	}

	coord := store.NewCoordinator(cfg.Persistence, cache, durable, bus, mets)

	// Verification and admission.
	lookup := identity.NewHTTPLookupClient(cfg.Identity.Endpoint, cfg.Identity.LookupTimeout.Std())
	resolver, err := identity.NewResolver(lookup, cfg.Identity, mets)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	limiter := ratelimit.New()
	sessions := session.NewStore()
	var journal session.Journal
	if pg != nil {
		journal = pg
	}
	machine := session.NewMachine(cfg.Verification, sessions, resolver, limiter, bus, mets, journal)
	gate := admission.NewGate(cfg.Verification, machine, sessions, mets)
	if _, err := machine.Restore(ctx); err != nil {
		slog.Warn("[Boot] session restore failed", "error", err)
	}

	// Messaging fabric.
	chain, err := filter.NewChain(cfg.Chat.Filters, bus, mets)
	if err != nil {
		return fmt.Errorf("filter chain: %w", err)
	}
	rt, err := router.New(cfg.Chat.Router, cfg.Chat.Channels, mets)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	var translator *translate.Service
	if len(cfg.Translation.Providers) > 0 && cfg.Translation.Endpoint != "" {
		providers := make([]translate.Provider, 0, len(cfg.Translation.Providers))
		for _, name := range cfg.Translation.Providers {
			providers = append(providers, translate.NewHTTPProvider(name, cfg.Translation.Endpoint, cfg.Translation.APIKey))
		}
		translator, err = translate.NewService(cfg.Translation, providers, mets)
		if err != nil {
			return fmt.Errorf("translate: %w", err)
		}
	}

	var sink audit.Sink
	if pg != nil {
		sink = pg
	}
	trail := audit.New(cfg.Audit, sink, bus)
	stopRetention := trail.StartRetention()
	defer stopRetention()

	// Progression engine.
	lattice, err := xp.NewLattice(cfg.Rank)
	if err != nil {
		return fmt.Errorf("rank lattice: %w", err)
	}
	accum := xp.NewAccumulator(cfg.XP, coord, limiter, bus, mets)

	// Platform adapters.
	gateway := platform.NewGameGateway(cfg.Platform.Game, gate)
	game := platform.NewGameAdapter(cfg.Platform.Game, gateway)
	gateway.BindAdapter(game)

	social := platform.NewSocialAdapter(cfg.Platform.Social, cfg.Rank.RoleMap,
		platform.NewRESTTransport(cfg.Platform.Social),
		func(id uuid.UUID) (string, bool) {
			rec, err := coord.Get(context.Background(), id)
			if err != nil || rec.ExternalID == "" {
				return "", false
			}
			return rec.ExternalID, true
		})

	promoter, err := xp.NewPromoter(cfg.XP, lattice, coord, social, bus, mets)
	if err != nil {
		return fmt.Errorf("promotion: %w", err)
	}
	defer promoter.Close()

	fabric := hub.New(chain, translator, rt, coord, accum, trail, cfg.Chat.Channels, cfg.Translation.TargetLang)
	fabric.Attach(game)
	fabric.Attach(social)
	defer fabric.Detach()

	var bridge *platform.BridgeAdapter
	if cfg.Platform.Bridge.URL != "" {
		bridge = platform.NewBridgeAdapter(cfg.Platform.Bridge)
		fabric.Attach(bridge)
	}

	// Verification entry point: the link command on the social platform.
	// Replaces the plain fabric handler the Attach above registered.
	social.SubscribeInbound(func(ctx context.Context, msg *chat.Message) {
		if name, ok := linkCommand(msg.RawText); ok {
			reply := beginReply(machine.Begin(ctx, msg.Author.ExternalID, name), cfg.Verification.Timeout.Std())
			if err := social.Announce(ctx, msg.Channel, reply); err != nil {
				slog.Warn("[Boot] link reply failed", "channel", msg.Channel, "error", err)
			}
			return
		}
		fabric.HandleInbound(ctx, msg)
	})

	// Timed verification warnings go out on the social platform, where
	// the player who started the link is waiting.
	bus.Subscribe(events.TypeVerificationWarning, func(ctx context.Context, ev *events.Event) error {
		w, ok := ev.Data.(events.VerificationWarning)
		if !ok {
			return nil
		}
		text := fmt.Sprintf("%s: %.1f minutes left to join as %s (code %s)",
			w.ExternalID, w.MinutesRemaining, w.Username, w.ChallengeCode)
		return social.Announce(ctx, cfg.XP.AnnounceChannel, text)
	})

	// Housekeeping on the shared schedule.
	jobs := cron.New()
	jobs.AddFunc("@hourly", func() {
		limiter.Prune(2 * time.Hour)
		chain.Prune()
	})
	jobs.Start()
	defer jobs.Stop()

	admin := api.NewServer(cfg.Server.AdminAddr, api.StatusSource{
		Bus:      bus,
		Sessions: sessions,
		Backlog:  coord.Backlog,
		Breaker:  func() string { return coord.BreakerState().String() },
	}, gate, trail)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { coord.Run(ctx); return nil })
	g.Go(func() error { machine.RunSweeper(ctx); return nil })
	g.Go(func() error { return gateway.Run(ctx) })
	g.Go(func() error { return admin.Run(ctx) })
	if redisCache != nil {
		g.Go(func() error { redisCache.RunInvalidationListener(ctx, coord.Invalidate); return nil })
	}
	if bridge != nil {
		g.Go(func() error { bridge.Run(ctx); return nil })
	}

	slog.Info("[Boot] crosslink hub up",
		"gateway", cfg.Platform.Game.ListenAddr,
		"admin", cfg.Server.AdminAddr,
		"env", cfg.Server.Env)
	return g.Wait()
}

// linkCommand recognizes "!link <username>" from the social platform.
func linkCommand(text string) (string, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(text), "!link ")
	if !ok {
		return "", false
	}
	name := strings.TrimSpace(rest)
	return name, name != ""
}

// beginReply renders a BeginResult for the requesting user.
func beginReply(res session.BeginResult, timeout time.Duration) string {
	switch res.Status {
	case session.BeginOK:
		return fmt.Sprintf("Verification started. Join the server within %s. Your code: %s",
			timeout.Round(time.Minute), res.ChallengeCode)
	case session.BeginInvalidUsername:
		return "That username does not exist. Check the spelling and try again."
	case session.BeginRateLimited:
		return fmt.Sprintf("Too many attempts. Try again in %s.", res.RetryAfter.Round(time.Minute))
	case session.BeginConflict:
		return "That username is already linked or being verified, or you have a link in progress."
	case session.BeginBlacklisted:
		return "That identity cannot be linked."
	default:
		return "Verification is temporarily unavailable. Try again in a few minutes."
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		slog.Info("[Boot] no config file, using defaults")
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv("CROSSLINK_LOG_LEVEL")) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
