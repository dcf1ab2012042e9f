// Package config defines the YAML configuration tree for the crosslink hub.
//
// Every tunable named in the operations guide maps to a field here. Defaults
// are applied by Default() and merged over by Load(); Validate() rejects
// configurations that would violate rank-lattice monotonicity or leave a
// platform adapter without credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration so YAML values like "10m" or "500ms" parse
// directly into config fields.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Verification VerificationConfig `yaml:"verification"`
	Identity     IdentityConfig     `yaml:"identity"`
	Chat         ChatConfig         `yaml:"chat"`
	Translation  TranslationConfig  `yaml:"translation"`
	XP           XPConfig           `yaml:"xp"`
	Rank         RankConfig         `yaml:"rank"`
	Platform     PlatformConfig     `yaml:"platform"`
	Persistence  PersistenceConfig  `yaml:"persistence"`
	Audit        AuditConfig        `yaml:"audit"`
	Redis        RedisConfig        `yaml:"redis"`
	Postgres     PostgresConfig     `yaml:"postgres"`
}

type ServerConfig struct {
	AdminAddr string `yaml:"admin_addr"` // host:port for /metrics, /healthz, /status
	Env       string `yaml:"env"`
}

type VerificationConfig struct {
	Timeout         Duration  `yaml:"timeout"`           // session lifetime, default 10m
	Warnings        []float64 `yaml:"warnings"`          // minutes remaining at which to notify
	AttemptsPerHour int       `yaml:"attempts_per_hour"` // rate limit on begin()
	SweepInterval   Duration  `yaml:"sweep_interval"`    // expiry sweeper cadence
	EvictGrace      Duration  `yaml:"evict_grace"`       // keep expired sessions around for final notification
	HoldingPolicy   string    `yaml:"holding_policy"`    // immediate | min_dwell | manual
	MinDwell        Duration  `yaml:"min_dwell"`         // dwell time for min_dwell policy
	HoldingTarget   string    `yaml:"holding_target"`    // server players are pinned to pre-admission
	RebindCooldown  Duration  `yaml:"rebind_cooldown"`   // released username cooldown before rebinding
	Blacklist       []string  `yaml:"blacklist"`         // usernames and external ids refused outright
}

type IdentityConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	PositiveTTL   Duration `yaml:"positive_ttl"`
	NegativeTTL   Duration `yaml:"negative_ttl"`
	LookupTimeout Duration `yaml:"lookup_timeout"`
	CacheSize     int      `yaml:"cache_size"`
}

type ChatConfig struct {
	Filters  []FilterConfig  `yaml:"filters"`
	Router   RouterConfig    `yaml:"router"`
	Channels []ChannelConfig `yaml:"channels"`
}

// FilterConfig configures one check in the filter chain. Checks run in the
// order they are listed; unknown names are a startup error.
type FilterConfig struct {
	Name         string        `yaml:"name"`
	MaxLength    int           `yaml:"max_length"`
	Cooldown     Duration      `yaml:"cooldown"`
	RepeatLimit  int           `yaml:"repeat_limit"`
	RepeatWindow Duration      `yaml:"repeat_window"`
	FloodMax     int           `yaml:"flood_max"`
	CapsRatio    float64       `yaml:"caps_ratio"`
	CapsMinLen   int           `yaml:"caps_min_len"`
	Patterns     []PatternRule `yaml:"patterns"`
}

// PatternRule is one row of the pattern/profanity table.
type PatternRule struct {
	Match       string `yaml:"match"`
	Replacement string `yaml:"replacement"`
	HardBlock   bool   `yaml:"hard_block"`
}

type RouterConfig struct {
	QueueDepth      int      `yaml:"queue_depth"`
	PriorityBlockMs int      `yaml:"priority_block_ms"`
	DedupWindow     Duration `yaml:"dedup_window"`
	OverflowPath    string   `yaml:"overflow_path"` // disk spill for priority messages, empty disables
}

type ChannelConfig struct {
	Name       string   `yaml:"name"`
	Permission string   `yaml:"permission"`
	Strict     bool     `yaml:"strict"`    // strict per-source FIFO
	Bridges    []string `yaml:"bridges"`   // platforms this channel bridges to
	Priority   bool     `yaml:"priority"`  // moderation/admission traffic
	Translate  bool     `yaml:"translate"` // route through the translation layer
}

type TranslationConfig struct {
	Providers       []string `yaml:"providers"`
	Endpoint        string   `yaml:"endpoint"` // HTTP provider base URL
	APIKey          string   `yaml:"api_key"`
	TargetLang      string   `yaml:"target_lang"` // egress language for translated channels
	CacheTTL        Duration `yaml:"cache_ttl"`
	CacheSize       int      `yaml:"cache_size"`
	MinConfidence   float64  `yaml:"min_confidence"`
	ProviderTimeout Duration `yaml:"provider_timeout"`
}

type XPConfig struct {
	Sources           map[string]SourceConfig `yaml:"sources"`
	Caps              CapsConfig              `yaml:"caps"`
	CommunityBonus    float64                 `yaml:"community_bonus"`
	WeekendBonus      float64                 `yaml:"weekend_bonus"`
	AnnounceDemotions bool                    `yaml:"announce_demotions"`
	AnnounceChannel   string                  `yaml:"announce_channel"`
}

type SourceConfig struct {
	Base               int64    `yaml:"base"`
	Cooldown           Duration `yaml:"cooldown"`
	DailyCap           int64    `yaml:"daily_cap"` // per-source contribution cap, 0 = none
	Multiplier         float64  `yaml:"multiplier"`
	RequiredCapability string   `yaml:"required_capability"`
	Community          bool     `yaml:"community"` // mentoring, teaching, mediation, peer recognition
}

type CapsConfig struct {
	Daily   int64 `yaml:"daily"`
	Weekly  int64 `yaml:"weekly"`
	Monthly int64 `yaml:"monthly"`
}

type RankConfig struct {
	MainBaseXP     []int64           `yaml:"main_base_xp"`    // 25 entries, strictly increasing
	SubMultipliers []float64         `yaml:"sub_multipliers"` // 7 entries, strictly increasing
	RoleMap        map[string]string `yaml:"role_map"`        // "main:sub" -> social platform role
}

type PlatformConfig struct {
	Game   GameConfig   `yaml:"game"`
	Social SocialConfig `yaml:"social"`
	Bridge BridgeConfig `yaml:"bridge"`
}

type GameConfig struct {
	ListenAddr     string `yaml:"listen_addr"`     // websocket endpoint the proxy plugin dials
	CoalesceStatus bool   `yaml:"coalesce_status"` // merge adjacent status-equivalent sends
}

type SocialConfig struct {
	APIBase      string      `yaml:"api_base"` // REST base URL of the social platform
	Token        string      `yaml:"token"`    // shared gateway credential
	Bots         []BotConfig `yaml:"bots"`
	RatePerSec   float64     `yaml:"rate_per_sec"`  // network-wide REST budget
	SegmentLimit int         `yaml:"segment_limit"` // hard ceiling per message segment
}

// BotConfig describes one of the logical egress personalities.
type BotConfig struct {
	Name       string   `yaml:"name"`
	Credential string   `yaml:"credential"`
	Intents    []string `yaml:"intents"`
	Priority   int      `yaml:"priority"` // lower is higher priority for announcements
	Channels   []string `yaml:"channels"` // channel affinity
}

type BridgeConfig struct {
	URL             string `yaml:"url"`
	ReconnectBaseMs int    `yaml:"reconnect_base_ms"`
	ReconnectCapMs  int    `yaml:"reconnect_cap_ms"`
	QueueDepth      int    `yaml:"queue_depth"`
}

type PersistenceConfig struct {
	BatchWindowMs int      `yaml:"batch_window_ms"`
	BatchSize     int      `yaml:"batch_size"`
	BacklogMax    int      `yaml:"backlog_max"`
	CacheTTL      Duration `yaml:"cache_ttl"`
}

type AuditConfig struct {
	Retention Duration `yaml:"retention"`
	RingSize  int      `yaml:"ring_size"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// Default returns the baseline configuration all deployments start from.
func Default() *Config {
	return &Config{
		Server: ServerConfig{AdminAddr: ":9090", Env: "production"},
		Verification: VerificationConfig{
			Timeout:         Duration(10 * time.Minute),
			Warnings:        []float64{8, 5, 2, 0.5},
			AttemptsPerHour: 3,
			SweepInterval:   Duration(3 * time.Minute),
			EvictGrace:      Duration(time.Minute),
			HoldingPolicy:   "immediate",
			HoldingTarget:   "hub-1",
			RebindCooldown:  Duration(24 * time.Hour),
		},
		Identity: IdentityConfig{
			PositiveTTL:   Duration(24 * time.Hour),
			NegativeTTL:   Duration(10 * time.Minute),
			LookupTimeout: Duration(3 * time.Second),
			CacheSize:     10000,
		},
		Chat: ChatConfig{
			Filters: []FilterConfig{
				{Name: "length", MaxLength: 256},
				{Name: "cooldown", Cooldown: Duration(1500 * time.Millisecond)},
				{Name: "repeat", RepeatLimit: 2, RepeatWindow: Duration(30 * time.Second)},
				{Name: "flood", FloodMax: 10},
				{Name: "pattern"},
				{Name: "caps", CapsRatio: 0.7, CapsMinLen: 8},
				{Name: "command_escape"},
			},
			Router: RouterConfig{
				QueueDepth:      1024,
				PriorityBlockMs: 500,
				DedupWindow:     Duration(10 * time.Minute),
			},
			Channels: []ChannelConfig{
				{Name: "global", Strict: true, Bridges: []string{"game", "social", "bridge"}},
				{Name: "staff", Permission: "crosslink.staff", Strict: true, Bridges: []string{"game", "social"}, Priority: true},
			},
		},
		Translation: TranslationConfig{
			TargetLang:      "en",
			CacheTTL:        Duration(24 * time.Hour),
			CacheSize:       50000,
			MinConfidence:   0.7,
			ProviderTimeout: Duration(2 * time.Second),
		},
		XP: XPConfig{
			Sources: map[string]SourceConfig{
				"chat":   {Base: 1, Cooldown: Duration(60 * time.Second), DailyCap: 100, Multiplier: 1.0},
				"vote":   {Base: 25, Cooldown: Duration(12 * time.Hour), Multiplier: 1.0},
				"mentor": {Base: 100, Cooldown: Duration(time.Hour), Multiplier: 1.0, Community: true},
			},
			Caps:            CapsConfig{Daily: 1000, Weekly: 5000, Monthly: 15000},
			CommunityBonus:  1.3,
			WeekendBonus:    1.5,
			AnnounceChannel: "global",
		},
		Rank: RankConfig{
			MainBaseXP:     defaultMainBaseXP(),
			SubMultipliers: defaultSubMultipliers(),
		},
		Platform: PlatformConfig{
			Game:   GameConfig{ListenAddr: ":8443", CoalesceStatus: true},
			Social: SocialConfig{RatePerSec: 50, SegmentLimit: 2000},
			Bridge: BridgeConfig{ReconnectBaseMs: 1000, ReconnectCapMs: 60000, QueueDepth: 256},
		},
		Persistence: PersistenceConfig{
			BatchWindowMs: 100,
			BatchSize:     64,
			BacklogMax:    10000,
			CacheTTL:      Duration(30 * time.Minute),
		},
		Audit: AuditConfig{
			Retention: Duration(30 * 24 * time.Hour),
			RingSize:  4096,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
	}
}

// defaultMainBaseXP yields 25 strictly increasing main-tier thresholds.
// Bases double per tier, outpacing the top sub multiplier (1.1^6 ≈ 1.77),
// so thresholds never interleave across main tiers and every lattice
// threshold stays distinct.
func defaultMainBaseXP() []int64 {
	out := make([]int64, 25)
	base := int64(100)
	for i := range out {
		out[i] = base
		base *= 2
	}
	return out
}

// defaultSubMultipliers yields the 1.1^s progression over 7 sub-tiers.
func defaultSubMultipliers() []float64 {
	out := make([]float64, 7)
	m := 1.0
	for i := range out {
		out[i] = m
		m *= 1.1
	}
	return out
}

// Load reads the YAML file at path on top of Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	if len(c.Rank.MainBaseXP) != 25 {
		return fmt.Errorf("rank.main_base_xp must have 25 entries, got %d", len(c.Rank.MainBaseXP))
	}
	if len(c.Rank.SubMultipliers) != 7 {
		return fmt.Errorf("rank.sub_multipliers must have 7 entries, got %d", len(c.Rank.SubMultipliers))
	}
	for i := 1; i < len(c.Rank.MainBaseXP); i++ {
		if c.Rank.MainBaseXP[i] <= c.Rank.MainBaseXP[i-1] {
			return fmt.Errorf("rank.main_base_xp must be strictly increasing (index %d)", i)
		}
	}
	for i := 1; i < len(c.Rank.SubMultipliers); i++ {
		if c.Rank.SubMultipliers[i] <= c.Rank.SubMultipliers[i-1] {
			return fmt.Errorf("rank.sub_multipliers must be strictly increasing (index %d)", i)
		}
	}
	if c.Verification.Timeout.Std() <= 0 {
		return fmt.Errorf("verification.timeout must be positive")
	}
	if c.Verification.AttemptsPerHour <= 0 {
		return fmt.Errorf("verification.attempts_per_hour must be positive")
	}
	switch c.Verification.HoldingPolicy {
	case "immediate", "min_dwell", "manual":
	default:
		return fmt.Errorf("verification.holding_policy %q unknown", c.Verification.HoldingPolicy)
	}
	for _, b := range c.Platform.Social.Bots {
		if b.Name == "" {
			return fmt.Errorf("platform.social.bots entries need a name")
		}
	}
	if c.Chat.Router.QueueDepth <= 0 {
		return fmt.Errorf("chat.router.queue_depth must be positive")
	}
	return nil
}
