// Package metrics collects the Prometheus instruments for the hub.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus instrument the hub exports.
type Metrics struct {
	// Verification pipeline
	VerificationAttempts *prometheus.CounterVec // result: ok, invalid_username, rate_limited, conflict, unavailable, blacklisted
	VerificationOutcomes *prometheus.CounterVec // outcome: admitted, expired, rejected, cancelled
	SessionsActive       prometheus.Gauge
	IdentityLookups      *prometheus.CounterVec // result: hit, miss, negative, unavailable
	IdentityLookupTime   prometheus.Histogram

	// Messaging fabric
	MessagesRouted    *prometheus.CounterVec // platform, channel
	MessagesDropped   *prometheus.CounterVec // reason: overflow, dedup, echo, no_channel
	FilterVerdicts    *prometheus.CounterVec // check, verdict
	RouterQueueDepth  *prometheus.GaugeVec   // subscriber
	TranslationsTotal *prometheus.CounterVec // provider, result: ok, error, timeout
	TranslationCache  *prometheus.CounterVec // result: hit, miss

	// Progression engine
	XPAwards        *prometheus.CounterVec // source, result: awarded, cooldown, capped, unavailable
	XPAmount        *prometheus.CounterVec // source
	RankChanges     *prometheus.CounterVec // direction: promotion, demotion
	PersistWrites   *prometheus.CounterVec // tier: cache, durable; result: ok, error
	PersistBacklog  prometheus.Gauge
	PersistFlushLag prometheus.Histogram

	// Hard errors
	InvariantViolations *prometheus.CounterVec // scope
}

// New registers all instruments on the default registry.
func New() *Metrics {
	return &Metrics{
		VerificationAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_verification_attempts_total",
				Help: "Verification begin() calls by result",
			},
			[]string{"result"},
		),
		VerificationOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_verification_outcomes_total",
				Help: "Terminal session outcomes",
			},
			[]string{"outcome"},
		),
		SessionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crosslink_sessions_active",
				Help: "Pending verification sessions",
			},
		),
		IdentityLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_identity_lookups_total",
				Help: "Identity resolver consultations by result",
			},
			[]string{"result"},
		),
		IdentityLookupTime: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crosslink_identity_lookup_seconds",
				Help:    "Latency of external identity lookups",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3},
			},
		),
		MessagesRouted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_messages_routed_total",
				Help: "Messages fanned out by the router",
			},
			[]string{"platform", "channel"},
		),
		MessagesDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_messages_dropped_total",
				Help: "Messages dropped before delivery",
			},
			[]string{"reason"},
		),
		FilterVerdicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_filter_verdicts_total",
				Help: "Filter chain verdicts by check",
			},
			[]string{"check", "verdict"},
		),
		RouterQueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crosslink_router_queue_depth",
				Help: "Outbound queue depth per subscriber",
			},
			[]string{"subscriber"},
		),
		TranslationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_translations_total",
				Help: "Translation provider calls by result",
			},
			[]string{"provider", "result"},
		),
		TranslationCache: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_translation_cache_total",
				Help: "Translation cache consultations",
			},
			[]string{"result"},
		),
		XPAwards: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_xp_awards_total",
				Help: "XP award attempts by source and result",
			},
			[]string{"source", "result"},
		),
		XPAmount: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_xp_amount_total",
				Help: "Effective XP granted per source",
			},
			[]string{"source"},
		),
		RankChanges: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_rank_changes_total",
				Help: "Rank transitions by direction",
			},
			[]string{"direction"},
		),
		PersistWrites: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_persist_writes_total",
				Help: "Write-through operations by tier",
			},
			[]string{"tier", "result"},
		),
		PersistBacklog: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crosslink_persist_backlog",
				Help: "Durable-store writes buffered while degraded",
			},
		),
		PersistFlushLag: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "crosslink_persist_flush_seconds",
				Help:    "Time from enqueue to durable flush",
				Buckets: prometheus.DefBuckets,
			},
		),
		InvariantViolations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crosslink_invariant_violations_total",
				Help: "Internal invariant violations by scope",
			},
			[]string{"scope"},
		),
	}
}

// Nop returns a Metrics whose instruments are registered on a private
// registry, for tests that construct components directly.
func Nop() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		VerificationAttempts: factory.NewCounterVec(prometheus.CounterOpts{Name: "verification_attempts_total"}, []string{"result"}),
		VerificationOutcomes: factory.NewCounterVec(prometheus.CounterOpts{Name: "verification_outcomes_total"}, []string{"outcome"}),
		SessionsActive:       factory.NewGauge(prometheus.GaugeOpts{Name: "sessions_active"}),
		IdentityLookups:      factory.NewCounterVec(prometheus.CounterOpts{Name: "identity_lookups_total"}, []string{"result"}),
		IdentityLookupTime:   factory.NewHistogram(prometheus.HistogramOpts{Name: "identity_lookup_seconds"}),
		MessagesRouted:       factory.NewCounterVec(prometheus.CounterOpts{Name: "messages_routed_total"}, []string{"platform", "channel"}),
		MessagesDropped:      factory.NewCounterVec(prometheus.CounterOpts{Name: "messages_dropped_total"}, []string{"reason"}),
		FilterVerdicts:       factory.NewCounterVec(prometheus.CounterOpts{Name: "filter_verdicts_total"}, []string{"check", "verdict"}),
		RouterQueueDepth:     factory.NewGaugeVec(prometheus.GaugeOpts{Name: "router_queue_depth"}, []string{"subscriber"}),
		TranslationsTotal:    factory.NewCounterVec(prometheus.CounterOpts{Name: "translations_total"}, []string{"provider", "result"}),
		TranslationCache:     factory.NewCounterVec(prometheus.CounterOpts{Name: "translation_cache_total"}, []string{"result"}),
		XPAwards:             factory.NewCounterVec(prometheus.CounterOpts{Name: "xp_awards_total"}, []string{"source", "result"}),
		XPAmount:             factory.NewCounterVec(prometheus.CounterOpts{Name: "xp_amount_total"}, []string{"source"}),
		RankChanges:          factory.NewCounterVec(prometheus.CounterOpts{Name: "rank_changes_total"}, []string{"direction"}),
		PersistWrites:        factory.NewCounterVec(prometheus.CounterOpts{Name: "persist_writes_total"}, []string{"tier", "result"}),
		PersistBacklog:       factory.NewGauge(prometheus.GaugeOpts{Name: "persist_backlog"}),
		PersistFlushLag:      factory.NewHistogram(prometheus.HistogramOpts{Name: "persist_flush_seconds"}),
		InvariantViolations:  factory.NewCounterVec(prometheus.CounterOpts{Name: "invariant_violations_total"}, []string{"scope"}),
	}
}
