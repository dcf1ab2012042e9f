// Package translate detects message languages and translates text through
// an ordered list of providers with caching and single-flight dedup.
package translate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

// Detection is a provider's language guess.
type Detection struct {
	Lang       string
	Confidence float64
}

// Pair is a supported source→target language pair.
type Pair struct {
	Source string
	Target string
}

// Translated is one provider answer.
type Translated struct {
	Text       string
	SourceLang string
	Confidence float64
}

// Provider abstracts one translation backend.
type Provider interface {
	Name() string
	Detect(ctx context.Context, text string) (Detection, error)
	Translate(ctx context.Context, text, sourceLang, targetLang string) (Translated, error)
	SupportedPairs(ctx context.Context) ([]Pair, error)
}

// ErrAllProvidersFailed means every provider in order either errored or
// timed out for this request.
var ErrAllProvidersFailed = errors.New("translate: all providers failed")

// Result is the service's answer. Skipped results return the original
// text untouched (low confidence detection, same language, no providers).
type Result struct {
	Text       string
	SourceLang string
	TargetLang string
	Translated bool
	Confidence float64
	FromCache  bool
}

type cacheEntry struct {
	text       string
	sourceLang string
	confidence float64
}

// Service runs the detect→cache→provider pipeline.
type Service struct {
	cfg       config.TranslationConfig
	providers []Provider
	cache     otter.CacheWithVariableTTL[string, cacheEntry]
	inflight  singleflight.Group
	mets      *metrics.Metrics
}

// NewService builds the service over providers in failover order.
func NewService(cfg config.TranslationConfig, providers []Provider, mets *metrics.Metrics) (*Service, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 50000
	}
	cache, err := otter.MustBuilder[string, cacheEntry](size).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("translate: build cache: %w", err)
	}
	return &Service{cfg: cfg, providers: providers, cache: cache, mets: mets}, nil
}

// fingerprint keys the cache and the in-flight map on (text, source, target).
func fingerprint(text, sourceLang, targetLang string) string {
	return fmt.Sprintf("%016x:%s:%s", xxh3.HashString(text), sourceLang, targetLang)
}

// Translate translates text into targetLang. An empty sourceLang triggers
// detection; a detection below the confidence floor, or a source equal to
// the target, returns the original text unchanged.
func (s *Service) Translate(ctx context.Context, text, sourceLang, targetLang string) (Result, error) {
	skip := Result{Text: text, SourceLang: sourceLang, TargetLang: targetLang}
	if len(s.providers) == 0 || text == "" || targetLang == "" {
		return skip, nil
	}

	if sourceLang == "" {
		det, err := s.detect(ctx, text)
		if err != nil || det.Confidence < s.cfg.MinConfidence {
			return skip, nil
		}
		sourceLang = det.Lang
		skip.SourceLang = sourceLang
	}
	if sourceLang == targetLang {
		return skip, nil
	}

	key := fingerprint(text, sourceLang, targetLang)
	if entry, ok := s.cache.Get(key); ok {
		s.mets.TranslationCache.WithLabelValues("hit").Inc()
		return Result{
			Text:       entry.text,
			SourceLang: entry.sourceLang,
			TargetLang: targetLang,
			Translated: true,
			Confidence: entry.confidence,
			FromCache:  true,
		}, nil
	}
	s.mets.TranslationCache.WithLabelValues("miss").Inc()

	// Concurrent identical misses share one provider call.
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		return s.translateUncached(ctx, text, sourceLang, targetLang, key)
	})
	if err != nil {
		return skip, err
	}
	return v.(Result), nil
}

func (s *Service) translateUncached(ctx context.Context, text, sourceLang, targetLang, key string) (Result, error) {
	for _, p := range s.providers {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout.Std())
		out, err := p.Translate(pctx, text, sourceLang, targetLang)
		cancel()
		if err != nil {
			s.mets.TranslationsTotal.WithLabelValues(p.Name(), "error").Inc()
			slog.Debug("[Translate] provider failed", "provider", p.Name(), "error", err)
			continue
		}
		s.mets.TranslationsTotal.WithLabelValues(p.Name(), "ok").Inc()

		s.cache.Set(key, cacheEntry{
			text:       out.Text,
			sourceLang: out.SourceLang,
			confidence: out.Confidence,
		}, s.cfg.CacheTTL.Std())

		return Result{
			Text:       out.Text,
			SourceLang: out.SourceLang,
			TargetLang: targetLang,
			Translated: true,
			Confidence: out.Confidence,
		}, nil
	}
	return Result{}, ErrAllProvidersFailed
}

// detect asks providers in order until one answers inside its timeout.
func (s *Service) detect(ctx context.Context, text string) (Detection, error) {
	for _, p := range s.providers {
		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout.Std())
		det, err := p.Detect(pctx, text)
		cancel()
		if err == nil {
			return det, nil
		}
	}
	return Detection{}, ErrAllProvidersFailed
}
