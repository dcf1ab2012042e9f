// Package identity resolves claimed game usernames against the external
// lookup service and caches the verdicts.
//
// A raw username may carry the "." prefix that marks alternate-client
// players; Normalize strips it and records the edition tag. Cache entries
// live 24h for positive and 10m for negative results, and are invalidated
// when an admission binds the name.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

// Edition distinguishes native-client from alternate-client players.
type Edition int

const (
	EditionNative Edition = iota
	EditionAlternate
)

func (e Edition) String() string {
	if e == EditionAlternate {
		return "alternate"
	}
	return "native"
}

// Normalize lowercases a raw username and strips the alternate-client
// prefix, returning the normalized name and the edition it implies.
func Normalize(raw string) (string, Edition) {
	name := strings.TrimSpace(raw)
	if strings.HasPrefix(name, ".") {
		return strings.ToLower(name[1:]), EditionAlternate
	}
	return strings.ToLower(name), EditionNative
}

// ErrLookupUnavailable is the soft failure returned when the external
// service cannot answer in time. Callers must not advance sessions on it.
var ErrLookupUnavailable = errors.New("identity lookup unavailable")

// Resolution is the resolver's answer for one username.
type Resolution struct {
	Exists        bool
	CanonicalName string
	PlatformID    uuid.UUID
	Edition       Edition
}

// Profile is what the lookup service returns for an existing username.
type Profile struct {
	ID   uuid.UUID
	Name string
}

// LookupClient performs the raw username→UUID lookup.
type LookupClient interface {
	Lookup(ctx context.Context, normalizedName string) (*Profile, error)
}

type cachedResolution struct {
	exists        bool
	canonicalName string
	platformID    uuid.UUID
}

// Resolver caches lookup results and shields callers from provider jitter
// with bounded retries.
type Resolver struct {
	client LookupClient
	cfg    config.IdentityConfig
	cache  otter.CacheWithVariableTTL[string, cachedResolution]
	mets   *metrics.Metrics
}

// NewResolver builds a resolver over the given lookup client.
func NewResolver(client LookupClient, cfg config.IdentityConfig, mets *metrics.Metrics) (*Resolver, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 10000
	}
	cache, err := otter.MustBuilder[string, cachedResolution](size).
		WithVariableTTL().
		Build()
	if err != nil {
		return nil, fmt.Errorf("identity: build cache: %w", err)
	}
	return &Resolver{client: client, cfg: cfg, cache: cache, mets: mets}, nil
}

// Resolve answers whether rawUsername exists on the game platform.
// Returns ErrLookupUnavailable when every retry attempt failed.
func (r *Resolver) Resolve(ctx context.Context, rawUsername string) (Resolution, error) {
	name, edition := Normalize(rawUsername)
	if name == "" {
		return Resolution{}, errors.New("empty username")
	}

	if cached, ok := r.cache.Get(name); ok {
		if cached.exists {
			r.mets.IdentityLookups.WithLabelValues("hit").Inc()
		} else {
			r.mets.IdentityLookups.WithLabelValues("negative").Inc()
		}
		return Resolution{
			Exists:        cached.exists,
			CanonicalName: cached.canonicalName,
			PlatformID:    cached.platformID,
			Edition:       edition,
		}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.LookupTimeout.Std())
	defer cancel()

	start := time.Now()
	profile, err := r.lookupWithRetry(ctx, name)
	r.mets.IdentityLookupTime.Observe(time.Since(start).Seconds())

	if err != nil {
		r.mets.IdentityLookups.WithLabelValues("unavailable").Inc()
		return Resolution{}, fmt.Errorf("%w: %s", ErrLookupUnavailable, err)
	}

	r.mets.IdentityLookups.WithLabelValues("miss").Inc()

	if profile == nil {
		r.cache.Set(name, cachedResolution{exists: false}, r.cfg.NegativeTTL.Std())
		return Resolution{Exists: false, Edition: edition}, nil
	}

	r.cache.Set(name, cachedResolution{
		exists:        true,
		canonicalName: profile.Name,
		platformID:    profile.ID,
	}, r.cfg.PositiveTTL.Std())

	return Resolution{
		Exists:        true,
		CanonicalName: profile.Name,
		PlatformID:    profile.ID,
		Edition:       edition,
	}, nil
}

// Invalidate drops the cached entry for a name. Called when an admission
// binds the username so the next resolve sees fresh state.
func (r *Resolver) Invalidate(normalizedName string) {
	r.cache.Delete(strings.ToLower(normalizedName))
}

// lookupWithRetry retries transient failures with jittered exponential
// backoff (base 200ms, cap 2s, 3 attempts) inside the operation deadline.
// A nil profile with nil error means the name does not exist.
func (r *Resolver) lookupWithRetry(ctx context.Context, name string) (*Profile, error) {
	const attempts = 3
	backoff := 200 * time.Millisecond
	var lastErr error

	for i := 0; i < attempts; i++ {
		if i > 0 {
			jittered := backoff/2 + time.Duration(rand.Int63n(int64(backoff)/2+1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered):
			}
			backoff *= 2
			if backoff > 2*time.Second {
				backoff = 2 * time.Second
			}
		}

		profile, err := r.client.Lookup(ctx, name)
		if err == nil {
			return profile, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// ErrNotFound is returned by LookupClient implementations for unknown names.
var ErrNotFound = errors.New("username not found")

// HTTPLookupClient queries the HTTPS username→UUID endpoint.
type HTTPLookupClient struct {
	endpoint string
	client   *http.Client
}

// NewHTTPLookupClient builds the production lookup client.
func NewHTTPLookupClient(endpoint string, timeout time.Duration) *HTTPLookupClient {
	return &HTTPLookupClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

type profileJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Lookup implements LookupClient over HTTP. 404/204 map to ErrNotFound.
func (c *HTTPLookupClient) Lookup(ctx context.Context, name string) (*Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/"+name, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("lookup status %d", resp.StatusCode)
	}

	var pj profileJSON
	if err := json.NewDecoder(resp.Body).Decode(&pj); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}

	// The endpoint returns ids without hyphens.
	id, err := uuid.Parse(pj.ID)
	if err != nil {
		return nil, fmt.Errorf("parse profile id %q: %w", pj.ID, err)
	}

	return &Profile{ID: id, Name: pj.Name}, nil
}
