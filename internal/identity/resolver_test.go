package identity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/config"
	"github.com/crosslink-mc/crosslink/internal/metrics"
)

type fakeLookup struct {
	calls    atomic.Int64
	profiles map[string]*Profile
	err      error
}

func (f *fakeLookup) Lookup(_ context.Context, name string) (*Profile, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[name]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func testConfig() config.IdentityConfig {
	return config.IdentityConfig{
		PositiveTTL:   config.Duration(24 * time.Hour),
		NegativeTTL:   config.Duration(10 * time.Minute),
		LookupTimeout: config.Duration(time.Second),
		CacheSize:     100,
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		raw     string
		name    string
		edition Edition
	}{
		{"Steve", "steve", EditionNative},
		{".Steve", "steve", EditionAlternate},
		{"  Alex  ", "alex", EditionNative},
		{".alex", "alex", EditionAlternate},
	}
	for _, tc := range tests {
		name, edition := Normalize(tc.raw)
		assert.Equal(t, tc.name, name, "raw=%q", tc.raw)
		assert.Equal(t, tc.edition, edition, "raw=%q", tc.raw)
	}
}

func TestResolveExisting(t *testing.T) {
	id := uuid.New()
	fake := &fakeLookup{profiles: map[string]*Profile{"steve": {ID: id, Name: "Steve"}}}
	r, err := NewResolver(fake, testConfig(), metrics.Nop())
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "Steve")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, "Steve", res.CanonicalName)
	assert.Equal(t, id, res.PlatformID)
	assert.Equal(t, EditionNative, res.Edition)
}

func TestResolveAlternatePrefix(t *testing.T) {
	id := uuid.New()
	fake := &fakeLookup{profiles: map[string]*Profile{"steve": {ID: id, Name: "Steve"}}}
	r, err := NewResolver(fake, testConfig(), metrics.Nop())
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), ".Steve")
	require.NoError(t, err)
	assert.True(t, res.Exists)
	assert.Equal(t, EditionAlternate, res.Edition)
}

func TestResolveCachesPositive(t *testing.T) {
	fake := &fakeLookup{profiles: map[string]*Profile{"steve": {ID: uuid.New(), Name: "Steve"}}}
	r, err := NewResolver(fake, testConfig(), metrics.Nop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "steve")
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), "STEVE")
	require.NoError(t, err)

	assert.Equal(t, int64(1), fake.calls.Load())
}

func TestResolveCachesNegative(t *testing.T) {
	fake := &fakeLookup{profiles: map[string]*Profile{}}
	r, err := NewResolver(fake, testConfig(), metrics.Nop())
	require.NoError(t, err)

	res, err := r.Resolve(context.Background(), "nobody")
	require.NoError(t, err)
	assert.False(t, res.Exists)

	_, err = r.Resolve(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.calls.Load())
}

func TestResolveUnavailable(t *testing.T) {
	fake := &fakeLookup{err: errors.New("connection refused")}
	r, err := NewResolver(fake, testConfig(), metrics.Nop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "steve")
	assert.ErrorIs(t, err, ErrLookupUnavailable)
	// Retried up to three times inside the deadline.
	assert.LessOrEqual(t, fake.calls.Load(), int64(3))
	assert.GreaterOrEqual(t, fake.calls.Load(), int64(1))
}

func TestInvalidateForcesFreshLookup(t *testing.T) {
	fake := &fakeLookup{profiles: map[string]*Profile{"steve": {ID: uuid.New(), Name: "Steve"}}}
	r, err := NewResolver(fake, testConfig(), metrics.Nop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), "steve")
	require.NoError(t, err)
	r.Invalidate("steve")
	_, err = r.Resolve(context.Background(), "steve")
	require.NoError(t, err)

	assert.Equal(t, int64(2), fake.calls.Load())
}
