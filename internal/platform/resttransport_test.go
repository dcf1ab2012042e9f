package platform

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslink-mc/crosslink/internal/config"
)

func restConfig(base string) config.SocialConfig {
	return config.SocialConfig{
		APIBase: base,
		Token:   "gateway-token",
		Bots:    []config.BotConfig{{Name: "herald", Credential: "herald-cred"}},
	}
}

func TestRESTTransportSendMessage(t *testing.T) {
	var gotAuth, gotPath, gotContent string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotContent = body["content"]
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	tr := NewRESTTransport(restConfig(ts.URL))
	require.NoError(t, tr.SendMessage(context.Background(), "herald", "global", "hello"))
	assert.Equal(t, "Bot herald-cred", gotAuth)
	assert.Equal(t, "/channels/global/messages", gotPath)
	assert.Equal(t, "hello", gotContent)
}

func TestRESTTransportUnknownBot(t *testing.T) {
	tr := NewRESTTransport(restConfig("http://unused"))
	err := tr.SendMessage(context.Background(), "ghost", "global", "hi")
	assert.ErrorContains(t, err, "no credential")
}

func TestRESTTransportRoleLifecycle(t *testing.T) {
	type call struct{ method, path, auth string }
	var calls []call
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, call{r.Method, r.URL.EscapedPath(), r.Header.Get("Authorization")})
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	tr := NewRESTTransport(restConfig(ts.URL))
	require.NoError(t, tr.AssignRole(context.Background(), "ext-1", "Knight II"))
	require.NoError(t, tr.RemoveRole(context.Background(), "ext-1", "Knight I"))

	require.Len(t, calls, 2)
	assert.Equal(t, call{http.MethodPut, "/members/ext-1/roles/Knight%20II", "Bearer gateway-token"}, calls[0])
	assert.Equal(t, call{http.MethodDelete, "/members/ext-1/roles/Knight%20I", "Bearer gateway-token"}, calls[1])
}

func TestRESTTransportErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	tr := NewRESTTransport(restConfig(ts.URL))
	assert.Error(t, tr.SendMessage(context.Background(), "herald", "global", "hi"))
}
