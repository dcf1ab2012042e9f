package translate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPProviderDetect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/detect", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "hola mundo", body["q"])
		json.NewEncoder(w).Encode([]map[string]any{{"language": "es", "confidence": 92.0}})
	}))
	defer ts.Close()

	p := NewHTTPProvider("libre", ts.URL, "")
	det, err := p.Detect(context.Background(), "hola mundo")
	require.NoError(t, err)
	assert.Equal(t, "es", det.Lang)
	assert.InDelta(t, 0.92, det.Confidence, 0.001)
}

func TestHTTPProviderTranslate(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/translate", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "auto", body["source"])
		assert.Equal(t, "en", body["target"])
		assert.Equal(t, "secret", body["api_key"])
		json.NewEncoder(w).Encode(map[string]any{
			"translatedText":   "hello world",
			"detectedLanguage": map[string]any{"language": "es", "confidence": 0.9},
		})
	}))
	defer ts.Close()

	p := NewHTTPProvider("libre", ts.URL, "secret")
	out, err := p.Translate(context.Background(), "hola mundo", "", "en")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out.Text)
	assert.Equal(t, "es", out.SourceLang)
	assert.InDelta(t, 0.9, out.Confidence, 0.001)
}

func TestHTTPProviderTranslateErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "over quota", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	p := NewHTTPProvider("libre", ts.URL, "")
	_, err := p.Translate(context.Background(), "hola", "es", "en")
	assert.Error(t, err)
}

func TestHTTPProviderSupportedPairs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/languages", r.URL.Path)
		json.NewEncoder(w).Encode([]map[string]any{
			{"code": "es", "targets": []string{"en", "fr"}},
			{"code": "en", "targets": []string{"es"}},
		})
	}))
	defer ts.Close()

	p := NewHTTPProvider("libre", ts.URL, "")
	pairs, err := p.SupportedPairs(context.Background())
	require.NoError(t, err)
	assert.Contains(t, pairs, Pair{Source: "es", Target: "en"})
	assert.Contains(t, pairs, Pair{Source: "es", Target: "fr"})
	assert.Contains(t, pairs, Pair{Source: "en", Target: "es"})
	assert.Len(t, pairs, 3)
}
