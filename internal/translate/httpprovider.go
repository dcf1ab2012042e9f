package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// HTTPProvider speaks the LibreTranslate-style REST API: POST /detect,
// POST /translate and GET /languages.
type HTTPProvider struct {
	name     string
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider builds a provider over the given base URL. The client's
// own timeout is left unset; the service applies its per-provider timeout
// through the request context.
func NewHTTPProvider(name, endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		name:     name,
		endpoint: strings.TrimRight(endpoint, "/"),
		apiKey:   apiKey,
		client:   &http.Client{},
	}
}

func (p *HTTPProvider) Name() string { return p.name }

type detectJSON struct {
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

// Detect returns the endpoint's best guess. The API reports confidence
// in percent; it is normalized to 0..1 here.
func (p *HTTPProvider) Detect(ctx context.Context, text string) (Detection, error) {
	body := map[string]string{"q": text}
	if p.apiKey != "" {
		body["api_key"] = p.apiKey
	}

	var out []detectJSON
	if err := p.post(ctx, "/detect", body, &out); err != nil {
		return Detection{}, err
	}
	if len(out) == 0 {
		return Detection{}, fmt.Errorf("%s: empty detect response", p.name)
	}
	conf := out[0].Confidence
	if conf > 1 {
		conf /= 100
	}
	return Detection{Lang: out[0].Language, Confidence: conf}, nil
}

type translateJSON struct {
	TranslatedText string `json:"translatedText"`
	DetectedLang   struct {
		Language   string  `json:"language"`
		Confidence float64 `json:"confidence"`
	} `json:"detectedLanguage"`
}

// Translate converts text between the given languages. sourceLang "auto"
// or empty lets the endpoint detect.
func (p *HTTPProvider) Translate(ctx context.Context, text, sourceLang, targetLang string) (Translated, error) {
	if sourceLang == "" {
		sourceLang = "auto"
	}
	body := map[string]string{"q": text, "source": sourceLang, "target": targetLang}
	if p.apiKey != "" {
		body["api_key"] = p.apiKey
	}

	var out translateJSON
	if err := p.post(ctx, "/translate", body, &out); err != nil {
		return Translated{}, err
	}

	res := Translated{Text: out.TranslatedText, SourceLang: sourceLang, Confidence: 1}
	if out.DetectedLang.Language != "" {
		res.SourceLang = out.DetectedLang.Language
		res.Confidence = out.DetectedLang.Confidence
		if res.Confidence > 1 {
			res.Confidence /= 100
		}
	}
	return res, nil
}

type languageJSON struct {
	Code    string   `json:"code"`
	Targets []string `json:"targets"`
}

// SupportedPairs expands the /languages listing into pairs.
func (p *HTTPProvider) SupportedPairs(ctx context.Context) ([]Pair, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/languages", nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: languages status %d", p.name, resp.StatusCode)
	}

	var langs []languageJSON
	if err := json.NewDecoder(resp.Body).Decode(&langs); err != nil {
		return nil, fmt.Errorf("%s: decode languages: %w", p.name, err)
	}

	var pairs []Pair
	for _, l := range langs {
		for _, tgt := range l.Targets {
			pairs = append(pairs, Pair{Source: l.Code, Target: tgt})
		}
	}
	return pairs, nil
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s status %d", p.name, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", p.name, path, err)
	}
	return nil
}
