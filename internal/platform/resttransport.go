package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crosslink-mc/crosslink/internal/config"
)

// RESTTransport is the production SocialTransport over the platform's
// REST API. Messages authenticate per bot personality; role management
// uses the shared gateway credential.
type RESTTransport struct {
	base        string
	token       string
	credentials map[string]string // bot name -> credential
	client      *http.Client
}

// NewRESTTransport builds the transport from the social platform config.
func NewRESTTransport(cfg config.SocialConfig) *RESTTransport {
	creds := make(map[string]string, len(cfg.Bots))
	for _, b := range cfg.Bots {
		creds[b.Name] = b.Credential
	}
	return &RESTTransport{
		base:        strings.TrimRight(cfg.APIBase, "/"),
		token:       cfg.Token,
		credentials: creds,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// SendMessage posts text to the channel as the named bot.
func (t *RESTTransport) SendMessage(ctx context.Context, botName, channel, text string) error {
	cred, ok := t.credentials[botName]
	if !ok {
		return fmt.Errorf("no credential for bot %q", botName)
	}
	payload, err := json.Marshal(map[string]string{"content": text})
	if err != nil {
		return err
	}

	path := "/channels/" + url.PathEscape(channel) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bot "+cred)
	return t.do(req)
}

// AssignRole grants the role to the external identity.
func (t *RESTTransport) AssignRole(ctx context.Context, externalID, role string) error {
	return t.roleRequest(ctx, http.MethodPut, externalID, role)
}

// RemoveRole revokes the role from the external identity.
func (t *RESTTransport) RemoveRole(ctx context.Context, externalID, role string) error {
	return t.roleRequest(ctx, http.MethodDelete, externalID, role)
}

func (t *RESTTransport) roleRequest(ctx context.Context, method, externalID, role string) error {
	path := "/members/" + url.PathEscape(externalID) + "/roles/" + url.PathEscape(role)
	req, err := http.NewRequestWithContext(ctx, method, t.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.do(req)
}

func (t *RESTTransport) do(req *http.Request) error {
	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return nil
}
