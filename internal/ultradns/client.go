// Package ultradns implements the DNS-provider capability against the
// Neustar/UltraDNS REST API.
package ultradns

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// DefaultBaseURL is the production UltraDNS endpoint.
const DefaultBaseURL = "https://api.ultradns.com"

// ErrZoneNotFound is returned by Zone when the provider has no such zone.
var ErrZoneNotFound = errors.New("zone not found")

// ErrRecordNotFound is returned by DeleteCNAME when the record is already
// absent at the provider.
var ErrRecordNotFound = errors.New("record not found")

// APIError is a non-2xx response from the UltraDNS API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ultradns API error %d: %s", e.StatusCode, e.Body)
}

// Client is an UltraDNS session. Login exchanges the credentials for a
// bearer token via the OAuth2 password grant; token refresh is handled by
// the underlying token source. Implements validation.DNSClient. Safe for
// concurrent use after Login.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client

	mu     sync.Mutex
	authed *http.Client // nil until Login succeeds
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom http.Client used for login, refresh, and all
// API calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds an unauthenticated Client. Call Login before any other method.
func New(username, password string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		username:   username,
		password:   password,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates via the password grant. Idempotent: once a session is
// established, further calls are no-ops.
func (c *Client) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.authed != nil {
		return nil
	}

	conf := &oauth2.Config{
		Endpoint: oauth2.Endpoint{
			TokenURL:  c.baseURL + "/authorization/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := conf.PasswordCredentialsToken(ctx, c.username, c.password)
	if err != nil {
		return fmt.Errorf("ultradns login: %w", err)
	}
	if tok.AccessToken == "" {
		return fmt.Errorf("ultradns login: empty access token")
	}

	// Token refreshes must outlive the login context.
	base := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	c.authed = oauth2.NewClient(base, conf.TokenSource(base, tok))
	return nil
}

// Zone checks that the zone exists at the provider.
func (c *Client) Zone(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodGet, c.baseURL+"/zones/"+name, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrZoneNotFound, name)
	}
	return err
}

// CreateCNAME provisions label.zone as a CNAME to target. The target gets
// trailing-dot normalization, as the provider requires absolute rdata.
func (c *Client) CreateCNAME(ctx context.Context, zone, label, target string) error {
	body := map[string][]string{"rdata": {dotTerminate(target)}}
	_, err := c.do(ctx, http.MethodPost, c.rrsetURL(zone, label), body)
	if err != nil {
		return fmt.Errorf("create CNAME %s.%s: %w", label, zone, err)
	}
	return nil
}

// DeleteCNAME removes label.zone. An already-absent record is reported as
// ErrRecordNotFound so callers can tell it apart from other failures.
func (c *Client) DeleteCNAME(ctx context.Context, zone, label string) error {
	_, err := c.do(ctx, http.MethodDelete, c.rrsetURL(zone, label), nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s.%s", ErrRecordNotFound, label, zone)
	}
	if err != nil {
		return fmt.Errorf("delete CNAME %s.%s: %w", label, zone, err)
	}
	return nil
}

func (c *Client) rrsetURL(zone, label string) string {
	return c.baseURL + "/zones/" + dotTerminate(zone) + "/rrsets/cname/" + label
}

func dotTerminate(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s
	}
	return s + "."
}

// do executes one authenticated API request.
func (c *Client) do(ctx context.Context, method, endpoint string, reqBody any) ([]byte, error) {
	c.mu.Lock()
	authed := c.authed
	c.mu.Unlock()
	if authed == nil {
		return nil, fmt.Errorf("ultradns client not logged in")
	}

	var bodyReader io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := authed.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
