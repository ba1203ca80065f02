// Package digicert implements the CA capability against the DigiCert
// services v2 REST API.
package digicert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/certops/dcv/internal/validation"
)

// DefaultBaseURL is the production DigiCert services endpoint.
const DefaultBaseURL = "https://www.digicert.com/services/v2"

// DefaultRateLimiter matches DigiCert's documented ceiling of 100 requests
// per 5 seconds, with headroom for a full burst.
func DefaultRateLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(5*time.Second/100), 100)
}

// APIError is a non-2xx response from the DigiCert API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("digicert API error %d: %s", e.StatusCode, e.Body)
}

// Client is an authenticated DigiCert API session. It implements
// validation.CAClient. Safe for concurrent use.
type Client struct {
	baseURL    string
	key        string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithBaseURL overrides the API endpoint, mainly for tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRateLimiter replaces the request-rate limiter. All requests from all
// concurrent workflows pass through it.
func WithRateLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// New builds a Client authenticated with the given API key.
func New(key string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		key:        key,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    DefaultRateLimiter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ── wire types ──────────────────────────────────────────────────────────────

type apiExpiration struct {
	OV string `json:"ov"`
	EV string `json:"ev"`
}

type apiDomain struct {
	ID            int64          `json:"id"`
	Name          string         `json:"name"`
	DCVMethod     string         `json:"dcv_method"`
	DCVExpiration *apiExpiration `json:"dcv_expiration"`
}

type apiValidation struct {
	Type      string `json:"type"`
	Status    string `json:"status"`
	DCVStatus string `json:"dcv_status"`
}

type apiToken struct {
	Token             string `json:"token"`
	VerificationValue string `json:"verification_value"`
}

func (d *apiDomain) toDomain() (validation.Domain, error) {
	out := validation.Domain{
		ID:        strconv.FormatInt(d.ID, 10),
		Name:      d.Name,
		DCVMethod: d.DCVMethod,
	}
	if d.DCVExpiration != nil {
		ov, err := time.Parse("2006-01-02", d.DCVExpiration.OV)
		if err != nil {
			return out, fmt.Errorf("parse ov expiration for %s: %w", d.Name, err)
		}
		ev, err := time.Parse("2006-01-02", d.DCVExpiration.EV)
		if err != nil {
			return out, fmt.Errorf("parse ev expiration for %s: %w", d.Name, err)
		}
		out.Expiration = &validation.Expiration{OV: ov, EV: ev}
	}
	return out, nil
}

func toValidations(vals []apiValidation) []validation.Validation {
	out := make([]validation.Validation, 0, len(vals))
	for _, v := range vals {
		out = append(out, validation.Validation{
			Type:      v.Type,
			Status:    v.Status,
			DCVStatus: v.DCVStatus,
		})
	}
	return out
}

// ── API methods ─────────────────────────────────────────────────────────────

// ListDomains returns the domains under CA management, optionally filtered
// by name (which wins) or capped by limit.
func (c *Client) ListDomains(ctx context.Context, filter validation.DomainFilter) ([]validation.Domain, error) {
	endpoint := c.baseURL + "/domain"
	q := url.Values{}
	switch {
	case filter.Name != "":
		q.Set("filters[search]", filter.Name)
	case filter.Limit > 0:
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	body, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Domains []apiDomain `json:"domains"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode domain list: %w", err)
	}

	domains := make([]validation.Domain, 0, len(payload.Domains))
	for i := range payload.Domains {
		d, err := payload.Domains[i].toDomain()
		if err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, nil
}

// DomainDetail fetches one domain including its DCV status and expiration.
func (c *Client) DomainDetail(ctx context.Context, id string) (*validation.DomainDetail, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/domain/"+id+"?include_dcv=true", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		apiDomain
		Validations []apiValidation `json:"validations"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode domain detail: %w", err)
	}

	d, err := payload.apiDomain.toDomain()
	if err != nil {
		return nil, err
	}
	return &validation.DomainDetail{
		Domain:      d,
		Validations: toValidations(payload.Validations),
	}, nil
}

// ChangeDCVMethod switches the domain's validation method and returns the
// token issued for the new method.
func (c *Client) ChangeDCVMethod(ctx context.Context, id, method string) (*validation.Token, error) {
	reqBody := map[string]string{"dcv_method": method}
	body, err := c.do(ctx, http.MethodPut, c.baseURL+"/domain/"+id+"/dcv/method", reqBody)
	if err != nil {
		return nil, err
	}
	return decodeToken(body)
}

// SubmitForValidation submits the domain for OV and EV validation via
// dns-cname-token and returns the fresh token/verification pair.
func (c *Client) SubmitForValidation(ctx context.Context, id string) (*validation.Token, error) {
	reqBody := map[string]any{
		"validations": []map[string]string{{"type": "ov"}, {"type": "ev"}},
		"dcv_method":  validation.MethodDNSCNAMEToken,
	}
	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/domain/"+id+"/validation", reqBody)
	if err != nil {
		return nil, err
	}
	return decodeToken(body)
}

// ValidationStatus returns the domain's current validation entries. A
// response without a validations list is a data error, not "not yet valid".
func (c *Client) ValidationStatus(ctx context.Context, id string) ([]validation.Validation, error) {
	body, err := c.do(ctx, http.MethodGet, c.baseURL+"/domain/"+id+"/validation", nil)
	if err != nil {
		return nil, err
	}

	var payload struct {
		Validations []apiValidation `json:"validations"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode validation status: %w", err)
	}
	if payload.Validations == nil {
		return nil, fmt.Errorf("validation status response has no validations list")
	}
	return toValidations(payload.Validations), nil
}

func decodeToken(body []byte) (*validation.Token, error) {
	var payload struct {
		DCVToken *apiToken `json:"dcv_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode dcv token: %w", err)
	}
	if payload.DCVToken == nil || payload.DCVToken.Token == "" {
		return nil, fmt.Errorf("response has no dcv token")
	}
	return &validation.Token{
		Value:             payload.DCVToken.Token,
		VerificationValue: payload.DCVToken.VerificationValue,
	}, nil
}

// do executes one API request under the shared rate limiter.
func (c *Client) do(ctx context.Context, method, endpoint string, reqBody any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
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
	req.Header.Set("X-DC-DEVKEY", c.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
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
