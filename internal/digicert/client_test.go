package digicert_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/time/rate"

	"github.com/certops/dcv/internal/digicert"
	"github.com/certops/dcv/internal/validation"
)

func newTestClient(t *testing.T, handler http.Handler) *digicert.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return digicert.New("test-key",
		digicert.WithBaseURL(srv.URL),
		digicert.WithRateLimiter(rate.NewLimiter(rate.Inf, 0)),
	)
}

func TestListDomains(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-DC-DEVKEY"); got != "test-key" {
			t.Errorf("missing API key header, got %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"domains": []map[string]any{
				{
					"id": 112233, "name": "a.com", "dcv_method": "email",
					"dcv_expiration": map[string]string{"ov": "2024-03-01", "ev": "2024-02-01"},
				},
				{"id": 445566, "name": "new.com", "dcv_method": "dns-cname-token"},
			},
		})
	})

	c := newTestClient(t, mux)
	domains, err := c.ListDomains(context.Background(), validation.DomainFilter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("expected 2 domains, got %d", len(domains))
	}

	if domains[0].ID != "112233" || domains[0].Name != "a.com" {
		t.Errorf("unexpected first domain: %+v", domains[0])
	}
	if domains[0].Expiration == nil {
		t.Fatal("expected expiration pair on a.com")
	}
	if got := domains[0].Expiration.Min().Format("2006-01-02"); got != "2024-02-01" {
		t.Errorf("min expiry = %s, want 2024-02-01", got)
	}
	if domains[1].Expiration != nil {
		t.Error("never-validated domain should have nil expiration")
	}
}

func TestListDomains_NameFilter(t *testing.T) {
	var gotQuery string
	mux := http.NewServeMux()
	mux.HandleFunc("/domain", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]any{"domains": []map[string]any{}})
	})

	c := newTestClient(t, mux)
	if _, err := c.ListDomains(context.Background(), validation.DomainFilter{Name: "a.com"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(gotQuery, "search") || !strings.Contains(gotQuery, "a.com") {
		t.Errorf("expected search filter in query, got %q", gotQuery)
	}
}

func TestDomainDetail(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain/112233", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("include_dcv") != "true" {
			t.Error("expected include_dcv=true")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id": 112233, "name": "a.com", "dcv_method": "dns-cname-token",
			"dcv_expiration": map[string]string{"ov": "2024-03-01", "ev": "2024-02-01"},
			"validations": []map[string]string{
				{"type": "ov", "status": "active", "dcv_status": "complete"},
				{"type": "ev", "status": "pending", "dcv_status": "pending"},
			},
		})
	})

	c := newTestClient(t, mux)
	detail, err := c.DomainDetail(context.Background(), "112233")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(detail.Validations) != 2 || detail.Validations[0].Type != "ov" {
		t.Fatalf("unexpected validations: %+v", detail.Validations)
	}
}

func TestChangeDCVMethod(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain/1/dcv/method", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["dcv_method"] != "dns-cname-token" {
			t.Errorf("unexpected body: %v", body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"dcv_token": map[string]string{
				"token": "tok123", "verification_value": "dcv.digicert.com",
			},
		})
	})

	c := newTestClient(t, mux)
	tok, err := c.ChangeDCVMethod(context.Background(), "1", "dns-cname-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value != "tok123" || tok.VerificationValue != "dcv.digicert.com" {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestChangeDCVMethod_MissingToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain/1/dcv/method", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	c := newTestClient(t, mux)
	if _, err := c.ChangeDCVMethod(context.Background(), "1", "dns-cname-token"); err == nil {
		t.Fatal("expected error when response has no dcv token")
	}
}

func TestSubmitForValidation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain/1/validation", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		var body struct {
			Validations []map[string]string `json:"validations"`
			DCVMethod   string              `json:"dcv_method"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if len(body.Validations) != 2 || body.DCVMethod != "dns-cname-token" {
			t.Errorf("unexpected submission body: %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"dcv_token": map[string]string{
				"token": "fresh-tok", "verification_value": "dcv.digicert.com",
			},
		})
	})

	c := newTestClient(t, mux)
	tok, err := c.SubmitForValidation(context.Background(), "1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Value != "fresh-tok" {
		t.Errorf("unexpected token: %+v", tok)
	}
}

func TestValidationStatus_MissingListIsError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain/1/validation", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{})
	})

	c := newTestClient(t, mux)
	if _, err := c.ValidationStatus(context.Background(), "1"); err == nil {
		t.Fatal("missing validations list must be a data error")
	}
}

func TestAPIError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/domain", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errors":[{"message":"forbidden"}]}`, http.StatusForbidden)
	})

	c := newTestClient(t, mux)
	_, err := c.ListDomains(context.Background(), validation.DomainFilter{})

	var apiErr *digicert.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403, got %d", apiErr.StatusCode)
	}
}
