package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loyalty-ledger/internal/logging"
	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/ratelimit"
	"loyalty-ledger/internal/service"
)

type fakeAuth struct {
	creds map[string]models.APICredential
	err   error
}

func (f fakeAuth) Authenticate(ctx context.Context, rawKey string) (models.APICredential, error) {
	if f.err != nil {
		return models.APICredential{}, f.err
	}
	cred, ok := f.creds[rawKey]
	if !ok {
		return models.APICredential{}, service.ErrUnauthorized
	}
	return cred, nil
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if cred, ok := CredentialFromContext(r.Context()); ok {
			w.Header().Set("X-Credential", cred.ID)
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("Expected burst of 2 to be allowed")
	}
	if rl.Allow("a") {
		t.Error("Expected third request to be rejected")
	}
	if !rl.Allow("b") {
		t.Error("Expected a different client to be allowed")
	}

	now = now.Add(30 * time.Second)
	if !rl.Allow("a") {
		t.Error("Expected one token to refill after half the window")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()
	h := RateLimitMiddleware(rl)(okHandler())

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("Expected status 204, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("Expected status 429, got %d", rr.Code)
	}
	if rr.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Errorf("Expected remaining header 0, got %q", rr.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestGetClientKey(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"real ip", map[string]string{"X-Real-IP": "1.2.3.4"}, "9.9.9.9:1", "1.2.3.4"},
		{"forwarded", map[string]string{"X-Forwarded-For": "5.6.7.8, 10.0.0.1"}, "9.9.9.9:1", "5.6.7.8"},
		{"bad forwarded", map[string]string{"X-Forwarded-For": "garbage"}, "9.9.9.9:1", "9.9.9.9"},
		{"remote addr", nil, "9.9.9.9:1", "9.9.9.9"},
		{"no port", nil, "9.9.9.9", "9.9.9.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := GetClientKey(req); got != tt.want {
				t.Errorf("GetClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	auth := fakeAuth{creds: map[string]models.APICredential{
		"good": {ID: "cred-1", MerchantID: "m1", Active: true},
		"slow": {ID: "cred-2", MerchantID: "m1", Active: true, RateLimitPerMinute: 1},
	}}
	guard := ratelimit.NewGuard(ratelimit.NewMemoryStore(), logging.Discard())
	h := APIKeyAuth(auth, guard, logging.Discard())(okHandler())

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer good", http.StatusNoContent},
		{"lower-case bearer", "Authorization", "bearer good", http.StatusNoContent},
		{"x-api-key", "X-API-Key", "good", http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"unknown", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic good", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/v1/orders", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rr.Code)
			}
			if tt.want == http.StatusNoContent && rr.Header().Get("X-Credential") != "cred-1" {
				t.Error("Expected credential in request context")
			}
		})
	}

	req := httptest.NewRequest("POST", "/v1/orders", nil)
	req.Header.Set("X-API-Key", "slow")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent || rr.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("Expected first request allowed with limit header, got %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Errorf("Expected 429 with Retry-After, got %d", rr.Code)
	}
}

func TestAPIKeyAuth_StoreFailure(t *testing.T) {
	h := APIKeyAuth(fakeAuth{err: errors.New("disk on fire")}, nil, logging.Discard())(okHandler())
	req := httptest.NewRequest("POST", "/v1/orders", nil)
	req.Header.Set("X-API-Key", "good")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rr.Code)
	}
}

func TestAdminAuth(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"disabled", "", "Bearer anything", http.StatusNotFound},
		{"missing", "secret", "", http.StatusUnauthorized},
		{"wrong", "secret", "Bearer nope", http.StatusUnauthorized},
		{"ok", "secret", "Bearer secret", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := AdminAuth(tt.token)(okHandler())
			req := httptest.NewRequest("GET", "/admin/features", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestRequestLoggerCapturesStatus(t *testing.T) {
	h := RequestLogger(logging.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusTeapot {
		t.Errorf("Expected status 418, got %d", rr.Code)
	}
}
