package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/ratelimit"
	"loyalty-ledger/internal/service"
)

type contextKey string

const credentialKey contextKey = "api_credential"

// Authenticator resolves a raw API key to a credential.
type Authenticator interface {
	Authenticate(ctx context.Context, rawKey string) (models.APICredential, error)
}

// CredentialFromContext returns the credential attached by APIKeyAuth.
func CredentialFromContext(ctx context.Context) (models.APICredential, bool) {
	cred, ok := ctx.Value(credentialKey).(models.APICredential)
	return cred, ok
}

// WithCredential attaches cred to ctx.
func WithCredential(ctx context.Context, cred models.APICredential) context.Context {
	return context.WithValue(ctx, credentialKey, cred)
}

// APIKeyAuth authenticates merchant API keys sent as "Authorization: Bearer"
// or "X-API-Key" and enforces each credential's per-minute limit.
func APIKeyAuth(auth Authenticator, guard *ratelimit.Guard, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearerToken(r)
			if raw == "" {
				raw = r.Header.Get("X-API-Key")
			}
			if raw == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			cred, err := auth.Authenticate(r.Context(), raw)
			if err != nil {
				if errors.Is(err, service.ErrUnauthorized) {
					writeError(w, http.StatusUnauthorized, "invalid API key")
					return
				}
				logger.Error("api key lookup failed", "error", err)
				writeError(w, http.StatusInternalServerError, "internal server error")
				return
			}

			if guard != nil && cred.RateLimitPerMinute > 0 {
				d := guard.CheckAndIncrement(r.Context(), ratelimit.Key("api", cred.ID),
					int64(cred.RateLimitPerMinute), time.Minute)
				w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
				w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
				if !d.Allowed {
					w.Header().Set("Retry-After", strconv.Itoa(int(d.ResetIn.Seconds())+1))
					writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCredential(r.Context(), cred)))
		})
	}
}

// AdminAuth protects operator routes with a static bearer token. An empty token
// disables the routes.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			provided := bearerToken(r)
			if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}
