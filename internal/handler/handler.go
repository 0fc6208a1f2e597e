package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/ledger"
	"loyalty-ledger/internal/middleware"
	"loyalty-ledger/internal/models"
	"loyalty-ledger/internal/payout"
	"loyalty-ledger/internal/providers"
	"loyalty-ledger/internal/service"
	"loyalty-ledger/internal/validation"
)

// Handler provides HTTP handlers for the API.
type Handler struct {
	service     *service.Service
	maxBodySize int64
	publicURL   string
	logger      *slog.Logger
}

// NewHandlerOptions holds options for creating a handler.
type NewHandlerOptions struct {
	MaxBodySize int64
	// PublicURL is the externally visible base URL, used to rebuild the
	// notification URL some providers sign.
	PublicURL string
	Logger    *slog.Logger
}

// DefaultHandlerOptions returns default handler options.
func DefaultHandlerOptions() NewHandlerOptions {
	return NewHandlerOptions{
		MaxBodySize: 1 << 20, // 1MB default
	}
}

// NewHandler creates a new handler instance.
func NewHandler(svc *service.Service) *Handler {
	return NewHandlerWithOptions(svc, DefaultHandlerOptions())
}

// NewHandlerWithOptions creates a new handler instance with custom options.
func NewHandlerWithOptions(svc *service.Service, opts NewHandlerOptions) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultHandlerOptions().MaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Handler{
		service:     svc,
		maxBodySize: opts.MaxBodySize,
		publicURL:   strings.TrimRight(opts.PublicURL, "/"),
		logger:      opts.Logger,
	}
}

// SubmitOrder handles POST /v1/orders
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req models.SubmitOrderRequest
	if !h.decode(w, r, &req) {
		return
	}

	req.ExternalID = validation.SanitizeString(req.ExternalID)
	req.Source = validation.SanitizeString(req.Source)
	req.CustomerEmail = validation.SanitizeString(req.CustomerEmail)
	req.CustomerName = validation.SanitizeString(req.CustomerName)
	req.IdempotencyKey = validation.SanitizeString(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = validation.SanitizeString(r.Header.Get("Idempotency-Key"))
	}

	resp, err := h.service.SubmitOrder(r.Context(), cred, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetOrder handles GET /v1/orders/{source}/{external_id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	source := validation.SanitizeString(chi.URLParam(r, "source"))
	externalID := validation.SanitizeString(chi.URLParam(r, "external_id"))

	ev, err := h.service.GetOrder(r.Context(), cred, source, externalID)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ev)
}

// SubmitScan handles POST /v1/scans
func (h *Handler) SubmitScan(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.credential(w, r)
	if !ok {
		return
	}
	var req models.SubmitScanRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.VisitID = validation.SanitizeString(req.VisitID)
	req.CustomerEmail = validation.SanitizeString(req.CustomerEmail)
	req.LocationID = validation.SanitizeString(req.LocationID)

	resp, err := h.service.SubmitScan(r.Context(), cred, req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// HandleWebhook handles POST /webhooks/{channel}/{merchant_slug}
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	channel := strings.ToLower(chi.URLParam(r, "channel"))
	slug := strings.ToLower(chi.URLParam(r, "merchant_slug"))
	resp, err := h.service.HandleWebhook(r.Context(), channel, slug, providers.Request{
		URL:     h.requestURL(r),
		Headers: r.Header,
		Body:    body,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetPayoutEligibility handles GET /v1/merchants/{slug}/payouts?email=
func (h *Handler) GetPayoutEligibility(w http.ResponseWriter, r *http.Request) {
	email := validation.SanitizeString(r.URL.Query().Get("email"))
	var milestone int64
	if raw := r.URL.Query().Get("milestone_points"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			h.respondError(w, http.StatusBadRequest, "invalid 'milestone_points' parameter")
			return
		}
		milestone = parsed
	}

	resp, err := h.service.PayoutEligibility(r.Context(), chi.URLParam(r, "slug"), email, milestone)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ClaimPayout handles POST /v1/merchants/{slug}/payouts
func (h *Handler) ClaimPayout(w http.ResponseWriter, r *http.Request) {
	var req models.ClaimPayoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = validation.SanitizeString(req.Email)
	req.DestinationAddress = validation.SanitizeString(req.DestinationAddress)

	resp, err := h.service.ClaimPayout(r.Context(), chi.URLParam(r, "slug"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// GetMember handles GET /v1/merchants/{slug}/members/{email}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	email := validation.SanitizeString(chi.URLParam(r, "email"))
	if err := validation.ValidateEmail(email, "email"); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	resp, err := h.service.MemberSummary(r.Context(), chi.URLParam(r, "slug"), email)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// RedeemReward handles POST /v1/merchants/{slug}/rewards/{reward_id}/redeem
func (h *Handler) RedeemReward(w http.ResponseWriter, r *http.Request) {
	var req models.MemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = validation.SanitizeString(req.Email)

	resp, err := h.service.RedeemReward(r.Context(), chi.URLParam(r, "slug"),
		validation.SanitizeString(chi.URLParam(r, "reward_id")), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ClaimAnnualBonus handles POST /v1/merchants/{slug}/annual-bonus
func (h *Handler) ClaimAnnualBonus(w http.ResponseWriter, r *http.Request) {
	var req models.MemberRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Email = validation.SanitizeString(req.Email)

	resp, err := h.service.ClaimAnnualBonus(r.Context(), chi.URLParam(r, "slug"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// AdjustAccount handles POST /admin/accounts/{id}/adjust
func (h *Handler) AdjustAccount(w http.ResponseWriter, r *http.Request) {
	var req models.AdjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.service.AdjustAccount(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// ListPendingPayouts handles GET /admin/payouts/pending
func (h *Handler) ListPendingPayouts(w http.ResponseWriter, r *http.Request) {
	claims, err := h.service.PendingPayouts(r.Context())
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	if claims == nil {
		claims = []models.PayoutClaim{}
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"claims": claims})
}

// ResolvePayout handles POST /admin/payouts/{id}/resolve
func (h *Handler) ResolvePayout(w http.ResponseWriter, r *http.Request) {
	var req models.ResolvePayoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Outcome = strings.ToLower(validation.SanitizeString(req.Outcome))
	req.TransferRef = validation.SanitizeString(req.TransferRef)
	req.Reason = validation.SanitizeString(req.Reason)

	claim, err := h.service.ResolvePayout(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, claim)
}

// ListFeatures handles GET /admin/features
func (h *Handler) ListFeatures(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"features": h.service.Features()})
}

// SetFeature handles POST /admin/features/{name}
func (h *Handler) SetFeature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.respondError(w, http.StatusBadRequest, "validation error on field 'enabled': is required")
		return
	}
	if err := h.service.SetFeature(chi.URLParam(r, "name"), *req.Enabled); err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]interface{}{"features": h.service.Features()})
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("health check failed", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) credential(w http.ResponseWriter, r *http.Request) (models.APICredential, bool) {
	cred, ok := middleware.CredentialFromContext(r.Context())
	if !ok {
		h.respondError(w, http.StatusUnauthorized, "missing API key")
	}
	return cred, ok
}

// decode reads a size-limited JSON body into dst and reports success.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if err == io.EOF {
			h.respondError(w, http.StatusBadRequest, "request body is required")
			return false
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		h.respondError(w, http.StatusBadRequest, "invalid JSON in request body")
		return false
	}
	return true
}

func (h *Handler) requestURL(r *http.Request) string {
	if h.publicURL != "" {
		return h.publicURL + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// respondServiceError maps domain errors onto HTTP status codes. Duplicates are
// not errors and never reach here.
func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *validation.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, providers.ErrMalformedPayload),
		errors.Is(err, payout.ErrInvalidAddress),
		errors.Is(err, payout.ErrInvalidResolution):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, providers.ErrInvalidSignature),
		errors.Is(err, providers.ErrMissingSecret):
		h.respondError(w, http.StatusUnauthorized, "invalid credentials or signature")
	case errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrMerchantDisabled):
		h.respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrMerchantNotFound),
		errors.Is(err, service.ErrMemberNotFound),
		errors.Is(err, service.ErrRewardNotFound),
		errors.Is(err, service.ErrEventNotFound),
		errors.Is(err, service.ErrFeatureNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, payout.ErrClaimNotFound),
		errors.Is(err, providers.ErrUnknownChannel):
		h.respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrBonusAlreadyClaimed),
		errors.Is(err, payout.ErrClaimResolved),
		errors.Is(err, payout.ErrClaimInFlight):
		h.respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrBonusNotOffered),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, payout.ErrNotEligible):
		h.respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, service.ErrRateLimited),
		errors.Is(err, payout.ErrRateLimited):
		h.respondError(w, http.StatusTooManyRequests, "rate limit exceeded")
	case errors.Is(err, service.ErrFeatureDisabled),
		errors.Is(err, service.ErrRefundPending),
		errors.Is(err, ledger.ErrConflict):
		h.respondError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, payout.ErrReconciliationRequired):
		h.logger.Error("payout needs reconciliation", "path", r.URL.Path, "error", err)
		h.respondError(w, http.StatusInternalServerError, "payout is under review; please contact support")
	case errors.Is(err, database.ErrStorageTransient):
		h.logger.Error("storage unavailable", "path", r.URL.Path, "error", err)
		h.respondError(w, http.StatusInternalServerError, "temporarily unavailable, safe to retry")
	default:
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal server error")
	}
}

// respondJSON sends a JSON response with the given status code.
func (h *Handler) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with the given status code and message.
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, models.ErrorResponse{Error: message})
}
