package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrMerchantUnderfunded is returned by a gateway when the merchant treasury
	// cannot cover the transfer.
	ErrMerchantUnderfunded = errors.New("payout: merchant treasury underfunded")
	// ErrTransferDeclined is returned by a gateway that refused the transfer.
	ErrTransferDeclined = errors.New("payout: transfer declined")
)

// TransferRequest asks the payment rail to move stablecoin value.
type TransferRequest struct {
	ClaimID     string          `json:"claim_id"`
	MerchantID  string          `json:"merchant_id"`
	Source      string          `json:"source"`
	Destination string          `json:"destination"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Network     string          `json:"network"`
}

// TransferResult is a completed, irreversible transfer.
type TransferResult struct {
	Ref string `json:"transfer_ref"`
}

// TransferGateway moves value off the ledger. Custody mechanics live behind it.
type TransferGateway interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
}

// FuncGateway adapts a function into a TransferGateway.
type FuncGateway func(ctx context.Context, req TransferRequest) (TransferResult, error)

// Transfer implements TransferGateway.
func (f FuncGateway) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	if f == nil {
		return TransferResult{}, fmt.Errorf("payout: gateway not configured")
	}
	return f(ctx, req)
}

// HTTPGateway posts transfers to a custody service. The claim id is sent as the
// Idempotency-Key so a retried request never moves value twice.
type HTTPGateway struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPGateway constructs an HTTPGateway.
func NewHTTPGateway(baseURL, token string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

type gatewayResponse struct {
	TransferRef string `json:"transfer_ref"`
	Status      string `json:"status"`
	Code        string `json:"code"`
	Message     string `json:"message"`
}

// Transfer implements TransferGateway.
func (g *HTTPGateway) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return TransferResult{}, fmt.Errorf("failed to encode transfer: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return TransferResult{}, fmt.Errorf("failed to build transfer request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.ClaimID)
	if g.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return TransferResult{}, fmt.Errorf("failed to call transfer gateway: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TransferResult{}, fmt.Errorf("failed to read transfer response: %w", err)
	}
	var out gatewayResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			if resp.StatusCode < 300 {
				return TransferResult{}, fmt.Errorf("failed to decode transfer response: %w", err)
			}
			// Proxies in front of the gateway answer errors in plain text.
			out = gatewayResponse{Message: truncate(strings.TrimSpace(string(raw)), 200)}
		}
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || out.Code == "insufficient_funds":
		return TransferResult{}, fmt.Errorf("%w: %s", ErrMerchantUnderfunded, out.Message)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return TransferResult{}, fmt.Errorf("%w: %s", ErrTransferDeclined, out.Message)
	case resp.StatusCode >= 500:
		return TransferResult{}, fmt.Errorf("transfer gateway returned status %d: %s", resp.StatusCode, out.Message)
	}
	if out.TransferRef == "" {
		return TransferResult{}, fmt.Errorf("%w: gateway returned no transfer reference", ErrTransferDeclined)
	}
	return TransferResult{Ref: out.TransferRef}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
