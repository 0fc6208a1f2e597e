package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loyalty-ledger/internal/models"
)

// SquareSignatureHeader carries base64 HMAC-SHA256 over notification URL + body.
const SquareSignatureHeader = "X-Square-Hmacsha256-Signature"

// Square handles card-processor payment and refund notifications.
type Square struct{}

// NewSquare creates the Square adapter.
func NewSquare() *Square { return &Square{} }

// Name implements Adapter.
func (s *Square) Name() string { return "square" }

// Verify implements Adapter.
func (s *Square) Verify(req Request, secret string) error {
	return verifyBase64(req.Headers.Get(SquareSignatureHeader), hmacSHA256(secret, []byte(req.URL), req.Body))
}

type squareMoney struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type squarePayment struct {
	ID                string      `json:"id"`
	Status            string      `json:"status"`
	AmountMoney       squareMoney `json:"amount_money"`
	CustomerID        string      `json:"customer_id"`
	BuyerEmailAddress string      `json:"buyer_email_address"`
	CreatedAt         time.Time   `json:"created_at"`
}

type squareRefund struct {
	ID          string      `json:"id"`
	PaymentID   string      `json:"payment_id"`
	Status      string      `json:"status"`
	AmountMoney squareMoney `json:"amount_money"`
	CreatedAt   time.Time   `json:"created_at"`
}

type squareNotification struct {
	EventID   string    `json:"event_id"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      struct {
		ID     string `json:"id"`
		Object struct {
			Payment *squarePayment `json:"payment"`
			Refund  *squareRefund  `json:"refund"`
		} `json:"object"`
	} `json:"data"`
}

// Normalize implements Adapter. Only completed payments and refunds move points.
func (s *Square) Normalize(req Request) ([]models.SettlementEvent, error) {
	var n squareNotification
	if err := json.Unmarshal(req.Body, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch {
	case strings.HasPrefix(n.Type, "payment.") && n.Data.Object.Payment != nil:
		p := n.Data.Object.Payment
		if p.Status != "COMPLETED" {
			return nil, nil
		}
		if p.ID == "" {
			return nil, fmt.Errorf("%w: missing payment id", ErrMalformedPayload)
		}
		return []models.SettlementEvent{{
			SourceChannel:  ChannelCardProcessor,
			ExternalSource: s.Name(),
			ExternalID:     p.ID,
			Customer: models.CustomerIdentity{
				Email:              p.BuyerEmailAddress,
				ProviderCustomerID: p.CustomerID,
			},
			Amount:     FromMinorUnits(p.AmountMoney.Amount, p.AmountMoney.Currency),
			Currency:   strings.ToUpper(p.AmountMoney.Currency),
			OccurredAt: firstTime(p.CreatedAt, n.CreatedAt),
			Kind:       models.KindCharge,
		}}, nil

	case strings.HasPrefix(n.Type, "refund.") && n.Data.Object.Refund != nil:
		r := n.Data.Object.Refund
		if r.Status != "COMPLETED" {
			return nil, nil
		}
		if r.ID == "" || r.PaymentID == "" {
			return nil, fmt.Errorf("%w: missing refund or payment id", ErrMalformedPayload)
		}
		return []models.SettlementEvent{{
			SourceChannel:  ChannelCardProcessor,
			ExternalSource: s.Name(),
			ExternalID:     r.ID,
			Amount:         FromMinorUnits(r.AmountMoney.Amount, r.AmountMoney.Currency),
			Currency:       strings.ToUpper(r.AmountMoney.Currency),
			OccurredAt:     firstTime(r.CreatedAt, n.CreatedAt),
			Kind:           models.KindRefund,
			RefundOf:       r.PaymentID,
		}}, nil
	}
	return nil, nil
}

func firstTime(ts ...time.Time) time.Time {
	for _, t := range ts {
		if !t.IsZero() {
			return t.UTC()
		}
	}
	return time.Time{}
}
