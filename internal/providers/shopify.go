package providers

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

const (
	ShopifyHmacHeader      = "X-Shopify-Hmac-Sha256"
	ShopifyTopicHeader     = "X-Shopify-Topic"
	ShopifyWebhookIDHeader = "X-Shopify-Webhook-Id"
)

// Shopify handles e-commerce order and refund webhooks.
type Shopify struct{}

// NewShopify creates the Shopify adapter.
func NewShopify() *Shopify { return &Shopify{} }

// Name implements Adapter.
func (s *Shopify) Name() string { return "shopify" }

// Verify implements Adapter.
func (s *Shopify) Verify(req Request, secret string) error {
	return verifyBase64(req.Headers.Get(ShopifyHmacHeader), hmacSHA256(secret, req.Body))
}

type shopifyCustomer struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type shopifyOrder struct {
	ID              int64            `json:"id"`
	Email           string           `json:"email"`
	TotalPrice      string           `json:"total_price"`
	Currency        string           `json:"currency"`
	FinancialStatus string           `json:"financial_status"`
	CreatedAt       time.Time        `json:"created_at"`
	Customer        *shopifyCustomer `json:"customer"`
}

type shopifyRefund struct {
	ID           int64     `json:"id"`
	OrderID      int64     `json:"order_id"`
	CreatedAt    time.Time `json:"created_at"`
	Transactions []struct {
		Amount   string `json:"amount"`
		Currency string `json:"currency"`
		Kind     string `json:"kind"`
		Status   string `json:"status"`
	} `json:"transactions"`
}

// Normalize implements Adapter. Topics orders/paid and refunds/create move
// points; the webhook id doubles as the idempotency key.
func (s *Shopify) Normalize(req Request) ([]models.SettlementEvent, error) {
	topic := req.Headers.Get(ShopifyTopicHeader)
	webhookID := strings.TrimSpace(req.Headers.Get(ShopifyWebhookIDHeader))

	switch topic {
	case "orders/paid":
		var o shopifyOrder
		if err := json.Unmarshal(req.Body, &o); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if o.ID == 0 {
			return nil, fmt.Errorf("%w: missing order id", ErrMalformedPayload)
		}
		amount, err := parseAmount(o.TotalPrice)
		if err != nil {
			return nil, err
		}
		ev := models.SettlementEvent{
			SourceChannel:  ChannelEcommerce,
			ExternalSource: s.Name(),
			ExternalID:     strconv.FormatInt(o.ID, 10),
			IdempotencyKey: webhookID,
			Customer:       models.CustomerIdentity{Email: o.Email},
			Amount:         amount,
			Currency:       strings.ToUpper(o.Currency),
			OccurredAt:     o.CreatedAt.UTC(),
			Kind:           models.KindCharge,
		}
		if c := o.Customer; c != nil {
			if ev.Customer.Email == "" {
				ev.Customer.Email = c.Email
			}
			ev.Customer.Phone = c.Phone
			ev.Customer.FirstName = c.FirstName
			ev.Customer.LastName = c.LastName
			if c.ID != 0 {
				ev.Customer.ProviderCustomerID = strconv.FormatInt(c.ID, 10)
			}
		}
		return []models.SettlementEvent{ev}, nil

	case "refunds/create":
		var r shopifyRefund
		if err := json.Unmarshal(req.Body, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if r.ID == 0 || r.OrderID == 0 {
			return nil, fmt.Errorf("%w: missing refund or order id", ErrMalformedPayload)
		}
		total := decimal.Zero
		currency := ""
		for _, t := range r.Transactions {
			if t.Kind != "refund" || t.Status != "success" {
				continue
			}
			amount, err := parseAmount(t.Amount)
			if err != nil {
				return nil, err
			}
			total = total.Add(amount)
			currency = t.Currency
		}
		if total.Sign() <= 0 {
			return nil, nil
		}
		return []models.SettlementEvent{{
			SourceChannel:  ChannelEcommerce,
			ExternalSource: s.Name(),
			ExternalID:     "refund-" + strconv.FormatInt(r.ID, 10),
			IdempotencyKey: webhookID,
			Amount:         total,
			Currency:       strings.ToUpper(currency),
			OccurredAt:     r.CreatedAt.UTC(),
			Kind:           models.KindRefund,
			RefundOf:       strconv.FormatInt(r.OrderID, 10),
		}}, nil
	}
	return nil, nil
}
