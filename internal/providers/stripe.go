package providers

import (
	"crypto/hmac"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"loyalty-ledger/internal/models"
)

// StripeSignatureHeader has the form "t={unix},v1={hex hmac}".
const StripeSignatureHeader = "Stripe-Signature"

// DefaultStripeTolerance bounds how old a signed timestamp may be.
const DefaultStripeTolerance = 5 * time.Minute

// Stripe handles card-processor charge and refund events.
type Stripe struct {
	Tolerance time.Duration
	now       func() time.Time
}

// NewStripe creates the Stripe adapter.
func NewStripe() *Stripe {
	return &Stripe{Tolerance: DefaultStripeTolerance, now: time.Now}
}

// Name implements Adapter.
func (s *Stripe) Name() string { return "stripe" }

// StripeSignature computes the v1 signature over "{timestamp}.{payload}".
func StripeSignature(timestamp int64, payload []byte, secret string) string {
	return hex.EncodeToString(hmacSHA256(secret, []byte(strconv.FormatInt(timestamp, 10)), []byte("."), payload))
}

// Verify implements Adapter. Any v1 entry may match, which allows secret rotation.
func (s *Stripe) Verify(req Request, secret string) error {
	header := req.Headers.Get(StripeSignatureHeader)
	var (
		timestamp int64
		sigs      []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return ErrInvalidSignature
			}
			timestamp = ts
		case "v1":
			sigs = append(sigs, value)
		}
	}
	if timestamp == 0 || len(sigs) == 0 {
		return ErrInvalidSignature
	}
	if s.Tolerance > 0 {
		age := s.now().Sub(time.Unix(timestamp, 0))
		if age > s.Tolerance || age < -s.Tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}

	expected := []byte(StripeSignature(timestamp, req.Body, secret))
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), expected) {
			return nil
		}
	}
	return ErrInvalidSignature
}

type stripeEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Paid           bool   `json:"paid"`
	Status         string `json:"status"`
	Customer       string `json:"customer"`
	ReceiptEmail   string `json:"receipt_email"`
	Created        int64  `json:"created"`
	BillingDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		Phone string `json:"phone"`
	} `json:"billing_details"`
}

type stripeRefund struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Charge   string `json:"charge"`
	Status   string `json:"status"`
	Created  int64  `json:"created"`
}

// Normalize implements Adapter. The event id is the idempotency key.
func (s *Stripe) Normalize(req Request) ([]models.SettlementEvent, error) {
	var evt stripeEvent
	if err := json.Unmarshal(req.Body, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch evt.Type {
	case "charge.succeeded":
		var c stripeCharge
		if err := json.Unmarshal(evt.Data.Object, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if !c.Paid || c.Status != "succeeded" {
			return nil, nil
		}
		if c.ID == "" {
			return nil, fmt.Errorf("%w: missing charge id", ErrMalformedPayload)
		}
		email := c.BillingDetails.Email
		if email == "" {
			email = c.ReceiptEmail
		}
		first, last := splitName(c.BillingDetails.Name)
		return []models.SettlementEvent{{
			SourceChannel:  ChannelCardProcessor,
			ExternalSource: s.Name(),
			ExternalID:     c.ID,
			IdempotencyKey: evt.ID,
			Customer: models.CustomerIdentity{
				Email:              email,
				Phone:              c.BillingDetails.Phone,
				ProviderCustomerID: c.Customer,
				FirstName:          first,
				LastName:           last,
			},
			Amount:     FromMinorUnits(c.Amount, c.Currency),
			Currency:   strings.ToUpper(c.Currency),
			OccurredAt: unixTime(c.Created, evt.Created),
			Kind:       models.KindCharge,
		}}, nil

	case "refund.created", "charge.refund.updated":
		var r stripeRefund
		if err := json.Unmarshal(evt.Data.Object, &r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if r.Status != "succeeded" {
			return nil, nil
		}
		if r.ID == "" || r.Charge == "" {
			return nil, fmt.Errorf("%w: missing refund or charge id", ErrMalformedPayload)
		}
		return []models.SettlementEvent{{
			SourceChannel:  ChannelCardProcessor,
			ExternalSource: s.Name(),
			ExternalID:     r.ID,
			IdempotencyKey: evt.ID,
			Amount:         FromMinorUnits(r.Amount, r.Currency),
			Currency:       strings.ToUpper(r.Currency),
			OccurredAt:     unixTime(r.Created, evt.Created),
			Kind:           models.KindRefund,
			RefundOf:       r.Charge,
		}}, nil
	}
	return nil, nil
}

func unixTime(ts ...int64) time.Time {
	for _, t := range ts {
		if t > 0 {
			return time.Unix(t, 0).UTC()
		}
	}
	return time.Time{}
}
