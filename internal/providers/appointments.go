package providers

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"loyalty-ledger/internal/models"
)

// AppointmentsSignatureHeader carries hex HMAC-SHA256 over the body.
const AppointmentsSignatureHeader = "X-Signature"

// Appointments handles generic booking/order webhooks: a completed appointment
// is a charge, a refunded one reverses it.
type Appointments struct{}

// NewAppointments creates the appointments adapter.
func NewAppointments() *Appointments { return &Appointments{} }

// Name implements Adapter.
func (a *Appointments) Name() string { return "appointments" }

// Verify implements Adapter.
func (a *Appointments) Verify(req Request, secret string) error {
	return verifyHex(req.Headers.Get(AppointmentsSignatureHeader), hmacSHA256(secret, req.Body))
}

type appointmentPayload struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Total    string `json:"total"`
	Currency string `json:"currency"`
	Customer struct {
		ID        string `json:"id"`
		Email     string `json:"email"`
		Phone     string `json:"phone"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	} `json:"customer"`
	CompletedAt time.Time `json:"completed_at"`
	RefundedAt  time.Time `json:"refunded_at"`
}

// Normalize implements Adapter.
func (a *Appointments) Normalize(req Request) ([]models.SettlementEvent, error) {
	var p appointmentPayload
	if err := json.Unmarshal(req.Body, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedPayload)
	}

	amount, err := parseAmount(p.Total)
	if err != nil {
		return nil, err
	}
	ev := models.SettlementEvent{
		SourceChannel:  ChannelAppointment,
		ExternalSource: a.Name(),
		Customer: models.CustomerIdentity{
			Email:              p.Customer.Email,
			Phone:              p.Customer.Phone,
			ProviderCustomerID: p.Customer.ID,
			FirstName:          p.Customer.FirstName,
			LastName:           p.Customer.LastName,
		},
		Amount:   amount,
		Currency: strings.ToUpper(p.Currency),
	}

	switch strings.ToLower(p.Status) {
	case "completed":
		ev.ExternalID = p.ID
		ev.Kind = models.KindCharge
		ev.OccurredAt = p.CompletedAt.UTC()
	case "refunded":
		ev.ExternalID = p.ID + ":refund"
		ev.Kind = models.KindRefund
		ev.RefundOf = p.ID
		ev.OccurredAt = p.RefundedAt.UTC()
	default:
		return nil, nil
	}
	return []models.SettlementEvent{ev}, nil
}
