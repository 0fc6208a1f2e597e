// Package providers turns inbound channel payloads into canonical settlement
// events. Each POS or e-commerce channel has one Adapter that verifies the
// delivery signature and normalizes the body; the ledger never sees a
// provider-specific shape.
package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"loyalty-ledger/internal/models"
)

var (
	// ErrInvalidSignature is returned when a delivery fails verification.
	ErrInvalidSignature = errors.New("providers: invalid webhook signature")
	// ErrMissingSecret is returned when the merchant has no secret for the channel.
	ErrMissingSecret = errors.New("providers: webhook secret not configured")
	// ErrUnknownChannel is returned for channels with no registered adapter.
	ErrUnknownChannel = errors.New("providers: unknown channel")
	// ErrMalformedPayload is returned when a verified body cannot be parsed.
	ErrMalformedPayload = errors.New("providers: malformed payload")
)

// Source channels recorded on settlement events.
const (
	ChannelAPI           = "api"
	ChannelScan          = "scan"
	ChannelCardProcessor = "card_processor"
	ChannelEcommerce     = "ecommerce"
	ChannelAppointment   = "appointment"
)

// Request is an inbound webhook delivery.
type Request struct {
	// URL is the notification URL as configured at the provider. Some
	// providers sign it along with the body.
	URL     string
	Headers http.Header
	Body    []byte
}

// Adapter verifies and normalizes one provider's deliveries.
type Adapter interface {
	// Name is the path segment and external source, e.g. "shopify".
	Name() string
	// Verify checks the delivery signature against secret.
	Verify(req Request, secret string) error
	// Normalize parses a verified delivery. A delivery for a topic that does
	// not move points yields no events and no error.
	Normalize(req Request) ([]models.SettlementEvent, error)
}

// Registry maps channel names to adapters.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry registers adapters by name.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// DefaultRegistry holds every built-in adapter.
func DefaultRegistry() *Registry {
	return NewRegistry(NewSquare(), NewShopify(), NewStripe(), NewAppointments())
}

// Get returns the adapter for channel.
func (r *Registry) Get(channel string) (Adapter, error) {
	a, ok := r.adapters[strings.ToLower(channel)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return a, nil
}

// Names lists registered channels in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse verifies and normalizes a delivery with the adapter for channel.
func (r *Registry) Parse(channel string, req Request, secret string) ([]models.SettlementEvent, error) {
	a, err := r.Get(channel)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingSecret
	}
	if err := a.Verify(req, secret); err != nil {
		return nil, err
	}
	evs, err := a.Normalize(req)
	if err != nil {
		return nil, err
	}
	if err := checkIdentifiers(evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// checkIdentifiers rejects events that could not be told apart from other
// deliveries: the external id is their uniqueness key.
func checkIdentifiers(evs []models.SettlementEvent) error {
	for _, ev := range evs {
		if missingID(ev.ExternalID) {
			return fmt.Errorf("%w: missing external id", ErrMalformedPayload)
		}
		if ev.Kind == models.KindRefund && missingID(ev.RefundOf) {
			return fmt.Errorf("%w: refund without original charge id", ErrMalformedPayload)
		}
	}
	return nil
}

func missingID(id string) bool {
	id = strings.TrimSpace(id)
	return id == "" || id == "0"
}

func hmacSHA256(secret string, parts ...[]byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	for _, p := range parts {
		mac.Write(p)
	}
	return mac.Sum(nil)
}

func verifyBase64(provided string, expected []byte) error {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(provided))
	if err != nil || !hmac.Equal(got, expected) {
		return ErrInvalidSignature
	}
	return nil
}

func verifyHex(provided string, expected []byte) error {
	provided = strings.TrimPrefix(strings.TrimSpace(provided), "sha256=")
	got, err := hex.DecodeString(provided)
	if err != nil || !hmac.Equal(got, expected) {
		return ErrInvalidSignature
	}
	return nil
}

// Currencies with no minor unit.
var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true,
	"KMF": true, "KRW": true, "MGA": true, "PYG": true, "RWF": true,
	"UGX": true, "VND": true, "VUV": true, "XAF": true, "XOF": true, "XPF": true,
}

// FromMinorUnits converts an integer amount in the currency's smallest unit
// (cents) into a decimal amount.
func FromMinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %q", ErrMalformedPayload, s)
	}
	return d, nil
}

func splitName(full string) (string, string) {
	full = strings.TrimSpace(full)
	if full == "" {
		return "", ""
	}
	first, last, _ := strings.Cut(full, " ")
	return first, strings.TrimSpace(last)
}
