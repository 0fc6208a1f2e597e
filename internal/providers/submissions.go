package providers

import (
	"strings"

	"loyalty-ledger/internal/models"
)

// FromOrderSubmission normalizes an API-submitted order. The caller has already
// validated the request.
func FromOrderSubmission(merchantID string, req models.SubmitOrderRequest) models.SettlementEvent {
	first, last := splitName(req.CustomerName)
	ev := models.SettlementEvent{
		MerchantID:     merchantID,
		SourceChannel:  ChannelAPI,
		ExternalSource: strings.ToLower(strings.TrimSpace(req.Source)),
		ExternalID:     strings.TrimSpace(req.ExternalID),
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		Customer: models.CustomerIdentity{
			Email:     req.CustomerEmail,
			FirstName: first,
			LastName:  last,
		},
		Amount:   req.Amount,
		Currency: strings.ToUpper(strings.TrimSpace(req.Currency)),
		Kind:     models.KindCharge,
		RefundOf: strings.TrimSpace(req.RefundOf),
	}
	if req.OccurredAt != nil {
		ev.OccurredAt = req.OccurredAt.UTC()
	}
	if strings.EqualFold(req.Kind, string(models.KindRefund)) {
		ev.Kind = models.KindRefund
	}
	return ev
}

// FromScan normalizes an in-store scan into a VISIT event keyed by visit id.
func FromScan(merchantID string, req models.SubmitScanRequest) models.SettlementEvent {
	return models.SettlementEvent{
		MerchantID:     merchantID,
		SourceChannel:  ChannelScan,
		ExternalSource: ChannelScan,
		ExternalID:     strings.TrimSpace(req.VisitID),
		Customer:       models.CustomerIdentity{Email: req.CustomerEmail},
		Kind:           models.KindVisit,
	}
}
