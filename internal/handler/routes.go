package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Mount registers every API route on r. apiAuth guards merchant API routes and
// adminAuth guards operator routes.
func (h *Handler) Mount(r chi.Router, apiAuth, adminAuth func(http.Handler) http.Handler) {
	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apiAuth)
			r.Post("/orders", h.SubmitOrder)
			r.Get("/orders/{source}/{external_id}", h.GetOrder)
			r.Post("/scans", h.SubmitScan)
		})

		r.Route("/merchants/{slug}", func(r chi.Router) {
			r.Get("/payouts", h.GetPayoutEligibility)
			r.Post("/payouts", h.ClaimPayout)
			r.Get("/members/{email}", h.GetMember)
			r.Post("/rewards/{reward_id}/redeem", h.RedeemReward)
			r.Post("/annual-bonus", h.ClaimAnnualBonus)
		})
	})

	r.Post("/webhooks/{channel}/{merchant_slug}", h.HandleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth)
		r.Post("/accounts/{id}/adjust", h.AdjustAccount)
		r.Get("/payouts/pending", h.ListPendingPayouts)
		r.Post("/payouts/{id}/resolve", h.ResolvePayout)
		r.Get("/features", h.ListFeatures)
		r.Post("/features/{name}", h.SetFeature)
	})
}
