// Package metrics holds the Prometheus collectors for the ledger and settlement
// core. Registries are created lazily and registered with the default registerer
// exactly once.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "loyalty"

var (
	ledgerOnce sync.Once
	ledgerReg  *LedgerMetrics

	ingestOnce sync.Once
	ingestReg  *IngestMetrics

	payoutOnce sync.Once
	payoutReg  *PayoutMetrics

	rateOnce sync.Once
	rateReg  *RateLimitMetrics
)

// LedgerMetrics tracks balance mutations.
type LedgerMetrics struct {
	deltas    *prometheus.CounterVec
	conflicts prometheus.Counter
	shortfall prometheus.Counter
}

// Ledger returns the lazily-initialised ledger metrics.
func Ledger() *LedgerMetrics {
	ledgerOnce.Do(func() {
		ledgerReg = &LedgerMetrics{
			deltas: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "deltas_total",
				Help:      "Balance mutations segmented by transaction type and outcome.",
			}, []string{"type", "outcome"}),
			conflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "cas_conflicts_total",
				Help:      "Conditional account updates that lost a race and were retried.",
			}),
			shortfall: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ledger",
				Name:      "refund_shortfall_points_total",
				Help:      "Refund deductions that could not be applied because the balance was already spent.",
			}),
		}
		prometheus.MustRegister(ledgerReg.deltas, ledgerReg.conflicts, ledgerReg.shortfall)
	})
	return ledgerReg
}

// RecordDelta counts a mutation attempt.
func (m *LedgerMetrics) RecordDelta(txnType, outcome string) {
	if m == nil {
		return
	}
	m.deltas.WithLabelValues(txnType, outcome).Inc()
}

// RecordConflict counts a lost compare-and-swap.
func (m *LedgerMetrics) RecordConflict() {
	if m == nil {
		return
	}
	m.conflicts.Inc()
}

// RecordShortfall adds clamped refund points.
func (m *LedgerMetrics) RecordShortfall(points int64) {
	if m == nil || points <= 0 {
		return
	}
	m.shortfall.Add(float64(points))
}

// IngestMetrics tracks settlement event ingestion.
type IngestMetrics struct {
	events *prometheus.CounterVec
}

// Ingest returns the lazily-initialised ingestion metrics.
func Ingest() *IngestMetrics {
	ingestOnce.Do(func() {
		ingestReg = &IngestMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Settlement events segmented by source channel and outcome.",
			}, []string{"channel", "outcome"}),
		}
		prometheus.MustRegister(ingestReg.events)
	})
	return ingestReg
}

// RecordEvent counts an ingested event.
func (m *IngestMetrics) RecordEvent(channel, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(channel, outcome).Inc()
}

// PayoutMetrics tracks the settlement engine.
type PayoutMetrics struct {
	claims         *prometheus.CounterVec
	latency        prometheus.Histogram
	reconciliation prometheus.Counter
}

// Payout returns the lazily-initialised payout metrics.
func Payout() *PayoutMetrics {
	payoutOnce.Do(func() {
		payoutReg = &PayoutMetrics{
			claims: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "claims_total",
				Help:      "Payout claims segmented by outcome.",
			}, []string{"outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "transfer_duration_seconds",
				Help:      "Transfer gateway call latency.",
				Buckets:   prometheus.DefBuckets,
			}),
			reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "payout",
				Name:      "reconciliation_required_total",
				Help:      "Claims left unresolved because the compensating refund could not be persisted.",
			}),
		}
		prometheus.MustRegister(payoutReg.claims, payoutReg.latency, payoutReg.reconciliation)
	})
	return payoutReg
}

// RecordClaim counts a claim outcome.
func (m *PayoutMetrics) RecordClaim(outcome string) {
	if m == nil {
		return
	}
	m.claims.WithLabelValues(outcome).Inc()
}

// ObserveTransfer records gateway latency.
func (m *PayoutMetrics) ObserveTransfer(d time.Duration) {
	if m == nil {
		return
	}
	m.latency.Observe(d.Seconds())
}

// RecordReconciliationRequired counts a stuck claim.
func (m *PayoutMetrics) RecordReconciliationRequired() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}

// RateLimitMetrics tracks rate guard decisions.
type RateLimitMetrics struct {
	decisions *prometheus.CounterVec
	degraded  prometheus.Counter
}

// RateLimit returns the lazily-initialised rate guard metrics.
func RateLimit() *RateLimitMetrics {
	rateOnce.Do(func() {
		rateReg = &RateLimitMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "decisions_total",
				Help:      "Rate guard decisions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			degraded: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ratelimit",
				Name:      "degraded_total",
				Help:      "Requests allowed because the counter store was unavailable.",
			}),
		}
		prometheus.MustRegister(rateReg.decisions, rateReg.degraded)
	})
	return rateReg
}

// RecordDecision counts an allow or deny.
func (m *RateLimitMetrics) RecordDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(action, outcome).Inc()
}

// RecordDegraded counts a fail-open decision.
func (m *RateLimitMetrics) RecordDegraded() {
	if m == nil {
		return
	}
	m.degraded.Inc()
}
