// Package recorder is the idempotent event recorder. An event is recorded before
// any balance mutation is attempted, and a recorded event is never processed
// twice.
package recorder

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"loyalty-ledger/internal/database"
	"loyalty-ledger/internal/models"
)

// Store is the persistence the recorder needs.
type Store interface {
	InsertEvent(ctx context.Context, ev models.SettlementEvent) (bool, error)
	FindEvent(ctx context.Context, merchantID, externalSource, externalID, idempotencyKey string) (models.SettlementEvent, error)
}

// Result is the outcome of Record.
type Result struct {
	// Accepted is true when this call inserted the event.
	Accepted bool
	// Event is the recorded event: the new one, or the original on a duplicate.
	Event models.SettlementEvent
	// Resumable is true for a duplicate whose first attempt never reached the
	// ledger. The ledger's conditional apply makes resuming it safe.
	Resumable bool
}

// Recorder persists one row per canonical settlement event.
type Recorder struct {
	store Store
}

// New constructs a Recorder.
func New(store Store) *Recorder {
	return &Recorder{store: store}
}

// Record inserts ev keyed by (merchant, external source, external id) and the
// optional idempotency key. Storage failures are returned as-is and the caller
// must not touch the ledger.
func (r *Recorder) Record(ctx context.Context, ev models.SettlementEvent) (Result, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Status = models.EventPending

	inserted, err := r.store.InsertEvent(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("failed to record event: %w", err)
	}
	if inserted {
		return Result{Accepted: true, Event: ev}, nil
	}

	existing, err := r.store.FindEvent(ctx, ev.MerchantID, ev.ExternalSource, ev.ExternalID, ev.IdempotencyKey)
	if errors.Is(err, database.ErrNotFound) {
		// The conflicting row vanished; rows are never deleted, so this is a
		// storage anomaly and the ingestion must be retried.
		return Result{}, fmt.Errorf("failed to load conflicting event: %w", database.ErrStorageTransient)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to load conflicting event: %w", err)
	}
	return Result{
		Accepted:  false,
		Event:     existing,
		Resumable: existing.Status == models.EventPending,
	}, nil
}
