// Package repository holds what every storage backend shares: sentinel
// errors and the composite write used to move a batch forward.
package repository

import (
	"errors"

	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	// ErrInFlightBatch is returned by InsertBatch when the cycle already has
	// a batch in intent, submitted or processing.
	ErrInFlightBatch = errors.New("disbursement already in flight for this cycle")
	// ErrOverlappingItems is returned by InsertBatch when a winner already has
	// a pending or successful item in another non-cancelled batch.
	ErrOverlappingItems = errors.New("winner already has a live payout item")
	ErrSealed           = errors.New("selection is sealed")
)

// BatchUpdate is one atomic ledger write. Batch and Items carry the version
// they were read at; the write fails with ErrVersionConflict when any of them
// changed in the meantime. On success the versions are advanced in place.
type BatchUpdate struct {
	Batch *types.PayoutBatch
	// Items lists only the items that changed.
	Items []types.PayoutItem
	// Selections maps selection ids to their new payout status.
	Selections map[uuid.UUID]types.PayoutStatus
	// ReleaseCycle clears the cycle's active batch when it points at Batch.
	ReleaseCycle bool
}

// Versions indexes selections by id with the version they were read at.
func Versions(selections []types.WinnerSelection) map[uuid.UUID]int64 {
	out := make(map[uuid.UUID]int64, len(selections))
	for _, s := range selections {
		out[s.ID] = s.Version
	}
	return out
}

// LiveItem reports whether an item blocks its winner from another batch.
func LiveItem(batch types.BatchStatus, item types.ItemStatus) bool {
	if batch == types.BatchCancelled {
		return false
	}
	return item == types.ItemPending || item == types.ItemSuccess
}
