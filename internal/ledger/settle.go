package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type CycleStore interface {
	GetCycle(context.Context, int64) (*types.Cycle, error)
	MarkCycleDisbursed(ctx context.Context, cycleID int64, batchID uuid.UUID) error
	UpdateCycleStatus(ctx context.Context, cycleID int64, from, to types.CycleStatus) error
}

type Settlement struct {
	Attempted   bool   `json:"attempted"`
	Closed      bool   `json:"closed"`
	NeedsReview bool   `json:"needsReview"`
	Reason      string `json:"reason,omitempty"`
}

// Settle moves the cycle towards closed after its active batch completed.
// Closing needs both a recorded disbursement and a batch where every item
// paid out; anything else leaves the cycle in disbursing for review.
// Batches that are not the cycle's active batch never touch the cycle.
func Settle(ctx context.Context, store CycleStore, batch *types.PayoutBatch) (
	Settlement, error) {

	var s Settlement
	if batch.Status != types.BatchCompleted {
		return s, nil
	}

	cycle, err := store.GetCycle(ctx, batch.CycleID)
	if err != nil {
		return s, fmt.Errorf("load cycle %d: %w", batch.CycleID, err)
	}

	if cycle.ActiveBatchID == nil || *cycle.ActiveBatchID != batch.ID {
		return s, nil
	}
	s.Attempted = true

	if cycle.Status == types.CycleClosed {
		s.Closed = true
		return s, nil
	}

	if err := store.MarkCycleDisbursed(ctx, cycle.ID, batch.ID); err != nil {
		s.NeedsReview = true
		s.Reason = "bookkeeping not confirmed"
		return s, fmt.Errorf("mark cycle %d disbursed: %w", cycle.ID, err)
	}

	if !Clean(batch.Items) {
		s.NeedsReview = true
		s.Reason = "batch has failed or unclaimed items"
		return s, nil
	}

	err = store.UpdateCycleStatus(ctx, cycle.ID, types.CycleDisbursing, types.CycleClosed)
	if errors.Is(err, repository.ErrVersionConflict) {
		// lost a race, look at what the winner did
		current, getErr := store.GetCycle(ctx, cycle.ID)
		if getErr == nil && current.Status == types.CycleClosed {
			s.Closed = true
			return s, nil
		}
	}
	if err != nil {
		s.NeedsReview = true
		s.Reason = "cycle status changed concurrently"
		return s, fmt.Errorf("close cycle %d: %w", cycle.ID, err)
	}

	s.Closed = true
	return s, nil
}
