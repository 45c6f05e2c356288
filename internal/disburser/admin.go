package disburser

import (
	"context"
	"errors"
	"strings"
	"time"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/metrics"
	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

const casAttempts = 3

// Cancel withdraws a batch that never reached the provider. Its winners go
// back to selected and the cycle's exclusion is lifted.
func (o *Orchestrator) Cancel(ctx context.Context, batchID uuid.UUID, adminID string) (
	*types.PayoutBatch, error) {

	for range casAttempts {
		batch, err := o.loadBatch(ctx, batchID)
		if err != nil {
			return nil, err
		}

		switch {
		case batch.Status == types.BatchCancelled:
			return nil, svcerr.New(svcerr.CodeInvalidState, "batch %s is already cancelled", batch.ID)
		case batch.Status != types.BatchIntent || batch.SubmittedAt != nil:
			return nil, svcerr.New(svcerr.CodeTooLateToCancel,
				"batch %s is %s and may have reached the provider", batch.ID, batch.Status)
		}

		now := time.Now().UTC()
		batch.Status = types.BatchCancelled
		batch.CancelledAt = &now

		selections := make(map[uuid.UUID]types.PayoutStatus, len(batch.Items))
		for _, it := range batch.Items {
			selections[it.SelectionID] = types.PayoutSelected
		}

		ctxWithTimeout, cancel := o.dbContext(ctx)
		err = o.repo.SaveBatchState(ctxWithTimeout, repository.BatchUpdate{
			Batch:        batch,
			Selections:   selections,
			ReleaseCycle: true,
		})
		cancel()

		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, repoError(err, "cancel batch %s", batch.ID)
		}

		o.log.Info("Batch cancelled", "batch", batch.ID, "cycle", batch.CycleID, "admin", adminID)
		metrics.BatchTransitions.WithLabelValues(string(batch.Status)).Inc()
		o.archive(batch)
		return batch, nil
	}

	return nil, svcerr.New(svcerr.CodeConflict, "batch %s keeps changing, try again", batchID)
}

// DisburseAll pays every payable winner of the cycle. Repeating it with the
// same admin and token repeats the original request, so a completed one is
// replayed instead of paying whoever is left.
func (o *Orchestrator) DisburseAll(ctx context.Context, cycleID int64, adminID,
	token string) (*Result, error) {

	selections, found, err := o.previousSelections(ctx, cycleID, adminID, token)
	if err != nil {
		return nil, err
	}
	if !found {
		if selections, err = o.PayableSelections(ctx, cycleID); err != nil {
			return nil, err
		}
	}

	return o.Disburse(ctx, &PrepareRequest{
		CycleID:          cycleID,
		AdminID:          adminID,
		IdempotencyToken: token,
		Selections:       selections,
	})
}

// RetryFailed pays the cycle's failed and unclaimed winners in a new batch.
// The token keeps two clicks on the same retry from paying twice.
func (o *Orchestrator) RetryFailed(ctx context.Context, cycleID int64, adminID,
	token string) (*Result, error) {

	retryable, found, err := o.previousSelections(ctx, cycleID, adminID, token)
	if err != nil {
		return nil, err
	}
	if !found {
		retryable, err = o.payableSelections(ctx, cycleID, func(s types.WinnerSelection) bool {
			return s.Retryable()
		})
		if err != nil {
			return nil, err
		}
	}

	if len(retryable) == 0 {
		return nil, svcerr.Validation("cycle has no failed or unclaimed winners",
			svcerr.Offender{Field: "selections", Reason: "nothing to retry"})
	}

	o.log.Info("Retrying failed payouts", "cycle", cycleID, "winners", len(retryable), "admin", adminID)

	return o.Disburse(ctx, &PrepareRequest{
		CycleID:          cycleID,
		AdminID:          adminID,
		IdempotencyToken: token,
		Selections:       retryable,
	})
}

// PayableSelections returns the sealed winners that a new disbursement may
// include.
func (o *Orchestrator) PayableSelections(ctx context.Context, cycleID int64) (
	[]types.WinnerSelection, error) {

	return o.payableSelections(ctx, cycleID, func(s types.WinnerSelection) bool {
		return s.Status == types.PayoutSelected || s.Retryable()
	})
}

// CloseCycle closes a cycle whose last batch settled with failures that the
// admin decided not to retry.
func (o *Orchestrator) CloseCycle(ctx context.Context, cycleID int64, adminID string) (
	*types.Cycle, error) {

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	cycle, err := o.repo.GetCycle(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "load cycle %d", cycleID)
	}

	if cycle.Status != types.CycleDisbursing {
		return nil, svcerr.New(svcerr.CodeInvalidState,
			"cycle %d is %s, only disbursing cycles can be closed", cycle.ID, cycle.Status)
	}
	if cycle.ActiveBatchID == nil {
		return nil, svcerr.New(svcerr.CodeInvalidState, "cycle %d has no settled batch", cycle.ID)
	}

	batches, err := o.repo.ListBatches(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "list batches of cycle %d", cycleID)
	}
	for _, b := range batches {
		if b.Status.InFlight() {
			return nil, svcerr.New(svcerr.CodeInFlight,
				"batch %s of cycle %d is still %s", b.ID, cycleID, b.Status)
		}
	}

	if err := o.repo.MarkCycleDisbursed(ctxWithTimeout, cycleID, *cycle.ActiveBatchID); err != nil {
		return nil, repoError(err, "record disbursement of cycle %d", cycleID)
	}
	if err := o.repo.UpdateCycleStatus(ctxWithTimeout, cycleID, types.CycleDisbursing,
		types.CycleClosed); err != nil {
		return nil, repoError(err, "close cycle %d", cycleID)
	}

	o.log.Info("Cycle closed manually", "cycle", cycleID, "admin", adminID)

	closed, err := o.repo.GetCycle(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "load cycle %d", cycleID)
	}
	return closed, nil
}

// previousSelections rebuilds the recipients of the latest batch the admin
// created with token. The batch matches when its stored checksum is the one
// its own items hash to under that token.
func (o *Orchestrator) previousSelections(ctx context.Context, cycleID int64, adminID,
	token string) ([]types.WinnerSelection, bool, error) {

	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return nil, false, nil
	}

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	batches, err := o.repo.ListBatches(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, false, repoError(err, "list batches of cycle %d", cycleID)
	}

	// batches come oldest first
	var latest []types.WinnerSelection
	for i := range batches {
		b := &batches[i]
		if b.AdminID != adminID {
			continue
		}
		selections := selectionsOf(b)
		checksum := Checksum(&PrepareRequest{
			CycleID:          cycleID,
			AdminID:          adminID,
			IdempotencyToken: token,
			Selections:       selections,
		})
		if checksum == b.RequestChecksum {
			latest = selections
		}
	}

	return latest, latest != nil, nil
}

func selectionsOf(batch *types.PayoutBatch) []types.WinnerSelection {
	out := make([]types.WinnerSelection, len(batch.Items))
	for i, it := range batch.Items {
		out[i] = types.WinnerSelection{
			ID:             it.SelectionID,
			CycleID:        batch.CycleID,
			ParticipantID:  it.ParticipantID,
			Destination:    it.Destination,
			ComputedAmount: it.Amount,
			Sealed:         true,
		}
	}
	return out
}
