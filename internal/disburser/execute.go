package disburser

import (
	"context"
	"errors"
	"time"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/ledger"
	"github.com/openbuilders/reward-disburser/internal/metrics"
	"github.com/openbuilders/reward-disburser/internal/notifier"
	"github.com/openbuilders/reward-disburser/internal/provider"
	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

const minClaimTTL = time.Minute

// Disburse runs both phases. A request identical to an already completed one
// returns the stored batch without contacting the provider.
func (o *Orchestrator) Disburse(ctx context.Context, req *PrepareRequest) (*Result, error) {
	prepared, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if prepared.Replayed {
		return newResult(prepared.Batch, OutcomeReplayed), nil
	}

	return o.Execute(ctx, prepared.Batch.ID)
}

// Execute is Phase 2: it submits an intent batch to the provider and records
// whatever came back. Failed, unclaimed and unknown items are normal results.
func (o *Orchestrator) Execute(ctx context.Context, batchID uuid.UUID) (*Result, error) {
	batch, err := o.loadBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	if batch.Status != types.BatchIntent {
		return nil, svcerr.New(svcerr.CodeInvalidState,
			"batch %s is %s, only intent batches can be executed", batch.ID, batch.Status)
	}

	if err := o.claim(ctx, batch); err != nil {
		return nil, err
	}

	log := o.log.With("batch", batch.ID, "sender_batch_id", batch.SenderBatchID)
	log.Info("Submitting batch", "items", len(batch.Items), "total", batch.TotalAmount.String())

	submitCtx, cancel := o.submitContext(ctx)
	start := time.Now()
	resp, err := o.provider.SubmitBatch(submitCtx, provider.RequestFor(batch, o.config.EmailSubject))
	metrics.SubmitDuration.Observe(time.Since(start).Seconds())
	cancel()

	// the provider may have moved money, the outcome gets recorded even when
	// the caller went away
	persistCtx := context.WithoutCancel(ctx)

	var rejected *provider.RejectedError
	switch {
	case err == nil:
		metrics.SubmitOutcomes.WithLabelValues("accepted").Inc()
		return o.accepted(persistCtx, batch, resp)

	case errors.Is(err, provider.ErrNotAcknowledged):
		metrics.SubmitOutcomes.WithLabelValues("not_acknowledged").Inc()
		log.Warn("Provider did not acknowledge the batch", "error", err)
		o.release(persistCtx, batch)
		return nil, svcerr.Wrap(svcerr.CodeNotSubmitted, err,
			"batch %s was not submitted, executing it again is safe", batch.ID)

	case errors.As(err, &rejected):
		metrics.SubmitOutcomes.WithLabelValues("rejected").Inc()
		log.Warn("Provider rejected the batch", "status", rejected.StatusCode, "reason", rejected.Reason)
		return o.rejected(persistCtx, batch, rejected)
	}

	metrics.SubmitOutcomes.WithLabelValues("unknown").Inc()
	log.Warn("Submission outcome unknown, leaving it to reconciliation", "error", err)
	return o.unknown(persistCtx, batch)
}

// claim stamps SubmittedAt on an intent batch. The stamp is the marker that
// stops a parallel Execute and makes Cancel refuse, since from here on the
// provider may see the batch.
func (o *Orchestrator) claim(ctx context.Context, batch *types.PayoutBatch) error {
	if batch.SubmittedAt != nil && time.Since(*batch.SubmittedAt) < o.claimTTL() {
		return svcerr.New(svcerr.CodeInFlight, "batch %s is being submitted", batch.ID)
	}

	now := time.Now().UTC()
	batch.SubmittedAt = &now

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	err := o.repo.SaveBatchState(ctxWithTimeout, repository.BatchUpdate{Batch: batch})
	if errors.Is(err, repository.ErrVersionConflict) {
		return svcerr.Wrap(svcerr.CodeInFlight, err, "batch %s is being submitted", batch.ID)
	}
	if err != nil {
		return repoError(err, "claim batch %s", batch.ID)
	}
	return nil
}

// claimTTL is how long a claim protects a batch from another Execute. A claim
// older than that belongs to a process that died mid-submission; submitting
// again is safe because the provider deduplicates on the sender batch id.
func (o *Orchestrator) claimTTL() time.Duration {
	ttl := 2 * (o.config.SubmitTimeout + o.config.DBTimeout)
	if ttl < minClaimTTL {
		return minClaimTTL
	}
	return ttl
}

func (o *Orchestrator) release(ctx context.Context, batch *types.PayoutBatch) {
	batch.SubmittedAt = nil

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	if err := o.repo.SaveBatchState(ctxWithTimeout, repository.BatchUpdate{Batch: batch}); err != nil {
		o.log.Error("couldn't release batch claim", "batch", batch.ID, "error", err)
	}
}

func (o *Orchestrator) submitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.SubmitTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.config.SubmitTimeout)
}

func (o *Orchestrator) accepted(ctx context.Context, batch *types.PayoutBatch,
	resp *provider.SubmitResponse) (*Result, error) {

	batch.ProviderBatchID = resp.ProviderBatchID

	byRef := provider.ResultsByRef(resp.Items)
	var changed, resolved []types.PayoutItem
	for i, it := range batch.Items {
		r, ok := byRef[it.ID.String()]
		if !ok {
			continue
		}
		merged, res := ledger.Merge(it, ledger.Observation{
			ProviderItemID: r.ProviderItemID,
			Status:         r.Status,
			FailureReason:  r.FailureReason,
		})
		if !res.Changed {
			continue
		}
		batch.Items[i] = merged
		changed = append(changed, merged)
		if merged.Status.Terminal() {
			resolved = append(resolved, merged)
		}
	}

	batch.Status = types.BatchSubmitted
	if resp.Processing {
		batch.Status = types.BatchProcessing
	}
	kind := notifier.EventKind("")
	if ledger.DeriveStatus(batch.Status, batch.Items) == types.BatchCompleted {
		now := time.Now().UTC()
		batch.Status = types.BatchCompleted
		batch.CompletedAt = &now
		kind = notifier.EventBatchCompleted
	}

	if err := o.save(ctx, batch, changed); err != nil {
		return o.afterConflict(ctx, batch.ID, err)
	}

	o.log.Info("Batch accepted",
		"batch", batch.ID,
		"provider_batch_id", batch.ProviderBatchID,
		"status", batch.Status,
	)
	o.afterPersist(ctx, batch, resolved, kind)

	outcome := OutcomeAccepted
	if batch.Status == types.BatchCompleted {
		outcome = OutcomeCompleted
	}
	result := newResult(batch, outcome)
	result.Settlement = o.settle(ctx, batch)
	return result, nil
}

func (o *Orchestrator) rejected(ctx context.Context, batch *types.PayoutBatch,
	rejection *provider.RejectedError) (*Result, error) {

	now := time.Now().UTC()
	batch.Status = types.BatchFailed
	batch.CompletedAt = &now

	changed := make([]types.PayoutItem, 0, len(batch.Items))
	for i := range batch.Items {
		batch.Items[i].Status = types.ItemFailed
		batch.Items[i].FailureReason = rejection.Reason
		changed = append(changed, batch.Items[i])
	}

	if err := o.save(ctx, batch, changed); err != nil {
		return o.afterConflict(ctx, batch.ID, err)
	}

	o.afterPersist(ctx, batch, batch.Items, notifier.EventBatchFailed)
	return newResult(batch, OutcomeRejected), nil
}

func (o *Orchestrator) unknown(ctx context.Context, batch *types.PayoutBatch) (*Result, error) {
	batch.Status = types.BatchSubmitted

	if err := o.save(ctx, batch, nil); err != nil {
		return o.afterConflict(ctx, batch.ID, err)
	}

	metrics.BatchTransitions.WithLabelValues(string(batch.Status)).Inc()
	o.archive(batch)
	return newResult(batch, OutcomeUnknown), nil
}

// save writes the batch, the changed items and the payout status every
// winner of the batch follows from.
func (o *Orchestrator) save(ctx context.Context, batch *types.PayoutBatch,
	changed []types.PayoutItem) error {

	selections := make(map[uuid.UUID]types.PayoutStatus, len(batch.Items))
	for _, it := range batch.Items {
		selections[it.SelectionID] = ledger.SelectionStatus(batch.Status, it.Status)
	}

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	return o.repo.SaveBatchState(ctxWithTimeout, repository.BatchUpdate{
		Batch:      batch,
		Items:      changed,
		Selections: selections,
	})
}

// afterConflict reports what another writer stored when a post-submission
// write lost its race. Any other failure is returned as is: the provider
// outcome is then only known to the reconciler.
func (o *Orchestrator) afterConflict(ctx context.Context, id uuid.UUID, err error) (*Result, error) {
	if !errors.Is(err, repository.ErrVersionConflict) {
		o.log.Error("couldn't record submission outcome", "batch", id, "error", err)
		return nil, repoError(err, "record outcome of batch %s", id)
	}

	stored, loadErr := o.loadBatch(ctx, id)
	if loadErr != nil {
		return nil, loadErr
	}

	o.log.Info("Batch was updated concurrently, returning stored state",
		"batch", id, "status", stored.Status)

	outcome := OutcomeAccepted
	switch stored.Status {
	case types.BatchCompleted:
		outcome = OutcomeCompleted
	case types.BatchFailed:
		outcome = OutcomeRejected
	}
	return newResult(stored, outcome), nil
}

// settle attempts to close the cycle after a completed batch and raises a
// review event when that is not possible.
func (o *Orchestrator) settle(ctx context.Context, batch *types.PayoutBatch) ledger.Settlement {
	if batch.Status != types.BatchCompleted {
		return ledger.Settlement{}
	}

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	s, err := ledger.Settle(ctxWithTimeout, o.repo, batch)
	if err != nil {
		o.log.Error("couldn't settle cycle", "cycle", batch.CycleID, "batch", batch.ID, "error", err)
		if !s.NeedsReview {
			s.NeedsReview = true
			s.Reason = "settlement failed"
		}
	}

	if s.NeedsReview {
		o.notify(ctx, notifier.Event{
			Kind:       notifier.EventCycleNeedsReview,
			CycleID:    batch.CycleID,
			BatchID:    batch.ID,
			Reason:     s.Reason,
			OccurredAt: time.Now().UTC(),
		})
	}
	return s
}
