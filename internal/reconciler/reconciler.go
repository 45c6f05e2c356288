// Package reconciler brings local payout batches in line with what the
// payment provider reports.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
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

const casAttempts = 3

type Config struct {
	Interval        time.Duration
	BatchLimit      int
	ProviderTimeout time.Duration
	DBTimeout       time.Duration
	LeaseTTL        time.Duration
	EmailSubject    string
}

type Repository interface {
	GetBatch(context.Context, uuid.UUID) (*types.PayoutBatch, error)
	GetBatchBySenderID(context.Context, string) (*types.PayoutBatch, error)
	GetCycle(context.Context, int64) (*types.Cycle, error)
	SaveBatchState(context.Context, repository.BatchUpdate) error
	MarkCycleDisbursed(ctx context.Context, cycleID int64, batchID uuid.UUID) error
	UpdateCycleStatus(ctx context.Context, cycleID int64, from, to types.CycleStatus) error
	ListBatchesByStatus(ctx context.Context, statuses []types.BatchStatus, limit int) (
		[]types.PayoutBatch, error)
}

type Notifier interface {
	Notify(context.Context, notifier.Event) error
}

type Discrepancy struct {
	ItemID   uuid.UUID        `json:"itemId"`
	Local    types.ItemStatus `json:"local"`
	Provider types.ItemStatus `json:"provider"`
}

type Report struct {
	BatchID         uuid.UUID         `json:"batchId"`
	Previous        types.BatchStatus `json:"previous"`
	Status          types.BatchStatus `json:"status"`
	ProviderBatchID string            `json:"providerBatchId,omitempty"`
	// Recovered is set when the provider batch id was unknown locally and got
	// recovered by resubmitting under the same sender batch id.
	Recovered     bool              `json:"recovered"`
	Updated       int               `json:"updated"`
	Discrepancies []Discrepancy     `json:"discrepancies"`
	Counts        types.ItemCounts  `json:"counts"`
	Settlement    ledger.Settlement `json:"settlement"`
}

type Reconciler struct {
	config   *Config
	repo     Repository
	provider provider.Provider
	notifier Notifier
	locker   Locker
	log      *slog.Logger
}

func New(config *Config, repo Repository, p provider.Provider, n Notifier,
	locker Locker) *Reconciler {

	return &Reconciler{
		config:   config,
		repo:     repo,
		provider: p,
		notifier: n,
		locker:   locker,
		log:      slog.With("component", "reconciler"),
	}
}

// Reconcile fetches the provider's view of a batch and applies it. Running it
// again without news from the provider changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, batchID uuid.UUID) (*Report, error) {
	for range casAttempts {
		report, err := r.reconcileOnce(ctx, batchID)
		if errors.Is(err, repository.ErrVersionConflict) {
			r.log.Debug("batch changed while reconciling, reloading", "batch", batchID)
			continue
		}
		return report, err
	}

	return nil, svcerr.New(svcerr.CodeConflict, "batch %s keeps changing, try again", batchID)
}

func (r *Reconciler) reconcileOnce(ctx context.Context, batchID uuid.UUID) (*Report, error) {
	batch, err := r.load(ctx, batchID)
	if err != nil {
		return nil, err
	}

	report := &Report{
		BatchID:         batch.ID,
		Previous:        batch.Status,
		Status:          batch.Status,
		ProviderBatchID: batch.ProviderBatchID,
		Discrepancies:   []Discrepancy{},
	}

	switch batch.Status {
	case types.BatchIntent, types.BatchCancelled:
		return nil, svcerr.New(svcerr.CodeNotSubmitted,
			"batch %s is %s and was never submitted", batch.ID, batch.Status)
	case types.BatchFailed:
		if batch.ProviderBatchID == "" {
			report.Counts = types.CountItems(batch.Items)
			return report, nil
		}
	}

	items, err := r.fetch(ctx, batch, report)
	if err != nil {
		return nil, err
	}

	byRef := provider.ResultsByRef(items)
	var changed, resolved []types.PayoutItem
	for i, it := range batch.Items {
		res, ok := byRef[it.ID.String()]
		if !ok {
			continue
		}

		merged, m := ledger.Merge(it, ledger.Observation{
			ProviderItemID: res.ProviderItemID,
			Status:         res.Status,
			FailureReason:  res.FailureReason,
		})
		if !m.Changed {
			continue
		}

		if m.Discrepancy {
			metrics.Discrepancies.Inc()
			report.Discrepancies = append(report.Discrepancies, Discrepancy{
				ItemID:   it.ID,
				Local:    m.Previous,
				Provider: merged.Status,
			})
			r.log.Warn("Provider disagrees with local item status",
				"batch", batch.ID,
				"item", it.ID,
				"local", m.Previous,
				"provider", merged.Status,
			)
		}

		batch.Items[i] = merged
		changed = append(changed, merged)
		if merged.Status.Terminal() && merged.Status != m.Previous {
			resolved = append(resolved, merged)
		}
	}

	status := ledger.DeriveStatus(batch.Status, batch.Items)
	if !ledger.CanTransition(batch.Status, status) {
		// a completed batch with a late reversal stays completed
		status = batch.Status
	}

	statusChanged := status != batch.Status
	if len(changed) == 0 && !statusChanged && !report.Recovered {
		// nothing new, but a settlement that failed earlier gets another try
		report.Counts = types.CountItems(batch.Items)
		report.Settlement = r.settle(ctx, batch, false)
		metrics.Reconciliations.WithLabelValues("unchanged").Inc()
		return report, nil
	}

	batch.Status = status
	if statusChanged && status == types.BatchCompleted {
		now := time.Now().UTC()
		batch.CompletedAt = &now
	}

	if err := r.save(ctx, batch, changed); err != nil {
		return nil, err
	}

	r.log.Info("Batch reconciled",
		"batch", batch.ID,
		"previous", report.Previous,
		"status", batch.Status,
		"updated", len(changed),
		"discrepancies", len(report.Discrepancies),
	)
	metrics.Reconciliations.WithLabelValues("updated").Inc()
	if statusChanged {
		metrics.BatchTransitions.WithLabelValues(string(status)).Inc()
	}

	r.publish(ctx, batch, resolved, statusChanged)

	report.Status = batch.Status
	report.Updated = len(changed)
	report.Counts = types.CountItems(batch.Items)
	report.Settlement = r.settle(ctx, batch, statusChanged)
	return report, nil
}

// fetch returns the provider's item results. A batch whose submission outcome
// was unknown has no provider id yet; resubmitting it under the same sender
// batch id returns the original batch if the provider got it, or creates it
// now if it didn't.
func (r *Reconciler) fetch(ctx context.Context, batch *types.PayoutBatch,
	report *Report) ([]provider.ItemResult, error) {

	providerCtx, cancel := r.providerContext(ctx)
	defer cancel()

	if batch.ProviderBatchID == "" {
		resp, err := r.provider.SubmitBatch(providerCtx, provider.RequestFor(batch, r.config.EmailSubject))
		if err != nil {
			metrics.Reconciliations.WithLabelValues("provider_error").Inc()
			return nil, svcerr.Wrap(svcerr.CodeInternal, err,
				"recover provider id of batch %s", batch.ID)
		}

		r.log.Info("Recovered provider batch id",
			"batch", batch.ID, "provider_batch_id", resp.ProviderBatchID)

		batch.ProviderBatchID = resp.ProviderBatchID
		report.ProviderBatchID = resp.ProviderBatchID
		report.Recovered = true
		return resp.Items, nil
	}

	status, err := r.provider.GetBatchStatus(providerCtx, batch.ProviderBatchID)
	if err != nil {
		metrics.Reconciliations.WithLabelValues("provider_error").Inc()
		return nil, svcerr.Wrap(svcerr.CodeInternal, err,
			"fetch provider status of batch %s", batch.ID)
	}
	return status.Items, nil
}

func (r *Reconciler) save(ctx context.Context, batch *types.PayoutBatch,
	changed []types.PayoutItem) error {

	selections := make(map[uuid.UUID]types.PayoutStatus, len(batch.Items))
	for _, it := range batch.Items {
		selections[it.SelectionID] = ledger.SelectionStatus(batch.Status, it.Status)
	}

	ctxWithTimeout, cancel := r.dbContext(ctx)
	defer cancel()

	err := r.repo.SaveBatchState(ctxWithTimeout, repository.BatchUpdate{
		Batch:      batch,
		Items:      changed,
		Selections: selections,
	})
	if err != nil && !errors.Is(err, repository.ErrVersionConflict) {
		return svcerr.Wrap(svcerr.CodeInternal, err, "save batch %s", batch.ID)
	}
	return err
}

func (r *Reconciler) load(ctx context.Context, id uuid.UUID) (*types.PayoutBatch, error) {
	ctxWithTimeout, cancel := r.dbContext(ctx)
	defer cancel()

	batch, err := r.repo.GetBatch(ctxWithTimeout, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, svcerr.Wrap(svcerr.CodeNotFound, err, "batch %s not found", id)
	}
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeInternal, err, "load batch %s", id)
	}
	return batch, nil
}

// settle attempts to close the cycle of a completed batch. The review event
// is only raised when announce is set so that repeated runs stay quiet.
func (r *Reconciler) settle(ctx context.Context, batch *types.PayoutBatch,
	announce bool) ledger.Settlement {

	if batch.Status != types.BatchCompleted {
		return ledger.Settlement{}
	}

	ctxWithTimeout, cancel := r.dbContext(ctx)
	defer cancel()

	s, err := ledger.Settle(ctxWithTimeout, r.repo, batch)
	if err != nil {
		r.log.Error("couldn't settle cycle", "cycle", batch.CycleID, "batch", batch.ID, "error", err)
		if !s.NeedsReview {
			s.NeedsReview = true
			s.Reason = "settlement failed"
		}
	}

	if s.NeedsReview && announce {
		r.notify(ctx, notifier.Event{
			Kind:       notifier.EventCycleNeedsReview,
			CycleID:    batch.CycleID,
			BatchID:    batch.ID,
			Reason:     s.Reason,
			OccurredAt: time.Now().UTC(),
		})
	}
	return s
}

func (r *Reconciler) publish(ctx context.Context, batch *types.PayoutBatch,
	resolved []types.PayoutItem, statusChanged bool) {

	for _, it := range resolved {
		metrics.ItemOutcomes.WithLabelValues(string(it.Status)).Inc()
		if event, ok := notifier.ItemEvent(batch, it); ok {
			r.notify(ctx, event)
		}
	}

	if statusChanged && batch.Status == types.BatchCompleted {
		r.notify(ctx, notifier.Event{
			Kind:       notifier.EventBatchCompleted,
			CycleID:    batch.CycleID,
			BatchID:    batch.ID,
			Amount:     batch.TotalAmount,
			Currency:   batch.Currency,
			OccurredAt: time.Now().UTC(),
		})
	}
}

func (r *Reconciler) notify(ctx context.Context, event notifier.Event) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.Notify(ctx, event); err != nil {
		r.log.Error("notification failed", "kind", event.Kind, "batch", event.BatchID, "error", err)
	}
}

func (r *Reconciler) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.DBTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.config.DBTimeout)
}

func (r *Reconciler) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.config.ProviderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.config.ProviderTimeout)
}
