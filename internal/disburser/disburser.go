package disburser

import (
	"context"
	"errors"
	"fmt"
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

type Config struct {
	SubmitTimeout  time.Duration
	DBTimeout      time.Duration
	ArchiveTimeout time.Duration
	EmailSubject   string
}

type Repository interface {
	GetCycle(context.Context, int64) (*types.Cycle, error)
	ListSelections(context.Context, int64) ([]types.WinnerSelection, error)
	FindBatchesByChecksum(ctx context.Context, cycleID int64, checksum string) ([]types.PayoutBatch, error)
	InsertBatch(context.Context, *types.PayoutBatch) error
	GetBatch(context.Context, uuid.UUID) (*types.PayoutBatch, error)
	ListBatches(context.Context, int64) ([]types.PayoutBatch, error)
	SaveBatchState(context.Context, repository.BatchUpdate) error
	UpdateCycleStatus(ctx context.Context, cycleID int64, from, to types.CycleStatus) error
	MarkCycleDisbursed(ctx context.Context, cycleID int64, batchID uuid.UUID) error
}

type Notifier interface {
	Notify(context.Context, notifier.Event) error
}

type Archiver interface {
	ArchiveBatch(context.Context, *types.PayoutBatch) error
}

// Orchestrator runs the two-phase disbursement protocol. Phase 1 records an
// intent batch under the cycle's exclusion rule, Phase 2 submits it.
type Orchestrator struct {
	config   *Config
	repo     Repository
	provider provider.Provider
	notifier Notifier
	archiver Archiver
	log      *slog.Logger
}

func New(config *Config, repo Repository, p provider.Provider, n Notifier,
	a Archiver) *Orchestrator {

	return &Orchestrator{
		config:   config,
		repo:     repo,
		provider: p,
		notifier: n,
		archiver: a,
		log:      slog.With("component", "disburser"),
	}
}

type Outcome string

const (
	// OutcomeAccepted: the provider took the batch, some items still pending.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeCompleted: every item resolved synchronously.
	OutcomeCompleted Outcome = "completed"
	// OutcomeUnknown: the submission may or may not have reached the
	// provider. Reconciliation resolves it.
	OutcomeUnknown  Outcome = "unknown"
	OutcomeRejected Outcome = "rejected"
	OutcomeReplayed Outcome = "replayed"
)

type ItemOutcome struct {
	ItemID        uuid.UUID        `json:"itemId"`
	SelectionID   uuid.UUID        `json:"selectionId"`
	ParticipantID string           `json:"participantId"`
	Destination   string           `json:"destination"`
	Amount        types.Money      `json:"amount"`
	Status        types.ItemStatus `json:"status"`
	FailureReason string           `json:"failureReason,omitempty"`
}

type Result struct {
	Batch      *types.PayoutBatch `json:"batch"`
	Outcome    Outcome            `json:"outcome"`
	Items      []ItemOutcome      `json:"items"`
	Counts     types.ItemCounts   `json:"counts"`
	Settlement ledger.Settlement  `json:"settlement"`
}

func newResult(batch *types.PayoutBatch, outcome Outcome) *Result {
	r := &Result{
		Batch:   batch,
		Outcome: outcome,
		Items:   make([]ItemOutcome, len(batch.Items)),
		Counts:  types.CountItems(batch.Items),
	}
	for i, it := range batch.Items {
		r.Items[i] = ItemOutcome{
			ItemID:        it.ID,
			SelectionID:   it.SelectionID,
			ParticipantID: it.ParticipantID,
			Destination:   it.Destination,
			Amount:        it.Amount,
			Status:        it.Status,
			FailureReason: it.FailureReason,
		}
	}
	return r
}

func (o *Orchestrator) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.config.DBTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.config.DBTimeout)
}

func (o *Orchestrator) loadBatch(ctx context.Context, id uuid.UUID) (*types.PayoutBatch, error) {
	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	batch, err := o.repo.GetBatch(ctxWithTimeout, id)
	if err != nil {
		return nil, repoError(err, "load batch %s", id)
	}
	return batch, nil
}

func (o *Orchestrator) GetBatch(ctx context.Context, id uuid.UUID) (*types.PayoutBatch, error) {
	return o.loadBatch(ctx, id)
}

func (o *Orchestrator) ListBatches(ctx context.Context, cycleID int64) ([]types.PayoutBatch, error) {
	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	if _, err := o.repo.GetCycle(ctxWithTimeout, cycleID); err != nil {
		return nil, repoError(err, "load cycle %d", cycleID)
	}

	batches, err := o.repo.ListBatches(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "list batches of cycle %d", cycleID)
	}
	return batches, nil
}

// afterPersist runs the side effects of a stored transition. None of them may
// block or undo the ledger write.
func (o *Orchestrator) afterPersist(ctx context.Context, batch *types.PayoutBatch,
	resolved []types.PayoutItem, kind notifier.EventKind) {

	for _, it := range resolved {
		metrics.ItemOutcomes.WithLabelValues(string(it.Status)).Inc()
		if event, ok := notifier.ItemEvent(batch, it); ok {
			o.notify(ctx, event)
		}
	}

	if kind != "" {
		o.notify(ctx, notifier.Event{
			Kind:       kind,
			CycleID:    batch.CycleID,
			BatchID:    batch.ID,
			Amount:     batch.TotalAmount,
			Currency:   batch.Currency,
			OccurredAt: time.Now().UTC(),
		})
	}

	metrics.BatchTransitions.WithLabelValues(string(batch.Status)).Inc()
	o.archive(batch)
}

func (o *Orchestrator) notify(ctx context.Context, event notifier.Event) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Notify(ctx, event); err != nil {
		o.log.Error("notification failed", "kind", event.Kind, "batch", event.BatchID, "error", err)
	}
}

func (o *Orchestrator) archive(batch *types.PayoutBatch) {
	if o.archiver == nil {
		return
	}

	snapshot := *batch
	snapshot.Items = append([]types.PayoutItem(nil), batch.Items...)

	go func() {
		ctx := context.Background()
		if o.config.ArchiveTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, o.config.ArchiveTimeout)
			defer cancel()
		}

		if err := o.archiver.ArchiveBatch(ctx, &snapshot); err != nil {
			o.log.Error("couldn't archive batch", "batch", snapshot.ID, "error", err)
		}
	}()
}

func repoError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return svcerr.Wrap(svcerr.CodeNotFound, err, "%s: not found", msg)
	case errors.Is(err, repository.ErrInFlightBatch):
		return svcerr.Wrap(svcerr.CodeInFlight, err, "%s: %v", msg, err)
	case errors.Is(err, repository.ErrOverlappingItems):
		return svcerr.Wrap(svcerr.CodeConflict, err, "%s: %v", msg, err)
	case errors.Is(err, repository.ErrVersionConflict):
		return svcerr.Wrap(svcerr.CodeConflict, err, "%s: concurrent update", msg)
	}
	return svcerr.Wrap(svcerr.CodeInternal, err, "%s", msg)
}
