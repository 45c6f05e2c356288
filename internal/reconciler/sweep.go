package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/lease"
	"github.com/openbuilders/reward-disburser/internal/queue"
	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
)

const defaultLeaseTTL = time.Minute

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (*lease.Lease, error)
}

// Request asks for one batch to be reconciled. Provider webhooks only know
// the sender batch id, admin triggers use the batch id.
type Request struct {
	BatchID       uuid.UUID `json:"batchId,omitempty"`
	SenderBatchID string    `json:"senderBatchId,omitempty"`
}

// Run reconciles every open batch each Interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(r.config.Interval),
		gocron.NewTask(func() { r.Sweep(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}

	r.log.Info("Starting the reconciler...", "interval", r.config.Interval)
	scheduler.Start()

	<-ctx.Done()

	r.log.Info("Stopping the reconciler...")
	if err := scheduler.Shutdown(); err != nil {
		r.log.Error("scheduler shutdown failed", "error", err)
	}
	return nil
}

// Sweep reconciles the submitted and processing batches, oldest update
// first, and returns how many it looked at.
func (r *Reconciler) Sweep(ctx context.Context) int {
	ctxWithTimeout, cancel := r.dbContext(ctx)
	batches, err := r.repo.ListBatchesByStatus(ctxWithTimeout,
		[]types.BatchStatus{types.BatchSubmitted, types.BatchProcessing},
		r.config.BatchLimit,
	)
	cancel()
	if err != nil {
		r.log.Error("couldn't list open batches", "error", err)
		return 0
	}

	done := 0
	for _, b := range batches {
		if ctx.Err() != nil {
			break
		}

		_, err := r.reconcileLeased(ctx, b.ID)
		switch {
		case errors.Is(err, lease.ErrNotAcquired):
			r.log.Debug("batch is reconciled elsewhere", "batch", b.ID)
			continue
		case err != nil:
			r.log.Error("reconciliation failed", "batch", b.ID, "error", err)
		}
		done++
	}

	if len(batches) > 0 {
		r.log.Debug("sweep finished", "open", len(batches), "reconciled", done)
	}
	return done
}

// reconcileLeased runs Reconcile under the batch's lease. When Redis is
// unavailable it goes ahead anyway: version checks keep concurrent runs
// correct, the lease only saves provider calls.
func (r *Reconciler) reconcileLeased(ctx context.Context, id uuid.UUID) (*Report, error) {
	if r.locker == nil {
		return r.Reconcile(ctx, id)
	}

	ttl := r.config.LeaseTTL
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}

	l, err := r.locker.Acquire(ctx, id.String(), ttl)
	if errors.Is(err, lease.ErrNotAcquired) {
		return nil, err
	}
	if err != nil {
		r.log.Warn("couldn't take lease, reconciling without it", "batch", id, "error", err)
		return r.Reconcile(ctx, id)
	}

	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			r.log.Warn("couldn't release lease", "batch", id, "error", err)
		}
	}()

	return r.Reconcile(ctx, id)
}

// HandleMessage is the queue handler for reconcile requests.
func (r *Reconciler) HandleMessage(ctx context.Context, body []byte) error {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return queue.PermanentError{Err: fmt.Errorf("decode reconcile request: %w", err)}
	}

	id := req.BatchID
	if id == uuid.Nil {
		if req.SenderBatchID == "" {
			return queue.PermanentError{Err: errors.New("reconcile request names no batch")}
		}

		ctxWithTimeout, cancel := r.dbContext(ctx)
		batch, err := r.repo.GetBatchBySenderID(ctxWithTimeout, req.SenderBatchID)
		cancel()
		if errors.Is(err, repository.ErrNotFound) {
			return queue.PermanentError{Err: fmt.Errorf("unknown sender batch id %s", req.SenderBatchID)}
		}
		if err != nil {
			return err
		}
		id = batch.ID
	}

	report, err := r.reconcileLeased(ctx, id)
	switch {
	case errors.Is(err, lease.ErrNotAcquired):
		// whoever holds the lease is looking at the same provider state
		return nil
	case svcerr.Is(err, svcerr.CodeNotFound), svcerr.Is(err, svcerr.CodeNotSubmitted):
		return queue.PermanentError{Err: err}
	case err != nil:
		return err
	}

	r.log.Debug("reconciled on request", "batch", id, "status", report.Status)
	return nil
}
