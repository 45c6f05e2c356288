package disburser

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/helpers"
	"github.com/openbuilders/reward-disburser/internal/metrics"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

const checksumPrefixLen = 32

type PrepareRequest struct {
	CycleID          int64
	AdminID          string
	IdempotencyToken string
	Selections       []types.WinnerSelection
}

type PrepareResult struct {
	Batch *types.PayoutBatch
	// Replayed is set when an identical request already completed and its
	// batch is returned instead of a new one.
	Replayed bool
}

// Checksum is the deterministic identity of a disbursement request.
func Checksum(req *PrepareRequest) string {
	var total types.Money
	entries := make([]string, len(req.Selections))
	for i, s := range req.Selections {
		amount := s.FinalAmount()
		total += amount
		entries[i] = helpers.NormalizeDestination(s.Destination) + ":" + amount.String()
	}

	return helpers.Checksum(
		[2]string{"cycle", strconv.FormatInt(req.CycleID, 10)},
		[2]string{"admin", strings.TrimSpace(req.AdminID)},
		[2]string{"total", total.String()},
		[2]string{"count", strconv.Itoa(len(req.Selections))},
		[2]string{"recipients", helpers.SortedJoin(entries, ",")},
		[2]string{"token", req.IdempotencyToken},
	)
}

// SenderBatchID is the provider idempotency key of one attempt.
func SenderBatchID(checksum string, attempt int) string {
	base := checksum
	if len(base) > checksumPrefixLen {
		base = base[:checksumPrefixLen]
	}
	return fmt.Sprintf("payout-%s-attempt-%d", base, attempt)
}

// Prepare is Phase 1. It validates the request, applies the idempotency
// rules and persists an intent batch in one atomic write. Nothing is written
// when any check fails.
func (o *Orchestrator) Prepare(ctx context.Context, req *PrepareRequest) (*PrepareResult, error) {
	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	cycle, err := o.repo.GetCycle(ctxWithTimeout, req.CycleID)
	if err != nil {
		return nil, repoError(err, "load cycle %d", req.CycleID)
	}

	if err := validateRequest(req); err != nil {
		return nil, err
	}

	checksum := Checksum(req)
	log := o.log.With("cycle", req.CycleID, "checksum", helpers.ShortHash(checksum))

	existing, err := o.repo.FindBatchesByChecksum(ctxWithTimeout, req.CycleID, checksum)
	if err != nil {
		return nil, repoError(err, "look up batches")
	}

	attempt := 1
	for i := range existing {
		b := &existing[i]
		switch {
		case b.Status == types.BatchCompleted:
			log.Info("Identical request already completed, replaying", "batch", b.ID)
			metrics.IdempotentReplays.Inc()
			return &PrepareResult{Batch: b, Replayed: true}, nil
		case b.Status.InFlight():
			return nil, svcerr.New(svcerr.CodeInFlight,
				"disbursement already in flight for cycle %d (batch %s, %s)",
				req.CycleID, b.ID, b.Status)
		}
		if b.Attempt >= attempt {
			attempt = b.Attempt + 1
		}
	}

	if cycle.Status != types.CycleSelectionComplete && cycle.Status != types.CycleDisbursing {
		return nil, svcerr.New(svcerr.CodeInvalidState,
			"cycle %d is %s, disbursement needs selection_complete or disbursing",
			cycle.ID, cycle.Status)
	}

	if err := o.validatePayable(ctxWithTimeout, req); err != nil {
		return nil, err
	}

	batch := &types.PayoutBatch{
		ID:              uuid.New(),
		CycleID:         req.CycleID,
		AdminID:         strings.TrimSpace(req.AdminID),
		SenderBatchID:   SenderBatchID(checksum, attempt),
		RequestChecksum: checksum,
		Attempt:         attempt,
		Status:          types.BatchIntent,
		Currency:        cycle.Currency,
		Items:           make([]types.PayoutItem, len(req.Selections)),
	}
	for i, s := range req.Selections {
		batch.Items[i] = types.PayoutItem{
			ID:            uuid.New(),
			BatchID:       batch.ID,
			SelectionID:   s.ID,
			ParticipantID: s.ParticipantID,
			Destination:   strings.TrimSpace(s.Destination),
			Amount:        s.FinalAmount(),
			Currency:      cycle.Currency,
			Status:        types.ItemPending,
		}
		batch.TotalAmount += s.FinalAmount()
	}

	if err := o.repo.InsertBatch(ctxWithTimeout, batch); err != nil {
		return nil, repoError(err, "create batch for cycle %d", req.CycleID)
	}

	metrics.BatchesCreated.Inc()
	log.Info("Created intent batch",
		"batch", batch.ID,
		"attempt", attempt,
		"items", len(batch.Items),
		"total", batch.TotalAmount.String(),
	)
	o.archive(batch)

	return &PrepareResult{Batch: batch}, nil
}

// validateRequest collects every structural problem of the request so the
// caller can fix them all at once.
func validateRequest(req *PrepareRequest) error {
	var offenders []svcerr.Offender

	if strings.TrimSpace(req.AdminID) == "" {
		offenders = append(offenders, svcerr.Offender{Field: "adminId", Reason: "required"})
	}
	if len(req.Selections) == 0 {
		offenders = append(offenders, svcerr.Offender{Field: "selections", Reason: "nothing to pay"})
	}

	seen := make(map[uuid.UUID]bool, len(req.Selections))
	for _, s := range req.Selections {
		offender := func(field, reason string) {
			offenders = append(offenders, svcerr.Offender{
				SelectionID:   s.ID.String(),
				ParticipantID: s.ParticipantID,
				Field:         field,
				Reason:        reason,
			})
		}

		if seen[s.ID] {
			offender("id", "duplicate selection")
		}
		seen[s.ID] = true

		if s.CycleID != req.CycleID {
			offender("cycleId", "selection belongs to another cycle")
		}
		if !s.Sealed {
			offender("sealed", "selection is not sealed")
		}
		if s.FinalAmount() <= 0 {
			offender("amount", "amount must be positive")
		}
		if !usableDestination(s.Destination) {
			offender("destination", "missing or unusable payout destination")
		}
	}

	if len(offenders) > 0 {
		return svcerr.Validation("disbursement request is invalid", offenders...)
	}
	return nil
}

// validatePayable checks the stored state of every selection: it must exist
// in the cycle and not already be paid or on its way.
func (o *Orchestrator) validatePayable(ctx context.Context, req *PrepareRequest) error {
	stored, err := o.repo.ListSelections(ctx, req.CycleID)
	if err != nil {
		return repoError(err, "list selections of cycle %d", req.CycleID)
	}

	byID := make(map[uuid.UUID]types.WinnerSelection, len(stored))
	for _, s := range stored {
		byID[s.ID] = s
	}

	var offenders []svcerr.Offender
	for _, s := range req.Selections {
		current, ok := byID[s.ID]
		reason := ""
		switch {
		case !ok:
			reason = "selection not found in cycle"
		case current.Status != types.PayoutSelected && !current.Retryable():
			reason = fmt.Sprintf("selection is %s", current.Status)
		case current.FinalAmount() != s.FinalAmount():
			reason = "amount changed since it was read"
		}
		if reason != "" {
			offenders = append(offenders, svcerr.Offender{
				SelectionID:   s.ID.String(),
				ParticipantID: s.ParticipantID,
				Field:         "status",
				Reason:        reason,
			})
		}
	}

	if len(offenders) > 0 {
		return svcerr.Validation("selections are not payable", offenders...)
	}
	return nil
}

func usableDestination(destination string) bool {
	d := strings.TrimSpace(destination)
	return d != "" && !strings.ContainsAny(d, " \t\r\n")
}

// payableSelections returns the sealed selections of a cycle that pass the
// filter.
func (o *Orchestrator) payableSelections(ctx context.Context, cycleID int64,
	keep func(types.WinnerSelection) bool) ([]types.WinnerSelection, error) {

	ctxWithTimeout, cancel := o.dbContext(ctx)
	defer cancel()

	all, err := o.repo.ListSelections(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "list selections of cycle %d", cycleID)
	}

	out := make([]types.WinnerSelection, 0, len(all))
	for _, s := range all {
		if s.Sealed && keep(s) {
			out = append(out, s)
		}
	}
	return out, nil
}
