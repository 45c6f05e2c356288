package disburser

import (
	"context"
	"sync"
	"testing"
	"time"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/provider"
	"github.com/openbuilders/reward-disburser/internal/provider/sandbox"
	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/repository/memory"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type fixture struct {
	store      *memory.Store
	sandbox    *sandbox.Provider
	orch       *Orchestrator
	cycle      *types.Cycle
	selections []types.WinnerSelection
}

func newFixture(t *testing.T, config *sandbox.Config, destinations ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	store := memory.New()
	cycle := &types.Cycle{Name: "april", TotalPool: 10000, Currency: "USD"}
	if err := store.CreateCycle(ctx, cycle); err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	draw := make([]types.WinnerSelection, len(destinations))
	for i, d := range destinations {
		draw[i] = types.WinnerSelection{
			ID:             uuid.New(),
			CycleID:        cycle.ID,
			ParticipantID:  "member-" + d,
			Destination:    d,
			Points:         10,
			Tier:           types.Tier1,
			TierRank:       i + 1,
			ComputedAmount: 1000,
			Status:         types.PayoutSelected,
		}
	}
	if err := store.SaveDraw(ctx, cycle.ID, draw); err != nil {
		t.Fatalf("save draw: %v", err)
	}
	drawn, err := store.ListSelections(ctx, cycle.ID)
	if err != nil {
		t.Fatalf("list selections: %v", err)
	}
	if _, err := store.SealSelections(ctx, cycle.ID, repository.Versions(drawn)); err != nil {
		t.Fatalf("seal: %v", err)
	}

	sels, err := store.ListSelections(ctx, cycle.ID)
	if err != nil {
		t.Fatalf("list selections: %v", err)
	}

	sbx := sandbox.New(config)
	orch := New(&Config{SubmitTimeout: time.Second, DBTimeout: time.Second}, store, sbx, nil, nil)

	return &fixture{store: store, sandbox: sbx, orch: orch, cycle: cycle, selections: sels}
}

func (f *fixture) request(token string, selections ...types.WinnerSelection) *PrepareRequest {
	if len(selections) == 0 {
		selections = f.selections
	}
	return &PrepareRequest{
		CycleID:          f.cycle.ID,
		AdminID:          "admin-1",
		IdempotencyToken: token,
		Selections:       selections,
	}
}

func (f *fixture) cycleStatus(t *testing.T) types.CycleStatus {
	t.Helper()
	c, err := f.store.GetCycle(context.Background(), f.cycle.ID)
	if err != nil {
		t.Fatalf("get cycle: %v", err)
	}
	return c.Status
}

func (f *fixture) selectionStatuses(t *testing.T) map[string]types.PayoutStatus {
	t.Helper()
	sels, err := f.store.ListSelections(context.Background(), f.cycle.ID)
	if err != nil {
		t.Fatalf("list selections: %v", err)
	}
	out := make(map[string]types.PayoutStatus, len(sels))
	for _, s := range sels {
		out[s.Destination] = s.Status
	}
	return out
}

func immediate(outcomes map[string]types.ItemStatus) *sandbox.Config {
	return &sandbox.Config{Immediate: types.ItemSuccess, Outcomes: outcomes}
}

func TestDisburse_CompletesAndClosesCycle(t *testing.T) {
	f := newFixture(t, immediate(nil), "a@x.io", "b@x.io", "c@x.io")

	res, err := f.orch.Disburse(context.Background(), f.request("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", res.Outcome)
	}
	if res.Counts.Succeeded != 3 || res.Batch.TotalAmount != 3000 {
		t.Fatalf("unexpected result: %+v", res.Counts)
	}
	if !res.Settlement.Closed || res.Settlement.NeedsReview {
		t.Fatalf("unexpected settlement: %+v", res.Settlement)
	}
	if st := f.cycleStatus(t); st != types.CycleClosed {
		t.Fatalf("expected closed cycle, got %s", st)
	}
	for dest, st := range f.selectionStatuses(t) {
		if st != types.PayoutSucceeded {
			t.Fatalf("%s: expected succeeded, got %s", dest, st)
		}
	}
}

func TestDisburse_IdempotentReplay(t *testing.T) {
	f := newFixture(t, immediate(nil), "a@x.io", "b@x.io")
	ctx := context.Background()

	first, err := f.orch.Disburse(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("first disbursement: %v", err)
	}

	second, err := f.orch.Disburse(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if second.Outcome != OutcomeReplayed {
		t.Fatalf("expected replayed outcome, got %s", second.Outcome)
	}
	if second.Batch.ID != first.Batch.ID {
		t.Fatal("replay returned a different batch")
	}
	if n := f.sandbox.Submissions(); n != 1 {
		t.Fatalf("expected a single provider submission, got %d", n)
	}

	batches, _ := f.store.ListBatches(ctx, f.cycle.ID)
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
}

func TestChecksum_IgnoresOrderAndCase(t *testing.T) {
	f := newFixture(t, nil, "a@x.io", "b@x.io")

	reversed := []types.WinnerSelection{f.selections[1], f.selections[0]}
	reversed[0].Destination = "  B@X.IO "

	if Checksum(f.request("t1")) != Checksum(f.request("t1", reversed...)) {
		t.Fatal("checksum depends on order or destination case")
	}
	if Checksum(f.request("t1")) == Checksum(f.request("t2")) {
		t.Fatal("checksum ignores the idempotency token")
	}
}

func TestPrepare_RetryAfterCancel(t *testing.T) {
	f := newFixture(t, nil, "a@x.io", "b@x.io")
	ctx := context.Background()

	first, err := f.orch.Prepare(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if first.Batch.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", first.Batch.Attempt)
	}
	if st := f.cycleStatus(t); st != types.CycleDisbursing {
		t.Fatalf("expected disbursing cycle, got %s", st)
	}

	// the cycle is locked while the intent batch exists
	_, err = f.orch.Prepare(ctx, f.request("t1"))
	if !svcerr.Is(err, svcerr.CodeInFlight) {
		t.Fatalf("expected in_flight, got %v", err)
	}

	if _, err := f.orch.Cancel(ctx, first.Batch.ID, "admin-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	for dest, st := range f.selectionStatuses(t) {
		if st != types.PayoutSelected {
			t.Fatalf("%s: expected selected after cancel, got %s", dest, st)
		}
	}

	second, err := f.orch.Prepare(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("prepare after cancel: %v", err)
	}

	if second.Batch.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", second.Batch.Attempt)
	}
	if second.Batch.RequestChecksum != first.Batch.RequestChecksum {
		t.Fatal("checksum changed between attempts")
	}
	if second.Batch.SenderBatchID == first.Batch.SenderBatchID {
		t.Fatal("attempts share a sender batch id")
	}
	if second.Batch.SenderBatchID != SenderBatchID(first.Batch.RequestChecksum, 2) {
		t.Fatalf("unexpected sender batch id %s", second.Batch.SenderBatchID)
	}
}

func TestPrepare_ConcurrentRequestsExcludeEachOther(t *testing.T) {
	f := newFixture(t, nil, "a@x.io", "b@x.io", "c@x.io", "d@x.io")
	ctx := context.Background()

	requests := []*PrepareRequest{
		f.request("t1", f.selections[0], f.selections[1]),
		f.request("t2", f.selections[2], f.selections[3]),
	}

	errs := make([]error, len(requests))
	var wg sync.WaitGroup
	for i, req := range requests {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.orch.Prepare(ctx, req)
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case !svcerr.Is(err, svcerr.CodeInFlight):
			t.Fatalf("expected in_flight, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one batch, got %d", succeeded)
	}

	batches, _ := f.store.ListBatches(ctx, f.cycle.ID)
	if len(batches) != 1 {
		t.Fatalf("expected one stored batch, got %d", len(batches))
	}
}

func TestPrepare_ReportsEveryOffender(t *testing.T) {
	f := newFixture(t, nil, "a@x.io", "b@x.io", "c@x.io")
	ctx := context.Background()

	bad := append([]types.WinnerSelection(nil), f.selections...)
	bad[0].Sealed = false
	zero := types.Money(0)
	bad[1].OverrideAmount = &zero
	bad[2].Destination = "not an address"

	_, err := f.orch.Prepare(ctx, f.request("t1", bad...))
	if !svcerr.Is(err, svcerr.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	se := err.(svcerr.ServiceError)
	if len(se.Details) != 3 {
		t.Fatalf("expected 3 offenders, got %+v", se.Details)
	}

	batches, _ := f.store.ListBatches(ctx, f.cycle.ID)
	if len(batches) != 0 {
		t.Fatal("a rejected request wrote a batch")
	}
	if st := f.cycleStatus(t); st != types.CycleSelectionComplete {
		t.Fatalf("cycle moved to %s", st)
	}
}

func TestPrepare_RejectsOpenCycle(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	cycle := &types.Cycle{Name: "may", TotalPool: 100, Currency: "USD"}
	if err := store.CreateCycle(ctx, cycle); err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	orch := New(&Config{}, store, sandbox.New(nil), nil, nil)

	sel := types.WinnerSelection{
		ID:             uuid.New(),
		CycleID:        cycle.ID,
		Destination:    "a@x.io",
		ComputedAmount: 100,
		Sealed:         true,
	}
	_, err := orch.Prepare(ctx, &PrepareRequest{
		CycleID:    cycle.ID,
		AdminID:    "admin-1",
		Selections: []types.WinnerSelection{sel},
	})
	if !svcerr.Is(err, svcerr.CodeInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestExecute_PartialFailureThenRetry(t *testing.T) {
	outcomes := map[string]types.ItemStatus{"b@x.io": types.ItemFailed}
	f := newFixture(t, immediate(outcomes), "a@x.io", "b@x.io", "c@x.io")
	ctx := context.Background()

	res, err := f.orch.Disburse(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed outcome, got %s", res.Outcome)
	}
	if res.Counts.Succeeded != 2 || res.Counts.Failed != 1 {
		t.Fatalf("unexpected counts %+v", res.Counts)
	}
	if !res.Settlement.NeedsReview || res.Settlement.Closed {
		t.Fatalf("expected review, got %+v", res.Settlement)
	}
	if st := f.cycleStatus(t); st != types.CycleDisbursing {
		t.Fatalf("expected disbursing cycle, got %s", st)
	}
	statuses := f.selectionStatuses(t)
	if statuses["b@x.io"] != types.PayoutFailed || statuses["a@x.io"] != types.PayoutSucceeded {
		t.Fatalf("unexpected selection statuses %v", statuses)
	}

	// the member fixed their account
	delete(outcomes, "b@x.io")

	retry, err := f.orch.RetryFailed(ctx, f.cycle.ID, "admin-1", "retry-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(retry.Items) != 1 || retry.Items[0].Destination != "b@x.io" {
		t.Fatalf("retry should only pay the failed winner, got %+v", retry.Items)
	}
	if retry.Outcome != OutcomeCompleted || !retry.Settlement.Closed {
		t.Fatalf("unexpected retry result %s %+v", retry.Outcome, retry.Settlement)
	}
	if st := f.cycleStatus(t); st != types.CycleClosed {
		t.Fatalf("expected closed cycle, got %s", st)
	}

	_, err = f.orch.RetryFailed(ctx, f.cycle.ID, "admin-1", "retry-2")
	if !svcerr.Is(err, svcerr.CodeValidation) {
		t.Fatalf("expected nothing to retry, got %v", err)
	}
}

func TestExecute_UnknownOutcomeLeavesBatchSubmitted(t *testing.T) {
	f := newFixture(t, nil, "a@x.io", "b@x.io")
	ctx := context.Background()

	f.sandbox.FailNext(provider.ErrUnknownOutcome, true)

	res, err := f.orch.Disburse(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("unknown outcome must not be an error: %v", err)
	}

	if res.Outcome != OutcomeUnknown {
		t.Fatalf("expected unknown outcome, got %s", res.Outcome)
	}
	stored, _ := f.store.GetBatch(ctx, res.Batch.ID)
	if stored.Status != types.BatchSubmitted || stored.ProviderBatchID != "" {
		t.Fatalf("unexpected stored batch %s %q", stored.Status, stored.ProviderBatchID)
	}
	for dest, st := range f.selectionStatuses(t) {
		if st != types.PayoutSubmitted {
			t.Fatalf("%s: expected submitted, got %s", dest, st)
		}
	}

	_, err = f.orch.Cancel(ctx, res.Batch.ID, "admin-1")
	if !svcerr.Is(err, svcerr.CodeTooLateToCancel) {
		t.Fatalf("expected too_late_to_cancel, got %v", err)
	}
}

func TestExecute_NotAcknowledgedKeepsIntent(t *testing.T) {
	f := newFixture(t, immediate(nil), "a@x.io")
	ctx := context.Background()

	prepared, err := f.orch.Prepare(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	f.sandbox.FailNext(provider.ErrNotAcknowledged, false)

	_, err = f.orch.Execute(ctx, prepared.Batch.ID)
	if !svcerr.Is(err, svcerr.CodeNotSubmitted) {
		t.Fatalf("expected not_submitted, got %v", err)
	}

	stored, _ := f.store.GetBatch(ctx, prepared.Batch.ID)
	if stored.Status != types.BatchIntent || stored.SubmittedAt != nil {
		t.Fatalf("expected untouched intent batch, got %s", stored.Status)
	}

	res, err := f.orch.Execute(ctx, prepared.Batch.ID)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}

	_, err = f.orch.Execute(ctx, prepared.Batch.ID)
	if !svcerr.Is(err, svcerr.CodeInvalidState) {
		t.Fatalf("expected invalid_state on a completed batch, got %v", err)
	}
}

func TestExecute_RejectedFailsEverything(t *testing.T) {
	f := newFixture(t, nil, "a@x.io", "b@x.io")
	ctx := context.Background()

	f.sandbox.FailNext(&provider.RejectedError{StatusCode: 422, Reason: "currency not enabled"}, false)

	res, err := f.orch.Disburse(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Outcome != OutcomeRejected || res.Batch.Status != types.BatchFailed {
		t.Fatalf("unexpected result %s %s", res.Outcome, res.Batch.Status)
	}
	if res.Counts.Failed != 2 || res.Items[0].FailureReason != "currency not enabled" {
		t.Fatalf("unexpected items %+v", res.Items)
	}
	for dest, st := range f.selectionStatuses(t) {
		if st != types.PayoutFailed {
			t.Fatalf("%s: expected failed, got %s", dest, st)
		}
	}

	// a failed batch lifts the exclusion, the same request becomes attempt 2
	again, err := f.orch.Prepare(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("prepare after rejection: %v", err)
	}
	if again.Batch.Attempt != 2 {
		t.Fatalf("expected attempt 2, got %d", again.Batch.Attempt)
	}
}

func TestExecute_ConcurrentCallsSubmitOnce(t *testing.T) {
	f := newFixture(t, &sandbox.Config{SubmitDelay: 50 * time.Millisecond}, "a@x.io")
	ctx := context.Background()

	prepared, err := f.orch.Prepare(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.orch.Execute(ctx, prepared.Batch.ID)
		}()
	}
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			if !svcerr.Is(err, svcerr.CodeInFlight) && !svcerr.Is(err, svcerr.CodeInvalidState) {
				t.Fatalf("unexpected error %v", err)
			}
		}
	}
	if failed != 1 {
		t.Fatalf("expected one refused execute, got %d", failed)
	}
	if n := f.sandbox.Submissions(); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, immediate(nil), "a@x.io")
	ctx := context.Background()

	prepared, err := f.orch.Prepare(ctx, f.request("t1"))
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}

	cancelled, err := f.orch.Cancel(ctx, prepared.Batch.ID, "admin-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != types.BatchCancelled || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected batch %s", cancelled.Status)
	}

	c, _ := f.store.GetCycle(ctx, f.cycle.ID)
	if c.ActiveBatchID != nil {
		t.Fatal("cancel did not release the cycle")
	}

	_, err = f.orch.Cancel(ctx, prepared.Batch.ID, "admin-1")
	if !svcerr.Is(err, svcerr.CodeInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}

	_, err = f.orch.Execute(ctx, prepared.Batch.ID)
	if !svcerr.Is(err, svcerr.CodeInvalidState) {
		t.Fatalf("expected invalid_state, got %v", err)
	}
}

func TestCloseCycle(t *testing.T) {
	outcomes := map[string]types.ItemStatus{"b@x.io": types.ItemUnclaimed}
	f := newFixture(t, immediate(outcomes), "a@x.io", "b@x.io")
	ctx := context.Background()

	_, err := f.orch.CloseCycle(ctx, f.cycle.ID, "admin-1")
	if !svcerr.Is(err, svcerr.CodeInvalidState) {
		t.Fatalf("expected invalid_state before disbursing, got %v", err)
	}

	if _, err := f.orch.Disburse(ctx, f.request("t1")); err != nil {
		t.Fatalf("disburse: %v", err)
	}
	if st := f.cycleStatus(t); st != types.CycleDisbursing {
		t.Fatalf("expected disbursing, got %s", st)
	}

	closed, err := f.orch.CloseCycle(ctx, f.cycle.ID, "admin-1")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != types.CycleClosed || closed.DisbursedAt == nil {
		t.Fatalf("unexpected cycle %s", closed.Status)
	}
}

func TestDisburseAll_RepeatReplaysByToken(t *testing.T) {
	outcomes := map[string]types.ItemStatus{"b@x.io": types.ItemFailed}
	f := newFixture(t, immediate(outcomes), "a@x.io", "b@x.io", "c@x.io")
	ctx := context.Background()

	first, err := f.orch.DisburseAll(ctx, f.cycle.ID, "admin-1", "june")
	if err != nil {
		t.Fatalf("first disbursement: %v", err)
	}
	if len(first.Items) != 3 || first.Counts.Failed != 1 {
		t.Fatalf("unexpected first result %+v", first.Counts)
	}

	// the failed winner is payable again, the repeat must not pay it
	again, err := f.orch.DisburseAll(ctx, f.cycle.ID, "admin-1", "june")
	if err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if again.Outcome != OutcomeReplayed || again.Batch.ID != first.Batch.ID {
		t.Fatalf("expected a replay of %s, got %s %s", first.Batch.ID, again.Outcome, again.Batch.ID)
	}
	if f.sandbox.Submissions() != 1 {
		t.Fatalf("expected one provider submission, got %d", f.sandbox.Submissions())
	}

	batches, err := f.store.ListBatches(ctx, f.cycle.ID)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 1 {
		t.Fatalf("expected one batch, got %d", len(batches))
	}
}

func TestRetryFailed_RepeatReplaysByToken(t *testing.T) {
	outcomes := map[string]types.ItemStatus{"b@x.io": types.ItemFailed, "c@x.io": types.ItemFailed}
	f := newFixture(t, immediate(outcomes), "a@x.io", "b@x.io", "c@x.io")
	ctx := context.Background()

	if _, err := f.orch.Disburse(ctx, f.request("t1")); err != nil {
		t.Fatalf("disburse: %v", err)
	}

	// only one of the two members fixed their account
	delete(outcomes, "b@x.io")

	retry, err := f.orch.RetryFailed(ctx, f.cycle.ID, "admin-1", "retry-1")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(retry.Items) != 2 || retry.Counts.Failed != 1 {
		t.Fatalf("unexpected retry result %+v", retry.Counts)
	}

	again, err := f.orch.RetryFailed(ctx, f.cycle.ID, "admin-1", "retry-1")
	if err != nil {
		t.Fatalf("repeated retry: %v", err)
	}
	if again.Outcome != OutcomeReplayed || again.Batch.ID != retry.Batch.ID {
		t.Fatalf("expected a replay of %s, got %s %s", retry.Batch.ID, again.Outcome, again.Batch.ID)
	}
	if f.sandbox.Submissions() != 2 {
		t.Fatalf("expected two provider submissions, got %d", f.sandbox.Submissions())
	}
}
