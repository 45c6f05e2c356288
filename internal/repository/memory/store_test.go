package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

func seedCycle(t *testing.T, s *Store) (*types.Cycle, []types.WinnerSelection) {
	t.Helper()
	ctx := context.Background()

	cycle := &types.Cycle{Name: "march", TotalPool: 1000, Currency: "USD"}
	if err := s.CreateCycle(ctx, cycle); err != nil {
		t.Fatalf("create cycle: %v", err)
	}

	selections := []types.WinnerSelection{
		{ID: uuid.New(), ParticipantID: "a", Destination: "a@x.io", Tier: 1, TierRank: 1, ComputedAmount: 600},
		{ID: uuid.New(), ParticipantID: "b", Destination: "b@x.io", Tier: 2, TierRank: 1, ComputedAmount: 400},
	}
	if err := s.SaveDraw(ctx, cycle.ID, selections); err != nil {
		t.Fatalf("save draw: %v", err)
	}
	return cycle, selections
}

func batchFor(cycleID int64, selections ...types.WinnerSelection) *types.PayoutBatch {
	b := &types.PayoutBatch{
		ID:      uuid.New(),
		CycleID: cycleID,
		Attempt: 1,
		Status:  types.BatchIntent,
	}
	for _, sel := range selections {
		b.Items = append(b.Items, types.PayoutItem{
			ID:          uuid.New(),
			SelectionID: sel.ID,
			Amount:      sel.FinalAmount(),
			Status:      types.ItemPending,
		})
	}
	return b
}

func TestInsertBatch_RejectsSecondInFlight(t *testing.T) {
	s := New()
	ctx := context.Background()
	cycle, sels := seedCycle(t, s)

	if err := s.InsertBatch(ctx, batchFor(cycle.ID, sels[0])); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertBatch(ctx, batchFor(cycle.ID, sels[1]))
	if !errors.Is(err, repository.ErrInFlightBatch) {
		t.Fatalf("expected ErrInFlightBatch, got %v", err)
	}

	got, _ := s.GetCycle(ctx, cycle.ID)
	if got.Status != types.CycleDisbursing || got.ActiveBatchID == nil {
		t.Fatalf("cycle not moved to disbursing: %+v", got)
	}
}

func TestInsertBatch_RejectsOverlapWithSucceededItem(t *testing.T) {
	s := New()
	ctx := context.Background()
	cycle, sels := seedCycle(t, s)

	first := batchFor(cycle.ID, sels...)
	if err := s.InsertBatch(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first.Status = types.BatchCompleted
	first.Items[0].Status = types.ItemSuccess
	first.Items[1].Status = types.ItemFailed
	if err := s.SaveBatchState(ctx, repository.BatchUpdate{Batch: first, Items: first.Items}); err != nil {
		t.Fatalf("save state: %v", err)
	}

	if err := s.InsertBatch(ctx, batchFor(cycle.ID, sels[0])); !errors.Is(err, repository.ErrOverlappingItems) {
		t.Fatalf("expected ErrOverlappingItems, got %v", err)
	}
	if err := s.InsertBatch(ctx, batchFor(cycle.ID, sels[1])); err != nil {
		t.Fatalf("failed winner should be payable again: %v", err)
	}
}

func TestSaveBatchState_VersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()
	cycle, sels := seedCycle(t, s)

	b := batchFor(cycle.ID, sels...)
	if err := s.InsertBatch(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}

	a, _ := s.GetBatch(ctx, b.ID)
	c, _ := s.GetBatch(ctx, b.ID)

	a.Status = types.BatchSubmitted
	if err := s.SaveBatchState(ctx, repository.BatchUpdate{Batch: a}); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version not advanced in place: %d", a.Version)
	}

	c.Status = types.BatchCancelled
	if err := s.SaveBatchState(ctx, repository.BatchUpdate{Batch: c}); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
}

func TestReadsDoNotTouchTimestamps(t *testing.T) {
	s := New()
	ctx := context.Background()
	cycle, sels := seedCycle(t, s)

	before, _ := s.GetCycle(ctx, cycle.ID)
	sel, _ := s.GetSelection(ctx, sels[0].ID)

	for i := 0; i < 3; i++ {
		s.GetCycle(ctx, cycle.ID)
		s.ListSelections(ctx, cycle.ID)
		s.GetSelection(ctx, sels[0].ID)
	}

	after, _ := s.GetCycle(ctx, cycle.ID)
	selAfter, _ := s.GetSelection(ctx, sels[0].ID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || !selAfter.UpdatedAt.Equal(sel.UpdatedAt) {
		t.Fatal("reads changed UpdatedAt")
	}
}

func TestSaveDraw_RefusesSealedCycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	cycle, _ := seedCycle(t, s)

	drawn, _ := s.ListSelections(ctx, cycle.ID)
	if n, err := s.SealSelections(ctx, cycle.ID, repository.Versions(drawn)); err != nil || n != 2 {
		t.Fatalf("seal: %d %v", n, err)
	}

	err := s.SaveDraw(ctx, cycle.ID, []types.WinnerSelection{{ID: uuid.New(), ParticipantID: "c"}})
	if !errors.Is(err, repository.ErrSealed) {
		t.Fatalf("expected ErrSealed, got %v", err)
	}
}

func TestSealSelections_RefusesChangedDraw(t *testing.T) {
	s := New()
	ctx := context.Background()
	cycle, _ := seedCycle(t, s)

	read, err := s.ListSelections(ctx, cycle.ID)
	if err != nil {
		t.Fatalf("list selections: %v", err)
	}

	// an override lands after the amounts were checked
	changed := read[0]
	amount := types.Money(100000)
	changed.OverrideAmount = &amount
	if err := s.UpdateSelectionOverride(ctx, &changed); err != nil {
		t.Fatalf("override: %v", err)
	}

	if _, err := s.SealSelections(ctx, cycle.ID, repository.Versions(read)); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	missing := repository.Versions(read[:1])
	if _, err := s.SealSelections(ctx, cycle.ID, missing); !errors.Is(err, repository.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict for a partial draw, got %v", err)
	}

	after, _ := s.ListSelections(ctx, cycle.ID)
	for _, sel := range after {
		if sel.Sealed {
			t.Fatalf("selection %s sealed despite the conflict", sel.ID)
		}
	}
}
