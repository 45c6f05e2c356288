// Package memory is an in-process store used by tests and the sandbox mode.
// It enforces the same atomicity rules as the postgres store with a mutex.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type Store struct {
	mu           sync.Mutex
	cycles       map[int64]*types.Cycle
	participants map[int64]map[string]types.Participant
	selections   map[uuid.UUID]*types.WinnerSelection
	batches      map[uuid.UUID]*types.PayoutBatch
	nextCycleID  int64
	now          func() time.Time
}

func New() *Store {
	return &Store{
		cycles:       make(map[int64]*types.Cycle),
		participants: make(map[int64]map[string]types.Participant),
		selections:   make(map[uuid.UUID]*types.WinnerSelection),
		batches:      make(map[uuid.UUID]*types.PayoutBatch),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) CreateCycle(ctx context.Context, cycle *types.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cycle.ID == 0 {
		s.nextCycleID++
		cycle.ID = s.nextCycleID
	} else if cycle.ID > s.nextCycleID {
		s.nextCycleID = cycle.ID
	}

	if cycle.Status == "" {
		cycle.Status = types.CycleOpen
	}
	now := s.now()
	cycle.CreatedAt, cycle.UpdatedAt = now, now

	c := copyCycle(cycle)
	s.cycles[c.ID] = c
	return nil
}

func (s *Store) UpsertParticipants(ctx context.Context, participants []types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range participants {
		if _, ok := s.cycles[p.CycleID]; !ok {
			return repository.ErrNotFound
		}
		byID, ok := s.participants[p.CycleID]
		if !ok {
			byID = make(map[string]types.Participant)
			s.participants[p.CycleID] = byID
		}
		p.ID = strings.TrimSpace(p.ID)
		p.Destination = strings.TrimSpace(p.Destination)
		byID[p.ID] = p
	}
	return nil
}

func (s *Store) GetCycle(ctx context.Context, cycleID int64) (*types.Cycle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cycles[cycleID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copyCycle(c), nil
}

func (s *Store) ListParticipants(ctx context.Context, cycleID int64) ([]types.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cycles[cycleID]; !ok {
		return nil, repository.ErrNotFound
	}

	out := make([]types.Participant, 0, len(s.participants[cycleID]))
	for _, p := range s.participants[cycleID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListSelections(ctx context.Context, cycleID int64) ([]types.WinnerSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.selectionsOf(cycleID), nil
}

func (s *Store) selectionsOf(cycleID int64) []types.WinnerSelection {
	out := []types.WinnerSelection{}
	for _, sel := range s.selections {
		if sel.CycleID == cycleID {
			out = append(out, copySelection(sel))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].TierRank < out[j].TierRank
	})
	return out
}

func (s *Store) GetSelection(ctx context.Context, id uuid.UUID) (*types.WinnerSelection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sel, ok := s.selections[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copySelection(sel)
	return &c, nil
}

// SaveDraw replaces the unsealed selections of a cycle and marks the cycle
// selection_complete.
func (s *Store) SaveDraw(ctx context.Context, cycleID int64,
	selections []types.WinnerSelection) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cycle, ok := s.cycles[cycleID]
	if !ok {
		return repository.ErrNotFound
	}
	if cycle.Status != types.CycleOpen && cycle.Status != types.CycleSelectionComplete {
		return repository.ErrVersionConflict
	}

	for _, sel := range s.selections {
		if sel.CycleID == cycleID && sel.Sealed {
			return repository.ErrSealed
		}
	}

	for id, sel := range s.selections {
		if sel.CycleID == cycleID {
			delete(s.selections, id)
		}
	}

	now := s.now()
	for i := range selections {
		sel := copySelection(&selections[i])
		sel.CycleID = cycleID
		sel.Version = 1
		sel.CreatedAt, sel.UpdatedAt = now, now
		s.selections[sel.ID] = &sel

		selections[i].Version = sel.Version
		selections[i].CreatedAt, selections[i].UpdatedAt = now, now
	}

	if cycle.Status != types.CycleSelectionComplete {
		cycle.Status = types.CycleSelectionComplete
		cycle.UpdatedAt = now
	}
	return nil
}

func (s *Store) UpdateSelectionOverride(ctx context.Context, sel *types.WinnerSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.selections[sel.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Sealed {
		return repository.ErrSealed
	}
	if stored.Version != sel.Version {
		return repository.ErrVersionConflict
	}

	stored.OverrideAmount = copyMoney(sel.OverrideAmount)
	stored.Version++
	stored.UpdatedAt = s.now()

	sel.Version, sel.UpdatedAt = stored.Version, stored.UpdatedAt
	return nil
}

func (s *Store) SealSelections(ctx context.Context, cycleID int64,
	versions map[uuid.UUID]int64) (int, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cycles[cycleID]; !ok {
		return 0, repository.ErrNotFound
	}

	found := 0
	for _, sel := range s.selections {
		if sel.CycleID != cycleID {
			continue
		}
		found++
		if v, ok := versions[sel.ID]; !ok || v != sel.Version {
			return 0, repository.ErrVersionConflict
		}
	}
	if found != len(versions) {
		return 0, repository.ErrVersionConflict
	}

	now := s.now()
	sealed := 0
	for _, sel := range s.selections {
		if sel.CycleID == cycleID && !sel.Sealed {
			sel.Sealed = true
			sel.Version++
			sel.UpdatedAt = now
			sealed++
		}
	}
	return sealed, nil
}

func (s *Store) FindBatchesByChecksum(ctx context.Context, cycleID int64,
	checksum string) ([]types.PayoutBatch, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []types.PayoutBatch{}
	for _, b := range s.batches {
		if b.CycleID == cycleID && b.RequestChecksum == checksum {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attempt < out[j].Attempt })
	return out, nil
}

// InsertBatch persists a new intent batch with its items, queues the
// selections it pays and makes it the cycle's active batch, all or nothing.
func (s *Store) InsertBatch(ctx context.Context, batch *types.PayoutBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cycle, ok := s.cycles[batch.CycleID]
	if !ok {
		return repository.ErrNotFound
	}
	if cycle.Status != types.CycleSelectionComplete && cycle.Status != types.CycleDisbursing {
		return repository.ErrVersionConflict
	}

	live := map[uuid.UUID]bool{}
	for _, b := range s.batches {
		if b.CycleID != batch.CycleID {
			continue
		}
		if b.Status.InFlight() {
			return repository.ErrInFlightBatch
		}
		for _, it := range b.Items {
			if repository.LiveItem(b.Status, it.Status) {
				live[it.SelectionID] = true
			}
		}
	}

	for _, it := range batch.Items {
		if live[it.SelectionID] {
			return repository.ErrOverlappingItems
		}
		if _, ok := s.selections[it.SelectionID]; !ok {
			return repository.ErrNotFound
		}
	}

	now := s.now()
	batch.Version = 1
	batch.CreatedAt, batch.UpdatedAt = now, now
	for i := range batch.Items {
		batch.Items[i].BatchID = batch.ID
		batch.Items[i].Version = 1
		batch.Items[i].UpdatedAt = now
	}

	b := copyBatch(batch)
	s.batches[b.ID] = &b

	for _, it := range batch.Items {
		sel := s.selections[it.SelectionID]
		sel.Status = types.PayoutQueued
		sel.Version++
		sel.UpdatedAt = now
	}

	id := batch.ID
	cycle.ActiveBatchID = &id
	cycle.Status = types.CycleDisbursing
	cycle.UpdatedAt = now
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id uuid.UUID) (*types.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := copyBatch(b)
	return &c, nil
}

func (s *Store) GetBatchBySenderID(ctx context.Context, senderBatchID string) (
	*types.PayoutBatch, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range s.batches {
		if b.SenderBatchID == senderBatchID {
			c := copyBatch(b)
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListBatches(ctx context.Context, cycleID int64) ([]types.PayoutBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []types.PayoutBatch{}
	for _, b := range s.batches {
		if b.CycleID == cycleID {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Attempt < out[j].Attempt
	})
	return out, nil
}

func (s *Store) ListBatchesByStatus(ctx context.Context,
	statuses []types.BatchStatus, limit int) ([]types.PayoutBatch, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := map[types.BatchStatus]bool{}
	for _, st := range statuses {
		wanted[st] = true
	}

	out := []types.PayoutBatch{}
	for _, b := range s.batches {
		if wanted[b.Status] {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SaveBatchState(ctx context.Context, u repository.BatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.batches[u.Batch.ID]
	if !ok {
		return repository.ErrNotFound
	}
	if stored.Version != u.Batch.Version {
		return repository.ErrVersionConflict
	}

	itemIdx := make(map[uuid.UUID]int, len(stored.Items))
	for i, it := range stored.Items {
		itemIdx[it.ID] = i
	}
	for _, it := range u.Items {
		i, ok := itemIdx[it.ID]
		if !ok {
			return repository.ErrNotFound
		}
		if stored.Items[i].Version != it.Version {
			return repository.ErrVersionConflict
		}
	}
	for id := range u.Selections {
		if _, ok := s.selections[id]; !ok {
			return repository.ErrNotFound
		}
	}

	now := s.now()

	stored.Status = u.Batch.Status
	stored.ProviderBatchID = u.Batch.ProviderBatchID
	stored.SubmittedAt = copyTime(u.Batch.SubmittedAt)
	stored.CompletedAt = copyTime(u.Batch.CompletedAt)
	stored.CancelledAt = copyTime(u.Batch.CancelledAt)
	stored.Version++
	stored.UpdatedAt = now

	u.Batch.Version, u.Batch.UpdatedAt = stored.Version, now

	for n, it := range u.Items {
		si := &stored.Items[itemIdx[it.ID]]
		si.Status = it.Status
		si.ProviderItemID = it.ProviderItemID
		si.FailureReason = it.FailureReason
		si.Version++
		si.UpdatedAt = now

		u.Items[n].Version, u.Items[n].UpdatedAt = si.Version, now
		for k := range u.Batch.Items {
			if u.Batch.Items[k].ID == it.ID {
				u.Batch.Items[k] = *si
			}
		}
	}

	for id, status := range u.Selections {
		sel := s.selections[id]
		if sel.Status == status {
			continue
		}
		sel.Status = status
		sel.Version++
		sel.UpdatedAt = now
	}

	if u.ReleaseCycle {
		if cycle, ok := s.cycles[stored.CycleID]; ok &&
			cycle.ActiveBatchID != nil && *cycle.ActiveBatchID == stored.ID {
			cycle.ActiveBatchID = nil
			cycle.UpdatedAt = now
		}
	}

	return nil
}

func (s *Store) UpdateCycleStatus(ctx context.Context, cycleID int64,
	from, to types.CycleStatus) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cycle, ok := s.cycles[cycleID]
	if !ok {
		return repository.ErrNotFound
	}
	if cycle.Status != from {
		return repository.ErrVersionConflict
	}
	if from == to {
		return nil
	}

	cycle.Status = to
	cycle.UpdatedAt = s.now()
	return nil
}

// MarkCycleDisbursed records that the given batch settled the cycle. It is a
// no-op when already recorded and a conflict when another batch is active.
func (s *Store) MarkCycleDisbursed(ctx context.Context, cycleID int64,
	batchID uuid.UUID) error {

	s.mu.Lock()
	defer s.mu.Unlock()

	cycle, ok := s.cycles[cycleID]
	if !ok {
		return repository.ErrNotFound
	}
	if cycle.ActiveBatchID == nil || *cycle.ActiveBatchID != batchID {
		return repository.ErrVersionConflict
	}
	if cycle.DisbursedAt != nil {
		return nil
	}

	now := s.now()
	cycle.DisbursedAt = &now
	cycle.UpdatedAt = now
	return nil
}

func copyCycle(c *types.Cycle) *types.Cycle {
	out := *c
	if c.ActiveBatchID != nil {
		id := *c.ActiveBatchID
		out.ActiveBatchID = &id
	}
	out.DisbursedAt = copyTime(c.DisbursedAt)
	return &out
}

func copySelection(s *types.WinnerSelection) types.WinnerSelection {
	out := *s
	out.OverrideAmount = copyMoney(s.OverrideAmount)
	return out
}

func copyBatch(b *types.PayoutBatch) types.PayoutBatch {
	out := *b
	out.Items = append([]types.PayoutItem(nil), b.Items...)
	out.SubmittedAt = copyTime(b.SubmittedAt)
	out.CompletedAt = copyTime(b.CompletedAt)
	out.CancelledAt = copyTime(b.CancelledAt)
	return out
}

func copyMoney(m *types.Money) *types.Money {
	if m == nil {
		return nil
	}
	v := *m
	return &v
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
