// Package model holds the database rows and their conversion to domain
// types. Row normalization happens here and nowhere else.
package model

import (
	"strings"
	"time"

	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type Cycle struct {
	ID             int64      `db:"id"`
	Name           string     `db:"name"`
	StartsAt       time.Time  `db:"starts_at"`
	EndsAt         time.Time  `db:"ends_at"`
	TotalPool      int64      `db:"total_pool"`
	PoolPerMember  int64      `db:"pool_per_member"`
	PoolCap        int64      `db:"pool_cap"`
	Currency       string     `db:"currency"`
	TierShareBP    []int32    `db:"tier_share_bp"`
	WinnersPerTier []int32    `db:"winners_per_tier"`
	Status         string     `db:"status"`
	ActiveBatchID  *uuid.UUID `db:"active_batch_id"`
	DisbursedAt    *time.Time `db:"disbursed_at"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

func (c Cycle) ToDomain() *types.Cycle {
	return &types.Cycle{
		ID:             c.ID,
		Name:           c.Name,
		StartsAt:       c.StartsAt,
		EndsAt:         c.EndsAt,
		TotalPool:      types.Money(c.TotalPool),
		PoolPerMember:  types.Money(c.PoolPerMember),
		PoolCap:        types.Money(c.PoolCap),
		Currency:       c.Currency,
		TierShareBP:    toTriple(c.TierShareBP),
		WinnersPerTier: toTriple(c.WinnersPerTier),
		Status:         types.CycleStatus(c.Status),
		ActiveBatchID:  c.ActiveBatchID,
		DisbursedAt:    c.DisbursedAt,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

// Participant is a member row. Destination already went through the
// COALESCE with the legacy email column in SQL.
type Participant struct {
	MemberID    string `db:"member_id"`
	CycleID     int64  `db:"cycle_id"`
	Points      int64  `db:"points"`
	Active      bool   `db:"active"`
	Destination string `db:"destination"`
}

func (p Participant) ToDomain() types.Participant {
	return types.Participant{
		ID:          strings.TrimSpace(p.MemberID),
		CycleID:     p.CycleID,
		Points:      p.Points,
		Active:      p.Active,
		Destination: strings.TrimSpace(p.Destination),
	}
}

type Selection struct {
	ID             uuid.UUID `db:"id"`
	CycleID        int64     `db:"cycle_id"`
	ParticipantID  string    `db:"participant_id"`
	Destination    string    `db:"destination"`
	Points         int64     `db:"points"`
	Tier           int16     `db:"tier"`
	TierRank       int32     `db:"tier_rank"`
	ComputedAmount int64     `db:"computed_amount"`
	OverrideAmount *int64    `db:"override_amount"`
	Status         string    `db:"status"`
	Sealed         bool      `db:"sealed"`
	Version        int64     `db:"version"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (s Selection) ToDomain() types.WinnerSelection {
	out := types.WinnerSelection{
		ID:             s.ID,
		CycleID:        s.CycleID,
		ParticipantID:  s.ParticipantID,
		Destination:    s.Destination,
		Points:         s.Points,
		Tier:           types.Tier(s.Tier),
		TierRank:       int(s.TierRank),
		ComputedAmount: types.Money(s.ComputedAmount),
		Status:         types.PayoutStatus(s.Status),
		Sealed:         s.Sealed,
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
	if s.OverrideAmount != nil {
		v := types.Money(*s.OverrideAmount)
		out.OverrideAmount = &v
	}
	return out
}

type Batch struct {
	ID              uuid.UUID  `db:"id"`
	CycleID         int64      `db:"cycle_id"`
	AdminID         string     `db:"admin_id"`
	SenderBatchID   string     `db:"sender_batch_id"`
	RequestChecksum string     `db:"request_checksum"`
	Attempt         int32      `db:"attempt"`
	Status          string     `db:"status"`
	ProviderBatchID string     `db:"provider_batch_id"`
	Currency        string     `db:"currency"`
	TotalAmount     int64      `db:"total_amount"`
	Version         int64      `db:"version"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	SubmittedAt     *time.Time `db:"submitted_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	CancelledAt     *time.Time `db:"cancelled_at"`
}

func (b Batch) ToDomain(items []types.PayoutItem) types.PayoutBatch {
	if items == nil {
		items = []types.PayoutItem{}
	}
	return types.PayoutBatch{
		ID:              b.ID,
		CycleID:         b.CycleID,
		AdminID:         b.AdminID,
		SenderBatchID:   b.SenderBatchID,
		RequestChecksum: b.RequestChecksum,
		Attempt:         int(b.Attempt),
		Status:          types.BatchStatus(b.Status),
		ProviderBatchID: b.ProviderBatchID,
		Currency:        b.Currency,
		TotalAmount:     types.Money(b.TotalAmount),
		Items:           items,
		Version:         b.Version,
		CreatedAt:       b.CreatedAt,
		UpdatedAt:       b.UpdatedAt,
		SubmittedAt:     b.SubmittedAt,
		CompletedAt:     b.CompletedAt,
		CancelledAt:     b.CancelledAt,
	}
}

type Item struct {
	ID             uuid.UUID `db:"id"`
	BatchID        uuid.UUID `db:"batch_id"`
	SelectionID    uuid.UUID `db:"selection_id"`
	Position       int32     `db:"position"`
	ParticipantID  string    `db:"participant_id"`
	Destination    string    `db:"destination"`
	Amount         int64     `db:"amount"`
	Currency       string    `db:"currency"`
	ProviderItemID string    `db:"provider_item_id"`
	Status         string    `db:"status"`
	FailureReason  string    `db:"failure_reason"`
	Version        int64     `db:"version"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (i Item) ToDomain() types.PayoutItem {
	return types.PayoutItem{
		ID:             i.ID,
		BatchID:        i.BatchID,
		SelectionID:    i.SelectionID,
		ParticipantID:  i.ParticipantID,
		Destination:    i.Destination,
		Amount:         types.Money(i.Amount),
		Currency:       i.Currency,
		ProviderItemID: i.ProviderItemID,
		Status:         types.ItemStatus(i.Status),
		FailureReason:  i.FailureReason,
		Version:        i.Version,
		UpdatedAt:      i.UpdatedAt,
	}
}

func FromTriple(v [3]int) []int32 {
	return []int32{int32(v[0]), int32(v[1]), int32(v[2])}
}

func toTriple(v []int32) [3]int {
	var out [3]int
	for i := 0; i < len(v) && i < 3; i++ {
		out[i] = int(v[i])
	}
	return out
}
