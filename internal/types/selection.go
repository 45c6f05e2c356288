package types

import (
	"time"

	"github.com/google/uuid"
)

type PayoutStatus string

const (
	PayoutUnselected PayoutStatus = "unselected"
	PayoutSelected   PayoutStatus = "selected"
	PayoutQueued     PayoutStatus = "queued"
	PayoutSubmitted  PayoutStatus = "submitted"
	PayoutSucceeded  PayoutStatus = "succeeded"
	PayoutFailed     PayoutStatus = "failed"
	PayoutUnclaimed  PayoutStatus = "unclaimed"
)

// WinnerSelection is one drawn winner of a cycle.
//
// TierRank is the 1-based order in which the winner was drawn inside its
// tier. It is a lottery position and says nothing about merit.
type WinnerSelection struct {
	ID             uuid.UUID    `json:"id"`
	CycleID        int64        `json:"cycleId"`
	ParticipantID  string       `json:"participantId"`
	Destination    string       `json:"destination"`
	Points         int64        `json:"points"`
	Tier           Tier         `json:"tier"`
	TierRank       int          `json:"tierRank"`
	ComputedAmount Money        `json:"computedAmount"`
	OverrideAmount *Money       `json:"overrideAmount,omitempty"`
	Status         PayoutStatus `json:"status"`
	Sealed         bool         `json:"sealed"`
	Version        int64        `json:"version"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// FinalAmount is the override when one is set, the computed amount otherwise.
func (w *WinnerSelection) FinalAmount() Money {
	if w.OverrideAmount != nil {
		return *w.OverrideAmount
	}
	return w.ComputedAmount
}

// Retryable reports whether a new payout may be attempted for the winner.
func (w *WinnerSelection) Retryable() bool {
	return w.Status == PayoutFailed || w.Status == PayoutUnclaimed
}
