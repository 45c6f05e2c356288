// Package ledger holds the bookkeeping rules shared by the orchestrator and
// the reconciler: which status moves are legal, how provider observations
// merge into local items and how a batch status follows from its items.
package ledger

import (
	"github.com/openbuilders/reward-disburser/internal/types"
)

var batchTransitions = map[types.BatchStatus][]types.BatchStatus{
	types.BatchIntent:     {types.BatchSubmitted, types.BatchProcessing, types.BatchCompleted, types.BatchFailed, types.BatchCancelled},
	types.BatchSubmitted:  {types.BatchProcessing, types.BatchCompleted, types.BatchFailed},
	types.BatchProcessing: {types.BatchCompleted, types.BatchFailed},
}

// CanTransition reports whether a batch may move from one status to another.
// Staying in the same status is always allowed.
func CanTransition(from, to types.BatchStatus) bool {
	if from == to {
		return true
	}
	for _, next := range batchTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var cycleTransitions = map[types.CycleStatus]types.CycleStatus{
	types.CycleOpen:              types.CycleSelectionComplete,
	types.CycleSelectionComplete: types.CycleDisbursing,
	types.CycleDisbursing:        types.CycleClosed,
}

func CanAdvanceCycle(from, to types.CycleStatus) bool {
	return cycleTransitions[from] == to
}

// Observation is what the provider reports for one item.
type Observation struct {
	ProviderItemID string
	Status         types.ItemStatus
	FailureReason  string
}

type MergeResult struct {
	Changed bool
	// Discrepancy is set when a terminal local status was overwritten by a
	// different terminal provider status.
	Discrepancy bool
	Previous    types.ItemStatus
}

// Merge applies a provider observation to a local item. The provider is the
// authority: a terminal provider status always wins. A pending observation
// never moves an item backwards.
func Merge(local types.PayoutItem, obs Observation) (types.PayoutItem, MergeResult) {
	res := MergeResult{Previous: local.Status}
	out := local

	if out.ProviderItemID == "" && obs.ProviderItemID != "" {
		out.ProviderItemID = obs.ProviderItemID
		res.Changed = true
	}

	if !obs.Status.Terminal() {
		return out, res
	}

	if out.Status != obs.Status {
		if out.Status.Terminal() {
			res.Discrepancy = true
		}
		out.Status = obs.Status
		res.Changed = true
	}

	reason := ""
	if obs.Status != types.ItemSuccess {
		reason = obs.FailureReason
	}
	if out.FailureReason != reason {
		out.FailureReason = reason
		res.Changed = true
	}

	return out, res
}

// DeriveStatus computes the batch status that follows from its items. A batch
// that has left intent is processing while any item is pending and completed
// once none is, whatever the individual outcomes.
func DeriveStatus(current types.BatchStatus, items []types.PayoutItem) types.BatchStatus {
	switch current {
	case types.BatchIntent, types.BatchCancelled, types.BatchFailed:
		return current
	}

	for _, it := range items {
		if !it.Status.Terminal() {
			return types.BatchProcessing
		}
	}
	return types.BatchCompleted
}

// SelectionStatus maps an item to the payout status of its winner.
func SelectionStatus(batch types.BatchStatus, item types.ItemStatus) types.PayoutStatus {
	if item.Terminal() {
		return item.PayoutStatus()
	}
	switch batch {
	case types.BatchIntent:
		return types.PayoutQueued
	case types.BatchCancelled:
		return types.PayoutSelected
	}
	return types.PayoutSubmitted
}

// Clean reports whether every item of a settled batch paid out, which is the
// condition for closing the cycle without review.
func Clean(items []types.PayoutItem) bool {
	for _, it := range items {
		if it.Status != types.ItemSuccess {
			return false
		}
	}
	return true
}
