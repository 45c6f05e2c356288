// Package provider defines what the engine needs from a batch payment API.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openbuilders/reward-disburser/internal/types"
)

var (
	// ErrNotAcknowledged means the request never reached the provider, so
	// nothing can have been paid. Submitting again is safe.
	ErrNotAcknowledged = errors.New("provider did not acknowledge the request")
	// ErrUnknownOutcome means the request may have been processed. Only a
	// status lookup or an idempotent resubmission can tell.
	ErrUnknownOutcome = errors.New("provider outcome unknown")
)

// RejectedError is a definitive refusal of the whole batch.
type RejectedError struct {
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected the batch (%d): %s", e.StatusCode, e.Reason)
}

// Item is one payment of a submitted batch. ItemRef is echoed back by the
// provider and identifies the local payout item.
type Item struct {
	ItemRef     string
	Destination string
	Amount      types.Money
	Currency    string
	Note        string
}

type SubmitRequest struct {
	// SenderBatchID is the provider-level idempotency key. Submitting the same
	// id twice returns the original batch.
	SenderBatchID string
	Subject       string
	Items         []Item
}

// RequestFor builds the submission of a batch. Item ids are used as item
// references so results can be matched without provider ids.
func RequestFor(batch *types.PayoutBatch, subject string) *SubmitRequest {
	req := &SubmitRequest{
		SenderBatchID: batch.SenderBatchID,
		Subject:       subject,
		Items:         make([]Item, len(batch.Items)),
	}
	for i, it := range batch.Items {
		req.Items[i] = Item{
			ItemRef:     it.ID.String(),
			Destination: it.Destination,
			Amount:      it.Amount,
			Currency:    it.Currency,
			Note:        fmt.Sprintf("Reward for cycle %d", batch.CycleID),
		}
	}
	return req
}

type ItemResult struct {
	ItemRef        string
	ProviderItemID string
	Status         types.ItemStatus
	FailureReason  string
}

type SubmitResponse struct {
	ProviderBatchID string
	// Processing is set when the provider reports the batch as being worked
	// on rather than merely accepted.
	Processing bool
	// Items may be incomplete; missing items are still pending.
	Items []ItemResult
}

type StatusReport struct {
	ProviderBatchID string
	Status          string
	Items           []ItemResult
}

type Provider interface {
	SubmitBatch(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetBatchStatus(ctx context.Context, providerBatchID string) (*StatusReport, error)
}

// NormalizeItemStatus maps a provider transaction status onto item statuses.
// Anything not known to be final is pending.
func NormalizeItemStatus(raw string) types.ItemStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "SUCCEEDED", "COMPLETED":
		return types.ItemSuccess
	case "FAILED", "RETURNED", "BLOCKED", "REFUNDED", "REVERSED", "DENIED":
		return types.ItemFailed
	case "UNCLAIMED":
		return types.ItemUnclaimed
	}
	return types.ItemPending
}

// ResultsByRef indexes item results by ItemRef.
func ResultsByRef(results []ItemResult) map[string]ItemResult {
	out := make(map[string]ItemResult, len(results))
	for _, r := range results {
		out[r.ItemRef] = r
	}
	return out
}
