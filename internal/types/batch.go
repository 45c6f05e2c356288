package types

import (
	"time"

	"github.com/google/uuid"
)

type BatchStatus string

const (
	BatchIntent     BatchStatus = "intent"
	BatchSubmitted  BatchStatus = "submitted"
	BatchProcessing BatchStatus = "processing"
	BatchCompleted  BatchStatus = "completed"
	BatchFailed     BatchStatus = "failed"
	BatchCancelled  BatchStatus = "cancelled"
)

// InFlight reports whether the batch holds the per-cycle disbursement lock.
func (s BatchStatus) InFlight() bool {
	return s == BatchIntent || s == BatchSubmitted || s == BatchProcessing
}

func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchFailed || s == BatchCancelled
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemSuccess   ItemStatus = "success"
	ItemFailed    ItemStatus = "failed"
	ItemUnclaimed ItemStatus = "unclaimed"
)

func (s ItemStatus) Terminal() bool {
	return s == ItemSuccess || s == ItemFailed || s == ItemUnclaimed
}

// PayoutStatus maps a terminal item status to the winner's payout status.
func (s ItemStatus) PayoutStatus() PayoutStatus {
	switch s {
	case ItemSuccess:
		return PayoutSucceeded
	case ItemFailed:
		return PayoutFailed
	case ItemUnclaimed:
		return PayoutUnclaimed
	}
	return PayoutSubmitted
}

// PayoutBatch is one submission attempt to the payment provider.
type PayoutBatch struct {
	ID              uuid.UUID    `json:"id"`
	CycleID         int64        `json:"cycleId"`
	AdminID         string       `json:"adminId"`
	SenderBatchID   string       `json:"senderBatchId"`
	RequestChecksum string       `json:"requestChecksum"`
	Attempt         int          `json:"attempt"`
	Status          BatchStatus  `json:"status"`
	ProviderBatchID string       `json:"providerBatchId,omitempty"`
	Currency        string       `json:"currency"`
	TotalAmount     Money        `json:"totalAmount"`
	Items           []PayoutItem `json:"items"`
	Version         int64        `json:"version"`
	CreatedAt       time.Time    `json:"createdAt"`
	UpdatedAt       time.Time    `json:"updatedAt"`
	SubmittedAt     *time.Time   `json:"submittedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	CancelledAt     *time.Time   `json:"cancelledAt,omitempty"`
}

// PayoutItem is one line of a batch.
type PayoutItem struct {
	ID             uuid.UUID  `json:"id"`
	BatchID        uuid.UUID  `json:"batchId"`
	SelectionID    uuid.UUID  `json:"selectionId"`
	ParticipantID  string     `json:"participantId"`
	Destination    string     `json:"destination"`
	Amount         Money      `json:"amount"`
	Currency       string     `json:"currency"`
	ProviderItemID string     `json:"providerItemId,omitempty"`
	Status         ItemStatus `json:"status"`
	FailureReason  string     `json:"failureReason,omitempty"`
	Version        int64      `json:"version"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// ItemCounts tallies items by status.
type ItemCounts struct {
	Pending   int `json:"pending"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Unclaimed int `json:"unclaimed"`
}

func CountItems(items []PayoutItem) ItemCounts {
	var c ItemCounts
	for _, it := range items {
		switch it.Status {
		case ItemSuccess:
			c.Succeeded++
		case ItemFailed:
			c.Failed++
		case ItemUnclaimed:
			c.Unclaimed++
		default:
			c.Pending++
		}
	}
	return c
}
