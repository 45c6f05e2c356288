package notifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventPayoutSucceeded  EventKind = "payout.succeeded"
	EventPayoutFailed     EventKind = "payout.failed"
	EventPayoutUnclaimed  EventKind = "payout.unclaimed"
	EventBatchCompleted   EventKind = "batch.completed"
	EventBatchFailed      EventKind = "batch.failed"
	EventCycleNeedsReview EventKind = "cycle.needs_review"
)

type Event struct {
	Kind          EventKind   `json:"kind"`
	CycleID       int64       `json:"cycleId"`
	BatchID       uuid.UUID   `json:"batchId"`
	SelectionID   *uuid.UUID  `json:"selectionId,omitempty"`
	ParticipantID string      `json:"participantId,omitempty"`
	Recipient     string      `json:"recipient,omitempty"`
	Amount        types.Money `json:"amount,omitempty"`
	Currency      string      `json:"currency,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	OccurredAt    time.Time   `json:"occurredAt"`
}

// ItemEvent builds the member-facing event for a terminal item.
func ItemEvent(batch *types.PayoutBatch, item types.PayoutItem) (Event, bool) {
	var kind EventKind
	switch item.Status {
	case types.ItemSuccess:
		kind = EventPayoutSucceeded
	case types.ItemFailed:
		kind = EventPayoutFailed
	case types.ItemUnclaimed:
		kind = EventPayoutUnclaimed
	default:
		return Event{}, false
	}

	selectionID := item.SelectionID
	return Event{
		Kind:          kind,
		CycleID:       batch.CycleID,
		BatchID:       batch.ID,
		SelectionID:   &selectionID,
		ParticipantID: item.ParticipantID,
		Recipient:     item.Destination,
		Amount:        item.Amount,
		Currency:      item.Currency,
		Reason:        item.FailureReason,
		OccurredAt:    time.Now().UTC(),
	}, true
}

type Sink interface {
	Notify(context.Context, Event) error
}

type Config struct {
	BufferSize    int
	NotifyTimeout time.Duration
}

// Dispatcher decouples money movement from notification delivery. Notify
// never blocks: when the buffer is full the event is dropped and logged.
type Dispatcher struct {
	config *Config
	sink   Sink
	events chan Event
	log    *slog.Logger
}

func NewDispatcher(config *Config, sink Sink) *Dispatcher {
	return &Dispatcher{
		config: config,
		sink:   sink,
		events: make(chan Event, config.BufferSize),
		log:    slog.With("component", "notifier"),
	}
}

func (d *Dispatcher) Notify(ctx context.Context, event Event) error {
	select {
	case d.events <- event:
	default:
		d.log.Warn("notification buffer is full, dropping event",
			"kind", event.Kind,
			"batch", event.BatchID,
			"participant", event.ParticipantID,
		)
	}
	return nil
}

func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info("Starting notifier...")

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Stopping notifier.", "pending", len(d.events))
			return nil
		case event := <-d.events:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event Event) {
	ctxWithTimeout, cancel := context.WithTimeout(ctx, d.config.NotifyTimeout)
	defer cancel()

	if err := d.sink.Notify(ctxWithTimeout, event); err != nil {
		d.log.Error("couldn't deliver notification",
			"kind", event.Kind,
			"batch", event.BatchID,
			"participant", event.ParticipantID,
			"error", err,
		)
		return
	}

	d.log.Debug("Notification delivered", "kind", event.Kind, "batch", event.BatchID)
}
