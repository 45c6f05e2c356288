package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openbuilders/reward-disburser/internal/queue"
)

const PatternRewardPayout = "reward-payout"

type Publisher interface {
	Publish(queue.QueueName, []byte) error
}

type notification struct {
	Pattern string `json:"pattern"`
	Data    Event  `json:"data"`
}

// QueueSink hands events to the mailer service through RabbitMQ.
type QueueSink struct {
	publisher Publisher
	queue     queue.QueueName
}

func NewQueueSink(publisher Publisher, name queue.QueueName) *QueueSink {
	return &QueueSink{publisher: publisher, queue: name}
}

func (s *QueueSink) Notify(ctx context.Context, event Event) error {
	payload, err := json.Marshal(notification{
		Pattern: PatternRewardPayout,
		Data:    event,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	return s.publisher.Publish(s.queue, payload)
}
