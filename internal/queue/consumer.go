package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes one delivery body. A nil error acks the message. An
// error nacks it; Requeue decides whether it goes back to the queue.
type HandlerFunc func(context.Context, []byte) error

// PermanentError marks a message that will never succeed and must not be
// requeued.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Consumer returns a WorkerFunc that consumes name with the given prefetch
// and feeds every delivery to handle.
func Consumer(name QueueName, consumerTag string, prefetch int,
	handle HandlerFunc) WorkerFunc {

	log := slog.With("component", "consumer", "queue", name)

	return func(ctx context.Context, conn *amqp.Connection) error {
		ch, err := EnsureQueueExists(conn, name)
		if err != nil {
			return err
		}
		defer ch.Close()

		if err := ch.Qos(prefetch, 0, false); err != nil {
			return fmt.Errorf("set qos: %w", err)
		}

		messages, err := ch.Consume(
			string(name), // queue
			consumerTag,  // consumer
			false,        // autoAck
			false,        // exclusive
			false,        // noLocal
			false,        // no wait
			nil,          // args
		)
		if err != nil {
			return err
		}

		log.Info("Consumer started")

		for {
			select {
			case <-ctx.Done():
				log.Info("Stopping consumer...")
				return ctx.Err()
			case msg, ok := <-messages:
				if !ok {
					return fmt.Errorf("queue %s is closed", name)
				}

				if err := handle(ctx, msg.Body); err != nil {
					permanent := errors.As(err, &PermanentError{})
					log.Error("message handling failed",
						"body", string(msg.Body),
						"requeue", !permanent,
						"error", err,
					)
					if err := msg.Nack(false, !permanent); err != nil {
						return fmt.Errorf("nack: %w", err)
					}
					continue
				}

				if err := msg.Ack(false); err != nil {
					// unacked messages stall the prefetch window, restart
					return fmt.Errorf("ack: %w", err)
				}
			}
		}
	}
}
