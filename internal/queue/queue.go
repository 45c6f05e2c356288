package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

type QueueName string

const (
	QueueNotifications QueueName = "reward-notifications"
	QueueReconcile     QueueName = "payout-reconcile"
)

// WorkerFunc is started on every (re)connect with a context that is
// cancelled when the connection drops.
type WorkerFunc func(context.Context, *amqp.Connection) error

type Config struct {
	URL               string
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	Queues            []QueueName
}

type Queue struct {
	config  *Config
	conn    *amqp.Connection
	workers []WorkerFunc
	cancel  context.CancelFunc
	mu      sync.Mutex
	log     *slog.Logger
}

func New(config *Config) *Queue {
	return &Queue{
		config: config,
		log:    slog.With("component", "queue"),
	}
}

func (q *Queue) Start(ctx context.Context) error {
	q.log.Info("Starting the queue manager.")
	defer q.log.Info("Stopping the queue manager.")

	return q.reconnectLoop(ctx)
}

// RegisterWorker stores a worker that will be invoked every time a
// connection is (re)created.
func (q *Queue) RegisterWorker(w WorkerFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.workers = append(q.workers, w)
}

func (q *Queue) reconnectLoop(ctx context.Context) error {
	q.log.Debug("started reconnect loop.")
	defer q.log.Debug("reconnect loop exited.")

	for {
		select {
		case <-ctx.Done():
			q.log.Debug("closing reconnect loop...")
			q.cleanup()
			return ctx.Err()
		default:
		}

		q.log.Info("connecting to Rabbit MQ...")
		conn, err := q.connect(ctx)
		if err != nil {
			q.log.Error("connection to Rabbit MQ failed", "error", err)
			if !sleep(ctx, q.config.ReconnectInterval) {
				return ctx.Err()
			}
			continue
		}

		q.log.Info("connected to Rabbit MQ...")

		connErrors := make(chan *amqp.Error, 1)
		conn.NotifyClose(connErrors)

		select {
		case <-ctx.Done():
			q.log.Debug("closing reconnect loop...")
			q.cleanup()
			return ctx.Err()
		case err := <-connErrors:
			q.log.Error("rabbit mq connection closed", "error", err)
		}

		// stop the workers bound to the dead connection
		q.cleanup()

		if !sleep(ctx, q.config.ReconnectInterval) {
			return ctx.Err()
		}
	}
}

func (q *Queue) connect(ctx context.Context) (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(q.config.URL, amqp.Config{
		Dial: amqp.DefaultDial(q.config.ConnectTimeout),
	})
	if err != nil {
		return nil, err
	}

	for _, name := range q.config.Queues {
		ch, err := EnsureQueueExists(conn, name)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("declare queue %s: %w", name, err)
		}
		ch.Close()
	}

	ctxWithCancel, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	q.conn = conn
	q.cancel = cancel
	workers := append([]WorkerFunc{}, q.workers...)
	q.mu.Unlock()

	for _, w := range workers {
		go func(w WorkerFunc) {
			if err := w(ctxWithCancel, conn); err != nil && ctxWithCancel.Err() == nil {
				q.log.Error("queue worker exited", "error", err)
			}
		}(w)
	}

	return conn, nil
}

func (q *Queue) cleanup() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}

	if q.conn != nil && !q.conn.IsClosed() {
		q.log.Debug("closing the connection")
		_ = q.conn.Close()
	}

	q.conn = nil
}

func (q *Queue) Publish(queueName QueueName, message []byte) error {
	q.mu.Lock()
	conn := q.conn
	q.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return fmt.Errorf("connection is not open yet")
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("couldn't open channel: %w", err)
	}
	defer ch.Close()

	err = ch.Publish(
		"",                // exchange, empty means direct to queue
		string(queueName), // routing key = queue name
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         message,
		},
	)
	if err != nil {
		q.log.Error("Failed to publish", "queue", queueName, "error", err)
		return err
	}

	return nil
}

// EnsureQueueExists declares a durable queue and returns the channel used
// for the declaration.
func EnsureQueueExists(conn *amqp.Connection, name QueueName) (*amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}

	_, err = ch.QueueDeclare(
		string(name), // name
		true,         // durable
		false,        // delete when unused
		false,        // exclusive
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		return nil, err
	}

	return ch, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
