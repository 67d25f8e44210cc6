// Package rabbit provides a RabbitMQ-backed job queue so workers can scale
// out across processes. The memory queue remains the default backend.
package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/solvekit/captcha-relay/internal/captcha"
)

// Config controls the RabbitMQ queue backend.
type Config struct {
	URL       string
	QueueName string
	Prefetch  int
}

// Queue implements captcha.Queue on top of an AMQP queue.
type Queue struct {
	cfg     Config
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *zap.Logger

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error

	closeMu sync.Mutex
	closed  bool
}

// NewQueue dials RabbitMQ and declares the durable job queue.
func NewQueue(cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbit url is required")
	}
	if cfg.QueueName == "" {
		cfg.QueueName = "captcha-jobs"
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := channel.QueueDeclare(
		cfg.QueueName, // name
		true,          // durable
		false,         // auto-delete
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	if err := channel.Qos(cfg.Prefetch, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("set qos: %w", err)
	}

	logger.Info("rabbitmq queue ready", zap.String("queue", cfg.QueueName))
	return &Queue{
		cfg:     cfg,
		conn:    conn,
		channel: channel,
		logger:  logger,
	}, nil
}

// Enqueue publishes the item as a persistent JSON message.
func (q *Queue) Enqueue(ctx context.Context, item captcha.QueueItem) error {
	body, err := EncodeItem(item)
	if err != nil {
		return err
	}
	err = q.channel.PublishWithContext(
		ctx,
		"",              // default exchange
		q.cfg.QueueName, // routing key
		false,           // mandatory
		false,           // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Dequeue blocks for the next delivery and acks it. Malformed payloads are
// rejected without requeue so one bad message cannot wedge the queue.
func (q *Queue) Dequeue(ctx context.Context) (captcha.QueueItem, error) {
	q.consumeOnce.Do(func() {
		deliveries, err := q.channel.Consume(
			q.cfg.QueueName, // queue
			"",              // consumer tag
			false,           // auto-ack
			false,           // exclusive
			false,           // no-local
			false,           // no-wait
			nil,             // args
		)
		if err != nil {
			q.consumeErr = fmt.Errorf("start consumer: %w", err)
			return
		}
		q.deliveries = deliveries
	})
	if q.consumeErr != nil {
		return captcha.QueueItem{}, q.consumeErr
	}

	for {
		select {
		case <-ctx.Done():
			return captcha.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case delivery, ok := <-q.deliveries:
			if !ok {
				return captcha.QueueItem{}, fmt.Errorf("rabbitmq consumer channel closed")
			}
			item, err := DecodeItem(delivery.Body)
			if err != nil {
				q.logger.Warn("dropping malformed job message", zap.Error(err))
				_ = delivery.Reject(false)
				continue
			}
			if err := delivery.Ack(false); err != nil {
				return captcha.QueueItem{}, fmt.Errorf("ack delivery: %w", err)
			}
			return item, nil
		}
	}
}

// Close tears down the channel and connection.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			q.logger.Warn("close rabbitmq channel", zap.Error(err))
		}
	}
	if q.conn != nil {
		if err := q.conn.Close(); err != nil {
			q.logger.Warn("close rabbitmq connection", zap.Error(err))
		}
	}
}

// EncodeItem marshals a queue item into its wire payload.
func EncodeItem(item captcha.QueueItem) ([]byte, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal queue item: %w", err)
	}
	return body, nil
}

// DecodeItem unmarshals a wire payload back into a queue item.
func DecodeItem(body []byte) (captcha.QueueItem, error) {
	var item captcha.QueueItem
	if err := json.Unmarshal(body, &item); err != nil {
		return captcha.QueueItem{}, fmt.Errorf("unmarshal queue item: %w", err)
	}
	if item.JobID == "" {
		return captcha.QueueItem{}, fmt.Errorf("queue item missing job id")
	}
	return item, nil
}
