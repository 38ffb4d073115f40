package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

const (
	attemptHeader  = "x-attempt"
	confirmTimeout = 5 * time.Second
)

// ErrNotConfirmed is returned when the broker nacks a publish or the confirm never arrives.
var ErrNotConfirmed = errors.New("publish not confirmed by broker")

// AMQP is a Queue backed by RabbitMQ. Each job type gets a durable queue
// and a dead-letter queue that receives rejected deliveries.
type AMQP struct {
	conn   *amqp.Connection
	prefix string
	policy RetryPolicy
	logger *zerolog.Logger

	// pubMu guards the publishing state; amqp channels are not safe for concurrent publishing.
	pubMu    sync.Mutex
	pub      *amqp.Channel
	confirms chan amqp.Confirmation
	tag      uint64
	declared map[string]bool
}

// NewAMQP dials url and opens the publishing channel.
func NewAMQP(url, prefix string, policy RetryPolicy, logger *zerolog.Logger) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 16))
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	return &AMQP{
		conn:     conn,
		prefix:   prefix,
		policy:   policy.normalize(),
		logger:   logger,
		pub:      ch,
		confirms: confirms,
		declared: make(map[string]bool),
	}, nil
}

func (q *AMQP) queueNames(jobType string) (main, dlq string) {
	main = jobType
	if q.prefix != "" {
		main = q.prefix + "." + jobType
	}
	return main, main + ".dlq"
}

// declare creates the job queue and its DLQ on ch.
func (q *AMQP) declare(ch *amqp.Channel, jobType string) (string, error) {
	queueName, dlqName := q.queueNames(jobType)

	if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
		return "", fmt.Errorf("declare main queue: %w", err)
	}

	return queueName, nil
}

// Enqueue returns once the broker has confirmed the job.
func (q *AMQP) Enqueue(ctx context.Context, jobType string, payload []byte) (Job, error) {
	job := Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    payload,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := q.publish(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *AMQP) publish(ctx context.Context, job Job) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	if q.pub == nil {
		return ErrClosed
	}

	queueName, _ := q.queueNames(job.Type)
	if !q.declared[job.Type] {
		if _, err := q.declare(q.pub, job.Type); err != nil {
			return err
		}
		q.declared[job.Type] = true
	}

	err := q.pub.Publish("", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Type:         job.Type,
		Timestamp:    job.EnqueuedAt,
		Headers:      amqp.Table{attemptHeader: int32(job.Attempt)},
		Body:         job.Payload,
	})
	if err != nil {
		return fmt.Errorf("publish to queue %s: %w", queueName, err)
	}
	q.tag++
	return q.awaitConfirm(ctx, q.tag)
}

// awaitConfirm waits for the broker's confirm of delivery tag. Confirms left
// behind by earlier publishes that gave up waiting are drained first.
// Requires pubMu.
func (q *AMQP) awaitConfirm(ctx context.Context, tag uint64) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	for {
		select {
		case c, ok := <-q.confirms:
			if !ok {
				return fmt.Errorf("%w: channel closed", ErrNotConfirmed)
			}
			if c.DeliveryTag < tag {
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: nacked", ErrNotConfirmed)
			}
			return nil
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotConfirmed, ctx.Err())
		}
	}
}

// Consume opens a dedicated channel with prefetch 1 and handles deliveries one at a time.
// A failed job is republished with an incremented attempt and the original is acked;
// once attempts run out the delivery is rejected into the DLQ.
func (q *AMQP) Consume(ctx context.Context, jobType string, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	queueName, err := q.declare(ch, jobType)
	if err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	consumerTag := "tutorlink-" + uuid.NewString()
	msgs, err := ch.Consume(queueName, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming %s: %w", queueName, err)
	}

	for {
		select {
		case <-ctx.Done():
			_ = ch.Cancel(consumerTag, false)
			return nil
		case d, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("delivery channel closed")
			}
			q.handle(ctx, d, jobType, handler)
		}
	}
}

func (q *AMQP) handle(ctx context.Context, d amqp.Delivery, jobType string, handler Handler) {
	job := Job{
		ID:         d.MessageId,
		Type:       jobType,
		Payload:    d.Body,
		Attempt:    attemptOf(d.Headers),
		EnqueuedAt: d.Timestamp,
	}
	logger := q.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("attempt", job.Attempt).Logger()

	err := handler(ctx, job)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	if q.policy.exhausted(job.Attempt, err) {
		logger.Error().Err(err).Msg("job dead-lettered")
		_ = d.Reject(false)
		return
	}

	logger.Warn().Err(err).Dur("retry_in", q.policy.Delay).Msg("job failed, retrying")
	if sleep(ctx, q.policy.Delay) != nil {
		// Shutting down; let the broker hand the job to someone else.
		_ = d.Nack(false, true)
		return
	}

	job.Attempt++
	if perr := q.publish(ctx, job); perr != nil {
		logger.Error().Err(perr).Msg("republish failed")
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

func attemptOf(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int16:
		return int(v)
	case int8:
		return int(v)
	case int:
		return v
	default:
		return 1
	}
}

// Ping reports whether the connection is still open.
func (q *AMQP) Ping() error {
	if q.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

// Close cleans up the publishing channel and the connection.
func (q *AMQP) Close() error {
	q.pubMu.Lock()
	pub := q.pub
	q.pub = nil
	q.pubMu.Unlock()

	if pub != nil {
		if err := pub.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return err
		}
	}
	if err := q.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}
