package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultMemoryCapacity = 1024

// Memory is an in-process Queue. Jobs do not survive a restart.
type Memory struct {
	mu       sync.Mutex
	topics   map[string]chan Job
	dead     []Job
	closed   bool
	done     chan struct{}
	capacity int
	policy   RetryPolicy
	logger   *zerolog.Logger
}

// NewMemory creates an in-process queue holding up to capacity pending jobs per type.
func NewMemory(capacity int, policy RetryPolicy, logger *zerolog.Logger) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Memory{
		topics:   make(map[string]chan Job),
		done:     make(chan struct{}),
		capacity: capacity,
		policy:   policy.normalize(),
		logger:   logger,
	}
}

// topic returns the channel for jobType. Caller must hold m.mu.
func (m *Memory) topic(jobType string) chan Job {
	ch, ok := m.topics[jobType]
	if !ok {
		ch = make(chan Job, m.capacity)
		m.topics[jobType] = ch
	}
	return ch
}

func (m *Memory) Enqueue(_ context.Context, jobType string, payload []byte) (Job, error) {
	job := Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Payload:    append([]byte(nil), payload...),
		Attempt:    1,
		EnqueuedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Job{}, ErrClosed
	}
	select {
	case m.topic(jobType) <- job:
		return job, nil
	default:
		return Job{}, ErrFull
	}
}

func (m *Memory) Consume(ctx context.Context, jobType string, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	ch := m.topic(jobType)
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return nil
		case job := <-ch:
			m.handle(ctx, job, handler)
		}
	}
}

func (m *Memory) handle(ctx context.Context, job Job, handler Handler) {
	err := handler(ctx, job)
	if err == nil {
		return
	}

	logger := m.logger.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("attempt", job.Attempt).Logger()
	if m.policy.exhausted(job.Attempt, err) {
		logger.Error().Err(err).Msg("job dead-lettered")
		m.deadLetter(job)
		return
	}

	logger.Warn().Err(err).Dur("retry_in", m.policy.Delay).Msg("job failed, retrying")
	job.Attempt++
	if m.policy.Delay == 0 {
		m.requeue(job)
		return
	}
	time.AfterFunc(m.policy.Delay, func() { m.requeue(job) })
}

func (m *Memory) requeue(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.topic(job.Type) <- job:
	default:
		m.logger.Error().Str("job_id", job.ID).Msg("queue full on retry, job dead-lettered")
		m.dead = append(m.dead, job)
	}
}

func (m *Memory) deadLetter(job Job) {
	m.mu.Lock()
	m.dead = append(m.dead, job)
	m.mu.Unlock()
}

// DeadLetters returns the jobs that exhausted their attempts.
func (m *Memory) DeadLetters() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, len(m.dead))
	copy(out, m.dead)
	return out
}

// Pending returns the number of jobs of jobType waiting for a consumer.
func (m *Memory) Pending(jobType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.topic(jobType))
}

// Close stops consumers. Pending jobs are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
