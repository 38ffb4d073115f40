package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrClosed is returned when the queue has been shut down.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by bounded queues that cannot take more jobs.
	ErrFull = errors.New("queue full")
)

// Job is a unit of background work.
type Job struct {
	ID         string
	Type       string
	Payload    []byte
	Attempt    int
	EnqueuedAt time.Time
}

// Handler processes one job. A non-nil error makes the queue retry the job
// until its attempts run out, unless the error is marked Permanent.
type Handler func(ctx context.Context, job Job) error

// Queue is an at-least-once work queue keyed by job type.
type Queue interface {
	// Enqueue accepts a job. On return the broker has confirmed it, or for
	// in-process queues it is buffered in memory.
	Enqueue(ctx context.Context, jobType string, payload []byte) (Job, error)

	// Consume blocks, handing jobs of jobType to handler until ctx is done or the queue closes.
	Consume(ctx context.Context, jobType string, handler Handler) error

	Close() error
}

// RetryPolicy bounds redelivery of failed jobs.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// DefaultRetryPolicy is used when a queue is built with a zero policy.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 5, Delay: time.Second}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

// exhausted reports whether a job that failed on attempt must be dead-lettered.
func (p RetryPolicy) exhausted(attempt int, err error) bool {
	return IsPermanent(err) || attempt >= p.MaxAttempts
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so the job is dead-lettered without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
