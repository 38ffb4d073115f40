package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runConsumer(t *testing.T, q Queue, jobType string, h Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = q.Consume(ctx, jobType, h)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return cancel
}

func TestMemoryDeliversInOrder(t *testing.T) {
	q := NewMemory(16, RetryPolicy{}, nil)
	defer q.Close()

	got := make(chan string, 3)
	runConsumer(t, q, "job", func(_ context.Context, job Job) error {
		got <- string(job.Payload)
		return nil
	})

	for _, p := range []string{"a", "b", "c"} {
		job, err := q.Enqueue(context.Background(), "job", []byte(p))
		require.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, 1, job.Attempt)
	}

	for _, want := range []string{"a", "b", "c"} {
		select {
		case p := <-got:
			assert.Equal(t, want, p)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for job")
		}
	}
}

func TestMemoryRetriesThenSucceeds(t *testing.T) {
	q := NewMemory(16, RetryPolicy{MaxAttempts: 3}, nil)
	defer q.Close()

	var calls atomic.Int32
	done := make(chan Job, 1)
	runConsumer(t, q, "job", func(_ context.Context, job Job) error {
		if calls.Add(1) < 3 {
			return errors.New("store down")
		}
		done <- job
		return nil
	})

	_, err := q.Enqueue(context.Background(), "job", []byte("x"))
	require.NoError(t, err)

	select {
	case job := <-done:
		assert.Equal(t, 3, job.Attempt)
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Empty(t, q.DeadLetters())
}

func TestMemoryDeadLettersAfterMaxAttempts(t *testing.T) {
	q := NewMemory(16, RetryPolicy{MaxAttempts: 2}, nil)
	defer q.Close()

	var calls atomic.Int32
	runConsumer(t, q, "job", func(context.Context, Job) error {
		calls.Add(1)
		return errors.New("always fails")
	})

	_, err := q.Enqueue(context.Background(), "job", []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, q.DeadLetters()[0].Attempt)
}

func TestMemoryPermanentErrorSkipsRetry(t *testing.T) {
	q := NewMemory(16, RetryPolicy{MaxAttempts: 5}, nil)
	defer q.Close()

	var calls atomic.Int32
	runConsumer(t, q, "job", func(context.Context, Job) error {
		calls.Add(1)
		return Permanent(errors.New("malformed"))
	})

	_, err := q.Enqueue(context.Background(), "job", []byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMemoryFullAndClosed(t *testing.T) {
	q := NewMemory(1, RetryPolicy{}, nil)

	_, err := q.Enqueue(context.Background(), "job", nil)
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), "job", nil)
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 1, q.Pending("job"))

	require.NoError(t, q.Close())
	_, err = q.Enqueue(context.Background(), "job", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, q.Consume(context.Background(), "job", nil), ErrClosed)
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	err := Permanent(base)
	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.Nil(t, Permanent(nil))
}
