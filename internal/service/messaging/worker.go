package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/cache"
	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
	"github.com/vovakirdan/tutorlink-realtime/internal/queue"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

// PersistResult reports what Process did with a job.
type PersistResult struct {
	Message   *store.Message
	Duplicate bool
	State     DeliveryState
}

// Worker drains sendMessageJobs into the durable log and invalidates
// the room's cached history after every write.
type Worker struct {
	log    store.MessageLog
	cache  cache.Store
	queue  queue.Queue
	logger *zerolog.Logger
}

// NewWorker creates a persistence worker.
func NewWorker(log store.MessageLog, c cache.Store, q queue.Queue, logger *zerolog.Logger) *Worker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Worker{log: log, cache: c, queue: q, logger: logger}
}

// Process stores the message carried by job. Errors are returned untouched
// so the queue can redeliver; malformed payloads are marked permanent.
func (w *Worker) Process(ctx context.Context, job queue.Job) (*PersistResult, error) {
	var payload SendMessagePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, queue.Permanent(fmt.Errorf("decode %s payload: %w", job.Type, err))
	}
	if payload.MessageID == "" || payload.RoomID == "" || payload.SenderID == "" {
		return nil, queue.Permanent(errors.New("payload is missing message, room or sender id"))
	}

	stored, created, err := w.log.AppendMessage(ctx, payload.toStore())
	if err != nil {
		return nil, fmt.Errorf("append message %s: %w", payload.MessageID, err)
	}

	// Invalidate on duplicates too: the first attempt may have failed right after the append.
	removed, err := InvalidateRoom(ctx, w.cache, payload.RoomID)
	if err != nil {
		return nil, fmt.Errorf("invalidate history for room %s: %w", payload.RoomID, err)
	}

	w.logger.Debug().
		Str("job_id", job.ID).
		Str("message_id", stored.ID).
		Str("room_id", stored.RoomID).
		Bool("duplicate", !created).
		Int("invalidated", removed).
		Msg("message persisted")

	return &PersistResult{Message: stored, Duplicate: !created, State: DurablyStored}, nil
}

// Handle adapts Process to queue.Handler.
func (w *Worker) Handle(ctx context.Context, job queue.Job) error {
	res, err := w.Process(ctx, job)
	switch {
	case err != nil:
		metrics.JobsProcessed.WithLabelValues("failed").Inc()
	case res.Duplicate:
		metrics.JobsProcessed.WithLabelValues("duplicate").Inc()
	default:
		metrics.JobsProcessed.WithLabelValues("stored").Inc()
	}
	return err
}

// Run starts consumers goroutines against the queue and blocks until ctx
// is done. It returns the first consumer error.
func (w *Worker) Run(ctx context.Context, consumers int) error {
	if consumers <= 0 {
		consumers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := range consumers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.logger.Info().Int("consumer", id).Msg("persistence consumer started")
			if err := w.queue.Consume(ctx, JobTypeSendMessage, w.Handle); err != nil {
				once.Do(func() {
					firstErr = fmt.Errorf("consumer %d: %w", id, err)
					cancel()
				})
			}
		}(i)
	}
	wg.Wait()
	return firstErr
}
