package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/tutorlink-realtime/internal/cache"
	"github.com/vovakirdan/tutorlink-realtime/internal/core"
	"github.com/vovakirdan/tutorlink-realtime/internal/queue"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
	"github.com/vovakirdan/tutorlink-realtime/internal/store/sqlite"
)

// countingLog counts durable history queries.
type countingLog struct {
	store.Store
	queries atomic.Int32
}

func (c *countingLog) QueryMessages(ctx context.Context, roomID string, q store.MessageQuery, limit int) ([]*store.Message, error) {
	c.queries.Add(1)
	return c.Store.QueryMessages(ctx, roomID, q, limit)
}

type failingQueue struct{ queue.Queue }

func (failingQueue) Enqueue(context.Context, string, []byte) (queue.Job, error) {
	return queue.Job{}, errors.New("broker down")
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errors.New("redis down") }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis down")
}
func (brokenCache) DeleteByPrefix(context.Context, string) (int, error) {
	return 0, errors.New("redis down")
}
func (brokenCache) Generation(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}
func (brokenCache) Bump(context.Context, string) (int64, error) {
	return 0, errors.New("redis down")
}
func (brokenCache) Close() error { return nil }

// pausingLog runs the first history query, then holds its result until released.
type pausingLog struct {
	store.Store
	queried chan struct{}
	release chan struct{}
	once    sync.Once
}

func (p *pausingLog) QueryMessages(ctx context.Context, roomID string, q store.MessageQuery, limit int) ([]*store.Message, error) {
	rows, err := p.Store.QueryMessages(ctx, roomID, q, limit)
	first := false
	p.once.Do(func() { first = true })
	if first {
		close(p.queried)
		<-p.release
	}
	return rows, err
}

type fixture struct {
	store    *countingLog
	cache    *cache.Memory
	queue    *queue.Memory
	registry *core.Registry
	pipeline *Pipeline
	worker   *Worker
	history  *HistoryReader
	service  *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		store:    &countingLog{Store: st},
		cache:    cache.NewMemory(),
		queue:    queue.NewMemory(64, queue.RetryPolicy{MaxAttempts: 3}, nil),
		registry: core.NewRegistry(),
	}
	t.Cleanup(func() { _ = f.queue.Close() })

	f.pipeline = NewPipeline(f.queue, f.registry, nil)
	f.worker = NewWorker(f.store, f.cache, f.queue, nil)
	f.history = NewHistoryReader(f.store, f.cache, HistoryOptions{}, nil)
	f.service = New(f.pipeline, f.history, f.store, f.cache, nil)
	return f
}

func (f *fixture) connect(t *testing.T, userID string, rooms ...string) *core.Client {
	t.Helper()
	for _, r := range rooms {
		require.NoError(t, f.store.AddMember(context.Background(), r, userID))
	}
	c := core.NewClient(userID+"-conn", userID, 16)
	f.registry.Register(c, rooms)
	return c
}

// processNext runs the worker on the next pending job.
func (f *fixture) processNext(t *testing.T) *PersistResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var res *PersistResult
	var perr error
	done := make(chan struct{})
	go func() {
		_ = f.queue.Consume(ctx, JobTypeSendMessage, func(ctx context.Context, job queue.Job) error {
			res, perr = f.worker.Process(ctx, job)
			close(done)
			return perr
		})
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("no job was processed")
	}
	require.NoError(t, perr)
	return res
}

func nextEvent(t *testing.T, c *core.Client) *core.Event {
	t.Helper()
	select {
	case ev := <-c.Events:
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
		return nil
	}
}

func TestSubmitBroadcastsToEveryRoomConnection(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", "R")
	b := f.connect(t, "B", "R")
	outsider := f.connect(t, "C", "other")

	receipt, err := f.pipeline.Submit(context.Background(), "A", Submission{RoomID: "R", Text: "  hello  ", ClientID: "tmp-1"})
	require.NoError(t, err)
	assert.Equal(t, DeliveredLive, receipt.State)
	assert.Equal(t, 2, receipt.Recipients)
	assert.Equal(t, "tmp-1", receipt.ClientID)

	for _, c := range []*core.Client{a, b} {
		ev := nextEvent(t, c)
		require.Equal(t, core.EventNewMessage, ev.Kind)
		assert.Equal(t, "hello", ev.Message.Text)
		assert.Equal(t, "A", ev.Message.SenderID)
		assert.Equal(t, receipt.MessageID, ev.Message.ID)
		assert.Empty(t, c.Events, "exactly one newMessage per connection")
	}
	assert.Empty(t, outsider.Events)
	assert.Equal(t, 1, f.queue.Pending(JobTypeSendMessage))
}

func TestSubmitRejectsNonMember(t *testing.T) {
	f := newFixture(t)
	member := f.connect(t, "A", "R")
	f.connect(t, "B", "other")

	_, err := f.pipeline.Submit(context.Background(), "B", Submission{RoomID: "R", Text: "hi"})
	require.ErrorIs(t, err, core.ErrNotRoomMember)
	assert.Empty(t, member.Events)
	assert.Zero(t, f.queue.Pending(JobTypeSendMessage))
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "R")

	_, err := f.pipeline.Submit(context.Background(), "A", Submission{RoomID: "R", Text: "   "})
	assert.ErrorIs(t, err, core.ErrEmptyPayload)

	_, err = f.pipeline.Submit(context.Background(), "A", Submission{Text: "hi"})
	assert.ErrorIs(t, err, core.ErrValidation)

	receipt, err := f.pipeline.Submit(context.Background(), "A", Submission{RoomID: "R", Attachments: []string{"https://cdn/x.png"}})
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.MessageID)
}

func TestSubmitQueueUnavailableSkipsBroadcast(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", "R")
	p := NewPipeline(failingQueue{}, f.registry, nil)

	_, err := p.Submit(context.Background(), "A", Submission{RoomID: "R", Text: "hi"})
	require.ErrorIs(t, err, core.ErrQueueUnavailable)
	assert.Empty(t, a.Events)
}

func TestSubmitResubmissionReturnsOriginalReceipt(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "R", "S")
	b := f.connect(t, "B", "R")
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.pipeline.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := f.pipeline.Submit(ctx, "A", Submission{RoomID: "R", Text: "hello", ClientID: "c-1"})
	require.NoError(t, err)
	again, err := f.pipeline.Submit(ctx, "A", Submission{RoomID: "R", Text: "hello", ClientID: "c-1"})
	require.NoError(t, err)

	assert.Equal(t, first, again)
	assert.Equal(t, first.MessageID, nextEvent(t, b).Message.ID)
	assert.Empty(t, b.Events, "a resubmission must not broadcast again")
	assert.Equal(t, 1, f.queue.Pending(JobTypeSendMessage))

	// The same client ID in another room is a different submission.
	other, err := f.pipeline.Submit(ctx, "A", Submission{RoomID: "S", Text: "hello", ClientID: "c-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, other.MessageID)

	now = now.Add(resubmitWindow + time.Second)
	late, err := f.pipeline.Submit(ctx, "A", Submission{RoomID: "R", Text: "hello", ClientID: "c-1"})
	require.NoError(t, err)
	assert.NotEqual(t, first.MessageID, late.MessageID)
}

func TestSubmitTimestampsStrictlyIncrease(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "R")
	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.pipeline.now = func() time.Time { return frozen }

	var last time.Time
	for range 5 {
		r, err := f.pipeline.Submit(context.Background(), "A", Submission{RoomID: "R", Text: "x"})
		require.NoError(t, err)
		assert.True(t, r.CreatedAt.After(last), "timestamps must strictly increase")
		last = r.CreatedAt
	}
}

func TestLiveThenDurableScenario(t *testing.T) {
	f := newFixture(t)
	a := f.connect(t, "A", "R")
	b := f.connect(t, "B", "R")
	ctx := context.Background()

	// Warm the cache with the empty history.
	before, err := f.history.GetMessages(ctx, "R", Filters{}, 0)
	require.NoError(t, err)
	assert.Empty(t, before)

	_, err = f.pipeline.Submit(ctx, "A", Submission{RoomID: "R", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", nextEvent(t, a).Message.Text)
	assert.Equal(t, "hello", nextEvent(t, b).Message.Text)

	res := f.processNext(t)
	assert.Equal(t, DurablyStored, res.State)
	assert.False(t, res.Duplicate)
	assert.Zero(t, f.cache.Len(), "room history must be invalidated")

	after, err := f.history.GetMessages(ctx, "R", Filters{}, 0)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "hello", after[0].Text)
	assert.Equal(t, "A", after[0].SenderID)
}

func TestProcessIsIdempotent(t *testing.T) {
	f := newFixture(t)
	payload := SendMessagePayload{
		MessageID: "01J00000000000000000000000", SenderID: "A", RoomID: "R",
		Text: "once", CreatedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	job := queue.Job{ID: "job-1", Type: JobTypeSendMessage, Payload: body, Attempt: 1}

	first, err := f.worker.Process(context.Background(), job)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	job.Attempt = 2
	second, err := f.worker.Process(context.Background(), job)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)

	msgs, err := f.history.GetMessages(context.Background(), "R", Filters{}, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestProcessMalformedPayloadIsPermanent(t *testing.T) {
	f := newFixture(t)
	_, err := f.worker.Process(context.Background(), queue.Job{Type: JobTypeSendMessage, Payload: []byte("{")})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestProcessInvalidationFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	w := NewWorker(f.store, brokenCache{}, f.queue, nil)
	body, _ := json.Marshal(SendMessagePayload{MessageID: "m1", SenderID: "A", RoomID: "R", Text: "x", CreatedAt: time.Now()})

	_, err := w.Process(context.Background(), queue.Job{Payload: body})
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err))
}

func TestHistoryServedFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.AppendMessage(ctx, &store.Message{ID: "m1", RoomID: "R", SenderID: "A", Text: "hi", CreatedAt: time.Now()})
	require.NoError(t, err)

	first, err := f.history.GetMessages(ctx, "R", Filters{}, 20)
	require.NoError(t, err)
	second, err := f.history.GetMessages(ctx, "R", Filters{}, 20)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.store.queries.Load(), "second read must be a cache hit")

	// A different limit is a different key.
	_, err = f.history.GetMessages(ctx, "R", Filters{}, 50)
	require.NoError(t, err)
	assert.Equal(t, int32(2), f.store.queries.Load())
}

func TestHistorySenderFilterServedFromCacheUntilInvalidated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now().UTC()
	_, _, err := f.store.AppendMessage(ctx, &store.Message{ID: "m1", RoomID: "R", SenderID: "A", Text: "from a", CreatedAt: base})
	require.NoError(t, err)
	_, _, err = f.store.AppendMessage(ctx, &store.Message{ID: "m2", RoomID: "R", SenderID: "B", Text: "from b", CreatedAt: base.Add(time.Second)})
	require.NoError(t, err)

	byA := Filters{SenderID: "A"}
	first, err := f.history.GetMessages(ctx, "R", byA, 20)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "A", first[0].SenderID)

	second, err := f.history.GetMessages(ctx, "R", byA, 20)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), f.store.queries.Load(), "filtered read must be a cache hit")

	_, _, err = f.store.AppendMessage(ctx, &store.Message{ID: "m3", RoomID: "R", SenderID: "A", Text: "again", CreatedAt: base.Add(2 * time.Second)})
	require.NoError(t, err)
	removed, err := InvalidateRoom(ctx, f.cache, "R")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	third, err := f.history.GetMessages(ctx, "R", byA, 20)
	require.NoError(t, err)
	require.Len(t, third, 2)
	assert.Equal(t, "m3", third[0].ID)
	assert.Equal(t, int32(2), f.store.queries.Load())
}

func TestHistoryFillCannotOutliveInvalidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slow := &pausingLog{Store: f.store.Store, queried: make(chan struct{}), release: make(chan struct{})}
	reader := NewHistoryReader(slow, f.cache, HistoryOptions{}, nil)

	early := make(chan []store.Message, 1)
	go func() {
		msgs, err := reader.GetMessages(ctx, "R", Filters{}, 20)
		assert.NoError(t, err)
		early <- msgs
	}()
	select {
	case <-slow.queried:
	case <-time.After(2 * time.Second):
		t.Fatal("history query never started")
	}

	// The write and its invalidation land while the early read is still in flight.
	body, err := json.Marshal(SendMessagePayload{MessageID: "m1", SenderID: "A", RoomID: "R", Text: "hello", CreatedAt: time.Now().UTC()})
	require.NoError(t, err)
	_, err = f.worker.Process(ctx, queue.Job{ID: "job-1", Type: JobTypeSendMessage, Payload: body, Attempt: 1})
	require.NoError(t, err)

	close(slow.release)
	select {
	case msgs := <-early:
		assert.Empty(t, msgs, "the early read saw the room before the write")
	case <-time.After(2 * time.Second):
		t.Fatal("early read did not finish")
	}

	msgs, err := reader.GetMessages(ctx, "R", Filters{}, 20)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestHistoryCacheFailureFallsBackToLog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _, err := f.store.AppendMessage(ctx, &store.Message{ID: "m1", RoomID: "R", SenderID: "A", Text: "hi", CreatedAt: time.Now()})
	require.NoError(t, err)

	h := NewHistoryReader(f.store, brokenCache{}, HistoryOptions{}, nil)
	msgs, err := h.GetMessages(ctx, "R", Filters{}, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestHistoryLimitClamp(t *testing.T) {
	h := NewHistoryReader(nil, cache.NewMemory(), HistoryOptions{}, nil)
	assert.Equal(t, DefaultHistoryLimit, h.ClampLimit(0))
	assert.Equal(t, DefaultHistoryLimit, h.ClampLimit(-3))
	assert.Equal(t, 7, h.ClampLimit(7))
	assert.Equal(t, MaxHistoryLimit, h.ClampLimit(5000))
}

func TestCacheKeysShareRoomPrefix(t *testing.T) {
	yes := true
	before := &store.Cursor{CreatedAt: time.Unix(0, 42), ID: "m9"}

	k1 := CacheKey("room:1", Filters{}, 20)
	k2 := CacheKey("room:1", Filters{SenderID: "A", HasAttachment: &yes, Before: before}, 20)
	other := CacheKey("room:10", Filters{}, 20)

	prefix := RoomPrefix("room:1")
	assert.True(t, len(k1) > len(prefix) && k1[:len(prefix)] == prefix)
	assert.True(t, k2[:len(prefix)] == prefix)
	assert.NotEqual(t, k1, k2)
	assert.False(t, other[:len(prefix)] == prefix)
}

func TestDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t, "A", "R")
	_, _, err := f.store.AppendMessage(ctx, &store.Message{ID: "m1", RoomID: "R", SenderID: "A", Text: "oops", CreatedAt: time.Now()})
	require.NoError(t, err)

	msgs, err := f.service.History(ctx, "A", "R", Filters{}, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	assert.ErrorIs(t, f.service.DeleteMessage(ctx, "R", "m1", "B"), core.ErrForbidden)
	assert.ErrorIs(t, f.service.DeleteMessage(ctx, "R", "missing", "A"), core.ErrMessageNotFound)
	require.NoError(t, f.service.DeleteMessage(ctx, "R", "m1", "A"))
	require.NoError(t, f.service.DeleteMessage(ctx, "R", "m1", "A"), "deleting twice is a no-op")

	msgs, err = f.service.History(ctx, "A", "R", Filters{}, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	_, err = f.service.History(ctx, "B", "R", Filters{}, 0)
	assert.ErrorIs(t, err, core.ErrNotRoomMember)
}

func TestWorkerRunConsumesQueue(t *testing.T) {
	f := newFixture(t)
	f.connect(t, "A", "R")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx, 2) }()

	for _, text := range []string{"one", "two", "three"} {
		_, err := f.pipeline.Submit(ctx, "A", Submission{RoomID: "R", Text: text})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		msgs, err := f.store.Store.QueryMessages(ctx, "R", store.MessageQuery{}, 10)
		return err == nil && len(msgs) == 3
	}, 3*time.Second, 20*time.Millisecond)

	msgs, err := f.store.Store.QueryMessages(ctx, "R", store.MessageQuery{}, 10)
	require.NoError(t, err)
	assert.Equal(t, "three", msgs[0].Text)
	assert.Equal(t, "one", msgs[2].Text)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
