package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/tutorlink-realtime/internal/cache"
	"github.com/vovakirdan/tutorlink-realtime/internal/metrics"
	"github.com/vovakirdan/tutorlink-realtime/internal/store"
)

const (
	DefaultHistoryLimit = 20
	MaxHistoryLimit     = 100
	DefaultHistoryTTL   = 5 * time.Minute
)

// Filters narrows a history read.
type Filters struct {
	SenderID      string
	HasAttachment *bool
	Before        *store.Cursor
}

// HistoryOptions tunes the reader; zero values fall back to the defaults above.
type HistoryOptions struct {
	TTL          time.Duration
	DefaultLimit int
	MaxLimit     int
}

// HistoryReader serves room history from the cache, falling back to the log.
type HistoryReader struct {
	log    store.MessageLog
	cache  cache.Store
	opts   HistoryOptions
	logger *zerolog.Logger
}

// NewHistoryReader creates a cache-aside history reader.
func NewHistoryReader(log store.MessageLog, c cache.Store, opts HistoryOptions, logger *zerolog.Logger) *HistoryReader {
	if opts.TTL <= 0 {
		opts.TTL = DefaultHistoryTTL
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = MaxHistoryLimit
	}
	if opts.DefaultLimit <= 0 || opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = min(DefaultHistoryLimit, opts.MaxLimit)
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &HistoryReader{log: log, cache: c, opts: opts, logger: logger}
}

// RoomPrefix is the cache key prefix shared by every history entry of roomID.
func RoomPrefix(roomID string) string {
	return "history:" + url.QueryEscape(roomID) + ":"
}

// InvalidateRoom retires every cached history page of roomID. The generation is
// bumped before the delete so a read that queried the log earlier can only
// publish its page under a retired key.
func InvalidateRoom(ctx context.Context, c cache.Store, roomID string) (int, error) {
	if _, err := c.Bump(ctx, RoomPrefix(roomID)); err != nil {
		return 0, err
	}
	return c.DeleteByPrefix(ctx, RoomPrefix(roomID))
}

// CacheKey derives the cache key for one history query.
func CacheKey(roomID string, f Filters, limit int) string {
	v := url.Values{}
	if f.SenderID != "" {
		v.Set("sender", f.SenderID)
	}
	if f.HasAttachment != nil {
		v.Set("attach", strconv.FormatBool(*f.HasAttachment))
	}
	if f.Before != nil {
		v.Set("before", strconv.FormatInt(f.Before.CreatedAt.UnixNano(), 10))
		if f.Before.ID != "" {
			v.Set("beforeId", f.Before.ID)
		}
	}
	return RoomPrefix(roomID) + v.Encode() + ":" + strconv.Itoa(limit)
}

// ClampLimit applies the default and upper bound to a requested page size.
func (h *HistoryReader) ClampLimit(limit int) int {
	if limit <= 0 {
		return h.opts.DefaultLimit
	}
	return min(limit, h.opts.MaxLimit)
}

// GetMessages returns up to limit non-deleted messages of roomID, newest first.
// Cache failures are logged and treated as misses.
func (h *HistoryReader) GetMessages(ctx context.Context, roomID string, f Filters, limit int) ([]store.Message, error) {
	limit = h.ClampLimit(limit)
	logger := h.logger.With().Str("room_id", roomID).Logger()

	// Without a generation the cache is bypassed in both directions.
	gen, err := h.cache.Generation(ctx, RoomPrefix(roomID))
	cacheable := err == nil
	key := CacheKey(roomID, f, limit) + ":g" + strconv.FormatInt(gen, 10)
	if !cacheable {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Msg("history cache generation read failed")
	} else if data, err := h.cache.Get(ctx, key); err == nil {
		var cached []store.Message
		if jerr := json.Unmarshal(data, &cached); jerr == nil {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return cached, nil
		}
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn().Str("key", key).Msg("discarding undecodable history cache entry")
	} else if errors.Is(err, cache.ErrMiss) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		logger.Warn().Err(err).Str("key", key).Msg("history cache read failed")
	}

	start := time.Now()
	rows, err := h.log.QueryMessages(ctx, roomID, store.MessageQuery{
		SenderID:      f.SenderID,
		HasAttachment: f.HasAttachment,
		Before:        f.Before,
	}, limit)
	metrics.HistoryQueryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("query history for room %s: %w", roomID, err)
	}

	messages := make([]store.Message, 0, len(rows))
	for _, m := range rows {
		msg := *m
		msg.DedupKey = ""
		messages = append(messages, msg)
	}

	if !cacheable {
		return messages, nil
	}
	data, err := json.Marshal(messages)
	if err == nil {
		err = h.cache.Set(ctx, key, data, h.opts.TTL)
	}
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("history cache write failed")
	}

	return messages, nil
}
