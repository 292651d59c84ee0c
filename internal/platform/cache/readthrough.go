package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	populateTimeout = 3 * time.Second
	loadTimeout     = 15 * time.Second
)

// StatsRecorder receives cache outcome counts.
type StatsRecorder interface {
	CacheHit(entity string)
	CacheMiss(entity string)
	CacheError(op string)
}

// ReadThrough serves reads from Store and falls back to a loader on miss. Any Store
// failure degrades to a miss so that the source of truth keeps serving requests.
type ReadThrough struct {
	store  Store
	ttl    time.Duration
	logger *slog.Logger
	stats  StatsRecorder
	group  singleflight.Group
	wg     sync.WaitGroup
}

// NewReadThrough builds a ReadThrough. store may be nil, in which case every read misses.
func NewReadThrough(store Store, ttl time.Duration, logger *slog.Logger, stats StatsRecorder) *ReadThrough {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadThrough{store: store, ttl: ttl, logger: logger, stats: stats}
}

// Fetch returns the cached value at key or loads, returns and asynchronously caches it.
// entity labels the metrics. Concurrent misses on key share one load that outlives any
// single caller's cancellation. A load that overlaps an invalidation of one of key's
// prefixes is returned but never cached.
func Fetch[T any](ctx context.Context, r *ReadThrough, entity, key string, loader func(context.Context) (T, error)) (T, error) {
	var zero T
	if loader == nil {
		return zero, errors.New("platform/cache: loader required")
	}
	if r == nil || r.store == nil {
		return loader(ctx)
	}

	scopes := Scopes(key)
	gens, err := r.store.Generations(ctx, scopes)
	if err != nil {
		r.recordError("get")
		r.recordMiss(entity)
		r.logger.Warn("cache generations failed, reading source", slog.String("key", key), slog.Any("error", err))
		return loader(ctx)
	}

	payload, found, err := r.store.Get(ctx, key)
	switch {
	case err != nil:
		r.recordError("get")
		r.logger.Warn("cache get failed, reading source", slog.String("key", key), slog.Any("error", err))
	case found:
		var cached T
		if err := json.Unmarshal(payload, &cached); err == nil {
			r.recordHit(entity)
			return cached, nil
		}
		r.recordError("decode")
		r.logger.Warn("cache payload undecodable, reading source", slog.String("key", key))
	}
	r.recordMiss(entity)

	// Readers after an invalidation see a newer generation and start their own load.
	flight := key + "@" + generationTag(gens)
	ch := r.group.DoChan(flight, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		value, err := loader(loadCtx)
		if err != nil {
			return value, err
		}
		r.populate(loadCtx, key, value, scopes, gens)
		return value, nil
	})
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		value, _ := res.Val.(T)
		return value, nil
	}
}

// Invalidate removes every key under each prefix. Failures are logged and returned.
func (r *ReadThrough) Invalidate(ctx context.Context, prefixes ...string) error {
	if r == nil || r.store == nil {
		return nil
	}
	var errs []error
	for _, prefix := range prefixes {
		if err := r.store.InvalidatePrefix(ctx, prefix); err != nil {
			r.recordError("invalidate")
			r.logger.Warn("cache invalidation failed", slog.String("prefix", prefix), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until background cache population finishes.
func (r *ReadThrough) Wait() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *ReadThrough) populate(ctx context.Context, key string, value any, scopes []string, gens []int64) {
	raw, err := json.Marshal(value)
	if err != nil {
		r.recordError("encode")
		r.logger.Warn("cache encode failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	bg := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		setCtx, cancel := context.WithTimeout(bg, populateTimeout)
		defer cancel()
		stored, err := r.store.SetIfCurrent(setCtx, key, raw, r.ttl, scopes, gens)
		if err != nil {
			r.recordError("set")
			r.logger.Warn("cache populate failed", slog.String("key", key), slog.Any("error", err))
			return
		}
		if !stored {
			r.logger.Debug("cache populate skipped after invalidation", slog.String("key", key))
		}
	}()
}

func generationTag(gens []int64) string {
	parts := make([]string, len(gens))
	for i, g := range gens {
		parts[i] = strconv.FormatInt(g, 10)
	}
	return strings.Join(parts, ".")
}

func (r *ReadThrough) recordHit(entity string) {
	if r.stats != nil {
		r.stats.CacheHit(entity)
	}
}

func (r *ReadThrough) recordMiss(entity string) {
	if r.stats != nil {
		r.stats.CacheMiss(entity)
	}
}

func (r *ReadThrough) recordError(op string) {
	if r.stats != nil {
		r.stats.CacheError(op)
	}
}
