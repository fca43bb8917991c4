package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"modelref/internal/core"
	"modelref/internal/modeldata"
	"modelref/internal/observability"
)

// RedisName is the adapter name used in logs, metrics and errors.
const RedisName = "redis"

const (
	// DefaultRedisKeyPrefix namespaces every key and channel the adapter uses.
	DefaultRedisKeyPrefix = "horde:model_ref"

	// brotliMarker prefixes compressed values. Plain values are JSON objects
	// and always start with '{'.
	brotliMarker byte = 0x01

	scopeV2  = "v2"
	scopeAll = "all"
)

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	// URL is used when Client is nil, e.g. "redis://localhost:6379/0".
	URL    string
	Client *redis.Client
	// KeyPrefix defaults to DefaultRedisKeyPrefix.
	KeyPrefix string
	// TTL of zero stores keys without expiry.
	TTL      time.Duration
	PoolSize int
	// UsePubSub broadcasts invalidations to other instances sharing the server.
	UsePubSub bool
	// CompressThreshold is the value size in bytes above which values are
	// brotli-compressed. Zero disables compression.
	CompressThreshold int
	// File is the filesystem adapter behind the cache.
	File   *FileSystem
	Logger *slog.Logger
}

// Redis is a primary backend for multi-instance deployments: the Redis server
// is the shared cache and the wrapped FileSystem adapter is the source of
// truth behind it. The adapter keeps no local copy of cached payloads.
type Redis struct {
	base   *Base
	client *redis.Client
	owned  bool
	file   *FileSystem

	prefix     string
	ttl        time.Duration
	compressAt int
	pubsub     bool
	instanceID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type invalidationMessage struct {
	Origin   string        `json:"origin"`
	Category core.Category `json:"category"`
	Scope    string        `json:"scope"`
}

// NewRedis connects to Redis, verifies the connection and starts the
// invalidation subscriber when pub/sub is enabled.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.File == nil {
		return nil, core.NewConfigurationError("redis backend requires a filesystem backend", nil)
	}
	if cfg.TTL < 0 {
		return nil, core.NewConfigurationError(fmt.Sprintf("invalid redis ttl %s: must not be negative", cfg.TTL), nil)
	}
	if cfg.CompressThreshold < 0 {
		return nil, core.NewConfigurationError("redis compress threshold must not be negative", nil)
	}

	client, owned := cfg.Client, false
	if client == nil {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, core.NewConfigurationError("invalid redis URL", err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		client, owned = redis.NewClient(opts), true
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if owned {
			_ = client.Close()
		}
		return nil, core.NewConfigurationError("failed to connect to redis", err)
	}

	base, err := NewBase(BaseConfig{Name: RedisName, Unlocked: true, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	r := &Redis{
		base:       base,
		client:     client,
		owned:      owned,
		file:       cfg.File,
		prefix:     prefix,
		ttl:        cfg.TTL,
		compressAt: cfg.CompressThreshold,
		pubsub:     cfg.UsePubSub,
		instanceID: uuid.NewString(),
	}

	if r.pubsub {
		subCtx, stop := context.WithCancel(context.Background())
		r.cancel = stop
		sub := client.Subscribe(subCtx, r.channel())
		// wait for the subscription so no invalidation published after
		// construction is missed
		if _, err := sub.Receive(pingCtx); err != nil {
			stop()
			_ = sub.Close()
			if owned {
				_ = client.Close()
			}
			return nil, core.NewConfigurationError("failed to subscribe to redis invalidations", err)
		}
		r.wg.Add(1)
		go r.listen(subCtx, sub)
	}

	base.Logger().Info("redis backend connected", "prefix", prefix, "ttl", r.ttl, "pubsub", r.pubsub)
	return r, nil
}

// Name implements Backend.
func (r *Redis) Name() string { return RedisName }

// Mode implements Backend.
func (r *Redis) Mode() ReplicateMode { return ModePrimary }

// Capabilities implements Backend.
func (r *Redis) Capabilities() Capabilities {
	return Capabilities{
		Writes:       true,
		LegacyWrites: true,
		CacheWarming: true,
		HealthChecks: true,
		Statistics:   true,
	}
}

// OnInvalidate implements Backend.
func (r *Redis) OnInvalidate(fn func(core.Category)) { r.base.OnInvalidate(fn) }

func (r *Redis) key(c core.Category) string       { return r.prefix + ":category:" + string(c) }
func (r *Redis) legacyKey(c core.Category) string { return r.prefix + ":legacy:" + string(c) }
func (r *Redis) channel() string                  { return r.prefix + ":invalidate" }

// FetchCategory serves from Redis, filling misses from the filesystem.
// Redis errors degrade to reading the file directly.
//
// Hits are served without the adapter lock. A fill holds it from the file
// read to the SET, and writes hold it from the file write to the DEL, so a
// fill never stores a payload older than a write that already returned.
func (r *Redis) FetchCategory(ctx context.Context, c core.Category, forceRefresh bool) core.Payload {
	if !c.Valid() {
		r.base.Logger().Warn("unknown category requested", "category", c)
		return nil
	}
	if !forceRefresh {
		if payload, ok := r.cached(ctx, c); ok {
			return payload
		}
	}

	r.base.Lock()
	defer r.base.Unlock()
	if !forceRefresh {
		// another fill may have completed while waiting for the lock
		if payload, ok := r.cached(ctx, c); ok {
			return payload
		}
	}

	payload := r.file.FetchCategory(ctx, c, forceRefresh)
	if payload == nil {
		observability.FetchesTotal.WithLabelValues(RedisName, observability.FormatV2, string(c), observability.ResultFailed).Inc()
		r.del(ctx, r.key(c))
		return nil
	}
	observability.FetchesTotal.WithLabelValues(RedisName, observability.FormatV2, string(c), observability.ResultFetched).Inc()
	data, err := json.Marshal(payload)
	if err == nil {
		r.set(ctx, r.key(c), data, c)
	}
	return payload
}

func (r *Redis) cached(ctx context.Context, c core.Category) (core.Payload, bool) {
	raw, ok := r.get(ctx, r.key(c), c)
	if !ok {
		return nil, false
	}
	payload, err := modeldata.Parse(raw)
	if err != nil {
		r.base.Logger().Warn("discarding malformed redis value", "category", c, "error", err)
		r.del(ctx, r.key(c))
		return nil, false
	}
	observability.FetchesTotal.WithLabelValues(RedisName, observability.FormatV2, string(c), observability.ResultHit).Inc()
	return payload, true
}

// FetchAllCategories implements Reader.
func (r *Redis) FetchAllCategories(ctx context.Context, forceRefresh bool) map[core.Category]core.Payload {
	return fetchAll(ctx, r, forceRefresh)
}

// FetchCategoryAsync implements Reader.
func (r *Redis) FetchCategoryAsync(ctx context.Context, c core.Category, forceRefresh bool) <-chan core.Payload {
	return Async(ctx, r.base, func() core.Payload { return r.FetchCategory(ctx, c, forceRefresh) })
}

// FetchAllCategoriesAsync implements Reader.
func (r *Redis) FetchAllCategoriesAsync(ctx context.Context, forceRefresh bool) <-chan map[core.Category]core.Payload {
	return fetchAllAsync(ctx, r, forceRefresh)
}

// NeedsRefresh reports the wrapped file adapter's view; expired Redis keys
// are indistinguishable from keys never written.
func (r *Redis) NeedsRefresh(c core.Category) bool { return r.file.NeedsRefresh(c) }

// MarkStale drops the cached key, invalidates the file adapter and tells
// other instances to do the same.
func (r *Redis) MarkStale(c core.Category) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.base.Lock()
	r.del(ctx, r.key(c))
	r.file.Invalidate(c)
	r.base.Unlock()
	r.publish(ctx, c, scopeV2)
	r.base.notify(c)
}

// LegacyJSON implements Reader.
func (r *Redis) LegacyJSON(ctx context.Context, c core.Category, redownload bool) core.Payload {
	raw, ok := r.LegacyJSONString(ctx, c, redownload)
	if !ok {
		return nil
	}
	payload, err := modeldata.Parse([]byte(raw))
	if err != nil {
		return nil
	}
	return payload
}

// LegacyJSONString stores the file's exact text in Redis.
func (r *Redis) LegacyJSONString(ctx context.Context, c core.Category, redownload bool) (string, bool) {
	if !c.Valid() {
		return "", false
	}
	if !redownload {
		if raw, ok := r.cachedLegacy(ctx, c); ok {
			return raw, true
		}
	}

	r.base.Lock()
	defer r.base.Unlock()
	if !redownload {
		if raw, ok := r.cachedLegacy(ctx, c); ok {
			return raw, true
		}
	}
	raw, ok := r.file.LegacyJSONString(ctx, c, redownload)
	if !ok {
		r.del(ctx, r.legacyKey(c))
		return "", false
	}
	r.set(ctx, r.legacyKey(c), []byte(raw), c)
	return raw, true
}

func (r *Redis) cachedLegacy(ctx context.Context, c core.Category) (string, bool) {
	raw, ok := r.get(ctx, r.legacyKey(c), c)
	if !ok {
		return "", false
	}
	observability.FetchesTotal.WithLabelValues(RedisName, observability.FormatLegacy, string(c), observability.ResultHit).Inc()
	return string(raw), true
}

// LegacyJSONAsync implements Reader.
func (r *Redis) LegacyJSONAsync(ctx context.Context, c core.Category, redownload bool) <-chan core.Payload {
	return Async(ctx, r.base, func() core.Payload { return r.LegacyJSON(ctx, c, redownload) })
}

// LegacyJSONStringAsync implements Reader.
func (r *Redis) LegacyJSONStringAsync(ctx context.Context, c core.Category, redownload bool) <-chan LegacyString {
	return Async(ctx, r.base, func() LegacyString {
		raw, ok := r.LegacyJSONString(ctx, c, redownload)
		return LegacyString{Raw: raw, OK: ok}
	})
}

// UpdateModel implements Writer.
func (r *Redis) UpdateModel(ctx context.Context, c core.Category, name string, record core.Record) error {
	return r.write(ctx, c, func() error { return r.file.UpdateModel(ctx, c, name, record) })
}

// DeleteModel implements Writer.
func (r *Redis) DeleteModel(ctx context.Context, c core.Category, name string) error {
	return r.write(ctx, c, func() error { return r.file.DeleteModel(ctx, c, name) })
}

// UpdateModelLegacy implements LegacyWriter.
func (r *Redis) UpdateModelLegacy(ctx context.Context, c core.Category, name string, record core.Record) error {
	return r.write(ctx, c, func() error { return r.file.UpdateModelLegacy(ctx, c, name, record) })
}

// DeleteModelLegacy implements LegacyWriter.
func (r *Redis) DeleteModelLegacy(ctx context.Context, c core.Category, name string) error {
	return r.write(ctx, c, func() error { return r.file.DeleteModelLegacy(ctx, c, name) })
}

// write applies fn to the file and drops both keys under the adapter lock.
// Other instances and callbacks are told once the lock is released.
func (r *Redis) write(ctx context.Context, c core.Category, fn func() error) error {
	r.base.Lock()
	if err := fn(); err != nil {
		r.base.Unlock()
		return err
	}
	r.del(ctx, r.key(c), r.legacyKey(c))
	r.base.Unlock()

	r.publish(ctx, c, scopeAll)
	r.base.notify(c)
	return nil
}

// WarmCache implements Maintainer.
func (r *Redis) WarmCache(ctx context.Context) error {
	return warmAll(ctx, r, r.base.Logger())
}

// WarmCacheAsync implements Maintainer.
func (r *Redis) WarmCacheAsync(ctx context.Context) <-chan error {
	return Async(ctx, r.base, func() error { return r.WarmCache(ctx) })
}

// HealthCheck pings Redis and checks the file adapter.
func (r *Redis) HealthCheck(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return core.NewTransientError(RedisName, "", err)
	}
	return r.file.HealthCheck(ctx)
}

// Statistics reports key counts and keyspace hit rates from Redis.
func (r *Redis) Statistics(ctx context.Context) (map[string]any, error) {
	stats := map[string]any{
		"backend":     RedisName,
		"key_prefix":  r.prefix,
		"ttl_seconds": r.ttl.Seconds(),
		"pubsub":      r.pubsub,
	}

	dbSize, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return nil, core.NewTransientError(RedisName, "", err)
	}
	stats["db_size"] = dbSize

	var keys int
	iter := r.client.Scan(ctx, 0, r.prefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		keys++
	}
	if err := iter.Err(); err != nil {
		return nil, core.NewTransientError(RedisName, "", err)
	}
	stats["cached_keys"] = keys

	info, err := r.client.Info(ctx, "stats").Result()
	if err != nil {
		return nil, core.NewTransientError(RedisName, "", err)
	}
	hits, misses := parseKeyspaceStats(info)
	stats["keyspace_hits"] = hits
	stats["keyspace_misses"] = misses
	if total := hits + misses; total > 0 {
		stats["hit_rate"] = float64(hits) / float64(total)
	}

	if fileStats, err := r.file.Statistics(ctx); err == nil {
		stats["filesystem"] = fileStats
	}
	return stats, nil
}

// Close stops the subscriber and closes the client if the adapter opened it.
func (r *Redis) Close() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	var errs []error
	if r.owned {
		if err := r.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if err := r.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("filesystem close: %w", err))
	}
	return errors.Join(errs...)
}

func (r *Redis) get(ctx context.Context, key string, c core.Category) ([]byte, bool) {
	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.base.Logger().Warn("redis get failed", "category", c, "key", key, "error", err)
		}
		return nil, false
	}
	raw, err := r.decode(data)
	if err != nil {
		r.base.Logger().Warn("failed to decode redis value", "category", c, "key", key, "error", err)
		return nil, false
	}
	return raw, true
}

func (r *Redis) set(ctx context.Context, key string, raw []byte, c core.Category) {
	data, err := r.encode(raw)
	if err != nil {
		r.base.Logger().Warn("failed to encode redis value", "category", c, "error", err)
		return
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		r.base.Logger().Warn("redis set failed", "category", c, "key", key, "error", err)
	}
}

func (r *Redis) del(ctx context.Context, keys ...string) {
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		r.base.Logger().Warn("redis delete failed", "keys", keys, "error", err)
	}
}

func (r *Redis) encode(raw []byte) ([]byte, error) {
	if r.compressAt == 0 || len(raw) <= r.compressAt {
		return raw, nil
	}
	var buf bytes.Buffer
	buf.WriteByte(brotliMarker)
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (r *Redis) decode(data []byte) ([]byte, error) {
	if len(data) == 0 || data[0] != brotliMarker {
		return data, nil
	}
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data[1:])))
}

func (r *Redis) publish(ctx context.Context, c core.Category, scope string) {
	if !r.pubsub {
		return
	}
	msg, err := json.Marshal(invalidationMessage{Origin: r.instanceID, Category: c, Scope: scope})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(), msg).Err(); err != nil {
		r.base.Logger().Warn("failed to publish invalidation", "category", c, "error", err)
	}
}

func (r *Redis) listen(ctx context.Context, sub *redis.PubSub) {
	defer r.wg.Done()
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			r.applyInvalidation(m.Payload)
		}
	}
}

// applyInvalidation handles a message from another instance. The publisher
// already removed the Redis keys; only local state needs dropping.
func (r *Redis) applyInvalidation(payload string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.base.Logger().Warn("ignoring malformed invalidation", "error", err)
		return
	}
	if msg.Origin == r.instanceID || !msg.Category.Valid() {
		return
	}
	r.file.Invalidate(msg.Category)
	if msg.Scope == scopeAll {
		r.file.InvalidateLegacy(msg.Category)
	}
	r.base.Logger().Debug("applied remote invalidation", "category", msg.Category, "scope", msg.Scope)
	r.base.notify(msg.Category)
}

// parseKeyspaceStats extracts keyspace_hits and keyspace_misses from INFO output.
func parseKeyspaceStats(info string) (hits, misses int64) {
	scanner := bufio.NewScanner(strings.NewReader(info))
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), ":")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "keyspace_hits":
			hits = n
		case "keyspace_misses":
			misses = n
		}
	}
	return hits, misses
}
