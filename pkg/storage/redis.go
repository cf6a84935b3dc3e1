package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/redis/go-redis/v9"

	"github.com/raterudder/mobilelink/pkg/log"
	"github.com/raterudder/mobilelink/pkg/types"
)

const (
	defaultRedisDialTimeout = 5 * time.Second
)

// RedisProvider implements the Database interface on Redis. Entries are JSON
// strings under "{prefix}:entry:{id}", the ids are kept in the
// "{prefix}:entries" set and readings in the "{prefix}:readings:{id}" hash
// keyed by apparatus id.
type RedisProvider struct {
	client *redis.Client
	url    string
	prefix string
}

// configuredRedis sets up the Redis provider.
// It registers flags for configuration.
func configuredRedis() *RedisProvider {
	redisURL := lflag.String("redis-url", "redis://localhost:6379/0", "Redis URL used when storage-provider is redis")
	prefix := lflag.String("redis-prefix", "mobilelink", "Prefix for every Redis key")

	r := &RedisProvider{}
	lflag.Do(func() {
		r.url = *redisURL
		r.prefix = *prefix
	})
	return r
}

// NewRedis returns a provider over an existing client.
func NewRedis(client *redis.Client, prefix string) *RedisProvider {
	return &RedisProvider{client: client, prefix: prefix}
}

// Validate checks if the provider is properly configured.
func (r *RedisProvider) Validate() error {
	if r.url == "" {
		return errors.New("redis-url is required")
	}
	if r.prefix == "" {
		return errors.New("redis-prefix is required")
	}
	if _, err := redis.ParseURL(r.url); err != nil {
		return fmt.Errorf("failed to parse redis-url: %w", err)
	}
	return nil
}

// Init connects to Redis and validates the connection with PING.
func (r *RedisProvider) Init(ctx context.Context) error {
	opts, err := redis.ParseURL(r.url)
	if err != nil {
		return fmt.Errorf("failed to parse redis-url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = defaultRedisDialTimeout
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to ping redis at %s: %w", opts.Addr, err)
	}
	r.client = client
	return nil
}

// Close closes the Redis client.
func (r *RedisProvider) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *RedisProvider) entryKey(entryID string) string {
	return r.prefix + ":entry:" + entryID
}

func (r *RedisProvider) entriesKey() string {
	return r.prefix + ":entries"
}

func (r *RedisProvider) readingsKey(entryID string) string {
	return r.prefix + ":readings:" + entryID
}

// GetEntry implements Database.
func (r *RedisProvider) GetEntry(ctx context.Context, entryID string) (types.Entry, error) {
	if err := requireID(entryID); err != nil {
		return types.Entry{}, err
	}
	b, err := r.client.Get(ctx, r.entryKey(entryID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return types.Entry{}, fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
		}
		return types.Entry{}, fmt.Errorf("failed to get entry %s: %w", entryID, err)
	}
	var e types.Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return types.Entry{}, fmt.Errorf("failed to unmarshal entry %s: %w", entryID, err)
	}
	return e, nil
}

// ListEntries implements Database. Entries are sorted by ID.
func (r *RedisProvider) ListEntries(ctx context.Context) ([]types.Entry, error) {
	ids, err := r.client.SMembers(ctx, r.entriesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.entryKey(id)
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get entries: %w", err)
	}

	entries := make([]types.Entry, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// a missing key comes back nil
			log.Ctx(ctx).WarnContext(ctx, "entry listed but missing", slog.String("entryID", ids[i]))
			continue
		}
		var e types.Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal entry", slog.String("entryID", ids[i]), slog.Any("err", err))
			continue
		}
		entries = append(entries, e)
	}
	sortEntries(entries)
	return entries, nil
}

// CreateEntry implements Database.
func (r *RedisProvider) CreateEntry(ctx context.Context, entry types.Entry) error {
	if err := requireID(entry.ID); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	ok, err := r.client.SetNX(ctx, r.entryKey(entry.ID), b, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create entry %s: %w", entry.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryExists, entry.ID)
	}
	if err := r.client.SAdd(ctx, r.entriesKey(), entry.ID).Err(); err != nil {
		return fmt.Errorf("failed to index entry %s: %w", entry.ID, err)
	}
	return nil
}

// UpdateEntry implements Database.
func (r *RedisProvider) UpdateEntry(ctx context.Context, entry types.Entry) error {
	if err := requireID(entry.ID); err != nil {
		return err
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry %s: %w", entry.ID, err)
	}
	ok, err := r.client.SetXX(ctx, r.entryKey(entry.ID), b, redis.KeepTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to update entry %s: %w", entry.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entry.ID)
	}
	return nil
}

// DeleteEntry implements Database.
func (r *RedisProvider) DeleteEntry(ctx context.Context, entryID string) error {
	if err := requireID(entryID); err != nil {
		return err
	}
	var del *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		del = pipe.Del(ctx, r.entryKey(entryID))
		pipe.Del(ctx, r.readingsKey(entryID))
		pipe.SRem(ctx, r.entriesKey(), entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entryID, err)
	}
	if del.Val() == 0 {
		return fmt.Errorf("%w: %s", ErrEntryNotFound, entryID)
	}
	return nil
}

// UpsertReadings implements Database.
func (r *RedisProvider) UpsertReadings(ctx context.Context, entryID string, readings []types.TankReading) error {
	if err := requireID(entryID); err != nil {
		return err
	}
	if len(readings) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(readings))
	for _, tr := range readings {
		b, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("failed to marshal reading %d: %w", tr.Tank.ApparatusID, err)
		}
		fields[readingDocID(tr.Tank.ApparatusID)] = string(b)
	}
	if err := r.client.HSet(ctx, r.readingsKey(entryID), fields).Err(); err != nil {
		return fmt.Errorf("failed to upsert readings of %s: %w", entryID, err)
	}
	return nil
}

// GetReadings implements Database.
func (r *RedisProvider) GetReadings(ctx context.Context, entryID string) ([]types.TankReading, error) {
	if err := requireID(entryID); err != nil {
		return nil, err
	}
	all, err := r.client.HGetAll(ctx, r.readingsKey(entryID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get readings of %s: %w", entryID, err)
	}
	readings := make([]types.TankReading, 0, len(all))
	for field, v := range all {
		var tr types.TankReading
		if err := json.Unmarshal([]byte(v), &tr); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal reading", slog.String("entryID", entryID), slog.String("field", field), slog.Any("err", err))
			continue
		}
		readings = append(readings, tr)
	}
	sortReadings(readings)
	return readings, nil
}
