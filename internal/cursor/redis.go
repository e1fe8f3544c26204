package cursor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/flowsink/internal/models"
)

// RedisConfig configures the Redis cursor store.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// saveScript advances a partition's offset only when the new offset is greater.
// KEYS[1] offsets hash, KEYS[2] timestamps hash; ARGV partition, offset, unix millis.
var saveScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// RedisStore keeps cursors in two hashes per topic keyed by partition.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.KeyPrefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowsink"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) offsetsKey(topic string) string {
	return fmt.Sprintf("%s:cursors:%s", s.prefix, topic)
}

func (s *RedisStore) updatedKey(topic string) string {
	return fmt.Sprintf("%s:cursors:%s:updated", s.prefix, topic)
}

func (s *RedisStore) Load(ctx context.Context, topic string, partition int32) (models.CommitCursor, bool, error) {
	field := strconv.FormatInt(int64(partition), 10)

	raw, err := s.client.HGet(ctx, s.offsetsKey(topic), field).Result()
	if errors.Is(err, redis.Nil) {
		return models.CommitCursor{}, false, nil
	}
	if err != nil {
		return models.CommitCursor{}, false, fmt.Errorf("failed to load cursor: %w", err)
	}

	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return models.CommitCursor{}, false, fmt.Errorf("corrupt cursor for partition %d: %w", partition, err)
	}

	c := models.CommitCursor{Topic: topic, Partition: partition, Offset: offset}
	if ms, err := s.client.HGet(ctx, s.updatedKey(topic), field).Int64(); err == nil {
		c.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return c, true, nil
}

func (s *RedisStore) Save(ctx context.Context, c models.CommitCursor) error {
	keys := []string{s.offsetsKey(c.Topic), s.updatedKey(c.Topic)}
	applied, err := saveScript.Run(ctx, s.client, keys,
		strconv.FormatInt(int64(c.Partition), 10),
		strconv.FormatInt(c.Offset, 10),
		c.UpdatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to save cursor: %w", err)
	}
	if applied == 0 {
		return fmt.Errorf("%w: partition %d offset %d", ErrStaleOffset, c.Partition, c.Offset)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, topic string) ([]models.CommitCursor, error) {
	offsets, err := s.client.HGetAll(ctx, s.offsetsKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cursors: %w", err)
	}
	updated, err := s.client.HGetAll(ctx, s.updatedKey(topic)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cursor timestamps: %w", err)
	}

	out := make([]models.CommitCursor, 0, len(offsets))
	for field, raw := range offsets {
		partition, err := strconv.ParseInt(field, 10, 32)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		c := models.CommitCursor{Topic: topic, Partition: int32(partition), Offset: offset}
		if ms, err := strconv.ParseInt(updated[field], 10, 64); err == nil {
			c.UpdatedAt = time.UnixMilli(ms).UTC()
		}
		out = append(out, c)
	}
	sortCursors(out)
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
