package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"raffler/domain/entities"
	"raffler/domain/interfaces"
)

// putViewScript writes a view into its bucket unless a newer version is cached.
// KEYS: target bucket, other bucket, versions hash. ARGV: raffle id, version, view json.
var putViewScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[3], ARGV[1])
if current and tonumber(current) > tonumber(ARGV[2]) then
  return 0
end
redis.call("HDEL", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[1], ARGV[1], ARGV[3])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
return 1
`)

// RedisSnapshotStore keeps the raffle cache in Redis hashes so every process shares one view
type RedisSnapshotStore struct {
	client redis.UniversalClient
	prefix string
}

var _ interfaces.RaffleSnapshotStore = (*RedisSnapshotStore)(nil)

// NewRedisSnapshotStore creates a store using keys under prefix
func NewRedisSnapshotStore(client redis.UniversalClient, prefix string) *RedisSnapshotStore {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "raffler:raffles"
	}
	return &RedisSnapshotStore{client: client, prefix: prefix}
}

func (s *RedisSnapshotStore) bucketKey(bucket entities.Bucket) string {
	return fmt.Sprintf("%s:%s", s.prefix, bucket)
}

func (s *RedisSnapshotStore) otherBucketKey(bucket entities.Bucket) string {
	if bucket == entities.BucketActive {
		return s.bucketKey(entities.BucketEnded)
	}
	return s.bucketKey(entities.BucketActive)
}

func (s *RedisSnapshotStore) versionsKey() string {
	return s.prefix + ":versions"
}

func (s *RedisSnapshotStore) builtKey() string {
	return s.prefix + ":built"
}

func (s *RedisSnapshotStore) IsBuilt(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.builtKey()).Result()
	if err != nil {
		return false, fmt.Errorf("failed to read cache marker: %w", err)
	}
	return n == 1, nil
}

func (s *RedisSnapshotStore) Replace(ctx context.Context, snapshot *entities.CacheSnapshot) error {
	for i := range snapshot.Active {
		if _, err := s.Put(ctx, &snapshot.Active[i], entities.BucketActive); err != nil {
			return err
		}
	}
	for i := range snapshot.Ended {
		if _, err := s.Put(ctx, &snapshot.Ended[i], entities.BucketEnded); err != nil {
			return err
		}
	}
	if err := s.client.Set(ctx, s.builtKey(), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to mark cache built: %w", err)
	}
	return nil
}

func (s *RedisSnapshotStore) Put(ctx context.Context, view *entities.RaffleView, bucket entities.Bucket) (bool, error) {
	data, err := json.Marshal(view)
	if err != nil {
		return false, fmt.Errorf("failed to marshal raffle view: %w", err)
	}
	keys := []string{s.bucketKey(bucket), s.otherBucketKey(bucket), s.versionsKey()}
	written, err := putViewScript.Run(ctx, s.client, keys, view.ID, view.Version, data).Int()
	if err != nil {
		return false, fmt.Errorf("failed to write raffle view %s: %w", view.ID, err)
	}
	return written == 1, nil
}

func (s *RedisSnapshotStore) Get(ctx context.Context, id uuid.UUID, bucket entities.Bucket) (*entities.RaffleView, error) {
	raw, err := s.client.HGet(ctx, s.bucketKey(bucket), id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read raffle view %s: %w", id, err)
	}
	var view entities.RaffleView
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("failed to decode raffle view %s: %w", id, err)
	}
	return &view, nil
}

func (s *RedisSnapshotStore) Remove(ctx context.Context, id uuid.UUID, bucket entities.Bucket) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.bucketKey(bucket), id.String())
		pipe.HDel(ctx, s.versionsKey(), id.String())
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove raffle view %s: %w", id, err)
	}
	return nil
}

func (s *RedisSnapshotStore) Snapshot(ctx context.Context) (*entities.CacheSnapshot, error) {
	active, err := s.readBucket(ctx, entities.BucketActive)
	if err != nil {
		return nil, err
	}
	ended, err := s.readBucket(ctx, entities.BucketEnded)
	if err != nil {
		return nil, err
	}
	return &entities.CacheSnapshot{Active: active, Ended: ended}, nil
}

func (s *RedisSnapshotStore) readBucket(ctx context.Context, bucket entities.Bucket) ([]entities.RaffleView, error) {
	raw, err := s.client.HGetAll(ctx, s.bucketKey(bucket)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s bucket: %w", bucket, err)
	}
	views := make([]entities.RaffleView, 0, len(raw))
	for id, data := range raw {
		var view entities.RaffleView
		if err := json.Unmarshal([]byte(data), &view); err != nil {
			return nil, fmt.Errorf("failed to decode raffle view %s: %w", id, err)
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *RedisSnapshotStore) Clear(ctx context.Context) error {
	keys := []string{
		s.builtKey(),
		s.bucketKey(entities.BucketActive),
		s.bucketKey(entities.BucketEnded),
		s.versionsKey(),
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to clear raffle cache: %w", err)
	}
	return nil
}
