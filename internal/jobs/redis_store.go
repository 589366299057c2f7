package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "ocjob:"
	redisIndexKey      = "index"
	maxWatchRetries    = 100
)

// RedisStore はジョブ状態を Redis に保存します。
// レコードは {prefix}{id} に JSON で、一覧は {prefix}index の sorted set（スコアは updatedAt）で管理します。
type RedisStore struct {
	cfg    storeConfig
	rdb    *redis.Client
	prefix string
}

// NewRedisStore は RedisStore を作成します。prefix が空の場合は "ocjob:" を使います。
func NewRedisStore(rdb *redis.Client, prefix string, opts ...StoreOption) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{
		cfg:    newStoreConfig(opts),
		rdb:    rdb,
		prefix: prefix,
	}
}

// Create はジョブを queued で作成します。
func (s *RedisStore) Create(ctx context.Context, in NewJob) (*Record, error) {
	record := s.cfg.newRecord(in)
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if _, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.jobKey(record.ID), payload, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: indexScore(record), Member: record.ID})
		return nil
	}); err != nil {
		return nil, err
	}
	if err := s.trim(ctx); err != nil {
		return nil, err
	}
	return record, nil
}

// Get はジョブ情報を取得します。
func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Update は WATCH で楽観ロックを取りながらジョブ情報を書き換えます。
func (s *RedisStore) Update(ctx context.Context, id string, mutate Mutator) (*Record, error) {
	key := s.jobKey(id)
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		var out *Record
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					out = nil
					return nil
				}
				return err
			}
			var current Record
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			next, changed := s.cfg.applyMutator(&current, mutate)
			if !changed {
				out = next
				return nil
			}
			payload, err := json.Marshal(next)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, 0)
				pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: indexScore(next), Member: id})
				return nil
			})
			out = next
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("job update conflicted too many times: %s", id)
}

// List は updatedAt が新しい順にジョブを返します。
func (s *RedisStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 || limit > MaxRetainedJobs {
		limit = MaxRetainedJobs
	}
	ids, err := s.rdb.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []*Record{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var record Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, err
		}
		out = append(out, &record)
	}
	return out, nil
}

// Close は Redis クライアントを閉じます。
func (s *RedisStore) Close() error { return s.rdb.Close() }

// trim は保持上限を超えた古いジョブを削除します。
func (s *RedisStore) trim(ctx context.Context) error {
	count, err := s.rdb.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}
	excess := count - MaxRetainedJobs
	if excess <= 0 {
		return nil
	}
	ids, err := s.rdb.ZRange(ctx, s.indexKey(), 0, excess-1).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = s.jobKey(id)
		members[i] = id
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	return err
}

func (s *RedisStore) jobKey(id string) string {
	return s.prefix + id
}

func (s *RedisStore) indexKey() string {
	return s.prefix + redisIndexKey
}

func indexScore(r *Record) float64 {
	return float64(r.UpdatedAt.UnixMilli())
}
