package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisLedgerMaxRetries = 5

// RedisLedger 台账存于一个 Redis hash，field 为源标识
type RedisLedger struct {
	client *redis.Client
	key    string
}

// RedisLedgerOptions Redis台账配置
type RedisLedgerOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string
}

// NewRedisLedger 连接 Redis 并校验连通性
func NewRedisLedger(ctx context.Context, opts RedisLedgerOptions) (*RedisLedger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLedgerWithClient(rdb, opts.Key), nil
}

// NewRedisLedgerWithClient 使用已有客户端
func NewRedisLedgerWithClient(client *redis.Client, key string) *RedisLedger {
	if key == "" {
		key = "rag:ledger"
	}
	return &RedisLedger{client: client, key: key}
}

func (r *RedisLedger) Get(ctx context.Context, sourceID string) (Entry, bool, error) {
	raw, err := r.client.HGet(ctx, r.key, sourceID).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("read ledger entry %s: %w", sourceID, err)
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode ledger entry %s: %w", sourceID, err)
	}
	return e, true, nil
}

// Update 使用 WATCH/MULTI 乐观锁，冲突时重试
func (r *RedisLedger) Update(ctx context.Context, sourceID string, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		var prev Entry
		raw, err := tx.HGet(ctx, r.key, sourceID).Bytes()
		found := err == nil
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if found {
			if err := json.Unmarshal(raw, &prev); err != nil {
				return fmt.Errorf("decode ledger entry %s: %w", sourceID, err)
			}
		}

		next, err := fn(prev, found)
		if err != nil {
			return err
		}
		next.SourceID = sourceID
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, r.key, sourceID, data)
			return nil
		})
		return err
	}

	for i := 0; i < redisLedgerMaxRetries; i++ {
		err := r.client.Watch(ctx, txf, r.key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update ledger entry %s: too many concurrent writers", sourceID)
}

func (r *RedisLedger) List(ctx context.Context) ([]Entry, error) {
	all, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list ledger: %w", err)
	}
	out := make([]Entry, 0, len(all))
	for id, raw := range all {
		var e Entry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode ledger entry %s: %w", id, err)
		}
		out = append(out, e)
	}
	sortEntries(out)
	return out, nil
}

func (r *RedisLedger) Close() error {
	return r.client.Close()
}
