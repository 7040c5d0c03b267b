package history

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rotisserie/eris"

	"github.com/fractal-lba/creditscore/internal/api"
)

// DefaultRedisKey is the list holding serialized records, newest at index 0.
const DefaultRedisKey = "creditscore:history"

// RedisStore keeps history in a Redis list trimmed on every push.
type RedisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr, password string, db int, key string) (*RedisStore, error) {
	if key == "" {
		key = DefaultRedisKey
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, eris.Wrapf(err, "redis: connect %s", addr)
	}
	return &RedisStore{client: client, key: key}, nil
}

// Append pushes and trims inside MULTI/EXEC.
func (r *RedisStore) Append(ctx context.Context, rec api.HistoryRecord, limit int) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "redis: marshal record")
	}
	_, err = r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, r.key, data)
		p.LTrim(ctx, r.key, 0, int64(limit-1))
		return nil
	})
	return eris.Wrap(err, "redis: push record")
}

func (r *RedisStore) Load(ctx context.Context, limit int) ([]api.HistoryRecord, error) {
	items, err := r.client.LRange(ctx, r.key, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, eris.Wrap(err, "redis: read history")
	}
	out := make([]api.HistoryRecord, 0, len(items))
	for _, it := range items {
		var rec api.HistoryRecord
		if err := json.Unmarshal([]byte(it), &rec); err != nil {
			return nil, eris.Wrap(err, "redis: decode record")
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisStore) Name() string { return BackendRedis }

func (r *RedisStore) Close() error {
	return r.client.Close()
}
