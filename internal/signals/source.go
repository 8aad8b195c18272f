package signals

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
)

// Source loads the latest blob published by the ingestion process.
type Source interface {
	Load(ctx context.Context) (*Blob, error)
}

// FileSource reads the blob from a file written with atomic replace.
type FileSource struct {
	Path string
}

func (f FileSource) Load(ctx context.Context) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return ParseBlob(data)
}

// RedisSource reads the blob from a single Redis string key.
type RedisSource struct {
	client *redis.Client
	key    string
}

// NewRedisSource connects to addr and verifies the connection with PING.
func NewRedisSource(ctx context.Context, addr string, db int, key string) (*RedisSource, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return &RedisSource{client: rdb, key: key}, nil
}

// NewRedisSourceWithClient wraps an existing client.
func NewRedisSourceWithClient(client *redis.Client, key string) *RedisSource {
	return &RedisSource{client: client, key: key}
}

func (r *RedisSource) Load(ctx context.Context) (*Blob, error) {
	data, err := r.client.Get(ctx, r.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("redis get %s: %w", r.key, err)
	}
	return ParseBlob(data)
}

func (r *RedisSource) Close() error {
	return r.client.Close()
}
