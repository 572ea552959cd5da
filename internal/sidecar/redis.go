package sidecar

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const redisMaxRetries = 64

// RedisStore Redis旁路存储，写入使用WATCH/MULTI，同键并发修改时中止并重试
type RedisStore struct {
	client *redis.Client
	prefix string
	logger logrus.FieldLogger
}

// RedisOptions Redis连接配置
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// NewRedisStore 连接Redis
func NewRedisStore(ctx context.Context, opts RedisOptions, logger logrus.FieldLogger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "webdav:sidecar:"
	}
	return &RedisStore{client: client, prefix: prefix, logger: logger}, nil
}

func (s *RedisStore) redisKey(key string) string {
	return s.prefix + key
}

func (s *RedisStore) Transaction(ctx context.Context, key string, readOnly bool, fn TxFunc) error {
	key = NormalizeKey(key)
	rkey := s.redisKey(key)

	if readOnly {
		rec, err := s.load(ctx, s.client, rkey)
		if err != nil {
			return err
		}
		return fn(rec)
	}

	txf := func(tx *redis.Tx) error {
		rec, err := s.load(ctx, tx, rkey)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}

		var data []byte
		if !rec.Empty() {
			if data, err = encodeRecord(rec); err != nil {
				return err
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if data == nil {
				pipe.Del(ctx, rkey)
				return nil
			}
			pipe.Set(ctx, rkey, data, 0)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisMaxRetries; attempt++ {
		err := s.client.Watch(ctx, txf, rkey)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.WithFields(logrus.Fields{"key": key, "attempt": attempt}).Debug("redis transaction aborted, retrying")
			continue
		}
		return err
	}
	return fmt.Errorf("sidecar record %s: %w", key, redis.TxFailedErr)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) load(ctx context.Context, c getter, rkey string) (*Record, error) {
	data, err := c.Get(ctx, rkey).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sidecar record: %w", err)
	}
	return decodeRecord(data)
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, s.redisKey(NormalizeKey(key))).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	pattern := s.redisKey(key) + "/*"
	if key == "/" {
		pattern = s.redisKey("/") + "*"
	}

	keys := []string{s.redisKey(key)}
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan sidecar records: %w", err)
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Reserved(string) bool { return false }

func (s *RedisStore) Close() error {
	return s.client.Close()
}
