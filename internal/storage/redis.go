package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisOptions 连接参数
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore implements Store on Redis: a hash for settings and lists
// for the log and the node table.
type RedisStore struct {
	client   *redis.Client
	prefix   string
	capacity int64
}

// NewRedisStore connects and pings the server
func NewRedisStore(ctx context.Context, opts RedisOptions, logCapacity int64) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    4,
		DialTimeout: 5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return newRedisStoreFromClient(client, opts.Prefix, logCapacity), nil
}

func newRedisStoreFromClient(client *redis.Client, prefix string, logCapacity int64) *RedisStore {
	if prefix == "" {
		prefix = "scgw"
	}
	return &RedisStore{client: client, prefix: prefix, capacity: logCapacity}
}

func (s *RedisStore) key(name string) string {
	return s.prefix + ":" + name
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ReadConfig returns the stored value of key
func (s *RedisStore) ReadConfig(ctx context.Context, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.key("config"), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read config %s: %w", key, err)
	}
	return v, nil
}

// WriteConfig stores value under key
func (s *RedisStore) WriteConfig(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.key("config"), key, value).Err()
}

// WriteConfigs stores all values with a single HSET
func (s *RedisStore) WriteConfigs(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, len(values))
	for k, v := range values {
		fields[k] = v
	}
	return s.client.HSet(ctx, s.key("config"), fields).Err()
}

// AppendLog appends one line
func (s *RedisStore) AppendLog(ctx context.Context, line string) error {
	return s.client.RPush(ctx, s.key("log"), line).Err()
}

// ReadLog returns the most recent lines, oldest first
func (s *RedisStore) ReadLog(ctx context.Context, limit int) ([]string, error) {
	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	return s.client.LRange(ctx, s.key("log"), start, -1).Result()
}

// PruneLog drops the n oldest lines
func (s *RedisStore) PruneLog(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	key := s.key("log")

	var before *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		before = pipe.LLen(ctx, key)
		pipe.LTrim(ctx, key, int64(n), -1)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune log: %w", err)
	}

	removed := before.Val()
	if removed > int64(n) {
		removed = int64(n)
	}
	return int(removed), nil
}

// LogUsage returns the list length against the capacity
func (s *RedisStore) LogUsage(ctx context.Context) (Usage, error) {
	n, err := s.client.LLen(ctx, s.key("log")).Result()
	if err != nil {
		return Usage{}, fmt.Errorf("log usage: %w", err)
	}
	return Usage{Used: n, Capacity: s.capacity}, nil
}

// LoadNodes reads the node table
func (s *RedisStore) LoadNodes(ctx context.Context) ([]NodeRecord, error) {
	lines, err := s.client.LRange(ctx, s.key("nodes"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	records := make([]NodeRecord, 0, len(lines))
	for _, l := range lines {
		if r, err := ParseNodeRecord(l); err == nil {
			records = append(records, r)
		}
	}
	return records, nil
}

// SaveNodes replaces the node table atomically
func (s *RedisStore) SaveNodes(ctx context.Context, records []NodeRecord) error {
	key := s.key("nodes")
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(records) == 0 {
			return nil
		}
		values := make([]interface{}, len(records))
		for i, r := range records {
			values[i] = r.String()
		}
		pipe.RPush(ctx, key, values...)
		return nil
	})
	return err
}
