// Package redisstore implements the logstore.Store contract on Redis
// Streams and sets. It is the deployment backend: topics are streams,
// consumer groups are Redis consumer groups, and the session sets use
// SADD/SMEMBERS/EXPIRE.
package redisstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/chris-afpi/messaging/logstore"
)

// Config for the Redis-backed store. Defaults can be loaded via envdecode.
type Config struct {
	// Client, when set, is used as-is and Addr/Password/DB are ignored.
	// The store does not close an injected client.
	Client redis.UniversalClient
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for AUTH, if any. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD,default="`
	// DB selects the logical database. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
}

// Store implements logstore.Store over a Redis connection.
type Store struct {
	client    redis.UniversalClient
	ownClient bool
}

// New builds a Store from cfg and verifies connectivity with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	client := cfg.Client
	own := false
	if client == nil {
		addr := cfg.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		own = true
	}
	if err := client.Ping(ctx).Err(); err != nil {
		if own {
			_ = client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, ownClient: own}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(ctx context.Context) (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags; absent env vars are fine.
	_ = envdecode.Decode(&cfg)
	return New(ctx, cfg)
}

// Close closes the Redis client unless it was injected by the caller.
func (s *Store) Close() error {
	if !s.ownClient {
		return nil
	}
	return s.client.Close()
}

func (s *Store) Append(ctx context.Context, topic string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("append to %s: %w", topic, err)
	}
	return id, nil
}

func (s *Store) Read(ctx context.Context, topic string, from string, count int64, block time.Duration) ([]logstore.Entry, error) {
	if from == "" {
		from = logstore.Latest
	}
	if block <= 0 {
		// XREAD with BLOCK 0 waits forever; a negative Block omits the
		// argument entirely for a non-blocking read.
		block = -1
	}
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{topic, from},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			// Timed out with nothing to deliver.
			return nil, nil
		}
		return nil, fmt.Errorf("read from %s: %w", topic, err)
	}
	return flatten(res), nil
}

func (s *Store) CreateGroup(ctx context.Context, topic, group, start string) error {
	if start == "" {
		start = "0"
	}
	err := s.client.XGroupCreateMkStream(ctx, topic, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, topic, err)
	}
	return nil
}

func (s *Store) GroupRead(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]logstore.Entry, error) {
	if block <= 0 {
		block = -1
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("group read %s/%s from %s: %w", group, consumer, topic, err)
	}
	return flatten(res), nil
}

func (s *Store) Ack(ctx context.Context, topic, group, id string) error {
	if err := s.client.XAck(ctx, topic, group, id).Err(); err != nil {
		return fmt.Errorf("ack %s on %s/%s: %w", id, topic, group, err)
	}
	return nil
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := s.client.SAdd(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("set add %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("set members %s: %w", key, err)
	}
	return members, nil
}

func (s *Store) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	// PEXPIRE keeps millisecond resolution; the conformance suite uses
	// sub-second windows.
	if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("set expire %s: %w", key, err)
	}
	return nil
}

func flatten(streams []redis.XStream) []logstore.Entry {
	var entries []logstore.Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				// Robust payload decoding: accept string or []byte.
				switch val := v.(type) {
				case string:
					fields[k] = val
				case []byte:
					fields[k] = string(val)
				default:
					fields[k] = fmt.Sprintf("%v", val)
				}
			}
			entries = append(entries, logstore.Entry{ID: msg.ID, Fields: fields})
		}
	}
	return entries
}

// Interface compliance
var _ logstore.Store = (*Store)(nil)
