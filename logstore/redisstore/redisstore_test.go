package redisstore

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/chris-afpi/messaging/logstore"
	"github.com/chris-afpi/messaging/logstore/storetest"
)

func TestRedisStoreConformance(t *testing.T) {
	// Skip test if Redis is not available
	client := redis.NewClient(&redis.Options{
		Addr: "127.0.0.1:6379",
		DB:   3, // Use a separate DB for store tests
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	// Clean up test data
	defer client.FlushDB(ctx)

	storetest.RunStoreTests(t, func(t *testing.T) logstore.Store {
		s, err := New(ctx, Config{Client: client})
		if err != nil {
			t.Fatalf("Failed to create Redis store: %v", err)
		}
		return s
	})
}

func TestNewRejectsUnreachableServer(t *testing.T) {
	_, err := New(context.Background(), Config{Addr: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected a connection error for an unreachable address")
	}
}
