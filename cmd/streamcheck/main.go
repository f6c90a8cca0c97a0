// Command streamcheck inspects a deployment's Redis state: reply and
// inbound topics with their entry counts, active session sets, and the
// most recent replies on a chosen topic. It is a diagnostic tool; nothing
// in the routing path depends on it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/chris-afpi/messaging"
	"github.com/chris-afpi/messaging/logstore/redisstore"
)

func main() {
	var cfg redisstore.Config
	_ = envdecode.Decode(&cfg)

	addr := flag.String("addr", cfg.Addr, "redis address")
	topic := flag.String("topic", messaging.ReplyTopic("ui1"), "topic to dump recent entries from")
	count := flag.Int64("count", 3, "number of recent entries to dump")
	flag.Parse()

	client := redis.NewClient(&redis.Options{
		Addr:     *addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := run(ctx, client, *topic, *count); err != nil {
		fmt.Fprintln(os.Stderr, "streamcheck:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, client *redis.Client, topic string, count int64) error {
	topics, err := scanKeys(ctx, client, "*-to-*")
	if err != nil {
		return fmt.Errorf("scan topics: %w", err)
	}
	sort.Strings(topics)

	fmt.Println("Topics:")
	for _, t := range topics {
		n, err := client.XLen(ctx, t).Result()
		if err != nil {
			return fmt.Errorf("xlen %s: %w", t, err)
		}
		fmt.Printf("  %s: %d entries\n", t, n)
	}

	sessionKeys, err := scanKeys(ctx, client, "user:*:sessions")
	if err != nil {
		return fmt.Errorf("scan sessions: %w", err)
	}
	sort.Strings(sessionKeys)

	fmt.Println("\nSessions:")
	for _, key := range sessionKeys {
		members, err := client.SMembers(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("smembers %s: %w", key, err)
		}
		sort.Strings(members)
		fmt.Printf("  %s: %s\n", key, strings.Join(members, ", "))
	}

	fmt.Printf("\nRecent entries in %s:\n", topic)
	msgs, err := client.XRevRangeN(ctx, topic, "+", "-", count).Result()
	if err != nil {
		return fmt.Errorf("xrevrange %s: %w", topic, err)
	}
	for _, msg := range msgs {
		fmt.Printf("  %s: %v\n", msg.ID, msg.Values)
	}
	return nil
}

func scanKeys(ctx context.Context, client *redis.Client, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := client.Scan(ctx, cursor, pattern, 50).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
