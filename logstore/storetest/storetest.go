// Package storetest provides a conformance suite for logstore.Store
// implementations. Both backends run it so the processor and endpoint
// loops observe identical semantics regardless of the store behind them.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chris-afpi/messaging/logstore"
)

// StoreFactory creates a fresh store instance for one test.
type StoreFactory func(t *testing.T) logstore.Store

// RunStoreTests runs the complete conformance suite against the factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("AppendAssignsMonotonicIDs", func(t *testing.T) {
		testAppendAssignsMonotonicIDs(t, factory)
	})
	t.Run("ReadFromCursorInOrder", func(t *testing.T) {
		testReadFromCursorInOrder(t, factory)
	})
	t.Run("ReadFromLatestSkipsHistory", func(t *testing.T) {
		testReadFromLatestSkipsHistory(t, factory)
	})
	t.Run("ReadBlocksUntilTimeout", func(t *testing.T) {
		testReadBlocksUntilTimeout(t, factory)
	})
	t.Run("ReadHonorsContextCancellation", func(t *testing.T) {
		testReadHonorsContextCancellation(t, factory)
	})
	t.Run("CreateGroupIsIdempotent", func(t *testing.T) {
		testCreateGroupIsIdempotent(t, factory)
	})
	t.Run("GroupReadClaimsEachEntryOnce", func(t *testing.T) {
		testGroupReadClaimsEachEntryOnce(t, factory)
	})
	t.Run("GroupReadCompetingConsumers", func(t *testing.T) {
		testGroupReadCompetingConsumers(t, factory)
	})
	t.Run("AckIsIdempotent", func(t *testing.T) {
		testAckIsIdempotent(t, factory)
	})
	t.Run("SetAddAndMembers", func(t *testing.T) {
		testSetAddAndMembers(t, factory)
	})
	t.Run("SetExpireDropsSet", func(t *testing.T) {
		testSetExpireDropsSet(t, factory)
	})
}

func testAppendAssignsMonotonicIDs(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("monotonic")
	var prev string
	for i := 0; i < 5; i++ {
		id, err := s.Append(ctx, topic, map[string]string{"n": fmt.Sprint(i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("append %d returned empty id", i)
		}
		if prev != "" && !idGreater(id, prev) {
			t.Fatalf("id %q not greater than previous %q", id, prev)
		}
		prev = id
	}
}

func testReadFromCursorInOrder(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("order")
	words := []string{"alpha", "beta", "gamma"}
	for _, w := range words {
		if _, err := s.Append(ctx, topic, map[string]string{"word": w}); err != nil {
			t.Fatalf("append %q: %v", w, err)
		}
	}

	entries, err := s.Read(ctx, topic, "0", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != len(words) {
		t.Fatalf("expected %d entries, got %d", len(words), len(entries))
	}
	for i, e := range entries {
		if e.Fields["word"] != words[i] {
			t.Errorf("entry %d: expected %q, got %q", i, words[i], e.Fields["word"])
		}
	}

	// Resuming from the first id yields only the remainder.
	rest, err := s.Read(ctx, topic, entries[0].ID, 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("read from cursor: %v", err)
	}
	if len(rest) != len(words)-1 {
		t.Fatalf("expected %d entries after cursor, got %d", len(words)-1, len(rest))
	}
	if rest[0].Fields["word"] != words[1] {
		t.Errorf("expected %q after cursor, got %q", words[1], rest[0].Fields["word"])
	}
}

func testReadFromLatestSkipsHistory(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("latest")
	if _, err := s.Append(ctx, topic, map[string]string{"word": "old"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// An appender racing the blocked reader.
	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = s.Append(ctx, topic, map[string]string{"word": "new"})
	}()

	entries, err := s.Read(ctx, topic, logstore.Latest, 10, 2*time.Second)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Fields["word"] != "new" {
		t.Errorf("expected the new entry, got %q", entries[0].Fields["word"])
	}
}

func testReadBlocksUntilTimeout(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("timeout")
	if _, err := s.Append(ctx, topic, map[string]string{"seed": "1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	start := time.Now()
	entries, err := s.Read(ctx, topic, logstore.Latest, 10, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("read returned after %v, expected it to block near the timeout", elapsed)
	}
}

func testReadHonorsContextCancellation(t *testing.T, factory StoreFactory) {
	s := factory(t)

	topic := uniqueTopic("cancel")
	if _, err := s.Append(context.Background(), topic, map[string]string{"seed": "1"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.Read(ctx, topic, logstore.Latest, 10, 5*time.Second)
	if err == nil {
		t.Fatal("expected an error once the context was cancelled")
	}
}

func testCreateGroupIsIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("busygroup")
	if err := s.CreateGroup(ctx, topic, "workers", "0"); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.CreateGroup(ctx, topic, "workers", "0"); err != nil {
		t.Fatalf("second create should succeed: %v", err)
	}
}

func testGroupReadClaimsEachEntryOnce(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("claim")
	if err := s.CreateGroup(ctx, topic, "workers", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	id, err := s.Append(ctx, topic, map[string]string{"word": "solo"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.GroupRead(ctx, topic, "workers", "c1", 10, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("group read: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected the appended entry, got %v", entries)
	}
	if err := s.Ack(ctx, topic, "workers", id); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// The same consumer asking again gets nothing new.
	entries, err = s.GroupRead(ctx, topic, "workers", "c1", 10, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second group read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no redelivery, got %d entries", len(entries))
	}
}

func testGroupReadCompetingConsumers(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("compete")
	if err := s.CreateGroup(ctx, topic, "workers", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	total := 6
	for i := 0; i < total; i++ {
		if _, err := s.Append(ctx, topic, map[string]string{"n": fmt.Sprint(i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	var seen []string
	for _, consumer := range []string{"c1", "c2"} {
		for {
			entries, err := s.GroupRead(ctx, topic, "workers", consumer, 2, 100*time.Millisecond)
			if err != nil {
				t.Fatalf("group read %s: %v", consumer, err)
			}
			if len(entries) == 0 {
				break
			}
			for _, e := range entries {
				seen = append(seen, e.Fields["n"])
				if err := s.Ack(ctx, topic, "workers", e.ID); err != nil {
					t.Fatalf("ack: %v", err)
				}
			}
		}
	}

	if len(seen) != total {
		t.Fatalf("expected %d entries across consumers, got %d", total, len(seen))
	}
	sort.Strings(seen)
	for i, n := range seen {
		if n != fmt.Sprint(i) {
			t.Errorf("entry %d delivered more than once or lost: %v", i, seen)
			break
		}
	}
}

func testAckIsIdempotent(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	topic := uniqueTopic("ack")
	if err := s.CreateGroup(ctx, topic, "workers", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}
	id, err := s.Append(ctx, topic, map[string]string{"word": "once"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.GroupRead(ctx, topic, "workers", "c1", 1, 500*time.Millisecond); err != nil {
		t.Fatalf("group read: %v", err)
	}
	if err := s.Ack(ctx, topic, "workers", id); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := s.Ack(ctx, topic, "workers", id); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
}

func testSetAddAndMembers(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	key := uniqueTopic("set")
	if err := s.SetAdd(ctx, key, "ui1"); err != nil {
		t.Fatalf("set add: %v", err)
	}
	if err := s.SetAdd(ctx, key, "ui2", "ui1"); err != nil {
		t.Fatalf("set add again: %v", err)
	}

	members, err := s.SetMembers(ctx, key)
	if err != nil {
		t.Fatalf("set members: %v", err)
	}
	sort.Strings(members)
	if len(members) != 2 || members[0] != "ui1" || members[1] != "ui2" {
		t.Fatalf("expected [ui1 ui2], got %v", members)
	}

	missing, err := s.SetMembers(ctx, uniqueTopic("absent"))
	if err != nil {
		t.Fatalf("set members of absent key: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("expected empty result for absent key, got %v", missing)
	}
}

func testSetExpireDropsSet(t *testing.T, factory StoreFactory) {
	s := factory(t)
	ctx := context.Background()

	key := uniqueTopic("expiry")
	if err := s.SetAdd(ctx, key, "ui1"); err != nil {
		t.Fatalf("set add: %v", err)
	}
	if err := s.SetExpire(ctx, key, 100*time.Millisecond); err != nil {
		t.Fatalf("set expire: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	members, err := s.SetMembers(ctx, key)
	if err != nil {
		t.Fatalf("set members: %v", err)
	}
	if len(members) != 0 {
		t.Fatalf("expected the set to have expired, got %v", members)
	}
}

var topicCounter int

// uniqueTopic keeps runs against a shared backend from seeing each
// other's data.
func uniqueTopic(prefix string) string {
	topicCounter++
	return fmt.Sprintf("storetest:%s:%d:%d", prefix, time.Now().UnixNano(), topicCounter)
}

// idGreater compares two "<ms>-<seq>" style ids numerically per part.
func idGreater(a, b string) bool {
	aMajor, aMinor := splitID(a)
	bMajor, bMinor := splitID(b)
	if aMajor != bMajor {
		return aMajor > bMajor
	}
	return aMinor > bMinor
}

func splitID(id string) (int64, int64) {
	major := id
	var minor int64
	if i := strings.IndexByte(id, '-'); i >= 0 {
		major = id[:i]
		minor, _ = strconv.ParseInt(id[i+1:], 10, 64)
	}
	n, _ := strconv.ParseInt(major, 10, 64)
	return n, minor
}
