package endpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/chris-afpi/messaging"
	"github.com/chris-afpi/messaging/logstore/memorystore"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRegisterAppendsRegistration(t *testing.T) {
	store := memorystore.New()
	e := New(store, "alice", "ui1", WithLogger(quietLogger()))

	id, err := e.Register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id == "" {
		t.Fatal("expected an assigned id")
	}

	entries, err := store.Read(context.Background(), messaging.InboundTopic, "0", 10, 0)
	if err != nil {
		t.Fatalf("read inbound: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 inbound entry, got %d", len(entries))
	}
	req := messaging.ParseRequest(entries[0].Fields)
	if req.Type != messaging.TypeRegister {
		t.Errorf("expected type register, got %q", req.Type)
	}
	if req.UserID != "alice" || req.EndpointID != "ui1" {
		t.Errorf("unexpected identity %q/%q", req.UserID, req.EndpointID)
	}
	if req.Timestamp == "" {
		t.Error("expected a timestamp")
	}
}

func TestSendReturnsAssignedID(t *testing.T) {
	store := memorystore.New()
	e := New(store, "alice", "ui1", WithLogger(quietLogger()))

	id, err := e.Send(context.Background(), map[string]string{"word": "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	entries, err := store.Read(context.Background(), messaging.InboundTopic, "0", 10, 0)
	if err != nil {
		t.Fatalf("read inbound: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected the returned id %q on the topic, got %v", id, entries)
	}
	req := messaging.ParseRequest(entries[0].Fields)
	if req.Type != messaging.TypeMessage {
		t.Errorf("expected type message, got %q", req.Type)
	}
	if req.Payload["word"] != "hello" {
		t.Errorf("payload not carried: %v", req.Payload)
	}
}

// awaitTail appends marker replies until the receive loop delivers one.
// The tail pins its cursor on the first delivered entry, so once a marker
// comes back, later appends can no longer race the loop's startup. Any
// leftover markers must be skipped when draining got.
func awaitTail(t *testing.T, ctx context.Context, store *memorystore.Store, topic string, got <-chan messaging.Response) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		marker := messaging.Response{
			UserID:         "alice",
			OriginEndpoint: "ui1",
			ProcessedAt:    messaging.Now(),
			Payload:        map[string]string{"marker": "1"},
		}
		if _, err := store.Append(ctx, topic, marker.Fields()); err != nil {
			t.Fatalf("append marker: %v", err)
		}
		select {
		case resp := <-got:
			if resp.Payload["marker"] != "1" {
				t.Fatalf("unexpected reply before the tail settled: %v", resp.Payload)
			}
			return
		case <-ticker.C:
		case <-deadline:
			t.Fatal("receive loop never delivered a marker")
		}
	}
}

// next drains got past any leftover markers to the next real reply.
func next(t *testing.T, got <-chan messaging.Response, timeout time.Duration) messaging.Response {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case resp := <-got:
			if resp.Payload["marker"] == "1" {
				continue
			}
			return resp
		case <-deadline:
			t.Fatal("timed out waiting for a reply")
			return messaging.Response{}
		}
	}
}

func TestReceiveDeliversRepliesInOrder(t *testing.T) {
	store := memorystore.New()
	e := New(store, "alice", "ui1",
		WithLogger(quietLogger()),
		WithBlock(50*time.Millisecond),
	)

	got := make(chan messaging.Response, 32)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- e.Receive(ctx, func(resp messaging.Response) { got <- resp })
	}()

	awaitTail(t, ctx, store, messaging.ReplyTopic("ui1"), got)
	for i := 0; i < 3; i++ {
		resp := messaging.Response{
			UserID:         "alice",
			OriginEndpoint: "ui2",
			ProcessedAt:    messaging.Now(),
			Payload:        map[string]string{"n": fmt.Sprint(i)},
		}
		if _, err := store.Append(ctx, messaging.ReplyTopic("ui1"), resp.Fields()); err != nil {
			t.Fatalf("append reply %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		resp := next(t, got, 2*time.Second)
		if resp.Payload["n"] != fmt.Sprint(i) {
			t.Errorf("reply %d out of order: %v", i, resp.Payload)
		}
		if resp.FromEndpoint("ui1") {
			t.Error("reply from ui2 claimed to be ours")
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Receive returned %v, expected context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Receive did not stop after cancellation")
	}
}

func TestReceiveStartsAtLatest(t *testing.T) {
	store := memorystore.New()
	topic := messaging.ReplyTopic("ui1")

	// A reply appended before the loop starts must not be replayed.
	stale := messaging.Response{
		UserID:         "alice",
		OriginEndpoint: "ui1",
		ProcessedAt:    messaging.Now(),
		Payload:        map[string]string{"word": "stale"},
	}
	if _, err := store.Append(context.Background(), topic, stale.Fields()); err != nil {
		t.Fatalf("append stale reply: %v", err)
	}

	e := New(store, "alice", "ui1",
		WithLogger(quietLogger()),
		WithBlock(50*time.Millisecond),
	)

	got := make(chan messaging.Response, 32)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = e.Receive(ctx, func(resp messaging.Response) { got <- resp }) }()

	// awaitTail fails on any non-marker delivery, so it doubles as the
	// proof that the stale reply was not replayed during startup.
	awaitTail(t, ctx, store, topic, got)

	fresh := messaging.Response{
		UserID:         "alice",
		OriginEndpoint: "ui2",
		ProcessedAt:    messaging.Now(),
		Payload:        map[string]string{"word": "fresh"},
	}
	if _, err := store.Append(ctx, topic, fresh.Fields()); err != nil {
		t.Fatalf("append fresh reply: %v", err)
	}

	if resp := next(t, got, 2*time.Second); resp.Payload["word"] != "fresh" {
		t.Fatalf("expected only the fresh reply, got %v", resp.Payload)
	}
}

func TestGroupedReceiversLoadBalance(t *testing.T) {
	store := memorystore.New()
	topic := messaging.ReplyTopic("scaled-ui")

	var mu sync.Mutex
	var seen []string
	handler := func(resp messaging.Response) {
		mu.Lock()
		seen = append(seen, resp.Payload["n"])
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Create the group up front so entries published below are pending
	// for the group even if a worker has not issued its first read yet.
	if err := store.CreateGroup(ctx, topic, "scaled-ui-readers", "0"); err != nil {
		t.Fatalf("create group: %v", err)
	}

	for _, worker := range []string{"worker-1", "worker-2"} {
		e := New(store, "alice", "scaled-ui",
			WithLogger(quietLogger()),
			WithBlock(50*time.Millisecond),
			WithGroup("scaled-ui-readers", worker),
		)
		go func() { _ = e.Receive(ctx, handler) }()
	}

	total := 6
	for i := 0; i < total; i++ {
		resp := messaging.Response{
			UserID:         "alice",
			OriginEndpoint: "scaled-ui",
			ProcessedAt:    messaging.Now(),
			Payload:        map[string]string{"n": fmt.Sprint(i)},
		}
		if _, err := store.Append(ctx, topic, resp.Fields()); err != nil {
			t.Fatalf("append reply %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= total {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %d of %d replies delivered", n, total)
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	sort.Strings(seen)
	for i, n := range seen {
		if n != fmt.Sprint(i) {
			t.Fatalf("replies duplicated or lost across the group: %v", seen)
		}
	}
}

// Grouped setup must survive being run by every instance sharing the id.
func TestGroupedSetupIsIdempotent(t *testing.T) {
	store := memorystore.New()

	for _, worker := range []string{"w1", "w2"} {
		e := New(store, "alice", "shared",
			WithLogger(quietLogger()),
			WithBlock(20*time.Millisecond),
			WithGroup("shared-readers", worker),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		if err := e.Receive(ctx, func(messaging.Response) {}); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Receive for %s returned %v, expected deadline exceeded", worker, err)
		}
		cancel()
	}
}
