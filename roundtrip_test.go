package messaging_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chris-afpi/messaging"
	"github.com/chris-afpi/messaging/endpoint"
	"github.com/chris-afpi/messaging/logstore/memorystore"
	"github.com/chris-afpi/messaging/processor"
)

// Full protocol walk: two endpoints for the same user register, one sends
// a word, and both see the computed reply with the sender as origin.
func TestMultiDeviceRoundTrip(t *testing.T) {
	store := memorystore.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	wordLength := func(_ context.Context, payload map[string]string) (map[string]string, error) {
		word := payload["word"]
		if word == "" {
			return nil, errors.New("payload must contain a word field")
		}
		return map[string]string{"word": word, "length": fmt.Sprint(len(word))}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	proc := processor.New(store, wordLength,
		processor.WithLogger(logger),
		processor.WithBlock(50*time.Millisecond),
	)
	go func() { _ = proc.Run(ctx) }()

	ui1 := endpoint.New(store, "alice", "ui1", endpoint.WithLogger(logger), endpoint.WithBlock(50*time.Millisecond))
	ui2 := endpoint.New(store, "alice", "ui2", endpoint.WithLogger(logger), endpoint.WithBlock(50*time.Millisecond))

	ui1Replies := make(chan messaging.Response, 1)
	ui2Replies := make(chan messaging.Response, 1)
	go func() { _ = ui1.Receive(ctx, func(r messaging.Response) { ui1Replies <- r }) }()
	go func() { _ = ui2.Receive(ctx, func(r messaging.Response) { ui2Replies <- r }) }()

	// Both devices register; wait until the processor has absorbed both.
	if _, err := ui1.Register(ctx); err != nil {
		t.Fatalf("register ui1: %v", err)
	}
	if _, err := ui2.Register(ctx); err != nil {
		t.Fatalf("register ui2: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		endpoints, err := proc.Directory().EndpointsFor(ctx, "alice")
		if err != nil {
			t.Fatalf("endpoints for: %v", err)
		}
		if len(endpoints) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registrations never landed: %v", endpoints)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, err := ui2.Send(ctx, map[string]string{"word": "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, ch := range map[string]chan messaging.Response{"ui1": ui1Replies, "ui2": ui2Replies} {
		select {
		case resp := <-ch:
			if resp.OriginEndpoint != "ui2" {
				t.Errorf("%s: expected origin ui2, got %q", name, resp.OriginEndpoint)
			}
			if resp.Payload["word"] != "hello" || resp.Payload["length"] != "5" {
				t.Errorf("%s: unexpected payload %v", name, resp.Payload)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("%s never received the reply", name)
		}
	}
}
