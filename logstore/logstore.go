// Package logstore defines the append-only log contract the messaging
// layer is built on: topic-addressed ordered entries with store-assigned
// ids, blocking cursor reads, competing-consumer groups with explicit
// acknowledgment, and a small expiring-set primitive used for session
// bookkeeping.
//
// Implementations
//
//	memorystore : in-memory reference used for tests / single-process demos
//	redisstore  : Redis Streams backed implementation for real deployments
package logstore

import (
	"context"
	"time"
)

// Latest is the cursor sentinel meaning "start at the next entry appended
// after the read begins".
const Latest = "$"

// Entry is one appended record: a store-assigned id, monotonic within its
// topic, and a flat map of string fields.
type Entry struct {
	ID     string
	Fields map[string]string
}

// Store is the durability and coordination boundary. All blocking calls
// honor context cancellation; a blocking read that times out returns an
// empty slice, not an error.
type Store interface {
	// Append adds an entry to the topic, creating the topic if absent,
	// and returns the assigned id.
	Append(ctx context.Context, topic string, fields map[string]string) (id string, err error)

	// Read returns entries appended after the cursor, blocking up to
	// block for the first one. from may be an entry id or Latest.
	Read(ctx context.Context, topic string, from string, count int64, block time.Duration) ([]Entry, error)

	// CreateGroup creates a named consumer group on the topic, creating
	// the topic if absent. Creating a group that already exists is
	// success, not an error. start is the id the group begins after
	// ("0" delivers everything already in the topic).
	CreateGroup(ctx context.Context, topic, group, start string) error

	// GroupRead claims up to count entries for the named consumer within
	// the group, blocking up to block. Claimed entries stay in the
	// group's pending set until acknowledged.
	GroupRead(ctx context.Context, topic, group, consumer string, count int64, block time.Duration) ([]Entry, error)

	// Ack removes a claimed entry from the group's pending set.
	Ack(ctx context.Context, topic, group, id string) error

	// SetAdd adds members to the set at key, creating it if absent.
	SetAdd(ctx context.Context, key string, members ...string) error

	// SetMembers returns the members of the set at key. A missing or
	// expired set yields an empty result, not an error.
	SetMembers(ctx context.Context, key string) ([]string, error)

	// SetExpire resets the set's time-to-live. The window slides: each
	// call restarts it from now.
	SetExpire(ctx context.Context, key string, ttl time.Duration) error

	// Close releases the store's resources.
	Close() error
}
