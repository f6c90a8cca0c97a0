// Package memorystore provides an in-memory implementation of the
// logstore.Store contract. It is suitable for tests and single-process
// demos; state is local, so it cannot back a multi-node deployment.
package memorystore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chris-afpi/messaging/logstore"
)

// Store implements logstore.Store with mutex-guarded maps. Blocking reads
// wait on a per-store broadcast channel that append closes, so readers
// wake promptly instead of polling.
type Store struct {
	mu     sync.Mutex
	topics map[string]*topic
	sets   map[string]*expiringSet
	seq    int64
	// notify is closed and replaced on every append.
	notify chan struct{}
}

type topic struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	seq    int64
	record logstore.Entry
}

// group tracks a consumer group's delivery cursor and its claimed ids.
// A claimed-but-unacknowledged entry is not redelivered; reclaiming a
// crashed consumer's entries is outside this store's contract.
type group struct {
	cursor  int64
	pending map[string]string
}

type expiringSet struct {
	members map[string]struct{}
	// expires is the zero time when no TTL has been set.
	expires time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		topics: make(map[string]*topic),
		sets:   make(map[string]*expiringSet),
		notify: make(chan struct{}),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Append(ctx context.Context, topicName string, fields map[string]string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	copied := make(map[string]string, len(fields))
	for k, v := range fields {
		copied[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topicName)
	s.seq++
	id := strconv.FormatInt(s.seq, 10) + "-0"
	t.entries = append(t.entries, entry{seq: s.seq, record: logstore.Entry{ID: id, Fields: copied}})

	// Wake all blocked readers.
	close(s.notify)
	s.notify = make(chan struct{})

	return id, nil
}

func (s *Store) Read(ctx context.Context, topicName string, from string, count int64, block time.Duration) ([]logstore.Entry, error) {
	s.mu.Lock()
	after, err := s.resolveCursor(topicName, from)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		entries := s.collect(topicName, after, count)
		wake := s.notify
		s.mu.Unlock()

		if len(entries) > 0 {
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *Store) CreateGroup(ctx context.Context, topicName, groupName, start string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.topic(topicName)
	if _, exists := t.groups[groupName]; exists {
		return nil
	}
	cursor, err := s.resolveCursor(topicName, start)
	if err != nil {
		return err
	}
	t.groups[groupName] = &group{cursor: cursor, pending: make(map[string]string)}
	return nil
}

func (s *Store) GroupRead(ctx context.Context, topicName, groupName, consumer string, count int64, block time.Duration) ([]logstore.Entry, error) {
	deadline := time.Now().Add(block)
	for {
		s.mu.Lock()
		t, ok := s.topics[topicName]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("group read: no such topic %q", topicName)
		}
		g, ok := t.groups[groupName]
		if !ok {
			s.mu.Unlock()
			return nil, fmt.Errorf("group read: no such group %q on topic %q", groupName, topicName)
		}
		entries := s.collect(topicName, g.cursor, count)
		for _, e := range entries {
			g.pending[e.ID] = consumer
		}
		if n := len(entries); n > 0 {
			g.cursor = parseSeq(entries[n-1].ID)
		}
		wake := s.notify
		s.mu.Unlock()

		if len(entries) > 0 {
			return entries, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (s *Store) Ack(ctx context.Context, topicName, groupName, id string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[topicName]
	if !ok {
		return nil
	}
	if g, ok := t.groups[groupName]; ok {
		delete(g.pending, id)
	}
	return nil
}

func (s *Store) SetAdd(ctx context.Context, key string, members ...string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSet(key)
	if set == nil {
		set = &expiringSet{members: make(map[string]struct{})}
		s.sets[key] = set
	}
	for _, m := range members {
		set.members[m] = struct{}{}
	}
	return nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.liveSet(key)
	if set == nil {
		return nil, nil
	}
	members := make([]string, 0, len(set.members))
	for m := range set.members {
		members = append(members, m)
	}
	return members, nil
}

func (s *Store) SetExpire(ctx context.Context, key string, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if set := s.liveSet(key); set != nil {
		set.expires = time.Now().Add(ttl)
	}
	return nil
}

// Pending returns the ids claimed by a group but not yet acknowledged.
// It is not part of the logstore.Store contract; tests use it to assert
// acknowledgment discipline.
func (s *Store) Pending(topicName, groupName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.topics[topicName]
	if !ok {
		return nil
	}
	g, ok := t.groups[groupName]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}

// --- helpers (callers hold s.mu) ---

func (s *Store) topic(name string) *topic {
	t, ok := s.topics[name]
	if !ok {
		t = &topic{groups: make(map[string]*group)}
		s.topics[name] = t
	}
	return t
}

// resolveCursor maps a cursor string to the sequence number entries must
// exceed to be delivered.
func (s *Store) resolveCursor(topicName, from string) (int64, error) {
	switch from {
	case logstore.Latest, "":
		return s.seq, nil
	case "0":
		return 0, nil
	}
	seq := parseSeq(from)
	if seq < 0 {
		return 0, fmt.Errorf("invalid cursor %q for topic %q", from, topicName)
	}
	return seq, nil
}

func (s *Store) collect(topicName string, after int64, count int64) []logstore.Entry {
	t, ok := s.topics[topicName]
	if !ok {
		return nil
	}
	var out []logstore.Entry
	for _, e := range t.entries {
		if e.seq <= after {
			continue
		}
		out = append(out, e.record)
		if count > 0 && int64(len(out)) >= count {
			break
		}
	}
	return out
}

// liveSet returns the set at key, dropping it first if its TTL lapsed.
func (s *Store) liveSet(key string) *expiringSet {
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	if !set.expires.IsZero() && time.Now().After(set.expires) {
		delete(s.sets, key)
		return nil
	}
	return set
}

func parseSeq(id string) int64 {
	if i := strings.IndexByte(id, '-'); i >= 0 {
		id = id[:i]
	}
	seq, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return -1
	}
	return seq
}

// Compile-time interface check
var _ logstore.Store = (*Store)(nil)
