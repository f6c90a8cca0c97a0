// Package sessions tracks which endpoints a user is currently active on.
// The directory is the fan-out oracle: on every processed request the
// processor asks it for the user's endpoint set and appends one reply per
// member.
//
// Entries live in the store's expiring sets, mirrored in both directions
// (user -> endpoints and endpoint -> users) and refreshed on every
// registration. There is no explicit deregistration: an endpoint that
// stops re-registering simply ages out of the fan-out set when the TTL
// window lapses. Both sides are written from the same registration event,
// but each carries its own TTL, so they can diverge briefly across
// independent expiries.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/chris-afpi/messaging"
	"github.com/chris-afpi/messaging/logstore"
)

// DefaultTTL is the sliding expiry window for a registered pairing.
const DefaultTTL = time.Hour

// Directory is the bidirectional user/endpoint mapping.
type Directory struct {
	store logstore.Store
	ttl   time.Duration
}

// Option configures a Directory.
type Option func(*Directory)

// WithTTL overrides the sliding expiry window.
func WithTTL(ttl time.Duration) Option {
	return func(d *Directory) {
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// NewDirectory builds a Directory over the store.
func NewDirectory(store logstore.Store, opts ...Option) *Directory {
	d := &Directory{store: store, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register records that the user is active on the endpoint and restarts
// both sides' TTL windows. It is idempotent; repeated registration is the
// intended keep-alive mechanism.
func (d *Directory) Register(ctx context.Context, userID, endpointID string) error {
	userKey := messaging.UserSessionsKey(userID)
	if err := d.store.SetAdd(ctx, userKey, endpointID); err != nil {
		return fmt.Errorf("register %s on %s: %w", userID, endpointID, err)
	}
	if err := d.store.SetExpire(ctx, userKey, d.ttl); err != nil {
		return fmt.Errorf("register %s on %s: %w", userID, endpointID, err)
	}

	endpointKey := messaging.EndpointUsersKey(endpointID)
	if err := d.store.SetAdd(ctx, endpointKey, userID); err != nil {
		return fmt.Errorf("register %s on %s: %w", userID, endpointID, err)
	}
	if err := d.store.SetExpire(ctx, endpointKey, d.ttl); err != nil {
		return fmt.Errorf("register %s on %s: %w", userID, endpointID, err)
	}
	return nil
}

// EndpointsFor returns the endpoints the user is currently active on. An
// empty result is a valid state, not an error; callers fall back to
// sender-only delivery.
func (d *Directory) EndpointsFor(ctx context.Context, userID string) ([]string, error) {
	endpoints, err := d.store.SetMembers(ctx, messaging.UserSessionsKey(userID))
	if err != nil {
		return nil, fmt.Errorf("endpoints for %s: %w", userID, err)
	}
	return endpoints, nil
}

// UsersOn returns the users currently active on the endpoint.
func (d *Directory) UsersOn(ctx context.Context, endpointID string) ([]string, error) {
	users, err := d.store.SetMembers(ctx, messaging.EndpointUsersKey(endpointID))
	if err != nil {
		return nil, fmt.Errorf("users on %s: %w", endpointID, err)
	}
	return users, nil
}

// TTL reports the configured sliding expiry window.
func (d *Directory) TTL() time.Duration { return d.ttl }
