// Package endpoint implements the client side of the routing protocol:
// one (user, endpoint) pairing that registers itself, appends requests to
// the shared inbound topic, and tails its private reply topic.
//
// A fresh receive loop starts at the topic's tail, so replies appended
// while the client was away are not replayed; resumption from history is
// a deliberate non-feature of the independent-cursor mode. The grouped
// mode (WithGroup) instead joins a consumer group on the reply topic so
// several instances sharing one endpoint id load-balance replies.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chris-afpi/messaging"
	"github.com/chris-afpi/messaging/internal/logctx"
	"github.com/chris-afpi/messaging/logstore"
)

// ResponseHandler is invoked once per received reply, synchronously with
// the receive loop: a handler that blocks stalls further delivery.
type ResponseHandler func(resp messaging.Response)

const (
	defaultReadCount = 10
	defaultBlock     = time.Second
	defaultBackoff   = time.Second
)

type config struct {
	group    string
	consumer string
	block    time.Duration
	backoff  time.Duration
	count    int64
	logger   *slog.Logger
}

// Option configures an Endpoint.
type Option func(*config)

// WithGroup switches receiving to competing-consumer mode: all instances
// sharing the endpoint id and group name split the reply topic between
// them. Each instance needs a distinct consumer name.
func WithGroup(group, consumer string) Option {
	return func(c *config) {
		c.group = group
		c.consumer = consumer
	}
}

// WithBlock sets how long each read waits for new replies. This bounds
// how quickly Receive notices cancellation.
func WithBlock(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.block = d
		}
	}
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Endpoint is one client instance bound to a (user, endpoint) pairing.
type Endpoint struct {
	store      logstore.Store
	userID     string
	endpointID string
	replyTopic string

	group    string
	consumer string
	block    time.Duration
	backoff  time.Duration
	count    int64
	log      *slog.Logger
}

// New builds an Endpoint for the pairing over the store.
func New(store logstore.Store, userID, endpointID string, opts ...Option) *Endpoint {
	cfg := config{
		block:   defaultBlock,
		backoff: defaultBackoff,
		count:   defaultReadCount,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = slog.New(logctx.Handler{Handler: logger.Handler()})

	return &Endpoint{
		store:      store,
		userID:     userID,
		endpointID: endpointID,
		replyTopic: messaging.ReplyTopic(endpointID),
		group:      cfg.group,
		consumer:   cfg.consumer,
		block:      cfg.block,
		backoff:    cfg.backoff,
		count:      cfg.count,
		log:        logger,
	}
}

// UserID returns the user this endpoint represents.
func (e *Endpoint) UserID() string { return e.userID }

// EndpointID returns the endpoint's identity.
func (e *Endpoint) EndpointID() string { return e.endpointID }

// Register announces the pairing to the processor. Registration is the
// keep-alive for fan-out targeting: long-lived endpoints re-register
// periodically or age out of the session directory.
func (e *Endpoint) Register(ctx context.Context) (string, error) {
	req := messaging.Request{
		Type:       messaging.TypeRegister,
		UserID:     e.userID,
		EndpointID: e.endpointID,
		Timestamp:  messaging.Now(),
	}
	id, err := e.store.Append(ctx, messaging.InboundTopic, req.Fields())
	if err != nil {
		return "", fmt.Errorf("register %s on %s: %w", e.userID, e.endpointID, err)
	}
	e.log.InfoContext(ctx, "endpoint.register.ok",
		slog.String("user_id", e.userID),
		slog.String("endpoint_id", e.endpointID),
	)
	return id, nil
}

// Send appends an application request to the shared inbound topic and
// returns the assigned entry id for caller-side correlation.
func (e *Endpoint) Send(ctx context.Context, payload map[string]string) (string, error) {
	req := messaging.Request{
		Type:       messaging.TypeMessage,
		UserID:     e.userID,
		EndpointID: e.endpointID,
		Timestamp:  messaging.Now(),
		Payload:    payload,
	}
	id, err := e.store.Append(ctx, messaging.InboundTopic, req.Fields())
	if err != nil {
		return "", fmt.Errorf("send from %s: %w", e.endpointID, err)
	}
	e.log.InfoContext(ctx, "endpoint.send.ok", slog.String("id", id))
	return id, nil
}

// Receive tails the private reply topic until ctx is canceled, handing
// each reply to handler. A nil handler logs a formatted line per reply.
// Cancellation is cooperative: it is observed at the top of each
// iteration, so Receive returns only once the in-flight blocking read
// completes or times out. Read errors are logged and retried after a
// fixed backoff.
func (e *Endpoint) Receive(ctx context.Context, handler ResponseHandler) error {
	if handler == nil {
		handler = e.logResponse
	}
	ctx = logctx.WithReceiverData(ctx, &logctx.ReceiverData{
		UserID:     e.userID,
		EndpointID: e.endpointID,
		Topic:      e.replyTopic,
	})

	if e.group != "" {
		return e.receiveGrouped(ctx, handler)
	}

	e.log.InfoContext(ctx, "endpoint.receive.start")
	cursor := logstore.Latest
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := e.store.Read(ctx, e.replyTopic, cursor, e.count, e.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.ErrorContext(ctx, "endpoint.receive.read_fail", slog.String("err", err.Error()))
			if !sleep(ctx, e.backoff) {
				return ctx.Err()
			}
			continue
		}
		for _, entry := range entries {
			handler(messaging.ParseResponse(entry.Fields))
			cursor = entry.ID
		}
	}
}

// receiveGrouped is the horizontal-scaling variant: replies are claimed
// through a consumer group and acknowledged after the handler returns.
func (e *Endpoint) receiveGrouped(ctx context.Context, handler ResponseHandler) error {
	if err := e.store.CreateGroup(ctx, e.replyTopic, e.group, logstore.Latest); err != nil {
		return fmt.Errorf("receive group setup on %s: %w", e.replyTopic, err)
	}
	e.log.InfoContext(ctx, "endpoint.receive.start",
		slog.String("group", e.group),
		slog.String("consumer", e.consumer),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := e.store.GroupRead(ctx, e.replyTopic, e.group, e.consumer, e.count, e.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.log.ErrorContext(ctx, "endpoint.receive.read_fail", slog.String("err", err.Error()))
			if !sleep(ctx, e.backoff) {
				return ctx.Err()
			}
			continue
		}
		for _, entry := range entries {
			handler(messaging.ParseResponse(entry.Fields))
			if err := e.store.Ack(ctx, e.replyTopic, e.group, entry.ID); err != nil {
				e.log.ErrorContext(ctx, "endpoint.receive.ack_fail",
					slog.String("id", entry.ID),
					slog.String("err", err.Error()),
				)
			}
		}
	}
}

func (e *Endpoint) logResponse(resp messaging.Response) {
	attrs := []any{
		slog.String("origin", resp.OriginEndpoint),
		slog.Bool("own", resp.FromEndpoint(e.endpointID)),
	}
	for k, v := range resp.Payload {
		attrs = append(attrs, slog.String(k, v))
	}
	e.log.Info("endpoint.response", attrs...)
}

// sleep pauses for d, returning false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
