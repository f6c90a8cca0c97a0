// Package processor implements the durable request-processing loop: a
// competing-consumer read of the shared inbound topic, a pluggable
// business handler, and session-directed fan-out of each result to every
// endpoint the requesting user is active on.
//
// # Delivery discipline
//
// The loop is at-least-once on the transport and deliberately at-most-once
// past it: every consumed entry is acknowledged exactly once after its
// outcome is decided, whether that outcome is a registration, a routed
// reply, or a logged failure. Malformed requests and handler faults are
// never retried; a message that cannot be processed is sacrificed rather
// than allowed to stall the shared consumer group.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chris-afpi/messaging"
	"github.com/chris-afpi/messaging/internal/logctx"
	"github.com/chris-afpi/messaging/logstore"
	"github.com/chris-afpi/messaging/sessions"
)

// Handler is the pluggable business transform: request payload in,
// response payload out. A returned error is an application-level fault;
// the triggering request is dropped without a reply.
type Handler func(ctx context.Context, payload map[string]string) (map[string]string, error)

const (
	// DefaultGroup is the consumer group shared by all processor
	// instances competing for inbound requests.
	DefaultGroup = "system-processors"
	// DefaultConsumer names a single-instance deployment's consumer.
	DefaultConsumer = "system-worker-1"

	defaultReadCount = 10
	defaultBlock     = time.Second
	defaultBackoff   = time.Second
)

type config struct {
	topic      string
	group      string
	consumer   string
	readCount  int64
	block      time.Duration
	backoff    time.Duration
	sessionTTL time.Duration
	logger     *slog.Logger
}

// Option configures a Processor.
type Option func(*config)

// WithTopic overrides the inbound topic. Only useful for tests; deployed
// processors must keep messaging.InboundTopic to interoperate.
func WithTopic(topic string) Option {
	return func(c *config) { c.topic = topic }
}

// WithGroup overrides the consumer group name.
func WithGroup(group string) Option {
	return func(c *config) { c.group = group }
}

// WithConsumerName sets this instance's consumer name within the group.
// Deployments running several competing processors must give each a
// distinct name.
func WithConsumerName(name string) Option {
	return func(c *config) { c.consumer = name }
}

// WithBlock sets how long each group read waits for new entries. This
// bounds the loop's reaction time to cancellation.
func WithBlock(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.block = d
		}
	}
}

// WithBackoff sets the pause after a failed group read.
func WithBackoff(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// WithSessionTTL sets the session directory's sliding expiry window.
func WithSessionTTL(ttl time.Duration) Option {
	return func(c *config) { c.sessionTTL = ttl }
}

// WithLogger sets the logger. If not provided, slog.Default() is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Processor consumes requests from the shared inbound topic and routes
// each result to the requesting user's active endpoints.
type Processor struct {
	store     logstore.Store
	handler   Handler
	directory *sessions.Directory

	topic     string
	group     string
	consumer  string
	readCount int64
	block     time.Duration
	backoff   time.Duration
	log       *slog.Logger
}

// New builds a Processor around the store and business handler.
func New(store logstore.Store, handler Handler, opts ...Option) *Processor {
	cfg := config{
		topic:     messaging.InboundTopic,
		group:     DefaultGroup,
		consumer:  DefaultConsumer,
		readCount: defaultReadCount,
		block:     defaultBlock,
		backoff:   defaultBackoff,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = slog.New(logctx.Handler{Handler: logger.Handler()})

	var dirOpts []sessions.Option
	if cfg.sessionTTL > 0 {
		dirOpts = append(dirOpts, sessions.WithTTL(cfg.sessionTTL))
	}

	return &Processor{
		store:     store,
		handler:   handler,
		directory: sessions.NewDirectory(store, dirOpts...),
		topic:     cfg.topic,
		group:     cfg.group,
		consumer:  cfg.consumer,
		readCount: cfg.readCount,
		block:     cfg.block,
		backoff:   cfg.backoff,
		log:       logger,
	}
}

// Directory exposes the session directory the processor consults for
// fan-out targets.
func (p *Processor) Directory() *sessions.Directory { return p.directory }

// Run consumes inbound requests until ctx is canceled. Transport faults
// are logged and retried after a fixed backoff; the loop itself only ends
// with the context. Startup is idempotent: a consumer group that already
// exists is fine.
func (p *Processor) Run(ctx context.Context) error {
	if err := p.store.CreateGroup(ctx, p.topic, p.group, "0"); err != nil {
		return fmt.Errorf("processor startup: %w", err)
	}
	p.log.InfoContext(ctx, "processor.run.start",
		slog.String("topic", p.topic),
		slog.String("group", p.group),
		slog.String("consumer", p.consumer),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		entries, err := p.store.GroupRead(ctx, p.topic, p.group, p.consumer, p.readCount, p.block)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.ErrorContext(ctx, "processor.run.read_fail", slog.String("err", err.Error()))
			if !sleep(ctx, p.backoff) {
				return ctx.Err()
			}
			continue
		}

		for _, entry := range entries {
			p.processEntry(ctx, entry)
		}
	}
}

// processEntry walks one entry through the state machine:
// received -> classified -> (registration | message) -> acknowledged.
// Whatever happens in between, the entry is acknowledged exactly once.
func (p *Processor) processEntry(ctx context.Context, entry logstore.Entry) {
	req := messaging.ParseRequest(entry.Fields)
	ctx = logctx.WithEntryData(ctx, &logctx.EntryData{
		ID:         entry.ID,
		Type:       req.Type,
		UserID:     req.UserID,
		EndpointID: req.EndpointID,
	})
	defer p.ack(ctx, entry.ID)

	if req.Type == messaging.TypeRegister {
		if req.UserID == "" || req.EndpointID == "" {
			p.log.WarnContext(ctx, "processor.register.skip_missing_ids")
			return
		}
		if err := p.directory.Register(ctx, req.UserID, req.EndpointID); err != nil {
			p.log.ErrorContext(ctx, "processor.register.fail", slog.String("err", err.Error()))
			return
		}
		p.log.InfoContext(ctx, "processor.register.ok")
		return
	}

	// A request without its correlation ids can never be routed; it will
	// not become valid on redelivery, so it is dropped, not retried.
	if req.UserID == "" || req.EndpointID == "" {
		p.log.WarnContext(ctx, "processor.message.skip_missing_ids")
		return
	}

	result, err := p.handler(ctx, req.Payload)
	if err != nil {
		p.log.ErrorContext(ctx, "processor.handler.fail", slog.String("err", err.Error()))
		return
	}

	p.fanOut(ctx, req, result)
}

// fanOut appends one response per target endpoint. There is no atomicity
// across targets: a failing append is logged and the remaining targets
// still get their copy.
func (p *Processor) fanOut(ctx context.Context, req messaging.Request, result map[string]string) {
	targets, err := p.directory.EndpointsFor(ctx, req.UserID)
	if err != nil {
		p.log.ErrorContext(ctx, "processor.fanout.lookup_fail", slog.String("err", err.Error()))
		targets = nil
	}
	// The sender always gets a reply, registered or not.
	if len(targets) == 0 {
		targets = []string{req.EndpointID}
	}

	resp := messaging.Response{
		UserID:         req.UserID,
		OriginEndpoint: req.EndpointID,
		ProcessedAt:    messaging.Now(),
		Payload:        result,
	}
	fields := resp.Fields()

	for _, target := range targets {
		topic := messaging.ReplyTopic(target)
		if _, err := p.store.Append(ctx, topic, fields); err != nil {
			p.log.ErrorContext(ctx, "processor.fanout.append_fail",
				slog.String("target", target),
				slog.String("err", err.Error()),
			)
			continue
		}
		p.log.InfoContext(ctx, "processor.fanout.sent", slog.String("target", target))
	}
}

func (p *Processor) ack(ctx context.Context, id string) {
	// Acknowledge on a detached context so shutdown cannot leave a
	// handled entry pending.
	if err := p.store.Ack(context.WithoutCancel(ctx), p.topic, p.group, id); err != nil {
		p.log.ErrorContext(ctx, "processor.ack.fail", slog.String("err", err.Error()))
	}
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
