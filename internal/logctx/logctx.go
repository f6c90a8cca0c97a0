// Package logctx enriches slog records with routing context carried in
// the request context: the inbound entry being processed and the endpoint
// doing the receiving. Wrap any slog.Handler with Handler to get the
// extra attribute groups on every record logged beneath it.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ed, ok := ctx.Value(entryDataKey{}).(*EntryData); ok {
		r.AddAttrs(slog.Group("entry",
			slog.String("id", ed.ID),
			slog.String("type", ed.Type),
			slog.String("user_id", ed.UserID),
			slog.String("endpoint_id", ed.EndpointID),
		))
	}

	if rd, ok := ctx.Value(receiverDataKey{}).(*ReceiverData); ok {
		r.AddAttrs(slog.Group("receiver",
			slog.String("user_id", rd.UserID),
			slog.String("endpoint_id", rd.EndpointID),
			slog.String("topic", rd.Topic),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type entryDataKey struct{}

// EntryData describes the inbound entry a processor is currently working
// on.
type EntryData struct {
	ID         string
	Type       string
	UserID     string
	EndpointID string
}

func WithEntryData(ctx context.Context, data *EntryData) context.Context {
	return context.WithValue(ctx, entryDataKey{}, data)
}

type receiverDataKey struct{}

// ReceiverData describes the endpoint a receive loop belongs to.
type ReceiverData struct {
	UserID     string
	EndpointID string
	Topic      string
}

func WithReceiverData(ctx context.Context, data *ReceiverData) context.Context {
	return context.WithValue(ctx, receiverDataKey{}, data)
}
