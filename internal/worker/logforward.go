package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/oswatch/scanfleet/internal/domain"
)

// ForwardingHandler is a slog.Handler that mirrors records into a scan's
// result stream while still writing them locally. Forwarding is best
// effort: a sink failure never blocks or fails the logging call.
type ForwardingHandler struct {
	inner  slog.Handler
	sink   domain.ResultSink
	scanID string
}

// NewForwardingHandler wraps inner for one scan.
func NewForwardingHandler(inner slog.Handler, sink domain.ResultSink, scanID string) *ForwardingHandler {
	return &ForwardingHandler{inner: inner, sink: sink, scanID: scanID}
}

func (h *ForwardingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ForwardingHandler) Handle(ctx context.Context, r slog.Record) error {
	component := "worker"
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "component" {
			component = a.Value.String()
			return false
		}
		return true
	})
	rec := domain.LogRecord{
		Level:     r.Level.String(),
		Message:   r.Message,
		Component: component,
		Time:      float64(r.Time.UnixNano()) / float64(time.Second),
	}
	// Detached context: forwarding must not inherit a cancelled request.
	_ = h.sink.PublishLog(context.WithoutCancel(ctx), h.scanID, rec)
	return h.inner.Handle(ctx, r)
}

func (h *ForwardingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ForwardingHandler{inner: h.inner.WithAttrs(attrs), sink: h.sink, scanID: h.scanID}
}

func (h *ForwardingHandler) WithGroup(name string) slog.Handler {
	return &ForwardingHandler{inner: h.inner.WithGroup(name), sink: h.sink, scanID: h.scanID}
}
