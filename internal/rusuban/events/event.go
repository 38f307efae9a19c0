// Package events carries typed session-lifecycle notifications.
//
// The connection controller emits an event whenever the part of the session
// the outside world cares about changes:
//   - KindQR: a fresh pairing code is available for scanning
//   - KindReady: the session is authenticated and serving
//   - KindStatus: any lifecycle status transition
//
// Sinks fan events out to consumers (the structured log, the websocket
// stream). Payloads are small value types that serialize to JSON as-is.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Kind is a machine-readable event category.
type Kind string

const (
	// KindQR signals that the messaging network issued a pairing code.
	KindQR Kind = "qr"
	// KindReady signals that the session is authenticated and serving.
	KindReady Kind = "ready"
	// KindStatus accompanies every status transition.
	KindStatus Kind = "status"
)

// Event is the payload delivered to sinks.
type Event struct {
	// Kind identifies the type of event.
	Kind Kind `json:"kind"`
	// Status is the session status at emit time.
	Status string `json:"status,omitempty"`
	// QR carries the pairing code for KindQR events.
	QR string `json:"qr,omitempty"`
	// Reason carries detail for failure and disconnect transitions.
	Reason string `json:"reason,omitempty"`
	// At defaults to time.Now() when zero.
	At time.Time `json:"at"`
}

// Sink receives lifecycle events. Implementations MUST NOT block the caller:
// the controller emits while holding its state lock.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

// Noop is a no-op Sink used when event delivery is disabled.
type Noop struct{}

// Emit does nothing.
func (Noop) Emit(_ context.Context, _ Event) {}

// LogSink writes events to the structured log.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink creates a LogSink over log; nil means slog.Default().
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Emit logs the event. The pairing code itself never reaches the log:
// whoever scans it owns the account, so it goes to subscribers only.
func (s *LogSink) Emit(_ context.Context, evt Event) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	attrs := []any{"kind", string(evt.Kind)}
	if evt.Status != "" {
		attrs = append(attrs, "status", evt.Status)
	}
	if evt.Reason != "" {
		attrs = append(attrs, "reason", evt.Reason)
	}
	if evt.Kind == KindQR {
		attrs = append(attrs, "qr_len", len(evt.QR))
	}
	s.log.Info("session event", attrs...)
}

// Multi returns a Sink that forwards each event to every sink in order.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Emit(ctx context.Context, evt Event) {
	for _, s := range m {
		s.Emit(ctx, evt)
	}
}
