// Package trace provides the ordered, per-call conversation event log.
//
// The engine emits one Event per noteworthy occurrence in a call
// (transcripts, intents, turns, barge-ins). Delivery to the backing
// store is fire-and-forget from the engine's perspective, but events
// for a single call are always offered to the sink in the order they
// were generated.
package trace

import (
	"log/slog"
	"time"
)

// Event is the envelope for one conversation event.
type Event struct {
	CallID    string    `json:"call_id" msgpack:"call_id"`
	Seq       int64     `json:"seq" msgpack:"seq"`
	Type      string    `json:"type" msgpack:"type"`
	Payload   any       `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
}

// Sink accepts conversation events. Implementations may buffer and
// flush asynchronously but must not reorder events for a single call.
type Sink interface {
	Emit(ev Event)
}

// Nop is the explicit no-op sink. It accepts and discards every event
// and is the default when no trace backend is configured.
type Nop struct{}

func (Nop) Emit(Event) {}

// LogSink writes each event to a structured logger. Useful for
// development; not intended as a durable backend.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs events at debug level.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(ev Event) {
	s.logger.Debug("conversation event",
		"call_id", ev.CallID,
		"seq", ev.Seq,
		"type", ev.Type,
	)
}
