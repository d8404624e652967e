package trace

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Writer delivers a batch of events to a backing store.
// WriteEvents must preserve the order of the slice it is given.
type Writer interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// BufferedOptions configures a Buffered sink.
type BufferedOptions struct {
	// BufferSize is the capacity of the in-memory event queue.
	// Default: 4096.
	BufferSize int

	// MaxBatch is the maximum number of events per WriteEvents call.
	// Default: 64.
	MaxBatch int

	// FlushInterval is how long a partial batch may sit before being
	// flushed. Default: 250ms.
	FlushInterval time.Duration

	// WriteTimeout bounds a single WriteEvents call. Default: 5s.
	WriteTimeout time.Duration

	// Retries is how many times a failed batch is retried before it is
	// dropped with an error log. Default: 3.
	Retries int

	Logger *slog.Logger
}

func (o *BufferedOptions) withDefaults() {
	if o.BufferSize <= 0 {
		o.BufferSize = 4096
	}
	if o.MaxBatch <= 0 {
		o.MaxBatch = 64
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 250 * time.Millisecond
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.Retries <= 0 {
		o.Retries = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Buffered is a Sink that queues events in memory and flushes them to
// a Writer from a single background goroutine. A single consumer means
// events leave the buffer in exactly the order they entered, so
// per-call ordering is preserved end to end. Failed batches are
// retried; a batch that keeps failing is dropped and logged rather
// than stalling the call forever.
type Buffered struct {
	writer Writer
	opts   BufferedOptions

	ch     chan Event
	stop   chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

// NewBuffered creates a buffered sink and starts its flush goroutine.
func NewBuffered(w Writer, opts BufferedOptions) *Buffered {
	opts.withDefaults()
	b := &Buffered{
		writer: w,
		opts:   opts,
		ch:     make(chan Event, opts.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Emit queues an event for delivery. If the buffer is full the event
// is dropped and counted in the log; blocking the caller here would
// stall the conversation loop on a slow trace backend. The queue
// channel is never closed, so Emit may race freely with Close: an
// event landing after shutdown is simply never drained.
func (b *Buffered) Emit(ev Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.ch <- ev:
	default:
		b.opts.Logger.Warn("trace buffer full, dropping event",
			"call_id", ev.CallID, "type", ev.Type)
	}
}

// Close flushes queued events and stops the background goroutine.
// Safe to call multiple times and concurrently with Emit.
func (b *Buffered) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	close(b.stop)
	<-b.done
	return nil
}

func (b *Buffered) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, b.opts.MaxBatch)
	for {
		select {
		case ev := <-b.ch:
			batch = append(batch, ev)
			if len(batch) >= b.opts.MaxBatch {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-b.stop:
			// Drain whatever was queued before shutdown.
			for {
				select {
				case ev := <-b.ch:
					batch = append(batch, ev)
					if len(batch) >= b.opts.MaxBatch {
						b.flush(batch)
						batch = batch[:0]
					}
				default:
					if len(batch) > 0 {
						b.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (b *Buffered) flush(batch []Event) {
	events := make([]Event, len(batch))
	copy(events, batch)

	var err error
	for attempt := 0; attempt <= b.opts.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opts.WriteTimeout)
		err = b.writer.WriteEvents(ctx, events)
		cancel()
		if err == nil {
			return
		}
	}
	b.opts.Logger.Error("trace batch dropped after retries",
		"events", len(events), "error", err)
}
