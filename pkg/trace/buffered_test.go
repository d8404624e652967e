package trace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// captureWriter records every batch it is handed.
type captureWriter struct {
	mu      sync.Mutex
	events  []Event
	batches int
	fail    int // fail this many calls before succeeding
}

func (w *captureWriter) WriteEvents(ctx context.Context, events []Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fail > 0 {
		w.fail--
		return errors.New("writer unavailable")
	}
	w.batches++
	w.events = append(w.events, events...)
	return nil
}

func (w *captureWriter) snapshot() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Event, len(w.events))
	copy(out, w.events)
	return out
}

func TestBuffered_PreservesOrder(t *testing.T) {
	writer := &captureWriter{}
	sink := NewBuffered(writer, BufferedOptions{
		MaxBatch:      7,
		FlushInterval: 10 * time.Millisecond,
	})

	const total = 200
	for i := 0; i < total; i++ {
		sink.Emit(Event{
			CallID:    "call-1",
			Seq:       int64(i),
			Type:      "test",
			Timestamp: time.Now(),
		})
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	got := writer.snapshot()
	if len(got) != total {
		t.Fatalf("delivered %d events, want %d", len(got), total)
	}
	for i, ev := range got {
		if ev.Seq != int64(i) {
			t.Fatalf("event %d has seq %d, order not preserved", i, ev.Seq)
		}
	}
}

func TestBuffered_RetriesFailedBatch(t *testing.T) {
	writer := &captureWriter{fail: 2}
	sink := NewBuffered(writer, BufferedOptions{
		MaxBatch:      4,
		FlushInterval: 5 * time.Millisecond,
		Retries:       3,
	})

	for i := 0; i < 4; i++ {
		sink.Emit(Event{CallID: "call-1", Seq: int64(i), Type: "test"})
	}
	sink.Close()

	if got := len(writer.snapshot()); got != 4 {
		t.Fatalf("delivered %d events after retries, want 4", got)
	}
}

func TestBuffered_EmitAfterClose(t *testing.T) {
	writer := &captureWriter{}
	sink := NewBuffered(writer, BufferedOptions{})
	sink.Close()

	// Must not panic or block.
	sink.Emit(Event{CallID: "call-1", Seq: 1, Type: "test"})
	sink.Close()
}

func TestBuffered_InterleavedCallsKeepPerCallOrder(t *testing.T) {
	writer := &captureWriter{}
	sink := NewBuffered(writer, BufferedOptions{
		MaxBatch:      3,
		FlushInterval: 5 * time.Millisecond,
	})

	for i := 0; i < 50; i++ {
		sink.Emit(Event{CallID: fmt.Sprintf("call-%d", i%3), Seq: int64(i / 3), Type: "test"})
	}
	sink.Close()

	lastSeq := map[string]int64{}
	for _, ev := range writer.snapshot() {
		if prev, ok := lastSeq[ev.CallID]; ok && ev.Seq <= prev {
			t.Fatalf("call %s saw seq %d after %d", ev.CallID, ev.Seq, prev)
		}
		lastSeq[ev.CallID] = ev.Seq
	}
}

func TestNopSink_IsTransparent(t *testing.T) {
	var s Sink = Nop{}
	for i := 0; i < 10; i++ {
		s.Emit(Event{CallID: "call-1", Seq: int64(i)})
	}
}

func TestBuffered_CloseConcurrentWithEmit(t *testing.T) {
	writer := &captureWriter{}
	sink := NewBuffered(writer, BufferedOptions{
		MaxBatch:      8,
		FlushInterval: 5 * time.Millisecond,
	})

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for seq := int64(1); ; seq++ {
				select {
				case <-stop:
					return
				default:
				}
				sink.Emit(Event{
					CallID: fmt.Sprintf("call-%d", worker),
					Seq:    seq,
					Type:   "transcript.partial",
				})
			}
		}(i)
	}

	time.Sleep(20 * time.Millisecond)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	close(stop)
	wg.Wait()

	// Emitters racing Close must never panic, and whatever was
	// accepted keeps per-call order.
	lastSeq := make(map[string]int64)
	for _, ev := range writer.snapshot() {
		if ev.Seq <= lastSeq[ev.CallID] {
			t.Fatalf("event out of order for %s: seq %d after %d",
				ev.CallID, ev.Seq, lastSeq[ev.CallID])
		}
		lastSeq[ev.CallID] = ev.Seq
	}
}
