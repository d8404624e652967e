package gateway

import (
	"context"
	"sync"
)

// Handle lets the tracker cancel one live stream connection.
type Handle struct {
	Cancel func()
}

// Tracker tracks live websocket streams so shutdown can cancel them
// and wait for teardown.
type Tracker struct {
	mu      sync.Mutex
	streams map[string]*trackedStream
	wg      sync.WaitGroup
}

type trackedStream struct {
	handle Handle
	once   sync.Once
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{streams: make(map[string]*trackedStream)}
}

// Register tracks one stream under its call id. A previous registration
// for the same call id is cancelled and released.
func (t *Tracker) Register(callID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedStream{handle: h}

	t.mu.Lock()
	old := t.streams[callID]
	t.streams[callID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(callID, old)
	}

	return func() { t.unregister(callID, entry) }
}

func (t *Tracker) unregister(callID string, entry *trackedStream) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.streams[callID] == entry {
			delete(t.streams, callID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of live streams.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// CancelAll cancels every live stream.
func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}
	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.streams {
		if entry != nil && entry.handle.Cancel != nil {
			cancels = append(cancels, entry.handle.Cancel)
		}
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every tracked stream has unregistered or the
// context expires. Reports whether teardown completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
