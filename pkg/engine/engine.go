// Package engine implements the per-call voice conversation state
// machine: speech-to-text stream lifecycle, turn-taking, barge-in
// cancellation, and the ordered per-call event log.
//
// Each call is an independent actor. The transport delivers packets
// through HandlePacket; generated replies come back on the call's
// Replies channel and barge-in flush signals on its Interrupts
// channel.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/sonavoice/callengine/pkg/intent"
	"github.com/sonavoice/callengine/pkg/metrics"
	"github.com/sonavoice/callengine/pkg/speech"
	"github.com/sonavoice/callengine/pkg/trace"
	"github.com/sonavoice/callengine/pkg/turngen"
)

// TurnGenerator produces one reply per finalized caller turn.
// *turngen.Generator satisfies it.
type TurnGenerator interface {
	Generate(ctx context.Context, req *turngen.Request) (*turngen.Result, error)
}

// Classifier maps a finalized transcript to an intent.
// *intent.Router satisfies it.
type Classifier interface {
	Classify(text string) intent.Intent
}

// Dependencies are the collaborators injected into the engine. Speech,
// Generator, and Router are required; Sink, Metrics, and Logger may be
// left nil.
type Dependencies struct {
	Speech    speech.Provider
	Generator TurnGenerator
	Router    Classifier
	Sink      trace.Sink
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Engine hosts the conversation loops for all concurrent calls. Calls
// are independent units of concurrency; there is no cross-call lock on
// the packet path beyond the session map.
type Engine struct {
	cfg  Config
	deps Dependencies

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	calls  map[string]*Call
	closed bool
}

// New creates an engine.
func New(cfg Config, deps Dependencies) *Engine {
	if deps.Sink == nil {
		deps.Sink = trace.Nop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*Call),
	}
}

// HandlePacket processes one inbound packet. The transport must
// deliver packets for a single call sequentially; packets for distinct
// calls may arrive concurrently.
//
// Contract violations (packets for unknown or ended calls, duplicate
// call-started) are returned as errors; transport anomalies inside a
// live call (out-of-order audio) are dropped silently.
func (e *Engine) HandlePacket(pkt Packet) error {
	switch pkt.Kind {
	case KindControl:
		switch pkt.Control {
		case ControlCallStarted:
			_, err := e.StartCall(pkt.CallID)
			return err
		case ControlCallEnded:
			return e.EndCall(pkt.CallID, "call_ended")
		default:
			e.deps.Logger.Warn("unknown control event", "call_id", pkt.CallID, "event", pkt.Control)
			return nil
		}
	case KindAudio:
		c, ok := e.Lookup(pkt.CallID)
		if !ok {
			return ErrUnknownCall
		}
		return c.enqueueAudio(pkt.Seq, pkt.Audio)
	default:
		return nil
	}
}

// StartCall creates the session for a new call and opens its speech
// stream. Returns the live Call so the transport can consume its
// Replies and Interrupts channels.
func (e *Engine) StartCall(callID string) (*Call, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrEngineClosed
	}
	if _, exists := e.calls[callID]; exists {
		e.mu.Unlock()
		return nil, ErrCallExists
	}
	// Reserve the slot before the (blocking) stream dial so a
	// concurrent duplicate start fails fast.
	e.calls[callID] = nil
	e.mu.Unlock()

	c, err := newCall(e.ctx, callID, e.cfg, e.deps, e.removeCall)
	if err != nil {
		e.mu.Lock()
		delete(e.calls, callID)
		e.mu.Unlock()
		return nil, err
	}

	e.mu.Lock()
	e.calls[callID] = c
	e.mu.Unlock()

	e.deps.Logger.Info("call started", "call_id", callID)
	return c, nil
}

// EndCall tears down a call's session. Returns ErrUnknownCall if the
// call is not live.
func (e *Engine) EndCall(callID, reason string) error {
	c, ok := e.Lookup(callID)
	if !ok {
		return ErrUnknownCall
	}
	return c.end(reason)
}

// Lookup returns the live call for an id.
func (e *Engine) Lookup(callID string) (*Call, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.calls[callID]
	if !ok || c == nil {
		return nil, false
	}
	return c, true
}

// ActiveCalls returns the number of live calls.
func (e *Engine) ActiveCalls() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	n := 0
	for _, c := range e.calls {
		if c != nil {
			n++
		}
	}
	return n
}

func (e *Engine) removeCall(callID string) {
	e.mu.Lock()
	delete(e.calls, callID)
	e.mu.Unlock()
}

// Close ends all live calls and shuts the engine down.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	calls := make([]*Call, 0, len(e.calls))
	for _, c := range e.calls {
		if c != nil {
			calls = append(calls, c)
		}
	}
	e.mu.Unlock()

	for _, c := range calls {
		if err := c.end("engine_closed"); err != nil {
			e.deps.Logger.Warn("ending call on shutdown", "call_id", c.ID(), "error", err)
		}
	}
	e.cancel()
	return nil
}
