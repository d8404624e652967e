package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sonavoice/callengine/pkg/speech"
	"github.com/sonavoice/callengine/pkg/trace"
	"github.com/sonavoice/callengine/pkg/turngen"
)

// Reply is one generated utterance handed to the transport for
// playback.
type Reply struct {
	CallID string
	TurnID int64
	Text   string
}

type cmdKind int

const (
	cmdAudio cmdKind = iota
	cmdEnd
	cmdTurnDone
	cmdPlayed
)

// command is one unit of work for the call actor. Inbound packets and
// turn completions are both funneled through the same queue so every
// state mutation is serialized.
type command struct {
	kind  cmdKind
	seq   uint64
	audio []byte

	reason string

	token int64
	res   *turngen.Result
	err   error
}

// Call owns one phone call's conversation state. All mutations happen
// on a single goroutine; the transport interacts through HandlePacket
// on the engine and the Replies and Interrupts channels.
type Call struct {
	id      string
	cfg     Config
	deps    Dependencies
	started time.Time

	stream speech.Stream

	cmds       chan command
	replies    chan Reply
	interrupts chan struct{}
	done       chan struct{}

	state    atomic.Int32
	eventSeq int64

	// Actor-owned; never touched off the run goroutine.
	lastSeq      uint64
	turnSeq      int64
	activeToken  int64
	speakingTurn int64
	cancelTurn   context.CancelFunc
	history      []turngen.Message
	lastActivity time.Time

	ctx    context.Context
	cancel context.CancelFunc
	onEnd  func(id string)
	logger *slog.Logger
}

func newCall(ctx context.Context, id string, cfg Config, deps Dependencies, onEnd func(string)) (*Call, error) {
	stream, err := deps.Speech.OpenStream(ctx, speech.StreamOptions{
		CallID:     id,
		Model:      cfg.SpeechModel,
		Language:   cfg.Language,
		Encoding:   cfg.Encoding,
		SampleRate: cfg.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("open speech stream: %w", err)
	}

	callCtx, cancel := context.WithCancel(ctx)
	c := &Call{
		id:           id,
		cfg:          cfg,
		deps:         deps,
		started:      time.Now(),
		stream:       stream,
		cmds:         make(chan command, cfg.CommandBuffer),
		replies:      make(chan Reply, cfg.ReplyBuffer),
		interrupts:   make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: time.Now(),
		ctx:          callCtx,
		cancel:       cancel,
		onEnd:        onEnd,
		logger:       deps.Logger.With("call_id", id),
	}
	if cfg.SystemPrompt != "" {
		c.history = append(c.history, turngen.Message{
			Role:    turngen.RoleSystem,
			Content: cfg.SystemPrompt,
		})
	}
	c.state.Store(int32(StateListening))

	c.emit(CallStartedPayload{
		Model:       cfg.Model,
		SpeechModel: cfg.SpeechModel,
		SampleRate:  cfg.SampleRate,
	})
	deps.Metrics.RecordCallStart()

	go c.run()
	return c, nil
}

// ID returns the call identifier.
func (c *Call) ID() string { return c.id }

// State returns the current conversation state.
func (c *Call) State() State {
	return State(c.state.Load())
}

// Replies yields generated utterances for playback. Closed when the
// call ends.
func (c *Call) Replies() <-chan Reply { return c.replies }

// Interrupts signals that playback of the current reply must stop
// because the caller barged in. Closed when the call ends.
func (c *Call) Interrupts() <-chan struct{} { return c.interrupts }

// Done is closed once the call has fully torn down.
func (c *Call) Done() <-chan struct{} { return c.done }

// enqueueAudio queues one audio frame. Frames arriving faster than
// the actor drains them are dropped rather than blocking the
// transport.
func (c *Call) enqueueAudio(seq uint64, data []byte) error {
	if c.State() == StateEnded {
		return ErrCallEnded
	}
	select {
	case c.cmds <- command{kind: cmdAudio, seq: seq, audio: data}:
		return nil
	case <-c.done:
		return ErrCallEnded
	default:
		c.logger.Debug("audio queue full, dropping frame", "seq", seq)
		c.deps.Metrics.RecordPacketDropped("queue_full")
		return nil
	}
}

// PlaybackFinished reports that the transport completed playback of
// the given turn's reply; the call returns to listening. Marks for a
// turn that is no longer speaking are ignored.
func (c *Call) PlaybackFinished(turnID int64) error {
	select {
	case c.cmds <- command{kind: cmdPlayed, token: turnID}:
		return nil
	case <-c.done:
		return ErrCallEnded
	}
}

// end requests teardown and blocks until the actor has applied it.
func (c *Call) end(reason string) error {
	select {
	case c.cmds <- command{kind: cmdEnd, reason: reason}:
	case <-c.done:
		return ErrCallEnded
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		return errors.New("engine: call teardown timed out")
	}
	return nil
}

// run is the call actor. It is the only goroutine that mutates
// conversation state, so packet handling, adapter callbacks, and turn
// completions are applied atomically relative to each other.
func (c *Call) run() {
	defer c.teardown()

	segments := c.stream.Segments()
	speechStarted := c.stream.SpeechStarted()

	var idle <-chan time.Time
	if c.cfg.IdleTimeout > 0 {
		ticker := time.NewTicker(c.cfg.IdleTimeout / 2)
		defer ticker.Stop()
		idle = ticker.C
	}

	for {
		select {
		case <-c.ctx.Done():
			c.finish("engine_closed")
			return

		case cmd := <-c.cmds:
			switch cmd.kind {
			case cmdAudio:
				c.handleAudio(cmd.seq, cmd.audio)
			case cmdEnd:
				c.finish(cmd.reason)
				return
			case cmdTurnDone:
				c.handleTurnDone(cmd)
			case cmdPlayed:
				c.handlePlayed(cmd.token)
			}

		case seg, ok := <-segments:
			if !ok {
				// Provider-side failure: transcription is gone, the
				// call cannot continue.
				c.emit(SpeechErrorPayload{Message: "speech stream closed"})
				c.deps.Metrics.RecordError("speech", "stream_closed")
				c.finish("speech_error")
				return
			}
			c.handleSegment(seg)

		case _, ok := <-speechStarted:
			if !ok {
				speechStarted = nil
				continue
			}
			c.handleSpeechStarted()

		case <-idle:
			if time.Since(c.lastActivity) >= c.cfg.IdleTimeout {
				c.logger.Info("idle timeout, ending call")
				c.finish("idle_timeout")
				return
			}
		}
	}
}

// handleAudio forwards one frame to the speech stream, dropping
// out-of-order and duplicate frames at the boundary.
func (c *Call) handleAudio(seq uint64, data []byte) {
	c.lastActivity = time.Now()
	if seq <= c.lastSeq {
		c.logger.Debug("dropping out-of-order audio", "seq", seq, "last_seq", c.lastSeq)
		c.deps.Metrics.RecordPacketDropped("out_of_order")
		return
	}
	c.lastSeq = seq
	c.deps.Metrics.RecordAudio(len(data))
	if err := c.stream.SendAudio(data); err != nil {
		c.logger.Warn("speech stream rejected audio", "error", err)
	}
}

// handleSegment applies one transcript segment. Interim segments are
// telemetry only; the first final segment while listening opens a
// turn.
func (c *Call) handleSegment(seg speech.Segment) {
	c.lastActivity = time.Now()

	if !seg.Final {
		if seg.Text != "" {
			c.emit(TranscriptPartialPayload{Text: seg.Text})
		}
		return
	}

	if c.State() == StateSpeaking {
		// The caller answered; the spoken turn is over even if no
		// playback mark arrived.
		c.speakingTurn = 0
		c.setState(StateListening)
	}
	if c.State() != StateListening {
		c.logger.Debug("final segment outside listening, ignoring",
			"state", c.State().String(), "text", seg.Text)
		return
	}
	if seg.Text == "" {
		return
	}

	c.setState(StateThinking)
	c.emit(TranscriptFinalPayload{Text: seg.Text, Confidence: seg.Confidence})

	inferred := c.deps.Router.Classify(seg.Text)
	c.emit(IntentClassifiedPayload{
		Intent:     inferred.Type,
		Confidence: inferred.Confidence,
		SignalIDs:  inferred.SignalIDs,
	})

	c.history = append(c.history, turngen.Message{
		Role:    turngen.RoleUser,
		Content: seg.Text,
	})
	c.startTurn()
}

// startTurn issues a turn request for the accumulated history. At most
// one request is in flight per call; the fresh generation token lets a
// late result for a cancelled turn be told apart from the current one.
func (c *Call) startTurn() {
	c.turnSeq++
	token := c.turnSeq
	c.activeToken = token

	req := &turngen.Request{
		Model:           c.cfg.Model,
		Messages:        append([]turngen.Message(nil), c.history...),
		Temperature:     c.cfg.Temperature,
		MaxOutputTokens: c.cfg.MaxOutputTokens,
		RequestID:       fmt.Sprintf("%s:%d", c.id, token),
	}

	turnCtx, cancel := context.WithCancel(c.ctx)
	c.cancelTurn = cancel

	c.emit(TurnStartedPayload{TurnID: token, RequestID: req.RequestID, Model: req.Model})

	go func() {
		res, err := c.deps.Generator.Generate(turnCtx, req)
		select {
		case c.cmds <- command{kind: cmdTurnDone, token: token, res: res, err: err}:
		case <-c.done:
		}
	}()
}

// handleTurnDone applies a turn completion. Results whose token no
// longer matches the active one belong to a cancelled turn and are
// discarded without touching state.
func (c *Call) handleTurnDone(cmd command) {
	if cmd.token != c.activeToken {
		c.emit(TurnDiscardedPayload{TurnID: cmd.token})
		c.deps.Metrics.RecordTurn("", c.cfg.Model, "discarded", 0)
		c.logger.Debug("discarding late turn result", "turn_id", cmd.token)
		return
	}

	c.activeToken = 0
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}

	if cmd.err != nil {
		if errors.Is(cmd.err, context.Canceled) {
			c.emit(TurnDiscardedPayload{TurnID: cmd.token})
			return
		}
		errType := string(turngen.ErrProviderFailed)
		if typed, ok := turngen.AsError(cmd.err); ok {
			errType = string(typed.Type)
		}
		c.emit(TurnFailedPayload{
			TurnID:    cmd.token,
			ErrorType: errType,
			Message:   cmd.err.Error(),
		})
		c.deps.Metrics.RecordTurn("", c.cfg.Model, "failed", 0)
		c.deps.Metrics.RecordError("turngen", errType)
		c.setState(StateListening)
		return
	}

	res := cmd.res
	c.history = append(c.history, turngen.Message{
		Role:    turngen.RoleAssistant,
		Content: res.Text,
	})

	c.emit(TurnCompletedPayload{
		TurnID:       cmd.token,
		Text:         res.Text,
		Provider:     res.Provider,
		Model:        res.Model,
		InputTokens:  res.Usage.InputTokens,
		OutputTokens: res.Usage.OutputTokens,
		LatencyMs:    res.Latency.Milliseconds(),
	})
	c.deps.Metrics.RecordTurn(res.Provider, res.Model, "completed", res.Latency)
	c.deps.Metrics.RecordTokens(res.Provider, res.Model, res.Usage.InputTokens, res.Usage.OutputTokens)

	select {
	case c.replies <- Reply{CallID: c.id, TurnID: cmd.token, Text: res.Text}:
		c.speakingTurn = cmd.token
		c.setState(StateSpeaking)
	default:
		// Nothing will ever play this reply; stay receptive instead
		// of waiting for a barge-in that cannot come.
		c.logger.Warn("reply channel full, dropping reply", "turn_id", cmd.token)
		c.emit(TurnDiscardedPayload{TurnID: cmd.token})
		c.setState(StateListening)
	}
}

// handlePlayed applies a playback-completion mark: the reply has been
// fully spoken, so the call goes back to listening.
func (c *Call) handlePlayed(turnID int64) {
	c.lastActivity = time.Now()
	if c.State() != StateSpeaking || turnID != c.speakingTurn {
		c.logger.Debug("ignoring stale playback mark", "turn_id", turnID)
		return
	}
	c.speakingTurn = 0
	c.setState(StateListening)
}

// handleSpeechStarted applies a barge-in. The in-flight turn is
// cancelled before the state machine reports listening, so a late
// result always observes a stale token.
func (c *Call) handleSpeechStarted() {
	c.lastActivity = time.Now()

	state := c.State()
	if state != StateThinking && state != StateSpeaking {
		return
	}

	turnID := c.activeToken
	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.activeToken = 0
	c.speakingTurn = 0

	c.emit(BargeInPayload{TurnID: turnID, During: state.String()})
	c.deps.Metrics.RecordBargeIn()

	if state == StateSpeaking {
		// Playback may already be running; tell the transport to
		// flush it.
		select {
		case c.interrupts <- struct{}{}:
		default:
		}
	}

	c.setState(StateListening)
}

// finish tears down conversation resources and marks the call ended.
// Runs on the actor goroutine.
func (c *Call) finish(reason string) {
	if c.State() == StateEnded {
		return
	}

	if c.cancelTurn != nil {
		c.cancelTurn()
		c.cancelTurn = nil
	}
	c.activeToken = 0

	if err := c.stream.Close(); err != nil {
		c.logger.Warn("closing speech stream", "error", err)
	}

	c.emit(CallEndedPayload{
		Reason:     reason,
		DurationMs: time.Since(c.started).Milliseconds(),
		Turns:      c.turnSeq,
	})
	c.deps.Metrics.RecordCallEnd(reason, time.Since(c.started))

	c.setState(StateEnded)
	c.logger.Info("call ended", "reason", reason, "turns", c.turnSeq)
}

// teardown releases channel resources after the actor exits.
func (c *Call) teardown() {
	c.cancel()
	if c.onEnd != nil {
		c.onEnd(c.id)
	}
	close(c.replies)
	close(c.interrupts)
	close(c.done)
}

func (c *Call) setState(next State) {
	prev := State(c.state.Swap(int32(next)))
	if prev != next {
		c.logger.Debug("state change", "from", prev.String(), "to", next.String())
	}
}

// emit offers one event to the sink with the next per-call sequence
// number. Called only from the actor goroutine (and newCall, before
// the actor starts), so ordering is preserved.
func (c *Call) emit(p eventPayload) {
	c.eventSeq++
	c.deps.Sink.Emit(trace.Event{
		CallID:    c.id,
		Seq:       c.eventSeq,
		Type:      p.EventType(),
		Payload:   p,
		Timestamp: time.Now(),
	})
}
