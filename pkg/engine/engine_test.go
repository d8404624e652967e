package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sonavoice/callengine/pkg/intent"
	"github.com/sonavoice/callengine/pkg/speech"
	"github.com/sonavoice/callengine/pkg/trace"
	"github.com/sonavoice/callengine/pkg/turngen"
)

// fakeStream is a controllable speech stream. Tests push segments and
// speech-started signals directly.
type fakeStream struct {
	mu     sync.Mutex
	frames [][]byte

	segments chan speech.Segment
	started  chan struct{}
	closed   atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		segments: make(chan speech.Segment, 16),
		started:  make(chan struct{}, 4),
	}
}

func (s *fakeStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return errors.New("stream closed")
	}
	s.mu.Lock()
	s.frames = append(s.frames, append([]byte(nil), data...))
	s.mu.Unlock()
	return nil
}

func (s *fakeStream) Segments() <-chan speech.Segment { return s.segments }

func (s *fakeStream) SpeechStarted() <-chan struct{} { return s.started }

func (s *fakeStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.segments)
	close(s.started)
	return nil
}

func (s *fakeStream) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type fakeSpeechProvider struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	openErr error
}

func newFakeSpeechProvider() *fakeSpeechProvider {
	return &fakeSpeechProvider{streams: make(map[string]*fakeStream)}
}

func (p *fakeSpeechProvider) Name() string { return "fake-stt" }

func (p *fakeSpeechProvider) OpenStream(_ context.Context, opts speech.StreamOptions) (speech.Stream, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	s := newFakeStream()
	p.mu.Lock()
	p.streams[opts.CallID] = s
	p.mu.Unlock()
	return s, nil
}

func (p *fakeSpeechProvider) stream(callID string) *fakeStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams[callID]
}

// scriptedProvider is a turn provider whose behavior tests control:
// an optional gate blocks Generate until released or cancelled.
type scriptedProvider struct {
	reply string
	err   error
	gate  chan struct{}

	calls atomic.Int64
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) DefaultModel() string { return "scripted-1" }

func (p *scriptedProvider) Generate(ctx context.Context, req *turngen.Request) (*turngen.Result, error) {
	p.calls.Add(1)
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return &turngen.Result{Text: p.reply}, nil
}

// captureSink records events in emission order.
type captureSink struct {
	mu     sync.Mutex
	events []trace.Event
}

func (s *captureSink) Emit(ev trace.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *captureSink) hasType(typ string) bool {
	for _, t := range s.types() {
		if t == typ {
			return true
		}
	}
	return false
}

type testRig struct {
	engine *Engine
	stt    *fakeSpeechProvider
	llm    *scriptedProvider
	sink   *captureSink
}

func newTestRig(t *testing.T, llm *scriptedProvider, genTimeout time.Duration) *testRig {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	gen := turngen.New(turngen.Options{Timeout: genTimeout, Logger: logger})
	gen.Register(llm)

	stt := newFakeSpeechProvider()
	sink := &captureSink{}

	cfg := DefaultConfig()
	cfg.Model = "scripted-1"
	cfg.IdleTimeout = 0

	e := New(cfg, Dependencies{
		Speech:    stt,
		Generator: gen,
		Router:    intent.NewRouter(nil),
		Sink:      sink,
		Logger:    logger,
	})
	t.Cleanup(func() { e.Close() })

	return &testRig{engine: e, stt: stt, llm: llm, sink: sink}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHappyPathTurn(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "Your next meeting is at 3pm"}, 5*time.Second)

	call, err := rig.engine.StartCall("call-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := call.State(); got != StateListening {
		t.Fatalf("state after start = %s, want LISTENING", got)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		if err := rig.engine.HandlePacket(AudioPacket("call-1", seq, []byte{0xff, 0x7f})); err != nil {
			t.Fatalf("audio packet %d: %v", seq, err)
		}
	}

	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "what's my", Final: false}
	stream.segments <- speech.Segment{Text: "what's my next meeting", Final: true, Confidence: 0.94}

	var reply Reply
	select {
	case reply = <-call.Replies():
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
	if reply.Text != "Your next meeting is at 3pm" {
		t.Errorf("reply = %q", reply.Text)
	}
	if reply.CallID != "call-1" || reply.TurnID != 1 {
		t.Errorf("reply envelope = %+v", reply)
	}
	if got := call.State(); got != StateSpeaking {
		t.Errorf("state after reply = %s, want SPEAKING", got)
	}

	waitFor(t, "intent event", func() bool { return rig.sink.hasType("intent.classified") })
	rig.sink.mu.Lock()
	defer rig.sink.mu.Unlock()
	for _, ev := range rig.sink.events {
		if ev.Type != "intent.classified" {
			continue
		}
		p := ev.Payload.(IntentClassifiedPayload)
		if p.Intent != "schedule_query" {
			t.Errorf("intent = %q, want schedule_query", p.Intent)
		}
		if p.Confidence != 0.92 {
			t.Errorf("confidence = %v, want 0.92", p.Confidence)
		}
	}
}

func TestBargeInDuringThinkingDiscardsResult(t *testing.T) {
	gate := make(chan struct{})
	llm := &scriptedProvider{reply: "too late", gate: gate}
	rig := newTestRig(t, llm, 5*time.Second)

	call, err := rig.engine.StartCall("call-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "what's my next meeting", Final: true}

	waitFor(t, "thinking state", func() bool { return call.State() == StateThinking })

	// Caller starts talking again before the reply is ready.
	stream.started <- struct{}{}
	waitFor(t, "listening after barge-in", func() bool { return call.State() == StateListening })

	// Release the provider; its late result must be discarded.
	close(gate)
	waitFor(t, "turn discarded event", func() bool { return rig.sink.hasType("turn.discarded") })

	select {
	case r := <-call.Replies():
		t.Fatalf("discarded reply was delivered: %+v", r)
	case <-time.After(100 * time.Millisecond):
	}
	if got := call.State(); got != StateListening {
		t.Errorf("state = %s, want LISTENING", got)
	}
	if !rig.sink.hasType("barge.in") {
		t.Error("no barge-in event emitted")
	}
}

func TestBargeInDuringSpeakingSignalsInterrupt(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "a long reply"}, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "tell me everything", Final: true}

	select {
	case <-call.Replies():
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
	waitFor(t, "speaking state", func() bool { return call.State() == StateSpeaking })

	stream.started <- struct{}{}

	select {
	case <-call.Interrupts():
	case <-time.After(2 * time.Second):
		t.Fatal("no interrupt signal for barge-in during playback")
	}
	waitFor(t, "listening after barge-in", func() bool { return call.State() == StateListening })
}

func TestGenerationTimeoutRevertsToListening(t *testing.T) {
	gate := make(chan struct{}) // never released; provider hangs
	llm := &scriptedProvider{reply: "never", gate: gate}
	rig := newTestRig(t, llm, 30*time.Millisecond)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "hello there", Final: true}

	waitFor(t, "turn failed event", func() bool { return rig.sink.hasType("turn.failed") })
	waitFor(t, "listening after failure", func() bool { return call.State() == StateListening })

	select {
	case r := <-call.Replies():
		t.Fatalf("reply delivered after timeout: %+v", r)
	case <-time.After(50 * time.Millisecond):
	}

	rig.sink.mu.Lock()
	defer rig.sink.mu.Unlock()
	for _, ev := range rig.sink.events {
		if ev.Type != "turn.failed" {
			continue
		}
		p := ev.Payload.(TurnFailedPayload)
		if p.ErrorType != string(turngen.ErrTimeout) {
			t.Errorf("error type = %q, want timeout_error", p.ErrorType)
		}
	}
}

func TestOutOfOrderAudioDropped(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")

	for _, seq := range []uint64{1, 2, 4, 3} {
		if err := rig.engine.HandlePacket(AudioPacket("call-1", seq, []byte{byte(seq)})); err != nil {
			t.Fatalf("packet %d: %v", seq, err)
		}
	}

	waitFor(t, "three frames forwarded", func() bool { return stream.frameCount() == 3 })
	time.Sleep(50 * time.Millisecond)
	if n := stream.frameCount(); n != 3 {
		t.Fatalf("%d frames forwarded, want 3 (packet 3 dropped)", n)
	}
	stream.mu.Lock()
	defer stream.mu.Unlock()
	for _, f := range stream.frames {
		if f[0] == 3 {
			t.Error("out-of-order frame 3 reached the speech stream")
		}
	}
}

func TestCallEndedIsTerminal(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	if err := rig.engine.HandlePacket(ControlPacket("call-1", ControlCallEnded)); err != nil {
		t.Fatalf("ending call: %v", err)
	}
	<-call.Done()

	if got := call.State(); got != StateEnded {
		t.Errorf("state = %s, want ENDED", got)
	}
	if err := rig.engine.HandlePacket(AudioPacket("call-1", 1, []byte{0})); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("audio after end: err = %v, want ErrUnknownCall", err)
	}
	if err := rig.engine.HandlePacket(ControlPacket("call-1", ControlCallEnded)); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("double end: err = %v, want ErrUnknownCall", err)
	}

	// Replies channel is closed on teardown.
	if _, open := <-call.Replies(); open {
		t.Error("replies channel still open after end")
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	if _, err := rig.engine.StartCall("call-1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := rig.engine.StartCall("call-1"); !errors.Is(err, ErrCallExists) {
		t.Errorf("second start: err = %v, want ErrCallExists", err)
	}
}

func TestUnknownCallRejected(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	if err := rig.engine.HandlePacket(AudioPacket("ghost", 1, []byte{0})); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("err = %v, want ErrUnknownCall", err)
	}
	if err := rig.engine.HandlePacket(ControlPacket("ghost", ControlCallEnded)); !errors.Is(err, ErrUnknownCall) {
		t.Errorf("err = %v, want ErrUnknownCall", err)
	}
}

func TestSpeechStreamFailureEndsCall(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")

	// Provider-side failure surfaces as channel closure.
	stream.Close()

	<-call.Done()
	if got := call.State(); got != StateEnded {
		t.Errorf("state = %s, want ENDED", got)
	}
	if !rig.sink.hasType("speech.error") {
		t.Error("no speech error event emitted")
	}
	if _, live := rig.engine.Lookup("call-1"); live {
		t.Error("failed call still registered")
	}
}

func TestTurnIdempotencyAcrossCallLifetime(t *testing.T) {
	llm := &scriptedProvider{reply: "cached"}
	rig := newTestRig(t, llm, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")

	stream.segments <- speech.Segment{Text: "first question", Final: true}
	<-call.Replies()
	waitFor(t, "speaking", func() bool { return call.State() == StateSpeaking })

	// Reply delivered; caller speaks again, opening a second turn.
	stream.started <- struct{}{}
	waitFor(t, "listening", func() bool { return call.State() == StateListening })
	stream.segments <- speech.Segment{Text: "second question", Final: true}
	<-call.Replies()

	if n := llm.calls.Load(); n != 2 {
		t.Errorf("provider executed %d times, want 2 (one per distinct turn)", n)
	}
}

func TestEventOrderingPerCall(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "hello", Final: true}
	<-call.Replies()
	rig.engine.EndCall("call-1", "call_ended")
	<-call.Done()

	rig.sink.mu.Lock()
	defer rig.sink.mu.Unlock()
	var lastSeq int64
	for _, ev := range rig.sink.events {
		if ev.CallID != "call-1" {
			continue
		}
		if ev.Seq <= lastSeq {
			t.Fatalf("event %q seq %d not after %d", ev.Type, ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
	}

	want := []string{"call.started", "transcript.final", "intent.classified", "turn.started", "turn.completed", "call.ended"}
	got := make([]string, 0, len(want))
	for _, ev := range rig.sink.events {
		for _, w := range want {
			if ev.Type == w {
				got = append(got, ev.Type)
			}
		}
	}
	for i, w := range want {
		if i >= len(got) || got[i] != w {
			t.Fatalf("event order = %v, want subsequence %v", got, want)
		}
	}
}

func TestFinalSegmentOutsideListeningIgnored(t *testing.T) {
	gate := make(chan struct{})
	llm := &scriptedProvider{reply: "answer", gate: gate}
	rig := newTestRig(t, llm, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")

	stream.segments <- speech.Segment{Text: "first", Final: true}
	waitFor(t, "thinking", func() bool { return call.State() == StateThinking })

	// A second final segment while a turn is already open must not
	// start another generation.
	stream.segments <- speech.Segment{Text: "second", Final: true}
	time.Sleep(50 * time.Millisecond)
	close(gate)

	<-call.Replies()
	if n := llm.calls.Load(); n != 1 {
		t.Errorf("provider executed %d times, want 1", n)
	}
}

func TestConcurrentCallsAreIndependent(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "ok"}, 5*time.Second)

	const calls = 8
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			call, err := rig.engine.StartCall(id)
			if err != nil {
				t.Errorf("start %s: %v", id, err)
				return
			}
			rig.stt.stream(id).segments <- speech.Segment{Text: "hello", Final: true}
			select {
			case <-call.Replies():
			case <-time.After(2 * time.Second):
				t.Errorf("call %s: no reply", id)
			}
		}(i)
	}
	wg.Wait()

	if n := rig.engine.ActiveCalls(); n != calls {
		t.Errorf("active calls = %d, want %d", n, calls)
	}
}

func TestPlaybackMarkReturnsToListening(t *testing.T) {
	rig := newTestRig(t, &scriptedProvider{reply: "done and done"}, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "read my messages", Final: true}

	var reply Reply
	select {
	case reply = <-call.Replies():
	case <-time.After(2 * time.Second):
		t.Fatal("no reply delivered")
	}
	waitFor(t, "speaking state", func() bool { return call.State() == StateSpeaking })

	// A mark for some other turn must not end playback.
	if err := call.PlaybackFinished(reply.TurnID + 5); err != nil {
		t.Fatalf("PlaybackFinished: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := call.State(); got != StateSpeaking {
		t.Fatalf("state after stale mark = %s, want SPEAKING", got)
	}

	if err := call.PlaybackFinished(reply.TurnID); err != nil {
		t.Fatalf("PlaybackFinished: %v", err)
	}
	waitFor(t, "listening after playback", func() bool { return call.State() == StateListening })

	if rig.sink.hasType("barge.in") {
		t.Error("playback completion recorded as barge-in")
	}
}

func TestFinalSegmentDuringSpeakingOpensNextTurn(t *testing.T) {
	llm := &scriptedProvider{reply: "here you go"}
	rig := newTestRig(t, llm, 5*time.Second)

	call, _ := rig.engine.StartCall("call-1")
	stream := rig.stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "what's my next meeting", Final: true}

	select {
	case <-call.Replies():
	case <-time.After(2 * time.Second):
		t.Fatal("no first reply")
	}
	waitFor(t, "speaking state", func() bool { return call.State() == StateSpeaking })

	// No speech-started signal, no playback mark: the next final
	// transcript alone must open the next turn.
	stream.segments <- speech.Segment{Text: "and the day after", Final: true}

	var second Reply
	select {
	case second = <-call.Replies():
	case <-time.After(2 * time.Second):
		t.Fatal("no second reply")
	}
	if second.TurnID != 2 {
		t.Errorf("second reply turn id = %d, want 2", second.TurnID)
	}
	if n := llm.calls.Load(); n != 2 {
		t.Errorf("provider calls = %d, want 2", n)
	}
	if rig.sink.hasType("barge.in") {
		t.Error("ordinary next turn recorded as barge-in")
	}
}

func TestUndeliverableReplyRevertsToListening(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	gen := turngen.New(turngen.Options{Timeout: 5 * time.Second, Logger: logger})
	llm := &scriptedProvider{reply: "nobody is listening"}
	gen.Register(llm)

	stt := newFakeSpeechProvider()
	sink := &captureSink{}

	cfg := DefaultConfig()
	cfg.Model = "scripted-1"
	cfg.IdleTimeout = 0
	cfg.ReplyBuffer = 0 // unbuffered, and no consumer attached

	e := New(cfg, Dependencies{
		Speech:    stt,
		Generator: gen,
		Router:    intent.NewRouter(nil),
		Sink:      sink,
		Logger:    logger,
	})
	t.Cleanup(func() { e.Close() })

	call, err := e.StartCall("call-1")
	if err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	stream := stt.stream("call-1")
	stream.segments <- speech.Segment{Text: "hello there", Final: true}

	waitFor(t, "turn completed event", func() bool { return sink.hasType("turn.completed") })
	waitFor(t, "discard of undeliverable reply", func() bool { return sink.hasType("turn.discarded") })
	waitFor(t, "listening after dropped reply", func() bool { return call.State() == StateListening })

	// The call must be able to open the next turn immediately.
	stream.segments <- speech.Segment{Text: "are you there", Final: true}
	waitFor(t, "second turn executed", func() bool { return llm.calls.Load() == 2 })
}
