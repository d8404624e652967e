// Package speech defines the streaming speech-to-text boundary used by
// the conversation engine. A provider opens one Stream per call; the
// stream accepts raw audio frames in arrival order and surfaces
// transcript segments and speech-started signals on channels, so the
// engine can select on them alongside its own command queue.
package speech

import (
	"context"
)

// Segment is one transcription result. Interim segments (Final=false)
// are advisory and may be revised; a final segment is complete.
type Segment struct {
	Text       string
	Final      bool
	Confidence float64
}

// StreamOptions configures a streaming session for one call.
type StreamOptions struct {
	CallID     string
	Model      string
	Language   string
	Encoding   string // e.g. "pcm_mulaw"
	SampleRate int    // Hz
}

// Stream is a live transcription session bound to one call.
//
// Segments is closed when the session ends, whether by Close or by a
// provider-side failure; after Close no further segments are
// delivered and buffered audio is discarded. Close is idempotent.
type Stream interface {
	// SendAudio forwards one raw audio frame. Frames must be sent in
	// arrival order. Returns an error after Close.
	SendAudio(data []byte) error

	// Segments yields interim and final transcript segments.
	Segments() <-chan Segment

	// SpeechStarted signals that the provider detected the caller
	// beginning to speak. Used by the engine for barge-in.
	SpeechStarted() <-chan struct{}

	// Close tears down the session and releases resources. Safe to
	// call multiple times.
	Close() error
}

// Provider opens streaming sessions against a speech-to-text vendor.
type Provider interface {
	Name() string
	OpenStream(ctx context.Context, opts StreamOptions) (Stream, error)
}
