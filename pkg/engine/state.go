package engine

import (
	"time"
)

// State is the conversation state of one call.
type State int

const (
	// StateIdle is the initial state before the call has started.
	StateIdle State = iota
	// StateListening is when the caller's speech is being transcribed.
	StateListening
	// StateThinking is when a reply is being generated.
	StateThinking
	// StateSpeaking is when a reply has been handed off for playback.
	StateSpeaking
	// StateEnded is terminal; no transitions leave it.
	StateEnded
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateListening:
		return "LISTENING"
	case StateThinking:
		return "THINKING"
	case StateSpeaking:
		return "SPEAKING"
	case StateEnded:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Config holds per-call conversation settings applied to every call
// the engine creates.
type Config struct {
	// Model is the turn generation model, optionally provider-prefixed
	// ("gemini/gemini-2.5-flash").
	Model string

	// SystemPrompt is prepended to the conversation history.
	SystemPrompt string

	// Temperature controls reply randomness. Nil uses provider default.
	Temperature *float64

	// MaxOutputTokens bounds reply length. Zero uses provider default.
	MaxOutputTokens int

	// SpeechModel, Language, Encoding, and SampleRate configure the
	// speech-to-text stream opened for each call.
	SpeechModel string
	Language    string
	Encoding    string
	SampleRate  int

	// IdleTimeout ends a call that has received no packets for this
	// long. Zero disables idle reaping.
	IdleTimeout time.Duration

	// CommandBuffer sizes the per-call inbound queue. Audio arriving
	// while the queue is full is dropped.
	CommandBuffer int

	// ReplyBuffer sizes the per-call reply channel.
	ReplyBuffer int
}

// DefaultConfig returns a Config with sensible defaults for 8kHz
// mu-law telephony audio.
func DefaultConfig() Config {
	return Config{
		Model:           "gemini/gemini-2.5-flash",
		MaxOutputTokens: 256,
		SpeechModel:     "ink-whisper",
		Language:        "en",
		Encoding:        "pcm_mulaw",
		SampleRate:      8000,
		IdleTimeout:     2 * time.Minute,
		CommandBuffer:   256,
		ReplyBuffer:     8,
	}
}
