// Package intent classifies finalized caller transcripts into intent
// categories using a fixed signal table. Classification is a pure
// function: no network calls, no side effects, and it never fails for
// well-formed text — unmatched input maps to a low-confidence
// "unknown" intent.
package intent

import (
	"strings"
)

// TypeUnknown is returned when no signal matches the transcript.
const TypeUnknown = "unknown"

// UnknownConfidence is the fixed confidence of the unknown fallback.
const UnknownConfidence = 0.2

// Intent is the result of classifying one transcript.
type Intent struct {
	Type       string   `json:"type"`
	Confidence float64  `json:"confidence"`
	SignalIDs  []string `json:"signal_ids,omitempty"`
}

// Signal maps a set of phrases to an intent type with a fixed
// confidence. Matching is case-insensitive substring containment over
// the normalized transcript.
type Signal struct {
	ID         string   `yaml:"id" json:"id"`
	Intent     string   `yaml:"intent" json:"intent"`
	Confidence float64  `yaml:"confidence" json:"confidence"`
	Phrases    []string `yaml:"phrases" json:"phrases"`
}

// Router classifies transcripts against a signal table. A Router is
// immutable after construction and safe for concurrent use.
type Router struct {
	signals []Signal
}

// NewRouter creates a router over the given signals. A nil or empty
// slice uses the built-in default table.
func NewRouter(signals []Signal) *Router {
	if len(signals) == 0 {
		signals = DefaultSignals()
	}
	normalized := make([]Signal, len(signals))
	copy(normalized, signals)
	for i := range normalized {
		phrases := make([]string, len(normalized[i].Phrases))
		for j, p := range normalized[i].Phrases {
			phrases[j] = normalize(p)
		}
		normalized[i].Phrases = phrases
	}
	return &Router{signals: normalized}
}

// Classify maps a transcript to an intent. When several signals match,
// the one with the highest confidence wins; every matching signal id
// is reported so analytics can see which phrases fired.
func (r *Router) Classify(text string) Intent {
	normalized := normalize(text)
	if normalized == "" {
		return Intent{Type: TypeUnknown, Confidence: UnknownConfidence}
	}

	best := Intent{Type: TypeUnknown, Confidence: UnknownConfidence}
	matched := false
	var signalIDs []string

	for _, sig := range r.signals {
		for _, phrase := range sig.Phrases {
			if phrase == "" || !strings.Contains(normalized, phrase) {
				continue
			}
			signalIDs = append(signalIDs, sig.ID)
			if !matched || sig.Confidence > best.Confidence {
				best.Type = sig.Intent
				best.Confidence = sig.Confidence
				matched = true
			}
			break
		}
	}

	if matched {
		best.SignalIDs = signalIDs
	}
	return best
}

// normalize lowercases and collapses whitespace so phrase matching is
// insensitive to casing and STT spacing quirks.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// DefaultSignals is the built-in signal table. Confidence values are
// fixed per entry, not computed.
func DefaultSignals() []Signal {
	return []Signal{
		{
			ID:         "sig-schedule-next",
			Intent:     "schedule_query",
			Confidence: 0.92,
			Phrases:    []string{"next meeting", "my schedule", "my calendar", "what time is my", "when is my"},
		},
		{
			ID:         "sig-task-create",
			Intent:     "task_create",
			Confidence: 0.88,
			Phrases:    []string{"remind me", "add a task", "put on my list", "don't let me forget"},
		},
		{
			ID:         "sig-message-send",
			Intent:     "message_send",
			Confidence: 0.85,
			Phrases:    []string{"send a message", "text ", "tell them", "let them know"},
		},
		{
			ID:         "sig-call-delegate",
			Intent:     "delegate_request",
			Confidence: 0.83,
			Phrases:    []string{"can you call", "reach out to", "on my behalf"},
		},
		{
			ID:         "sig-smalltalk",
			Intent:     "smalltalk",
			Confidence: 0.6,
			Phrases:    []string{"hello", "good morning", "good evening", "how are you"},
		},
		{
			ID:         "sig-end-call",
			Intent:     "end_call",
			Confidence: 0.9,
			Phrases:    []string{"goodbye", "that's all", "hang up", "talk to you later"},
		},
	}
}
