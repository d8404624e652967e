package engine

// Event payloads emitted to the trace sink. Each type maps to one
// event type string, mirrored in the payload's EventType method.

type eventPayload interface {
	EventType() string
}

// CallStartedPayload is emitted when a call session is created.
type CallStartedPayload struct {
	Model       string `json:"model"`
	SpeechModel string `json:"speech_model"`
	SampleRate  int    `json:"sample_rate"`
}

func (CallStartedPayload) EventType() string { return "call.started" }

// CallEndedPayload is emitted when a call reaches its terminal state.
type CallEndedPayload struct {
	Reason     string `json:"reason"`
	DurationMs int64  `json:"duration_ms"`
	Turns      int64  `json:"turns"`
}

func (CallEndedPayload) EventType() string { return "call.ended" }

// TranscriptPartialPayload is low-value telemetry for interim
// segments.
type TranscriptPartialPayload struct {
	Text string `json:"text"`
}

func (TranscriptPartialPayload) EventType() string { return "transcript.partial" }

// TranscriptFinalPayload is emitted for the final segment that opens
// a turn.
type TranscriptFinalPayload struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (TranscriptFinalPayload) EventType() string { return "transcript.final" }

// IntentClassifiedPayload records the intent router's decision.
type IntentClassifiedPayload struct {
	Intent     string   `json:"intent"`
	Confidence float64  `json:"confidence"`
	SignalIDs  []string `json:"signal_ids,omitempty"`
}

func (IntentClassifiedPayload) EventType() string { return "intent.classified" }

// TurnStartedPayload is emitted when a turn request is issued.
type TurnStartedPayload struct {
	TurnID    int64  `json:"turn_id"`
	RequestID string `json:"request_id"`
	Model     string `json:"model"`
}

func (TurnStartedPayload) EventType() string { return "turn.started" }

// TurnCompletedPayload carries the generated reply and usage.
type TurnCompletedPayload struct {
	TurnID       int64  `json:"turn_id"`
	Text         string `json:"text"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	LatencyMs    int64  `json:"latency_ms"`
}

func (TurnCompletedPayload) EventType() string { return "turn.completed" }

// TurnFailedPayload is emitted when generation fails; the call stays
// recoverable in the listening state.
type TurnFailedPayload struct {
	TurnID    int64  `json:"turn_id"`
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func (TurnFailedPayload) EventType() string { return "turn.failed" }

// TurnDiscardedPayload is emitted when a late result for a cancelled
// turn arrives and is dropped.
type TurnDiscardedPayload struct {
	TurnID int64 `json:"turn_id"`
}

func (TurnDiscardedPayload) EventType() string { return "turn.discarded" }

// BargeInPayload is emitted when the caller interrupts a pending or
// playing reply.
type BargeInPayload struct {
	TurnID int64  `json:"turn_id,omitempty"`
	During string `json:"during"` // state at interruption
}

func (BargeInPayload) EventType() string { return "barge.in" }

// SpeechErrorPayload is emitted when the speech-to-text session fails.
type SpeechErrorPayload struct {
	Message string `json:"message"`
}

func (SpeechErrorPayload) EventType() string { return "speech.error" }
