// Package protocol defines the websocket media-stream wire format
// spoken between the telephony gateway and its clients.
//
// Inbound frames follow the common IVR media-stream shape: a start
// frame announcing the call and audio format, media frames carrying
// base64 mu-law audio with a sequence number, and a stop frame.
// Outbound frames carry reply text for synthesis, playback-flush
// requests, and errors.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// StartFrame opens a call stream.
type StartFrame struct {
	Event string `json:"event"`
	Start struct {
		CallID       string `json:"call_id"`
		Encoding     string `json:"encoding"`
		SampleRateHz int    `json:"sample_rate_hz"`
		Channels     int    `json:"channels"`
	} `json:"start"`
}

// MediaFrame carries one audio chunk.
type MediaFrame struct {
	Event string `json:"event"`
	Media struct {
		Seq        uint64 `json:"seq"`
		PayloadB64 string `json:"payload_b64"`
	} `json:"media"`
}

// AudioBytes decodes the base64 payload.
func (f MediaFrame) AudioBytes() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(f.Media.PayloadB64)
	if err != nil {
		return nil, badRequest("media.payload_b64 is not valid base64", "media.payload_b64")
	}
	return data, nil
}

// MarkFrame acknowledges client-side playback progress. Advisory only.
type MarkFrame struct {
	Event string `json:"event"`
	Mark  struct {
		TurnID   int64 `json:"turn_id"`
		PlayedMS int64 `json:"played_ms"`
	} `json:"mark"`
}

// StopFrame ends a call stream.
type StopFrame struct {
	Event string `json:"event"`
}

// DecodeClientFrame parses one inbound websocket text frame.
func DecodeClientFrame(data []byte) (any, error) {
	var envelope struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	event := strings.TrimSpace(envelope.Event)
	if event == "" {
		return nil, badRequest("missing event", "event")
	}

	switch event {
	case "start":
		var msg StartFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid start frame", "")
		}
		if err := ValidateStart(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "media":
		var msg MediaFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid media frame", "")
		}
		if strings.TrimSpace(msg.Media.PayloadB64) == "" {
			return nil, badRequest("media.payload_b64 is required", "media.payload_b64")
		}
		return msg, nil
	case "mark":
		var msg MarkFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid mark frame", "")
		}
		return msg, nil
	case "stop":
		var msg StopFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid stop frame", "")
		}
		return msg, nil
	default:
		return nil, badRequest("unsupported event", "event")
	}
}

// ValidateStart checks the negotiated call parameters.
func ValidateStart(msg StartFrame) error {
	if strings.TrimSpace(msg.Start.CallID) == "" {
		return badRequest("start.call_id is required", "start.call_id")
	}
	if strings.TrimSpace(msg.Start.Encoding) == "" {
		return badRequest("start.encoding is required", "start.encoding")
	}
	if msg.Start.Encoding != "pcm_mulaw" {
		return unsupported("only pcm_mulaw audio is supported", "start.encoding")
	}
	if msg.Start.SampleRateHz != 8000 {
		return unsupported("only 8000Hz audio is supported", "start.sample_rate_hz")
	}
	if msg.Start.Channels != 0 && msg.Start.Channels != 1 {
		return unsupported("only mono audio is supported", "start.channels")
	}
	return nil
}

// SpeakFrame carries generated reply text for synthesis and playback.
type SpeakFrame struct {
	Event string `json:"event"`
	Speak struct {
		TurnID int64  `json:"turn_id"`
		Text   string `json:"text"`
	} `json:"speak"`
}

// NewSpeakFrame builds a speak frame.
func NewSpeakFrame(turnID int64, text string) SpeakFrame {
	f := SpeakFrame{Event: "speak"}
	f.Speak.TurnID = turnID
	f.Speak.Text = text
	return f
}

// ClearFrame tells the client to flush buffered playback immediately
// (barge-in).
type ClearFrame struct {
	Event string `json:"event"`
}

// NewClearFrame builds a clear frame.
func NewClearFrame() ClearFrame {
	return ClearFrame{Event: "clear"}
}

// ErrorFrame reports a protocol or session error to the client.
type ErrorFrame struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

// NewErrorFrame builds an error frame.
func NewErrorFrame(code, message string, closing bool) ErrorFrame {
	return ErrorFrame{Event: "error", Code: code, Message: message, Close: closing}
}
