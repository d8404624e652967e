// Package gateway exposes the conversation engine over a websocket
// media-stream endpoint plus health and metrics endpoints.
package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sonavoice/callengine/pkg/engine"
	"github.com/sonavoice/callengine/pkg/gateway/config"
	"github.com/sonavoice/callengine/pkg/gateway/protocol"
)

// StreamHandler handles /v1/stream websocket call streams. One
// websocket connection carries exactly one call.
type StreamHandler struct {
	Config  config.Config
	Engine  *engine.Engine
	Logger  *slog.Logger
	Streams *Tracker
}

// wsConn serializes writes to one websocket connection; the reply
// pump and the read loop both produce outbound frames.
type wsConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	timeout time.Duration
}

func (w *wsConn) writeJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(w.timeout))
}

func (h StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.WSMaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.WSMaxMessageBytes)
	}
	ws := &wsConn{conn: conn, timeout: h.Config.WSWriteTimeout}

	handshake := h.Config.HandshakeTimeout
	if handshake <= 0 {
		handshake = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshake))
	msgType, first, err := conn.ReadMessage()
	if err != nil || msgType != websocket.TextMessage {
		_ = ws.writeJSON(protocol.NewErrorFrame("bad_request", "first frame must be start", true))
		return
	}
	decoded, err := protocol.DecodeClientFrame(first)
	if err != nil {
		_ = ws.writeJSON(protocol.NewErrorFrame(decodeCode(err), err.Error(), true))
		return
	}
	start, ok := decoded.(protocol.StartFrame)
	if !ok {
		_ = ws.writeJSON(protocol.NewErrorFrame("bad_request", "first frame must be start", true))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	conn.SetPongHandler(func(string) error { return nil })

	callID := start.Start.CallID
	logger := h.Logger.With("call_id", callID, "conn_id", uuid.NewString())

	call, err := h.Engine.StartCall(callID)
	if err != nil {
		code := "session_error"
		if errors.Is(err, engine.ErrCallExists) {
			code = "call_exists"
		}
		_ = ws.writeJSON(protocol.NewErrorFrame(code, err.Error(), true))
		return
	}

	unregister := h.Streams.Register(callID, Handle{Cancel: func() { conn.Close() }})
	defer unregister()
	defer func() {
		// Client gone; end the call if the engine still has it.
		if err := h.Engine.EndCall(callID, "transport_closed"); err != nil && !errors.Is(err, engine.ErrUnknownCall) {
			logger.Warn("ending call on disconnect", "error", err)
		}
	}()

	go h.pumpOutbound(ws, call, logger)

	h.readLoop(ws, call, logger)
}

// pumpOutbound forwards replies and barge-in flushes to the client
// until the call ends.
func (h StreamHandler) pumpOutbound(ws *wsConn, call *engine.Call, logger *slog.Logger) {
	ping := time.NewTicker(h.Config.WSPingInterval)
	defer ping.Stop()

	replies := call.Replies()
	interrupts := call.Interrupts()

	for {
		select {
		case reply, ok := <-replies:
			if !ok {
				return
			}
			if err := ws.writeJSON(protocol.NewSpeakFrame(reply.TurnID, reply.Text)); err != nil {
				logger.Warn("writing speak frame", "error", err)
				return
			}
		case _, ok := <-interrupts:
			if !ok {
				return
			}
			if err := ws.writeJSON(protocol.NewClearFrame()); err != nil {
				logger.Warn("writing clear frame", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.ping(); err != nil {
				return
			}
		case <-call.Done():
			return
		}
	}
}

// readLoop consumes inbound frames until the client disconnects or
// sends stop.
func (h StreamHandler) readLoop(ws *wsConn, call *engine.Call, logger *slog.Logger) {
	for {
		msgType, data, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		decoded, err := protocol.DecodeClientFrame(data)
		if err != nil {
			_ = ws.writeJSON(protocol.NewErrorFrame(decodeCode(err), err.Error(), false))
			continue
		}

		switch frame := decoded.(type) {
		case protocol.MediaFrame:
			audio, err := frame.AudioBytes()
			if err != nil {
				_ = ws.writeJSON(protocol.NewErrorFrame("bad_request", err.Error(), false))
				continue
			}
			pkt := engine.AudioPacket(call.ID(), frame.Media.Seq, audio)
			if err := h.Engine.HandlePacket(pkt); err != nil {
				_ = ws.writeJSON(protocol.NewErrorFrame("session_error", err.Error(), true))
				return
			}
		case protocol.MarkFrame:
			logger.Debug("playback mark",
				"turn_id", frame.Mark.TurnID,
				"played_ms", frame.Mark.PlayedMS,
			)
			if err := call.PlaybackFinished(frame.Mark.TurnID); err != nil {
				return
			}
		case protocol.StopFrame:
			if err := h.Engine.EndCall(call.ID(), "call_ended"); err != nil && !errors.Is(err, engine.ErrUnknownCall) {
				logger.Warn("ending call", "error", err)
			}
			return
		case protocol.StartFrame:
			_ = ws.writeJSON(protocol.NewErrorFrame("bad_request", "duplicate start frame", false))
		}
	}
}

func decodeCode(err error) string {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		return de.Code
	}
	return "bad_request"
}
