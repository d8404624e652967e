package trace

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WSWriter ships event batches to a trace collector over a websocket
// connection. Batches are msgpack-encoded binary messages; the
// connection is dialed lazily and redialed after a write failure so a
// collector restart does not wedge the sink.
type WSWriter struct {
	url    string
	header http.Header
	dialer *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSWriter creates a writer for the given collector URL
// (e.g. "wss://traces.example.com/v1/ingest").
func NewWSWriter(url string, header http.Header) *WSWriter {
	return &WSWriter{
		url:    url,
		header: header,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (w *WSWriter) WriteEvents(ctx context.Context, events []Event) error {
	data, err := msgpack.Marshal(events)
	if err != nil {
		return fmt.Errorf("encode trace batch: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		conn, _, err := w.dialer.DialContext(ctx, w.url, w.header)
		if err != nil {
			return fmt.Errorf("dial trace collector: %w", err)
		}
		w.conn = conn
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(deadline)
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		w.conn.Close()
		w.conn = nil
		return fmt.Errorf("write trace batch: %w", err)
	}
	return nil
}

// Close closes the collector connection if one is open.
func (w *WSWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	_ = w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	err := w.conn.Close()
	w.conn = nil
	return err
}
