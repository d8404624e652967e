package speech

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"encoding/json"

	"github.com/gorilla/websocket"
)

const (
	defaultEncoding   = "pcm_mulaw"
	defaultSampleRate = 8000
	defaultLanguage   = "en"
)

// WSProvider speaks a websocket streaming STT protocol: binary frames
// carry raw audio upstream, JSON text frames carry transcripts and
// voice-activity signals downstream.
type WSProvider struct {
	name    string
	baseURL string
	apiKey  string
	dialer  *websocket.Dialer
}

// WSOption customizes a WSProvider.
type WSOption func(*WSProvider)

// WithDialer replaces the websocket dialer, mainly for tests.
func WithDialer(d *websocket.Dialer) WSOption {
	return func(p *WSProvider) { p.dialer = d }
}

// NewWSProvider creates a provider for the STT service at baseURL
// (e.g. "wss://stt.example.com/v1/stream").
func NewWSProvider(name, baseURL, apiKey string, opts ...WSOption) *WSProvider {
	p := &WSProvider{
		name:    name,
		baseURL: baseURL,
		apiKey:  apiKey,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *WSProvider) Name() string {
	return p.name
}

// OpenStream dials the vendor and starts the read loop for one call.
func (p *WSProvider) OpenStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse stt url: %w", err)
	}

	encoding := opts.Encoding
	if encoding == "" {
		encoding = defaultEncoding
	}
	sampleRate := opts.SampleRate
	if sampleRate == 0 {
		sampleRate = defaultSampleRate
	}
	language := opts.Language
	if language == "" {
		language = defaultLanguage
	}

	q := u.Query()
	q.Set("encoding", encoding)
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("language", language)
	if opts.Model != "" {
		q.Set("model", opts.Model)
	}
	if opts.CallID != "" {
		q.Set("call_id", opts.CallID)
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	if p.apiKey != "" {
		headers.Set("Authorization", "Bearer "+p.apiKey)
	}

	conn, resp, err := p.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if len(body) > 0 {
				return nil, fmt.Errorf("stt connect (status %d): %s", resp.StatusCode, body)
			}
		}
		return nil, fmt.Errorf("stt connect: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &wsStream{
		conn:     conn,
		segments: make(chan Segment, 64),
		started:  make(chan struct{}, 4),
		done:     make(chan struct{}),
		ctx:      sctx,
		cancel:   cancel,
	}
	go s.readLoop()
	return s, nil
}

// wsStream is one live websocket transcription session.
type wsStream struct {
	conn     *websocket.Conn
	segments chan Segment
	started  chan struct{}
	done     chan struct{}
	closed   atomic.Bool
	writeMu  sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
}

// sttMessage is the downstream frame shape.
type sttMessage struct {
	Type       string  `json:"type"` // "transcript", "speech_started", "error", "done"
	Text       string  `json:"text,omitempty"`
	IsFinal    bool    `json:"is_final,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
}

func (s *wsStream) readLoop() {
	defer func() {
		close(s.segments)
		close(s.done)
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg sttMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "transcript":
			seg := Segment{
				Text:       msg.Text,
				Final:      msg.IsFinal,
				Confidence: msg.Confidence,
			}
			select {
			case s.segments <- seg:
			case <-s.ctx.Done():
				return
			}
		case "speech_started":
			// Non-blocking: a missed signal while one is already
			// pending carries no extra information.
			select {
			case s.started <- struct{}{}:
			default:
			}
		case "done", "error":
			return
		}
	}
}

func (s *wsStream) SendAudio(data []byte) error {
	if s.closed.Load() {
		return fmt.Errorf("stream closed")
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsStream) Segments() <-chan Segment {
	return s.segments
}

func (s *wsStream) SpeechStarted() <-chan struct{} {
	return s.started
}

func (s *wsStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"done"}`))
	_ = s.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()

	return s.conn.Close()
}
