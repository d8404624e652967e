package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/sonavoice/callengine/pkg/engine"
	"github.com/sonavoice/callengine/pkg/gateway/config"
	"github.com/sonavoice/callengine/pkg/metrics"
)

// Server ties the stream handler, health endpoints, and metrics
// endpoint into one http.Handler.
type Server struct {
	cfg     config.Config
	engine  *engine.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
	mux     *http.ServeMux
	streams *Tracker
}

func New(cfg config.Config, eng *engine.Engine, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:     cfg,
		engine:  eng,
		metrics: m,
		logger:  logger,
		mux:     http.NewServeMux(),
		streams: NewTracker(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", healthHandler{})
	s.mux.Handle("/readyz", readyHandler{engine: s.engine})
	s.mux.Handle("/v1/stream", StreamHandler{
		Config:  s.cfg,
		Engine:  s.engine,
		Logger:  s.logger,
		Streams: s.streams,
	})
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics.Handler())
	}
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = recoverPanics(s.logger, h)
	h = accessLog(s.logger, h)
	return h
}

// BuildHTTPServer applies the configured listener timeouts.
func (s *Server) BuildHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
}

// Drain ends every active call stream. Used during shutdown after the
// listener has stopped accepting new connections.
func (s *Server) Drain(ctx context.Context) {
	if s.streams.Count() > 0 {
		s.logger.Warn("draining live call streams", "count", s.streams.Count())
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("closing engine", "error", err)
	}
	if !s.streams.Wait(ctx) {
		s.streams.CancelAll()
	}
}

type healthHandler struct{}

func (healthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type readyHandler struct {
	engine *engine.Engine
}

func (h readyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK          bool `json:"ok"`
		ActiveCalls int  `json:"active_calls"`
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(readyResp{OK: true, ActiveCalls: h.engine.ActiveCalls()})
}
