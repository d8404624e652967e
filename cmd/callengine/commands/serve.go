package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/sonavoice/callengine/pkg/engine"
	"github.com/sonavoice/callengine/pkg/gateway"
	"github.com/sonavoice/callengine/pkg/gateway/config"
	"github.com/sonavoice/callengine/pkg/intent"
	"github.com/sonavoice/callengine/pkg/metrics"
	"github.com/sonavoice/callengine/pkg/speech"
	"github.com/sonavoice/callengine/pkg/trace"
	"github.com/sonavoice/callengine/pkg/turngen"
	"github.com/sonavoice/callengine/pkg/turngen/providers/gemini"
	"github.com/sonavoice/callengine/pkg/turngen/providers/openai"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice gateway",
	Long: `Run the websocket voice gateway.

Turn generation credentials are read from environment variables:
  gemini: CALLENGINE_GEMINI_API_KEY
  openai: CALLENGINE_OPENAI_API_KEY [, CALLENGINE_OPENAI_BASE_URL]

At least one provider must be configured. The speech-to-text stream
uses CALLENGINE_SPEECH_WS_URL and CALLENGINE_SPEECH_API_KEY.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	gen, cleanupGen, err := buildGenerator(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupGen()

	sink, cleanupSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanupSink()

	router, err := buildRouter(cfg)
	if err != nil {
		return err
	}

	stt := speech.NewWSProvider("cartesia", cfg.SpeechWSURL, cfg.SpeechAPIKey)
	m := metrics.New(cfg.MetricsNamespace)

	engCfg := engine.DefaultConfig()
	engCfg.Model = cfg.Model
	engCfg.SystemPrompt = cfg.SystemPrompt
	engCfg.MaxOutputTokens = cfg.MaxOutputTokens
	engCfg.SpeechModel = cfg.SpeechModel
	engCfg.Language = cfg.SpeechLang
	engCfg.Encoding = cfg.AudioEncoding
	engCfg.SampleRate = cfg.SampleRate
	engCfg.IdleTimeout = cfg.IdleTimeout

	eng := engine.New(engCfg, engine.Dependencies{
		Speech:    stt,
		Generator: gen,
		Router:    router,
		Sink:      sink,
		Metrics:   m,
		Logger:    logger,
	})

	srv := gateway.New(cfg, eng, m, logger)
	httpSrv := srv.BuildHTTPServer()

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"model", cfg.Model,
		"providers", gen.Providers(),
		"sink", string(cfg.Sink),
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	srv.Drain(drainCtx)

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped")
	return nil
}

func buildGenerator(ctx context.Context, cfg config.Config, logger *slog.Logger) (*turngen.Generator, func(), error) {
	cleanup := func() {}

	var cache turngen.Cache
	if cfg.CacheDir != "" {
		bc, err := turngen.NewBadgerCache(turngen.BadgerCacheOptions{Dir: cfg.CacheDir, Logger: logger})
		if err != nil {
			return nil, nil, fmt.Errorf("open turn cache: %w", err)
		}
		cache = bc
		cleanup = func() {
			if err := bc.Close(); err != nil {
				logger.Warn("closing turn cache", "error", err)
			}
		}
	}

	gen := turngen.New(turngen.Options{
		Timeout: cfg.TurnTimeout,
		Cache:   cache,
		Logger:  logger,
	})

	if cfg.GeminiAPIKey != "" {
		p, err := gemini.New(ctx, cfg.GeminiAPIKey)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("gemini provider: %w", err)
		}
		gen.Register(p)
	}
	if cfg.OpenAIAPIKey != "" {
		p, err := openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("openai provider: %w", err)
		}
		gen.Register(p)
	}
	if len(gen.Providers()) == 0 {
		cleanup()
		return nil, nil, errors.New("no turn provider configured: set CALLENGINE_GEMINI_API_KEY or CALLENGINE_OPENAI_API_KEY")
	}
	return gen, cleanup, nil
}

func buildSink(ctx context.Context, cfg config.Config, logger *slog.Logger) (trace.Sink, func(), error) {
	switch cfg.Sink {
	case config.SinkNop, "":
		return trace.Nop{}, func() {}, nil

	case config.SinkLog:
		return trace.NewLogSink(logger), func() {}, nil

	case config.SinkWS:
		w := trace.NewWSWriter(cfg.SinkWSURL, nil)
		b := trace.NewBuffered(w, trace.BufferedOptions{Logger: logger})
		cleanup := func() {
			if err := b.Close(); err != nil {
				logger.Warn("closing trace sink", "error", err)
			}
			if err := w.Close(); err != nil {
				logger.Warn("closing trace writer", "error", err)
			}
		}
		return b, cleanup, nil

	case config.SinkPostgres:
		if err := trace.Migrate(cfg.PostgresDSN); err != nil {
			return nil, nil, fmt.Errorf("migrate trace store: %w", err)
		}
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect trace store: %w", err)
		}
		b := trace.NewBuffered(trace.NewPGWriter(pool), trace.BufferedOptions{Logger: logger})
		cleanup := func() {
			if err := b.Close(); err != nil {
				logger.Warn("closing trace sink", "error", err)
			}
			pool.Close()
		}
		return b, cleanup, nil

	default:
		return nil, nil, fmt.Errorf("unknown sink kind %q", cfg.Sink)
	}
}

func buildRouter(cfg config.Config) (*intent.Router, error) {
	if cfg.IntentTablePath == "" {
		return intent.NewRouter(nil), nil
	}
	signals, err := intent.LoadSignals(cfg.IntentTablePath)
	if err != nil {
		return nil, fmt.Errorf("load intent table: %w", err)
	}
	return intent.NewRouter(signals), nil
}
