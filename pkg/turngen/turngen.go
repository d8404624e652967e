// Package turngen generates one assistant reply per caller turn. It
// abstracts language-model providers behind a single Generate
// operation with idempotency keys: two requests carrying the same
// request id against the same provider execute the underlying
// generation at most once, and the cached result is reused for the
// lifetime of the owning call.
package turngen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of the conversation history sent to a provider.
type Message struct {
	Role    Role   `json:"role" msgpack:"role"`
	Content string `json:"content" msgpack:"content"`
}

// Request describes one turn generation. Model may carry a provider
// prefix ("gemini/gemini-2.5-flash"); without one the generator's
// default provider is used.
type Request struct {
	Model           string    `json:"model"`
	Messages        []Message `json:"messages"`
	Temperature     *float64  `json:"temperature,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`

	// RequestID is the idempotency key, derived from the call id and
	// turn sequence number by the conversation loop.
	RequestID string `json:"request_id"`
}

// Usage records token accounting for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens" msgpack:"input_tokens"`
	OutputTokens int `json:"output_tokens" msgpack:"output_tokens"`
}

// Result is the reply produced for one turn.
type Result struct {
	Text     string        `json:"text" msgpack:"text"`
	Provider string        `json:"provider" msgpack:"provider"`
	Model    string        `json:"model" msgpack:"model"`
	Usage    Usage         `json:"usage" msgpack:"usage"`
	Latency  time.Duration `json:"latency" msgpack:"latency"`
}

// Provider is one language-model backend. Implementations translate
// Request into their vendor API and must honor context cancellation.
type Provider interface {
	// Name returns the provider identifier (e.g. "gemini", "openai").
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string

	// Generate produces a reply. The model in the request has any
	// provider prefix already stripped.
	Generate(ctx context.Context, req *Request) (*Result, error)
}

// Options configures a Generator.
type Options struct {
	// DefaultProvider is used for requests whose model carries no
	// provider prefix. Required once more than one provider is
	// registered.
	DefaultProvider string

	// Timeout bounds each underlying generation. A request exceeding
	// it fails with ErrTimeout. Default: 10s.
	Timeout time.Duration

	// Cache holds completed results keyed by provider and request id.
	// Nil uses an in-process MemoryCache.
	Cache Cache

	Logger *slog.Logger
}

// Generator routes requests to registered providers and enforces
// idempotency. Safe for concurrent use across calls.
type Generator struct {
	defaultProvider string
	timeout         time.Duration
	cache           Cache
	logger          *slog.Logger

	mu        sync.Mutex
	providers map[string]Provider
	inflight  map[string]*inflight
}

// inflight shares the outcome of an executing generation between
// concurrent callers holding the same idempotency key.
type inflight struct {
	done chan struct{}
	res  *Result
	err  error
}

// New creates a Generator.
func New(opts Options) *Generator {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Cache == nil {
		opts.Cache = NewMemoryCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{
		defaultProvider: opts.DefaultProvider,
		timeout:         opts.Timeout,
		cache:           opts.Cache,
		logger:          opts.Logger,
		providers:       make(map[string]Provider),
		inflight:        make(map[string]*inflight),
	}
}

// Register adds a provider. The first registered provider becomes the
// default when Options.DefaultProvider was empty.
func (g *Generator) Register(p Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers[p.Name()] = p
	if g.defaultProvider == "" {
		g.defaultProvider = p.Name()
	}
}

// Providers returns the registered provider names.
func (g *Generator) Providers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	return names
}

// Generate produces the reply for one turn. Failure modes are reported
// as typed *Error values: timeout, rate limit, and provider errors are
// distinguished and never panic.
func (g *Generator) Generate(ctx context.Context, req *Request) (*Result, error) {
	if req == nil {
		return nil, NewInvalidRequestError("request is nil")
	}
	if req.RequestID == "" {
		return nil, NewInvalidRequestError("request id is required")
	}
	if len(req.Messages) == 0 {
		return nil, NewInvalidRequestError("messages are required")
	}

	provider, model, err := g.resolve(req.Model)
	if err != nil {
		return nil, err
	}
	key := provider.Name() + "\x00" + req.RequestID

	if cached, ok := g.cache.Get(key); ok {
		return cached, nil
	}

	g.mu.Lock()
	if fl, ok := g.inflight[key]; ok {
		g.mu.Unlock()
		select {
		case <-fl.done:
			return fl.res, fl.err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				// Cancelled by the caller (barge-in); propagate as-is
				// so the loop can tell cancellation from a deadline.
				return nil, ctx.Err()
			}
			return nil, NewTimeoutError(provider.Name(), ctx.Err())
		}
	}
	fl := &inflight{done: make(chan struct{})}
	g.inflight[key] = fl
	g.mu.Unlock()

	fl.res, fl.err = g.execute(ctx, provider, model, req)
	if fl.err == nil {
		g.cache.Put(key, fl.res)
	}

	g.mu.Lock()
	delete(g.inflight, key)
	g.mu.Unlock()
	close(fl.done)

	return fl.res, fl.err
}

func (g *Generator) execute(ctx context.Context, provider Provider, model string, req *Request) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	bare := *req
	bare.Model = model

	start := time.Now()
	res, err := provider.Generate(ctx, &bare)
	if err != nil {
		if typed, ok := AsError(err); ok {
			return nil, typed
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, NewTimeoutError(provider.Name(), err)
		}
		if errors.Is(err, context.Canceled) {
			// Cancelled by the caller (barge-in); propagate as-is so
			// the loop can tell cancellation from provider failure.
			return nil, err
		}
		return nil, NewProviderError(provider.Name(), err)
	}

	res.Provider = provider.Name()
	if res.Model == "" {
		res.Model = model
	}
	res.Latency = time.Since(start)
	return res, nil
}

// resolve splits an optional "provider/" prefix off the model name and
// returns the matching provider plus the bare model.
func (g *Generator) resolve(model string) (Provider, string, error) {
	name := g.defaultProvider
	bare := model
	if idx := strings.IndexByte(model, '/'); idx > 0 {
		prefix := model[:idx]
		g.mu.Lock()
		_, known := g.providers[prefix]
		g.mu.Unlock()
		if known {
			name = prefix
			bare = model[idx+1:]
		}
	}

	g.mu.Lock()
	provider, ok := g.providers[name]
	g.mu.Unlock()
	if !ok {
		return nil, "", NewInvalidRequestError(fmt.Sprintf("unknown provider %q", name))
	}
	if bare == "" {
		bare = provider.DefaultModel()
	}
	return provider, bare, nil
}
