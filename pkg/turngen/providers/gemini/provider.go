// Package gemini implements turn generation against the Google Gemini
// API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/genai"

	"github.com/sonavoice/callengine/pkg/turngen"
)

const providerName = "gemini"

// Provider generates replies using Gemini models.
type Provider struct {
	client       *genai.Client
	defaultModel string
}

// Option customizes a Provider.
type Option func(*Provider)

// WithDefaultModel overrides the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(p *Provider) { p.defaultModel = model }
}

// New creates a Gemini provider. The API key must be non-empty.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("gemini: api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p := &Provider{
		client:       client,
		defaultModel: "gemini-2.5-flash",
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) DefaultModel() string { return p.defaultModel }

// Generate sends the conversation to Gemini and returns the reply
// text. System messages become the system instruction; assistant
// messages map to the "model" role.
func (p *Provider) Generate(ctx context.Context, req *turngen.Request) (*turngen.Result, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	cfg, contents, err := convRequest(req)
	if err != nil {
		return nil, turngen.NewInvalidRequestError(err.Error())
	}

	start := time.Now()
	resp, err := p.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Candidates) == 0 {
		return nil, turngen.NewProviderError(providerName, errors.New("no candidates in response"))
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			sb.WriteString(part.Text)
		}
	}

	res := &turngen.Result{
		Text:     sb.String(),
		Provider: providerName,
		Model:    model,
		Latency:  time.Since(start),
	}
	if um := resp.UsageMetadata; um != nil {
		res.Usage = turngen.Usage{
			InputTokens:  int(um.PromptTokenCount),
			OutputTokens: int(um.CandidatesTokenCount),
		}
	}
	return res, nil
}

func convRequest(req *turngen.Request) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		cfg.Temperature = &t
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}

	var contents []*genai.Content
	for _, msg := range req.Messages {
		switch msg.Role {
		case turngen.RoleSystem:
			if cfg.SystemInstruction == nil {
				cfg.SystemInstruction = &genai.Content{}
			}
			cfg.SystemInstruction.Parts = append(cfg.SystemInstruction.Parts,
				genai.NewPartFromText(msg.Content))
		case turngen.RoleUser:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
			})
		case turngen.RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{genai.NewPartFromText(msg.Content)},
			})
		default:
			return nil, nil, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	if len(contents) == 0 {
		return nil, nil, errors.New("no user or assistant messages")
	}
	return cfg, contents, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var ae *apierror.APIError
	if errors.As(err, &ae) {
		if ae.HTTPCode() == http.StatusTooManyRequests {
			return turngen.NewRateLimitError(providerName, 0, ae)
		}
	}
	return turngen.NewProviderError(providerName, err)
}
