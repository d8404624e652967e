// Package openai implements turn generation against the OpenAI chat
// completions API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/sonavoice/callengine/pkg/turngen"
)

const providerName = "openai"

// Provider generates replies using OpenAI chat models.
type Provider struct {
	client       oai.Client
	defaultModel string
}

// Option customizes a Provider.
type Option func(*Provider)

// WithDefaultModel overrides the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(p *Provider) { p.defaultModel = model }
}

// New creates an OpenAI provider. baseURL may be empty for the public
// endpoint.
func New(apiKey, baseURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	p := &Provider{
		client:       oai.NewClient(reqOpts...),
		defaultModel: "gpt-4o-mini",
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) DefaultModel() string { return p.defaultModel }

// Generate sends the conversation as a chat completion and returns the
// first choice.
func (p *Provider) Generate(ctx context.Context, req *turngen.Request) (*turngen.Result, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	params, err := convRequest(model, req)
	if err != nil {
		return nil, turngen.NewInvalidRequestError(err.Error())
	}

	start := time.Now()
	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return nil, turngen.NewProviderError(providerName, errors.New("no choices in response"))
	}

	return &turngen.Result{
		Text:     completion.Choices[0].Message.Content,
		Provider: providerName,
		Model:    model,
		Usage: turngen.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
		Latency: time.Since(start),
	}, nil
}

func convRequest(model string, req *turngen.Request) (oai.ChatCompletionNewParams, error) {
	params := oai.ChatCompletionNewParams{Model: model}
	for _, msg := range req.Messages {
		switch msg.Role {
		case turngen.RoleSystem:
			params.Messages = append(params.Messages, oai.SystemMessage(msg.Content))
		case turngen.RoleUser:
			params.Messages = append(params.Messages, oai.UserMessage(msg.Content))
		case turngen.RoleAssistant:
			params.Messages = append(params.Messages, oai.AssistantMessage(msg.Content))
		default:
			return oai.ChatCompletionNewParams{}, fmt.Errorf("unsupported role %q", msg.Role)
		}
	}
	if len(params.Messages) == 0 {
		return oai.ChatCompletionNewParams{}, errors.New("no messages")
	}
	if req.Temperature != nil {
		params.Temperature = param.NewOpt(*req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxOutputTokens))
	}
	return params, nil
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return err
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return turngen.NewRateLimitError(providerName, 0, apiErr)
		}
	}
	return turngen.NewProviderError(providerName, err)
}
