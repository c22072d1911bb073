package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ragline/ragline/pkg/logger"
)

const streamBudget = 5 * time.Minute

// Config for the OpenAI-compatible client.
type Config struct {
	APIKey      string  `env:"LLM_API_KEY,required"`
	BaseURL     string  `env:"LLM_BASE_URL"`
	Model       string  `env:"LLM_MODEL" envDefault:"gpt-4o"`
	Temperature float32 `env:"LLM_TEMPERATURE" envDefault:"0.2"`
	MaxTokens   int     `env:"LLM_MAX_TOKENS" envDefault:"2048"`
	Timeout     int     `env:"LLM_TIMEOUT" envDefault:"120"`
}

// Client talks to an OpenAI-compatible completion endpoint.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
	maxTokens   int
	logger      *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates the completion client. BaseURL, when set, routes to
// any provider speaking the OpenAI protocol.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyRequired
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout: time.Duration(timeout) * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	c := &Client{
		api:         openai.NewClientWithConfig(clientConfig),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		logger:      logger.NewNope(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Chat performs one synchronous completion.
func (c *Client) Chat(ctx context.Context, req Request) (string, Usage, error) {
	start := time.Now()

	resp, err := c.api.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return "", Usage{}, fmt.Errorf("llm: chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, ErrEmptyResponse
	}

	usage := Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		TotalMS:          time.Since(start).Milliseconds(),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// ChatStream performs a streaming completion.
func (c *Client) ChatStream(ctx context.Context, req Request) (<-chan string, <-chan Usage, <-chan error) {
	contentCh := make(chan string, 16)
	usageCh := make(chan Usage, 1)
	errCh := make(chan error, 1)

	go func() {
		defer close(contentCh)
		defer close(usageCh)
		defer close(errCh)

		ctx, cancel := context.WithTimeout(ctx, streamBudget)
		defer cancel()

		start := time.Now()
		var firstChunk time.Time

		stream, err := c.api.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
		if err != nil {
			c.logger.ErrorContext(ctx, "open completion stream failed", slog.Any("error", err))
			errCh <- fmt.Errorf("%w: %w", ErrStreamCreate, err)
			return
		}
		defer func() { _ = stream.Close() }()

		var usage Usage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				usage.TotalMS = time.Since(start).Milliseconds()
				if !firstChunk.IsZero() {
					usage.FirstTokenMS = firstChunk.Sub(start).Milliseconds()
				}
				usageCh <- usage
				return
			}
			if err != nil {
				c.logger.ErrorContext(ctx, "completion stream broke", slog.Any("error", err))
				errCh <- fmt.Errorf("%w: %w", ErrStreamRecv, err)
				return
			}

			if resp.Usage != nil {
				usage.PromptTokens = resp.Usage.PromptTokens
				usage.CompletionTokens = resp.Usage.CompletionTokens
				usage.TotalTokens = resp.Usage.TotalTokens
			}
			if len(resp.Choices) == 0 {
				continue
			}

			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}
			if firstChunk.IsZero() {
				firstChunk = time.Now()
			}
			select {
			case contentCh <- delta:
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
	}()

	return contentCh, usageCh, errCh
}

func (c *Client) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

var _ Service = (*Client)(nil)
