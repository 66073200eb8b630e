package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agrimater/internal/logging"
	"agrimater/internal/netguard"
	"agrimater/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// coalesceKeyPrefix is the number of message runes that take part in the
// coalescing key.
const coalesceKeyPrefix = 50

// Fetcher sends a request through the outbound governor. *netguard.Guard
// satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, req netguard.Request) (*netguard.Response, error)
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options tune a single completion. Zero values take the configured defaults.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	// History holds earlier messages of the session, oldest first. They are
	// folded into the system prompt.
	History []Message
}

// Usage is the token accounting echoed by the API.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is a successful completion. Coalesced callers share one Result.
type Result struct {
	Response  string `json:"response"`
	ModelUsed string `json:"modelUsed"`
	Usage     *Usage `json:"usage,omitempty"`
}

// HealthResult is the outcome of a health probe.
type HealthResult struct {
	Model  string `json:"model"`
	Sample string `json:"sample"`
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// Service is the completion client. It coalesces identical concurrent
// requests, retries application level failures and falls back across models.
type Service struct {
	config  *Config
	fetcher Fetcher
	logger  *zap.Logger
	group   singleflight.Group
}

// NewService creates a completion client that sends through fetcher.
func NewService(config *Config, fetcher Fetcher, logger *zap.Logger) *Service {
	logger = logging.OrNop(logger)
	return &Service{
		config:  config,
		fetcher: fetcher,
		logger:  logger,
	}
}

// GetConfig returns the service's configuration
func (s *Service) GetConfig() *Config {
	return s.config
}

// ChatCompletion returns a completion for message. Concurrent calls with the
// same session and the same first 50 runes of message share one request and
// one result, even when their options differ. The shared request outlives a
// caller that gives up; ctx only bounds this caller's wait.
func (s *Service) ChatCompletion(ctx context.Context, message, sessionID string, opts Options) (*Result, error) {
	key := sessionID + ":" + utils.Truncate(message, coalesceKeyPrefix)

	ch := s.group.DoChan(key, func() (any, error) {
		return s.executeWithRetry(context.WithoutCancel(ctx), message, key, opts)
	})

	select {
	case res := <-ch:
		if res.Shared {
			s.logger.Debug("Completion shared with concurrent caller", zap.String("key", key))
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Result), nil
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

// ChatCompletionWithModelFallback tries the preferred model and then every
// fallback model in order. When all fail it returns a *FallbackError wrapping
// the preferred model's error.
func (s *Service) ChatCompletionWithModelFallback(ctx context.Context, message, sessionID string, opts Options) (*Result, error) {
	preferred := opts.Model
	if preferred == "" {
		preferred = s.config.DefaultModel
	}
	opts.Model = preferred

	res, initialErr := s.ChatCompletion(ctx, message, sessionID, opts)
	if initialErr == nil {
		return res, nil
	}
	if stopsFallback(ctx, initialErr) {
		return nil, initialErr
	}

	s.logger.Warn("Preferred model failed, trying alternatives",
		zap.String("model", preferred), zap.Error(initialErr))

	tried := []string{preferred}
	for _, model := range s.config.FallbackModels {
		if model == preferred {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		tried = append(tried, model)

		alt := opts
		alt.Model = model
		res, err := s.ChatCompletion(ctx, message, sessionID, alt)
		if err == nil {
			s.logger.Info("Alternative model succeeded", zap.String("model", model))
			return res, nil
		}
		s.logger.Warn("Alternative model also failed", zap.String("model", model), zap.Error(err))
		if stopsFallback(ctx, err) {
			return nil, err
		}
	}

	return nil, &FallbackError{Tried: tried, Err: initialErr}
}

// stopsFallback reports whether switching models cannot help: the key is
// missing, the caller gave up, or the request was cancelled through the
// governor.
func stopsFallback(ctx context.Context, err error) bool {
	return errors.Is(err, ErrAPIKeyMissing) || errors.Is(err, netguard.ErrCancelled) || ctx.Err() != nil
}

// HealthCheck sends a five token ping to the default model without retries.
func (s *Service) HealthCheck(ctx context.Context) (*HealthResult, error) {
	if s.config.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	req := chatRequest{
		Model: s.config.DefaultModel,
		Messages: []Message{
			{Role: "system", Content: "health check"},
			{Role: "user", Content: "ping"},
		},
		Temperature: 0,
		MaxTokens:   5,
	}
	res, err := s.complete(ctx, req)
	if err != nil {
		return nil, err
	}
	return &HealthResult{Model: s.config.DefaultModel, Sample: res.Response}, nil
}

func (s *Service) executeWithRetry(ctx context.Context, message, key string, opts Options) (*Result, error) {
	if s.config.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}
	req := s.buildRequest(message, opts)

	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := utils.Backoff(attempt-1, s.config.BaseDelay, s.config.MaxDelay)
			s.logger.Warn("Completion attempt failed, retrying",
				zap.String("key", key),
				zap.String("model", req.Model),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(lastErr))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		res, err := s.complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}

	s.logger.Error("All completion attempts failed",
		zap.String("key", key),
		zap.String("model", req.Model),
		zap.Int("attempts", s.config.MaxRetries+1),
		zap.Error(lastErr))
	return nil, lastErr
}

// complete performs one completion exchange.
func (s *Service) complete(ctx context.Context, body chatRequest) (*Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Authorization", "Bearer "+s.config.APIKey)

	resp, err := s.fetcher.Fetch(ctx, netguard.Request{
		Method: http.MethodPost,
		URL:    s.config.BaseURL,
		Header: header,
		Body:   payload,
	})
	if err != nil {
		var httpErr *netguard.HTTPError
		if errors.As(err, &httpErr) {
			return nil, newAPIError(httpErr)
		}
		return nil, err
	}

	var data chatResponse
	if err := resp.DecodeJSON(&data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(data.Choices) == 0 || data.Choices[0].Message.Content == "" {
		return nil, ErrMalformedResponse
	}

	model := data.Model
	if model == "" {
		model = body.Model
	}
	return &Result{
		Response:  data.Choices[0].Message.Content,
		ModelUsed: model,
		Usage:     data.Usage,
	}, nil
}

func (s *Service) buildRequest(message string, opts Options) chatRequest {
	model := opts.Model
	if model == "" {
		model = s.config.DefaultModel
	}
	temperature := s.config.Temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}
	maxTokens := s.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	return chatRequest{
		Model: model,
		Messages: []Message{
			{Role: "system", Content: systemPrompt(s.config.SystemPrompt, opts.History)},
			{Role: "user", Content: message},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	}
}

// systemPrompt appends the conversation history to the base prompt.
func systemPrompt(base string, history []Message) string {
	if len(history) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nPrevious conversation context:\n")
	for _, m := range history {
		speaker := "You"
		if m.Role == "user" {
			speaker = "User"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, m.Content)
	}
	b.WriteString("\nUse this context to provide personalized and contextual responses. Reference past discussions when relevant.")
	return b.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
