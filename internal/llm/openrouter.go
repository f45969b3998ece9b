// Package llm 提供 OpenRouter chat completion 客户端
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eapache/go-resiliency/breaker"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/config"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const (
	DefaultBaseURL     = "https://openrouter.ai/api/v1"
	DefaultModel       = "z-ai/glm-4.7-flash"
	defaultTimeout     = 15 * time.Second
	defaultTemperature = 0.2
	defaultMaxTokens   = 80
	maxLoggedBody      = 500
)

// LLM 错误, 均归类为上游失败
var (
	ErrNotConfigured = errors.New(errors.KindUpstream, "LLM_NOT_CONFIGURED", "OPEN_ROUTER_API_KEY is not set")
	ErrRequestFailed = errors.New(errors.KindUpstream, "LLM_REQUEST_FAILED", "OpenRouter request failed")
	ErrEmptyContent  = errors.New(errors.KindUpstream, "LLM_EMPTY_CONTENT", "OpenRouter response missing message content")
	ErrBreakerOpen   = errors.New(errors.KindUpstream, "LLM_BREAKER_OPEN", "OpenRouter circuit breaker is open")
)

// Role 消息角色
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message 对话消息
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest chat completion 参数, 零值字段使用默认值
type ChatRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// ChatCompleter chat completion 接口
type ChatCompleter interface {
	ChatCompletion(ctx context.Context, req *ChatRequest) (string, error)
}

type completionBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	Stream      bool      `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// OpenRouterClient OpenRouter 客户端
type OpenRouterClient struct {
	cfg        config.LLMConfig
	httpClient *http.Client
	breaker    *breaker.Breaker
}

// NewOpenRouterClient 创建客户端
func NewOpenRouterClient(cfg config.LLMConfig) *OpenRouterClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	failures := cfg.BreakerFailures
	if failures <= 0 {
		failures = 5
	}
	reset := time.Duration(cfg.BreakerTimeout) * time.Second
	if reset <= 0 {
		reset = 30 * time.Second
	}

	return &OpenRouterClient{
		cfg:        cfg,
		httpClient: &http.Client{},
		breaker:    breaker.New(failures, 1, reset),
	}
}

// ChatCompletion 发送一次请求并返回首个 choice 的文本, 不重试
func (c *OpenRouterClient) ChatCompletion(ctx context.Context, req *ChatRequest) (string, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return "", ErrNotConfigured
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var content string
	err := c.breaker.Run(func() error {
		var callErr error
		content, callErr = c.do(ctx, req)
		return callErr
	})
	if err == breaker.ErrBreakerOpen {
		return "", ErrBreakerOpen
	}
	if err != nil {
		return "", err
	}
	return content, nil
}

func (c *OpenRouterClient) do(ctx context.Context, req *ChatRequest) (string, error) {
	body := completionBody{
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if body.Model == "" {
		body.Model = c.cfg.Model
	}
	if body.Temperature == 0 {
		body.Temperature = defaultTemperature
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultMaxTokens
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.Referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		httpReq.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", errors.Wrap(ErrRequestFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		logger.Warn("openrouter error",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(text)))
		return "", ErrRequestFailed.WithMessage(fmt.Sprintf("OpenRouter request failed: HTTP %d", resp.StatusCode))
	}

	var out completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", errors.Wrap(ErrRequestFailed, err)
	}
	if len(out.Choices) == 0 || out.Choices[0].Message.Content == "" {
		return "", ErrEmptyContent
	}
	return out.Choices[0].Message.Content, nil
}
