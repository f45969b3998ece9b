// Package client 外部规则 / 分析服务客户端
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/config"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const (
	defaultRulesTimeout  = 10 * time.Second
	defaultMaxRetries    = 3
	defaultRetryInterval = 500 * time.Millisecond
)

// CreateGameRequest 创建棋局请求
type CreateGameRequest struct {
	WhiteAgentID    string `json:"whiteAgentId"`
	BlackAgentID    string `json:"blackAgentId"`
	ExternalMatchID string `json:"matchId,omitempty"`
}

// RulesClient 规则服务接口
type RulesClient interface {
	CreateGame(ctx context.Context, req *CreateGameRequest) (*model.GameState, error)
	RequestCandidates(ctx context.Context, req *model.CandidateRequest) (*model.CandidateResponse, error)
	ApplyMove(ctx context.Context, gameID string, move model.Move) (*model.MoveResult, error)
}

// HTTPRulesClient 基于 HTTP 的规则服务客户端
type HTTPRulesClient struct {
	baseURL       string
	httpClient    *http.Client
	maxRetries    int
	retryInterval time.Duration
}

// NewHTTPRulesClient 创建规则服务客户端
func NewHTTPRulesClient(cfg config.RulesConfig) *HTTPRulesClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = defaultRulesTimeout
	}
	return &HTTPRulesClient{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		maxRetries:    defaultMaxRetries,
		retryInterval: defaultRetryInterval,
	}
}

// CreateGame 创建棋局
func (c *HTTPRulesClient) CreateGame(ctx context.Context, req *CreateGameRequest) (*model.GameState, error) {
	var game model.GameState
	if err := c.do(ctx, http.MethodPost, "/games", req, &game); err != nil {
		return nil, err
	}
	if game.ID == "" {
		return nil, errors.ErrUpstream.WithMessage("rules service returned game without id")
	}
	return &game, nil
}

// RequestCandidates 请求引擎候选走法, 只读操作可重试
func (c *HTTPRulesClient) RequestCandidates(ctx context.Context, req *model.CandidateRequest) (*model.CandidateResponse, error) {
	var resp model.CandidateResponse
	err := c.withRetry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(req.GameID)+"/candidates", req, &resp)
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ApplyMove 提交走法, 不重试
func (c *HTTPRulesClient) ApplyMove(ctx context.Context, gameID string, move model.Move) (*model.MoveResult, error) {
	var result model.MoveResult
	if err := c.do(ctx, http.MethodPost, "/games/"+url.PathEscape(gameID)+"/moves", move, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// withRetry 仅对上游失败重试
func (c *HTTPRulesClient) withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		lastErr = fn()
		if lastErr == nil || !errors.IsUpstreamFailure(lastErr) {
			return lastErr
		}
		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return errors.Wrap(errors.ErrTimeout, ctx.Err())
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

func (c *HTTPRulesClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(errors.ErrInternal, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		logger.Warn("rules service error",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(text)))
		return statusError(resp.StatusCode, strings.TrimSpace(string(text)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapWithCause(errors.ErrUpstream, err, "decode %s %s", method, path)
	}
	return nil
}

func statusError(status int, body string) error {
	msg := fmt.Sprintf("rules service HTTP %d", status)
	if body != "" {
		msg += ": " + body
	}
	switch {
	case status == http.StatusNotFound:
		return errors.ErrNotFound.WithMessage(msg)
	case status == http.StatusConflict:
		return errors.ErrConflict.WithMessage(msg)
	case status >= 400 && status < 500:
		return errors.ErrInvalidInput.WithMessage(msg)
	default:
		return errors.ErrUpstream.WithMessage(msg)
	}
}
