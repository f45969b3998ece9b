package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

var (
	ErrNoHealthyRPC    = errors.New("no healthy RPC endpoint available")
	ErrWSNotConfigured = errors.New("websocket endpoint not configured")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrTxFailed        = errors.New("transaction failed")
	ErrReceiptTimeout  = errors.New("timed out waiting for receipt")
	ErrClientClosed    = errors.New("blockchain client closed")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端
// HTTP 端点用于查询与发送交易 (多端点故障切换), WS 端点只用于事件订阅
type Client struct {
	chainID int64

	endpoints  []*RPCEndpoint
	currentIdx int
	rpc        *ethclient.Client

	wsURL string
	ws    *ethclient.Client

	mu     sync.RWMutex
	closed bool

	maxRetries      int
	retryInterval   time.Duration
	receiptPoll     time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID         int64
	RPCURLs         []string
	WSURL           string
	MaxRetries      int
	RetryInterval   time.Duration
	ReceiptPoll     time.Duration
	HealthCheckFreq time.Duration
}

// NewClient 创建区块链客户端
func NewClient(ctx context.Context, cfg *ClientConfig) (*Client, error) {
	var endpoints []*RPCEndpoint
	for _, url := range cfg.RPCURLs {
		if url == "" {
			continue
		}
		endpoints = append(endpoints, &RPCEndpoint{URL: url, IsHealthy: true})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	c := &Client{
		chainID:         cfg.ChainID,
		endpoints:       endpoints,
		wsURL:           cfg.WSURL,
		maxRetries:      cfg.MaxRetries,
		retryInterval:   cfg.RetryInterval,
		receiptPoll:     cfg.ReceiptPoll,
		healthCheckFreq: cfg.HealthCheckFreq,
	}
	if c.maxRetries == 0 {
		c.maxRetries = 3
	}
	if c.retryInterval == 0 {
		c.retryInterval = time.Second
	}
	if c.receiptPoll == 0 {
		c.receiptPoll = 2 * time.Second
	}
	if c.healthCheckFreq == 0 {
		c.healthCheckFreq = 30 * time.Second
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// connect 从当前端点开始轮询, 连上第一个链 ID 可读的端点
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]
		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		client, err := ethclient.DialContext(ctx, ep.URL)
		if err == nil {
			_, err = client.ChainID(ctx)
			if err != nil {
				client.Close()
			}
		}
		ep.LastCheck = time.Now()
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			logger.Warn("rpc endpoint unavailable", zap.String("url", ep.URL), zap.Error(err))
			continue
		}

		if c.rpc != nil {
			c.rpc.Close()
		}
		c.rpc = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		return nil
	}
	return ErrNoHealthyRPC
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client, closed := c.rpc, c.closed
	c.mu.RUnlock()

	if closed {
		return nil, ErrClientClosed
	}
	if client != nil {
		return client, nil
	}
	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rpc, nil
}

func (c *Client) markUnhealthy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.currentIdx < len(c.endpoints) {
		c.endpoints[c.currentIdx].IsHealthy = false
		c.endpoints[c.currentIdx].ErrorCount++
		c.endpoints[c.currentIdx].LastCheck = time.Now()
	}
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	if len(c.endpoints) > 1 {
		c.currentIdx = (c.currentIdx + 1) % len(c.endpoints)
	}
}

// withRetry 带重试的操作, 失败时切换端点
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err == nil {
			err = fn(client)
			if err == nil {
				return nil
			}
			if isPermanent(err) {
				return err
			}
			c.markUnhealthy()
		}
		if errors.Is(err, ErrClientClosed) {
			return err
		}
		lastErr = err

		if i < c.maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
	}
	return lastErr
}

// isPermanent 不需要切换端点的错误
func isPermanent(err error) bool {
	return errors.Is(err, ethereum.NotFound) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// FilterLogs 过滤日志
func (c *Client) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, query)
		return err
	})
	return logs, err
}

// TransactionReceipt 获取交易回执
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		return err
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, ErrTxNotFound
	}
	return receipt, err
}

// WaitReceipt 轮询直到交易上链; 回执状态失败返回 ErrTxFailed
func (c *Client) WaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt.Status == types.ReceiptStatusSuccessful:
			return receipt, nil
		case err == nil:
			return receipt, ErrTxFailed
		case !errors.Is(err, ErrTxNotFound):
			if ctx.Err() != nil {
				return nil, ErrReceiptTimeout
			}
			logger.Warn("get receipt failed", zap.String("tx_hash", txHash.Hex()), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易 (不重试, 避免重复广播后误判)
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	client, err := c.getClient(ctx)
	if err != nil {
		return err
	}
	return client.SendTransaction(ctx, tx)
}

// CallContract 调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// SubscribeFilterLogs 通过 WS 端点订阅日志, 连接懒加载
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	ws, err := c.wsClient(ctx)
	if err != nil {
		return nil, err
	}
	sub, err := ws.SubscribeFilterLogs(ctx, query, ch)
	if err != nil {
		// 连接可能已断开, 下次订阅时重连
		c.mu.Lock()
		if c.ws == ws {
			c.ws.Close()
			c.ws = nil
		}
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

func (c *Client) wsClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClientClosed
	}
	if c.wsURL == "" {
		return nil, ErrWSNotConfigured
	}
	if c.ws != nil {
		return c.ws, nil
	}
	ws, err := ethclient.DialContext(ctx, c.wsURL)
	if err != nil {
		return nil, err
	}
	c.ws = ws
	return ws, nil
}

// Close 关闭客户端, 可重复调用
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	if c.rpc != nil {
		c.rpc.Close()
		c.rpc = nil
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
}

// HealthCheck 健康检查, 读取最新区块号
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}
