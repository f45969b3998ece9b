package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

var (
	ErrWatcherAlreadyRunning = errors.New("watcher already running")
	ErrSubscriptionClosed    = errors.New("event subscription closed")
)

const (
	defaultBackfillRange      = 2000
	defaultResubscribeBackoff = 5 * time.Second
	defaultEventBuffer        = 256

	eventStatusSuccess   = "success"
	eventStatusFailed    = "failed"
	eventStatusDuplicate = "duplicate"
	eventStatusMalformed = "malformed"
	eventStatusRemoved   = "removed"
)

// LogSource 事件日志来源 (blockchain.Client 实现)
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// MatchEventHandler 对局事件处理器
type MatchEventHandler interface {
	HandleEvent(ctx context.Context, event *model.MatchEvent) error
}

// WatcherServiceConfig 监听器配置
type WatcherServiceConfig struct {
	// Enabled 为 false 时 Start 只打印警告
	Enabled            bool
	ChainID            int64
	BackfillBlockRange int64
	ResubscribeBackoff time.Duration
	EventBuffer        int
}

// WatcherService 对局合约事件监听
// 订阅一次, 先从检查点补扫再转发实时日志; 单个消费协程按到达顺序分发
type WatcherService struct {
	source         LogSource
	engine         *contract.MatchEngineContract
	checkpointRepo repository.CheckpointRepository
	handler        MatchEventHandler
	cfg            WatcherServiceConfig

	events chan types.Log

	mu      sync.Mutex
	running bool
	sub     ethereum.Subscription
	cancel  context.CancelFunc

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcherService 创建监听器
func NewWatcherService(
	source LogSource,
	engine *contract.MatchEngineContract,
	checkpointRepo repository.CheckpointRepository,
	handler MatchEventHandler,
	cfg WatcherServiceConfig,
) *WatcherService {
	if cfg.BackfillBlockRange <= 0 {
		cfg.BackfillBlockRange = defaultBackfillRange
	}
	if cfg.ResubscribeBackoff <= 0 {
		cfg.ResubscribeBackoff = defaultResubscribeBackoff
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}

	return &WatcherService{
		source:         source,
		engine:         engine,
		checkpointRepo: checkpointRepo,
		handler:        handler,
		cfg:            cfg,
		events:         make(chan types.Log, cfg.EventBuffer),
		stopCh:         make(chan struct{}),
	}
}

// Start 启动订阅与消费协程, 不阻塞
func (s *WatcherService) Start(ctx context.Context) error {
	if !s.cfg.Enabled || s.source == nil || s.engine == nil {
		logger.Warn("match event watcher disabled: websocket endpoint or MatchEngine address not configured")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrWatcherAlreadyRunning
	}
	select {
	case <-s.stopCh:
		return ErrSubscriptionClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	s.wg.Add(2)
	go s.consume(ctx)
	go s.run(ctx)

	logger.Info("match event watcher started",
		zap.Int64("chain_id", s.cfg.ChainID),
		zap.String("contract", s.engine.Address().Hex()))
	return nil
}

// Stop 取消订阅并等待协程退出, 可重复调用
func (s *WatcherService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)

		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		if s.sub != nil {
			s.sub.Unsubscribe()
			s.sub = nil
		}
		wasRunning := s.running
		s.running = false
		s.mu.Unlock()

		s.wg.Wait()
		if wasRunning {
			logger.Info("match event watcher stopped")
		}
	})
}

func (s *WatcherService) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// run 订阅断开后退避重连, 每次重连都从检查点补扫
func (s *WatcherService) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		err := s.watch(ctx)
		if s.stopped() || ctx.Err() != nil {
			return
		}

		metrics.WatcherResubscribes.Inc()
		logger.Warn("match event subscription dropped; resubscribing",
			zap.Duration("backoff", s.cfg.ResubscribeBackoff),
			zap.Error(err))

		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.ResubscribeBackoff):
		}
	}
}

// watch 先订阅再补扫, 补扫完成后才转发实时日志, 保证顺序; 重叠部分由事件台账去重
func (s *WatcherService) watch(ctx context.Context) error {
	live := make(chan types.Log, s.cfg.EventBuffer)
	sub, err := s.source.SubscribeFilterLogs(ctx, s.engine.FilterQuery(nil, nil), live)
	if err != nil {
		return fmt.Errorf("subscribe match events: %w", err)
	}
	if !s.setSubscription(sub) {
		sub.Unsubscribe()
		return nil
	}
	defer s.clearSubscription(sub)

	if err := s.backfill(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = ErrSubscriptionClosed
			}
			return err
		case l := <-live:
			if !s.enqueue(l) {
				return nil
			}
		}
	}
}

func (s *WatcherService) setSubscription(sub ethereum.Subscription) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped() {
		return false
	}
	s.sub = sub
	return true
}

func (s *WatcherService) clearSubscription(sub ethereum.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == sub {
		s.sub.Unsubscribe()
		s.sub = nil
	}
}

// backfill 从检查点区块 (含) 补扫到当前高度; 无检查点时以当前高度为起点写入检查点
func (s *WatcherService) backfill(ctx context.Context) error {
	head, err := s.source.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("get head block: %w", err)
	}

	contractAddr := s.engine.Address().Hex()
	checkpoint, err := s.checkpointRepo.Get(ctx, s.cfg.ChainID, contractAddr)
	if errors.Is(err, repository.ErrCheckpointNotFound) {
		logger.Info("no watcher checkpoint; starting from head", zap.Uint64("block", head))
		return s.checkpointRepo.Upsert(ctx, &model.BlockCheckpoint{
			ChainID:         s.cfg.ChainID,
			ContractAddress: contractAddr,
			BlockNumber:     int64(head),
		})
	}
	if err != nil {
		return fmt.Errorf("load checkpoint: %w", err)
	}

	from := uint64(checkpoint.BlockNumber)
	if from > head {
		return nil
	}

	logger.Info("backfilling match events",
		zap.Uint64("from_block", from),
		zap.Uint64("to_block", head))

	step := uint64(s.cfg.BackfillBlockRange)
	for start := from; start <= head; start += step {
		end := start + step - 1
		if end > head {
			end = head
		}

		logs, err := s.source.FilterLogs(ctx, s.engine.FilterQuery(new(big.Int).SetUint64(start), new(big.Int).SetUint64(end)))
		if err != nil {
			return fmt.Errorf("filter logs %d-%d: %w", start, end, err)
		}
		for _, l := range logs {
			if !s.enqueue(l) {
				return nil
			}
		}
	}
	return nil
}

func (s *WatcherService) enqueue(l types.Log) bool {
	select {
	case s.events <- l:
		return true
	case <-s.stopCh:
		return false
	}
}

// consume 唯一的消费协程
func (s *WatcherService) consume(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case l := <-s.events:
			s.process(ctx, l)
		}
	}
}

// process 处理单条日志; 任何错误只记录, 不中断消费
func (s *WatcherService) process(ctx context.Context, l types.Log) {
	txHash := l.TxHash.Hex()

	if l.Removed {
		logger.Warn("match event removed by reorg",
			zap.String("tx_hash", txHash),
			zap.Uint("log_index", l.Index))
		metrics.RecordChainEvent("unknown", eventStatusRemoved, 0)
		return
	}

	exists, err := s.checkpointRepo.EventExists(ctx, txHash, int(l.Index))
	if err != nil {
		logger.Error("check processed event failed",
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}
	if exists {
		metrics.RecordChainEvent("unknown", eventStatusDuplicate, 0)
		return
	}

	event, err := s.engine.ParseLog(l)
	if err != nil {
		logger.Warn("decode match event failed",
			zap.String("tx_hash", txHash),
			zap.Uint("log_index", l.Index),
			zap.Error(err))
		metrics.RecordChainEvent("unknown", eventStatusMalformed, l.BlockNumber)
		s.markProcessed(ctx, l, &model.MatchEvent{BlockNumber: l.BlockNumber, BlockHash: l.BlockHash.Hex(), TxHash: txHash, LogIndex: l.Index})
		return
	}

	status := eventStatusSuccess
	if err := s.dispatch(ctx, event); err != nil {
		status = eventStatusFailed
		logger.Error("handle match event failed",
			zap.String("event", string(event.Type)),
			zap.String("match_id", event.ExternalMatchID),
			zap.String("tx_hash", txHash),
			zap.Error(err))
	}
	metrics.RecordChainEvent(string(event.Type), status, event.BlockNumber)
	s.markProcessed(ctx, l, event)
}

// dispatch 调用处理器, panic 转为错误
func (s *WatcherService) dispatch(ctx context.Context, event *model.MatchEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.HandleEvent(ctx, event)
}

// markProcessed 记入事件台账并推进检查点
func (s *WatcherService) markProcessed(ctx context.Context, l types.Log, event *model.MatchEvent) {
	data, _ := json.Marshal(event)
	record := &model.ChainEvent{
		ChainID:         s.cfg.ChainID,
		BlockNumber:     int64(l.BlockNumber),
		TxHash:          l.TxHash.Hex(),
		LogIndex:        int(l.Index),
		EventType:       event.Type,
		ExternalMatchID: event.ExternalMatchID,
		EventData:       string(data),
	}
	checkpoint := &model.BlockCheckpoint{
		ChainID:         s.cfg.ChainID,
		ContractAddress: s.engine.Address().Hex(),
		BlockNumber:     int64(l.BlockNumber),
		BlockHash:       l.BlockHash.Hex(),
	}

	if err := s.checkpointRepo.MarkProcessed(ctx, record, checkpoint); err != nil {
		logger.Error("save processed event failed",
			zap.String("tx_hash", record.TxHash),
			zap.Uint("log_index", l.Index),
			zap.Error(err))
	}
}
