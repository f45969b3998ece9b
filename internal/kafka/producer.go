// Package kafka 提供 Kafka 生产者功能
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// 1. Topic: gambit-move-events
//    - 消费者: 前端推送网关 (对局直播)
//    - 消息内容: MatchMoveEvent (每步走子)
//    - Partition Key: match_id, 保证同一对局内有序
//
// 2. Topic: gambit-agent-actions
//    - 消费者: Agent 执行器 (持有 Agent 钱包, 执行 approve / acceptChallenge)
//    - 消息内容: AgentActionInstruction (自然语言指令)
//    - Partition Key: agent_id
//
// 3. Topic: gambit-match-results
//    - 消费者: 结算服务 (调用 settleMatch)
//    - 消息内容: MatchResultEvent
//    - Partition Key: match_id
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const (
	// TopicMoveEvents 走子事件
	TopicMoveEvents = "gambit-move-events"

	// TopicAgentActions Agent 指令
	TopicAgentActions = "gambit-agent-actions"

	// TopicMatchResults 对局结果
	TopicMatchResults = "gambit-match-results"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewSaramaConfig 构建生产者 sarama 配置
func NewSaramaConfig(cfg *ProducerConfig) *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	config.Producer.RequiredAcks = cfg.RequiredAcks
	if config.Producer.RequiredAcks == 0 {
		config.Producer.RequiredAcks = sarama.WaitForAll
	}

	config.Producer.Retry.Max = cfg.MaxRetries
	if config.Producer.Retry.Max == 0 {
		config.Producer.Retry.Max = 3
	}

	config.Producer.Retry.Backoff = cfg.RetryBackoff
	if config.Producer.Retry.Backoff == 0 {
		config.Producer.Retry.Backoff = 100 * time.Millisecond
	}
	return config
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewSaramaConfig(cfg))
	if err != nil {
		return nil, err
	}
	return NewProducerWithClient(producer), nil
}

// NewProducerWithClient 使用已有的 SyncProducer
func NewProducerWithClient(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者, 可重复调用
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	p.closed = true
	return p.producer.Close()
}

func (p *Producer) send(topic string, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		metrics.RecordKafkaMessage(topic, false)
		return err
	}
	metrics.RecordKafkaMessage(topic, true)

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))

	return nil
}

func (p *Producer) sendJSON(topic, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.send(topic, key, data)
}

// SendMoveEvent 发送走子事件
func (p *Producer) SendMoveEvent(ctx context.Context, event *model.MatchMoveEvent) error {
	return p.sendJSON(TopicMoveEvents, event.ExternalMatchID, event)
}

// SendAgentAction 发送 Agent 指令
func (p *Producer) SendAgentAction(ctx context.Context, action *model.AgentActionInstruction) error {
	return p.sendJSON(TopicAgentActions, action.AgentID, action)
}

// SendMatchResult 发送对局结果
func (p *Producer) SendMatchResult(ctx context.Context, result *model.MatchResultEvent) error {
	return p.sendJSON(TopicMatchResults, result.ExternalMatchID, result)
}
