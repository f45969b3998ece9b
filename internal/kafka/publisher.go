package kafka

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

// EventPublisher 对局事件发布器接口
type EventPublisher interface {
	PublishMove(ctx context.Context, event *model.MatchMoveEvent) error
	PublishMatchResult(ctx context.Context, result *model.MatchResultEvent) error
}

// KafkaEventPublisher Kafka 事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{
		producer: producer,
	}
}

func (p *KafkaEventPublisher) PublishMove(ctx context.Context, event *model.MatchMoveEvent) error {
	return p.producer.SendMoveEvent(ctx, event)
}

func (p *KafkaEventPublisher) PublishMatchResult(ctx context.Context, result *model.MatchResultEvent) error {
	return p.producer.SendMatchResult(ctx, result)
}

// ActionExecutor 将 Agent 指令投递到 Kafka, 由 Agent 执行器异步执行
type ActionExecutor struct {
	producer *Producer
	nowFunc  func() time.Time
}

// NewActionExecutor 创建 Agent 指令执行器
func NewActionExecutor(producer *Producer) *ActionExecutor {
	return &ActionExecutor{producer: producer, nowFunc: time.Now}
}

// ExecuteAgentAction 投递指令, 不等待执行结果
func (e *ActionExecutor) ExecuteAgentAction(ctx context.Context, agentID, matchID, instruction string) error {
	return e.producer.SendAgentAction(ctx, &model.AgentActionInstruction{
		AgentID:         agentID,
		ExternalMatchID: matchID,
		Instruction:     instruction,
		CreatedAt:       e.nowFunc().UnixMilli(),
	})
}

// LogEventPublisher Kafka 未启用时只打印日志
type LogEventPublisher struct{}

func (LogEventPublisher) PublishMove(ctx context.Context, event *model.MatchMoveEvent) error {
	logger.Info("match move",
		zap.String("match_id", event.ExternalMatchID),
		zap.Int("ply", event.Ply),
		zap.String("uci", event.UCI),
		zap.String("source", event.Source))
	return nil
}

func (LogEventPublisher) PublishMatchResult(ctx context.Context, result *model.MatchResultEvent) error {
	logger.Info("match result",
		zap.String("match_id", result.ExternalMatchID),
		zap.String("result", result.Result),
		zap.String("reason", result.Reason),
		zap.Int("plies", result.Plies))
	return nil
}

// LogActionExecutor Kafka 未启用时只打印指令
type LogActionExecutor struct{}

func (LogActionExecutor) ExecuteAgentAction(ctx context.Context, agentID, matchID, instruction string) error {
	logger.Info("agent action",
		zap.String("agent_id", agentID),
		zap.String("match_id", matchID),
		zap.String("instruction", instruction))
	return nil
}
