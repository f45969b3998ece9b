// Package metrics 提供 eidos-gambit 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_gambit"

// 链上事件指标
var (
	// ChainEventsTotal 已处理链上事件
	ChainEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_events_total",
			Help:      "已处理的对局合约事件数",
		},
		[]string{"event", "status"}, // status: ok/failed/duplicate
	)

	// LastProcessedBlock 最后处理区块
	LastProcessedBlock = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processed_block",
			Help:      "监听器最后处理的区块高度",
		},
	)

	// WatcherResubscribes 重新订阅次数
	WatcherResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watcher_resubscribes_total",
			Help:      "事件订阅断开后重新订阅次数",
		},
	)
)

// 走法仲裁指标
var (
	// MoveDecisionsTotal 走法决策数
	MoveDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "move_decisions_total",
			Help:      "走法决策数",
		},
		[]string{"source"}, // opening/llm/fallback
	)

	// LLMRequestDuration LLM 请求耗时
	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "LLM 请求耗时(秒)",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		},
		[]string{"status"}, // success/error
	)
)

// 对局指标
var (
	// ChallengesTotal 发起挑战数
	ChallengesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_total",
			Help:      "发起的链上挑战数",
		},
		[]string{"status"}, // success/failed
	)

	// MatchesStartedTotal 开局数
	MatchesStartedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_started_total",
			Help:      "开始对弈的对局数",
		},
	)

	// MatchesFinishedTotal 结束对局数
	MatchesFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_finished_total",
			Help:      "结束的对局数",
		},
		[]string{"reason"},
	)

	// ActiveMatchGauge 本进程是否有进行中的对局
	ActiveMatchGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_match",
			Help:      "本进程进行中的对局 (0/1)",
		},
	)
)

// 定时任务指标
var (
	// JobExecutionsTotal 任务执行次数
	JobExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_executions_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job", "status"}, // status: success/failed/skipped
	)

	// JobDuration 任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"job"},
	)
)

// Kafka 指标
var (
	// KafkaMessagesTotal Kafka 消息数
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息发送数",
		},
		[]string{"topic", "status"},
	)
)

// RecordChainEvent 记录链上事件处理
func RecordChainEvent(event, status string, blockNumber uint64) {
	ChainEventsTotal.WithLabelValues(event, status).Inc()
	if blockNumber > 0 {
		LastProcessedBlock.Set(float64(blockNumber))
	}
}

// RecordMoveDecision 记录走法来源
func RecordMoveDecision(source string) {
	MoveDecisionsTotal.WithLabelValues(source).Inc()
}

// RecordLLMRequest 记录 LLM 请求
func RecordLLMRequest(success bool, durationSeconds float64) {
	status := "success"
	if !success {
		status = "error"
	}
	LLMRequestDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordChallenge 记录挑战发起
func RecordChallenge(success bool) {
	if success {
		ChallengesTotal.WithLabelValues("success").Inc()
		return
	}
	ChallengesTotal.WithLabelValues("failed").Inc()
}

// RecordMatchStarted 记录开局
func RecordMatchStarted() {
	MatchesStartedTotal.Inc()
}

// RecordMatchFinished 记录对局结束
func RecordMatchFinished(reason string) {
	MatchesFinishedTotal.WithLabelValues(reason).Inc()
}

// SetActiveMatch 更新进行中对局标记
func SetActiveMatch(active bool) {
	if active {
		ActiveMatchGauge.Set(1)
		return
	}
	ActiveMatchGauge.Set(0)
}

// RecordJobExecution 记录任务执行
func RecordJobExecution(job, status string, durationSeconds float64) {
	JobExecutionsTotal.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(durationSeconds)
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, success bool) {
	status := "success"
	if !success {
		status = "failed"
	}
	KafkaMessagesTotal.WithLabelValues(topic, status).Inc()
}
