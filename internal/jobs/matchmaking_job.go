// Package jobs 定时任务实现
package jobs

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/config"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/service"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

// ChallengeOriginator 对局编排能力
type ChallengeOriginator interface {
	HasActiveMatchInProcess() bool
	OriginateChallenge(ctx context.Context, req *service.OriginateChallengeRequest) (*service.OriginateChallengeResult, error)
}

// ShuffleFunc 随机打乱, 签名同 rand.Shuffle
type ShuffleFunc func(n int, swap func(i, j int))

// MatchmakingJob 自动匹配: 挑选最久未下棋的两个 Agent 发起链上挑战
type MatchmakingJob struct {
	scheduler.BaseJob
	orchestrator ChallengeOriginator
	matchRepo    repository.MatchRepository
	agentRepo    repository.AgentRepository
	gameRepo     repository.GameRepository
	stake        decimal.Decimal
	shuffle      ShuffleFunc
}

// MatchmakingOption 可选项
type MatchmakingOption func(*MatchmakingJob)

// WithShuffle 替换随机源
func WithShuffle(fn ShuffleFunc) MatchmakingOption {
	return func(j *MatchmakingJob) { j.shuffle = fn }
}

// NewMatchmakingJob 创建自动匹配任务
func NewMatchmakingJob(
	cfg config.MatchmakingConfig,
	orchestrator ChallengeOriginator,
	matchRepo repository.MatchRepository,
	agentRepo repository.AgentRepository,
	gameRepo repository.GameRepository,
	opts ...MatchmakingOption,
) (*MatchmakingJob, error) {
	stake, err := decimal.NewFromString(cfg.DefaultStakeAmount)
	if err != nil {
		return nil, fmt.Errorf("invalid default stake amount %q: %w", cfg.DefaultStakeAmount, err)
	}
	if !stake.IsPositive() {
		return nil, fmt.Errorf("default stake amount must be positive, got %s", stake)
	}

	j := &MatchmakingJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameMatchmaking,
			time.Duration(cfg.Timeout)*time.Second,
			time.Duration(cfg.LockTTL)*time.Second,
			false,
		),
		orchestrator: orchestrator,
		matchRepo:    matchRepo,
		agentRepo:    agentRepo,
		gameRepo:     gameRepo,
		stake:        stake,
		shuffle:      rand.Shuffle,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// Execute 执行一次匹配
func (j *MatchmakingJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	if j.orchestrator.HasActiveMatchInProcess() {
		return scheduler.SkipResult("active match stream in process"), nil
	}

	open, err := j.matchRepo.CountByStatuses(ctx, model.OpenMatchStatuses)
	if err != nil {
		return nil, fmt.Errorf("count open matches: %w", err)
	}
	if open > 0 {
		return scheduler.SkipResult(fmt.Sprintf("%d pending/active match(es) in store", open)), nil
	}

	eligible, err := j.agentRepo.ListChainEligible(ctx)
	if err != nil {
		return nil, fmt.Errorf("list eligible agents: %w", err)
	}
	if len(eligible) < 2 {
		return scheduler.SkipResult(fmt.Sprintf("only %d eligible agent(s)", len(eligible))), nil
	}

	ids := make([]string, len(eligible))
	for i, a := range eligible {
		ids[i] = a.ID
	}
	lastPlayed, err := j.gameRepo.LastPlayedAt(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load last played: %w", err)
	}

	ordered := j.order(eligible, lastPlayed)
	challenger, opponent := ordered[0], ordered[1]

	logger.Info("auto-match challenging",
		zap.String("challenger_id", challenger.ID),
		zap.String("challenger", challenger.Name),
		zap.String("opponent_id", opponent.ID),
		zap.String("opponent", opponent.Name),
		zap.String("stake", j.stake.String()))

	result, err := j.orchestrator.OriginateChallenge(ctx, &service.OriginateChallengeRequest{
		ChallengerAgentID: challenger.ID,
		OpponentAgentID:   opponent.ID,
		StakeAmount:       j.stake,
	})
	if err != nil {
		return nil, fmt.Errorf("originate challenge: %w", err)
	}

	logger.Info("auto-match challenge created",
		zap.String("match_id", result.MatchID),
		zap.String("external_match_id", result.ExternalMatchID))

	return &scheduler.JobResult{
		Details: map[string]interface{}{
			"challenger":        challenger.ID,
			"opponent":          opponent.ID,
			"match_id":          result.MatchID,
			"external_match_id": result.ExternalMatchID,
		},
	}, nil
}

// order 从未对弈的排最前, 其余按最近对弈时间升序, 同序者随机
func (j *MatchmakingJob) order(agents []*model.Agent, lastPlayed map[string]int64) []*model.Agent {
	ordered := append([]*model.Agent(nil), agents...)
	j.shuffle(len(ordered), func(a, b int) { ordered[a], ordered[b] = ordered[b], ordered[a] })

	sort.SliceStable(ordered, func(a, b int) bool {
		ta, playedA := lastPlayed[ordered[a].ID]
		tb, playedB := lastPlayed[ordered[b].ID]
		if playedA != playedB {
			return !playedA
		}
		return ta < tb
	})
	return ordered
}
