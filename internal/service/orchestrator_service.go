package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/client"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const (
	defaultMoveDelay      = 2 * time.Second
	defaultMaxPlies       = 400
	resultPublishTimeout  = 5 * time.Second
	challengeInstruction  = "You have been challenged to a chess match.\nFirst, approve %s USDC for the MatchEngine contract at %s.\nThen, call the tool named \"acceptChallenge\" with exactly this parameter:\n- matchId: \"%s\"\nDo this now."
	resultUnknown         = "*"
	finishReasonGameOver  = "game_over"
	finishReasonCheckmate = "checkmate"
	finishReasonStalemate = "stalemate"
	finishReasonDraw      = "draw"
	finishReasonMaxPlies  = "max_plies"
	finishReasonShutdown  = "shutdown"
	finishReasonError     = "error"
)

// AgentActionExecutor 让 Agent 自主执行一段自然语言指令 (投递即返回)
type AgentActionExecutor interface {
	ExecuteAgentAction(ctx context.Context, agentID, matchID, instruction string) error
}

// ChallengeWriter 链上发起挑战
type ChallengeWriter interface {
	SubmitChallenge(ctx context.Context, challenger *model.Agent, opponentToken string, stake *big.Int) (*blockchain.ChallengeResult, error)
}

// MatchReader 读取链上对局状态
type MatchReader interface {
	GetMatch(ctx context.Context, matchID *big.Int) (*contract.OnChainMatch, error)
}

// TurnPlayer 走一步棋
type TurnPlayer interface {
	PlayTurn(ctx context.Context, agent *model.Agent, gameID string) (*TurnResult, error)
}

// OriginateChallengeRequest 发起挑战请求
type OriginateChallengeRequest struct {
	ChallengerAgentID string
	OpponentAgentID   string
	StakeAmount       decimal.Decimal
}

// OriginateChallengeResult 发起挑战结果
type OriginateChallengeResult struct {
	MatchID         string
	ExternalMatchID string
}

// StartMatchRequest 开局请求, 挑战方执白
type StartMatchRequest struct {
	WhiteAgentID    string
	BlackAgentID    string
	ExternalMatchID string
}

// StartMatchResult 开局结果
type StartMatchResult struct {
	GameID string
}

// OrchestratorConfig 编排配置
type OrchestratorConfig struct {
	MatchEngineAddress string
	StakeDecimals      int32
	MoveDelay          time.Duration
	MaxPlies           int
}

// OrchestratorService 对局编排服务
// 处理链上对局事件, 发起挑战, 并在进程内同一时间只驱动一盘棋
type OrchestratorService struct {
	matchRepo repository.MatchRepository
	agentRepo repository.AgentRepository
	rules     client.RulesClient
	player    TurnPlayer
	writer    ChallengeWriter
	reader    MatchReader
	executor  AgentActionExecutor
	publisher kafka.EventPublisher
	cfg       OrchestratorConfig

	mu            sync.Mutex
	active        bool
	activeMatchID string
	// stopped 之后不再登记新的对局协程
	stopped bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewOrchestratorService 创建对局编排服务
// writer 为空时不能发起挑战, reader 为空时接受事件不做链上核对
func NewOrchestratorService(
	matchRepo repository.MatchRepository,
	agentRepo repository.AgentRepository,
	rules client.RulesClient,
	player TurnPlayer,
	writer ChallengeWriter,
	reader MatchReader,
	executor AgentActionExecutor,
	publisher kafka.EventPublisher,
	cfg OrchestratorConfig,
) *OrchestratorService {
	if cfg.MoveDelay < 0 {
		cfg.MoveDelay = defaultMoveDelay
	}
	if cfg.MaxPlies <= 0 {
		cfg.MaxPlies = defaultMaxPlies
	}
	if cfg.StakeDecimals <= 0 {
		cfg.StakeDecimals = 6
	}
	if publisher == nil {
		publisher = kafka.LogEventPublisher{}
	}
	if executor == nil {
		executor = kafka.LogActionExecutor{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &OrchestratorService{
		matchRepo: matchRepo,
		agentRepo: agentRepo,
		rules:     rules,
		player:    player,
		writer:    writer,
		reader:    reader,
		executor:  executor,
		publisher: publisher,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// HasActiveMatchInProcess 本进程是否正在驱动对局
func (s *OrchestratorService) HasActiveMatchInProcess() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Stop 中断进行中的对局并等待其退出
func (s *OrchestratorService) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()

		s.cancel()
		s.wg.Wait()
		logger.Info("orchestrator stopped")
	})
}

// OriginateChallenge 以挑战方钱包在链上发起挑战并落库 PENDING 对局
func (s *OrchestratorService) OriginateChallenge(ctx context.Context, req *OriginateChallengeRequest) (*OriginateChallengeResult, error) {
	if req == nil || !req.StakeAmount.IsPositive() {
		return nil, errors.ErrInvalidStake.WithMessage("stake amount is required and must be positive")
	}
	if req.ChallengerAgentID == req.OpponentAgentID {
		return nil, errors.ErrInvalidInput.WithMessage("challenger and opponent must be different agents")
	}

	challenger, err := s.eligibleAgent(ctx, req.ChallengerAgentID)
	if err != nil {
		return nil, err
	}
	opponent, err := s.eligibleAgent(ctx, req.OpponentAgentID)
	if err != nil {
		return nil, err
	}

	stake, err := contract.ToBaseUnits(req.StakeAmount, s.cfg.StakeDecimals)
	if err != nil {
		return nil, errors.ErrInvalidStake.WithMessage(err.Error())
	}

	if s.writer == nil {
		return nil, errors.ErrUpstream.WithMessage("chain writer is not configured")
	}
	onChain, err := s.writer.SubmitChallenge(ctx, challenger, opponent.Token(), stake)
	if err != nil {
		metrics.RecordChallenge(false)
		return nil, errors.WrapWithCause(errors.ErrUpstream, err, "submit challenge")
	}
	metrics.RecordChallenge(true)

	match := &model.Match{
		ID:              uuid.New().String(),
		ExternalMatchID: onChain.ExternalMatchID,
		Agent1Token:     challenger.Token(),
		Agent2Token:     opponent.Token(),
		StakeAmount:     req.StakeAmount,
		Status:          model.MatchStatusPending,
	}
	if err := s.matchRepo.Create(ctx, match); err != nil {
		if !stderrors.Is(err, repository.ErrDuplicateMatch) {
			return nil, err
		}
		// 监听器可能已先行落库
		existing, getErr := s.matchRepo.GetByExternalID(ctx, onChain.ExternalMatchID)
		if getErr != nil {
			return nil, getErr
		}
		match = existing
	}

	logger.Info("challenge originated",
		zap.String("match_id", match.ID),
		zap.String("external_match_id", match.ExternalMatchID),
		zap.String("challenger", challenger.ID),
		zap.String("opponent", opponent.ID),
		zap.String("stake", req.StakeAmount.String()))

	return &OriginateChallengeResult{
		MatchID:         match.ID,
		ExternalMatchID: match.ExternalMatchID,
	}, nil
}

func (s *OrchestratorService) eligibleAgent(ctx context.Context, id string) (*model.Agent, error) {
	agent, err := s.agentRepo.GetByID(ctx, id)
	if stderrors.Is(err, repository.ErrAgentNotFound) {
		return nil, errors.ErrAgentNotFound.WithMessagef("agent %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	if !agent.IsChainEligible() {
		return nil, errors.ErrAgentNotEligible.WithMessagef("agent %s has no on-chain identity", id)
	}
	return agent, nil
}

// StartMatch 创建棋局并在后台开始对弈
func (s *OrchestratorService) StartMatch(ctx context.Context, req *StartMatchRequest) (*StartMatchResult, error) {
	if err := s.acquire(req.ExternalMatchID); err != nil {
		return nil, err
	}

	white, black, game, err := s.prepareGame(ctx, req)
	if err != nil {
		s.release()
		return nil, err
	}

	// 建局期间可能已经 Stop, 登记协程与 stopped 检查在同一把锁内
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.release()
		logger.Warn("orchestrator stopped while creating game; not starting",
			zap.String("external_match_id", req.ExternalMatchID),
			zap.String("game_id", game.ID))
		return nil, errStopped()
	}
	s.wg.Add(1)
	s.mu.Unlock()

	metrics.RecordMatchStarted()
	logger.Info("match started",
		zap.String("external_match_id", req.ExternalMatchID),
		zap.String("game_id", game.ID),
		zap.String("white", white.ID),
		zap.String("black", black.ID))

	go func() {
		defer s.wg.Done()
		defer s.release()
		s.playLoop(s.ctx, req.ExternalMatchID, game, white, black)
	}()

	return &StartMatchResult{GameID: game.ID}, nil
}

func (s *OrchestratorService) prepareGame(ctx context.Context, req *StartMatchRequest) (*model.Agent, *model.Agent, *model.GameState, error) {
	white, err := s.agentRepo.GetByID(ctx, req.WhiteAgentID)
	if err != nil {
		return nil, nil, nil, agentLookupError(err, req.WhiteAgentID)
	}
	black, err := s.agentRepo.GetByID(ctx, req.BlackAgentID)
	if err != nil {
		return nil, nil, nil, agentLookupError(err, req.BlackAgentID)
	}

	game, err := s.rules.CreateGame(ctx, &client.CreateGameRequest{
		WhiteAgentID:    white.ID,
		BlackAgentID:    black.ID,
		ExternalMatchID: req.ExternalMatchID,
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return white, black, game, nil
}

func agentLookupError(err error, id string) error {
	if stderrors.Is(err, repository.ErrAgentNotFound) {
		return errors.ErrAgentNotFound.WithMessagef("agent %s not found", id)
	}
	return err
}

func errStopped() error {
	return errors.ErrMatchStateConflict.WithMessage("orchestrator is stopped")
}

func (s *OrchestratorService) acquire(matchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errStopped()
	}
	if s.active {
		return errors.ErrMatchInProgress
	}
	s.active = true
	s.activeMatchID = matchID
	metrics.SetActiveMatch(true)
	return nil
}

func (s *OrchestratorService) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.activeMatchID = ""
	metrics.SetActiveMatch(false)
}

// playLoop 双方轮流走子, 直到终局 / 步数上限 / 停机 / 出错
func (s *OrchestratorService) playLoop(ctx context.Context, matchID string, game *model.GameState, white, black *model.Agent) {
	turn := game.Turn
	if turn != "b" {
		turn = "w"
	}

	var (
		plies  int
		last   *model.MoveResult
		mover  string
		reason string
	)

	for reason == "" {
		if plies >= s.cfg.MaxPlies {
			reason = finishReasonMaxPlies
			break
		}
		if ctx.Err() != nil {
			reason = finishReasonShutdown
			break
		}

		agent := white
		if turn == "b" {
			agent = black
		}

		result, err := s.player.PlayTurn(ctx, agent, game.ID)
		if err != nil {
			if ctx.Err() != nil {
				reason = finishReasonShutdown
				break
			}
			logger.Error("play turn failed",
				zap.String("external_match_id", matchID),
				zap.String("game_id", game.ID),
				zap.String("agent_id", agent.ID),
				zap.Int("ply", plies+1),
				zap.Error(err))
			reason = finishReasonError
			break
		}

		plies++
		mover = turn
		last = result.MoveResult
		s.publishMove(ctx, matchID, game.ID, plies, agent, turn, result)

		if last != nil && last.IsGameOver {
			reason = gameOverReason(last)
			break
		}

		if last != nil && (last.Game.Turn == "w" || last.Game.Turn == "b") {
			turn = last.Game.Turn
		} else {
			turn = opposite(turn)
		}

		if s.cfg.MoveDelay > 0 {
			select {
			case <-ctx.Done():
				reason = finishReasonShutdown
			case <-time.After(s.cfg.MoveDelay):
			}
		}
	}

	metrics.RecordMatchFinished(reason)

	event := &model.MatchResultEvent{
		ExternalMatchID: matchID,
		GameID:          game.ID,
		WhiteAgentID:    white.ID,
		BlackAgentID:    black.ID,
		Result:          gameResult(last, mover),
		Reason:          reason,
		Plies:           plies,
		FinishedAt:      time.Now().UnixMilli(),
	}

	// 停机时 ctx 已取消, 结果仍需送达
	pubCtx, cancel := context.WithTimeout(context.Background(), resultPublishTimeout)
	defer cancel()
	if err := s.publisher.PublishMatchResult(pubCtx, event); err != nil {
		logger.Error("publish match result failed",
			zap.String("external_match_id", matchID),
			zap.Error(err))
	}

	logger.Info("match finished",
		zap.String("external_match_id", matchID),
		zap.String("game_id", game.ID),
		zap.String("result", event.Result),
		zap.String("reason", reason),
		zap.Int("plies", plies))
}

func (s *OrchestratorService) publishMove(ctx context.Context, matchID, gameID string, ply int, agent *model.Agent, color string, turn *TurnResult) {
	event := &model.MatchMoveEvent{
		ExternalMatchID: matchID,
		GameID:          gameID,
		Ply:             ply,
		AgentID:         agent.ID,
		Color:           color,
		UCI:             turn.Decision.SelectedUCI,
		Source:          string(turn.Decision.Source()),
		Timestamp:       time.Now().UnixMilli(),
	}
	if r := turn.MoveResult; r != nil {
		event.SAN = r.SAN
		event.Position = r.Game.Position
		event.IsCheck = r.IsCheck
		event.IsGameOver = r.IsGameOver
	}

	if err := s.publisher.PublishMove(ctx, event); err != nil {
		logger.Warn("publish move failed",
			zap.String("external_match_id", matchID),
			zap.Int("ply", ply),
			zap.Error(err))
	}
}

func gameOverReason(r *model.MoveResult) string {
	switch {
	case r.IsCheckmate:
		return finishReasonCheckmate
	case r.IsStalemate:
		return finishReasonStalemate
	case r.IsDraw:
		return finishReasonDraw
	default:
		return finishReasonGameOver
	}
}

// gameResult 规则服务给出结果时以其为准, 否则由终局类型推断
func gameResult(last *model.MoveResult, mover string) string {
	if last == nil || !last.IsGameOver {
		return resultUnknown
	}
	if last.Game.Result != "" {
		return last.Game.Result
	}
	switch {
	case last.IsCheckmate && mover == "w":
		return "1-0"
	case last.IsCheckmate && mover == "b":
		return "0-1"
	case last.IsStalemate || last.IsDraw:
		return "1/2-1/2"
	default:
		return resultUnknown
	}
}

func opposite(color string) string {
	if color == "w" {
		return "b"
	}
	return "w"
}

// HandleEvent 按事件类型分发
func (s *OrchestratorService) HandleEvent(ctx context.Context, event *model.MatchEvent) error {
	switch event.Type {
	case model.ChainEventChallengeCreated:
		return s.OnChallengeCreated(ctx, event)
	case model.ChainEventChallengeAccepted:
		return s.OnChallengeAccepted(ctx, event)
	case model.ChainEventMatchSettled:
		return s.OnMatchSettled(ctx, event)
	case model.ChainEventMatchCancelled:
		return s.OnMatchCancelled(ctx, event)
	default:
		return fmt.Errorf("unsupported match event type %q", event.Type)
	}
}

// OnChallengeCreated 补全对局记录并提示被挑战方接受
func (s *OrchestratorService) OnChallengeCreated(ctx context.Context, event *model.MatchEvent) error {
	logger.Info("challenge created",
		zap.String("match_id", event.ExternalMatchID),
		zap.String("agent1_token", event.Agent1Token),
		zap.String("agent2_token", event.Agent2Token),
		zap.Stringer("stake", event.StakeAmount))

	match, err := s.matchRepo.GetByExternalID(ctx, event.ExternalMatchID)
	if stderrors.Is(err, repository.ErrMatchNotFound) {
		match, err = s.createExternalMatch(ctx, event)
	}
	if err != nil {
		return err
	}

	opponent, err := s.agentRepo.GetByTokenAddress(ctx, event.Agent2Token)
	if stderrors.Is(err, repository.ErrAgentNotFound) {
		logger.Warn("no agent owns challenged token; cannot auto-accept",
			zap.String("match_id", event.ExternalMatchID),
			zap.String("agent2_token", event.Agent2Token))
		return nil
	}
	if err != nil {
		return err
	}

	instruction := fmt.Sprintf(challengeInstruction,
		match.StakeAmount.String(), s.cfg.MatchEngineAddress, event.ExternalMatchID)
	if err := s.executor.ExecuteAgentAction(ctx, opponent.ID, event.ExternalMatchID, instruction); err != nil {
		return fmt.Errorf("prompt agent %s: %w", opponent.ID, err)
	}

	logger.Info("opponent prompted to accept challenge",
		zap.String("match_id", event.ExternalMatchID),
		zap.String("agent_id", opponent.ID))
	return nil
}

// createExternalMatch 为外部发起的挑战落库
func (s *OrchestratorService) createExternalMatch(ctx context.Context, event *model.MatchEvent) (*model.Match, error) {
	stake := decimal.Zero
	if event.StakeAmount != nil {
		stake = contract.FromBaseUnits(event.StakeAmount, s.cfg.StakeDecimals)
	}
	match := &model.Match{
		ID:              uuid.New().String(),
		ExternalMatchID: event.ExternalMatchID,
		Agent1Token:     event.Agent1Token,
		Agent2Token:     event.Agent2Token,
		StakeAmount:     stake,
		Status:          model.MatchStatusPending,
	}
	if err := s.matchRepo.Create(ctx, match); err != nil {
		if stderrors.Is(err, repository.ErrDuplicateMatch) {
			return s.matchRepo.GetByExternalID(ctx, event.ExternalMatchID)
		}
		return nil, err
	}
	logger.Info("created match record for external challenge",
		zap.String("match_id", event.ExternalMatchID),
		zap.String("id", match.ID))
	return match, nil
}

// OnChallengeAccepted PENDING -> ACTIVE 后开局; 非 PENDING 的重复投递直接忽略
func (s *OrchestratorService) OnChallengeAccepted(ctx context.Context, event *model.MatchEvent) error {
	logger.Info("challenge accepted",
		zap.String("match_id", event.ExternalMatchID),
		zap.String("agent2_wallet", event.Agent2Wallet))

	match, err := s.matchRepo.GetByExternalID(ctx, event.ExternalMatchID)
	if stderrors.Is(err, repository.ErrMatchNotFound) {
		logger.Warn("no match record for accepted challenge",
			zap.String("match_id", event.ExternalMatchID))
		return nil
	}
	if err != nil {
		return err
	}

	if match.Status != model.MatchStatusPending {
		logger.Warn("match is not pending; skipping",
			zap.String("match_id", event.ExternalMatchID),
			zap.Stringer("status", match.Status))
		return nil
	}

	if !s.activeOnChain(ctx, event.ExternalMatchID) {
		return nil
	}

	err = s.matchRepo.TransitionStatus(ctx, event.ExternalMatchID, model.MatchStatusPending, model.MatchStatusActive)
	if stderrors.Is(err, repository.ErrMatchStatusConflict) {
		logger.Warn("match left pending concurrently; skipping",
			zap.String("match_id", event.ExternalMatchID))
		return nil
	}
	if err != nil {
		return err
	}

	white, whiteErr := s.agentRepo.GetByTokenAddress(ctx, match.Agent1Token)
	black, blackErr := s.agentRepo.GetByTokenAddress(ctx, match.Agent2Token)
	if whiteErr != nil || blackErr != nil {
		logger.Error("could not resolve agents for match",
			zap.String("match_id", event.ExternalMatchID),
			zap.String("white_token", match.Agent1Token),
			zap.String("black_token", match.Agent2Token),
			zap.NamedError("white_error", whiteErr),
			zap.NamedError("black_error", blackErr))
		return nil
	}

	started, err := s.StartMatch(ctx, &StartMatchRequest{
		WhiteAgentID:    white.ID,
		BlackAgentID:    black.ID,
		ExternalMatchID: event.ExternalMatchID,
	})
	if err != nil {
		return err
	}

	if err := s.matchRepo.SetGameID(ctx, event.ExternalMatchID, started.GameID); err != nil {
		return err
	}

	logger.Info("chess match linked to on-chain match",
		zap.String("match_id", event.ExternalMatchID),
		zap.String("game_id", started.GameID))
	return nil
}

// activeOnChain 回放旧的接受事件时, 链上对局可能已结算或取消
// 读取失败时以事件为准
func (s *OrchestratorService) activeOnChain(ctx context.Context, externalMatchID string) bool {
	if s.reader == nil {
		return true
	}
	id, ok := new(big.Int).SetString(externalMatchID, 10)
	if !ok {
		logger.Warn("match id is not a decimal integer; skipping on-chain check",
			zap.String("match_id", externalMatchID))
		return true
	}

	onChain, err := s.reader.GetMatch(ctx, id)
	if err != nil {
		logger.Warn("read on-chain match failed; trusting event",
			zap.String("match_id", externalMatchID),
			zap.Error(err))
		return true
	}
	if !onChain.IsActive() {
		logger.Warn("on-chain match is not active; skipping",
			zap.String("match_id", externalMatchID),
			zap.Uint8("on_chain_status", onChain.Status))
		return false
	}
	return true
}

// OnMatchSettled 仅记录
func (s *OrchestratorService) OnMatchSettled(ctx context.Context, event *model.MatchEvent) error {
	logger.Info("match settled",
		zap.String("match_id", event.ExternalMatchID),
		zap.String("winner_token", event.WinnerToken),
		zap.Stringer("total_pot", event.TotalPot))
	return nil
}

// OnMatchCancelled 仅记录
func (s *OrchestratorService) OnMatchCancelled(ctx context.Context, event *model.MatchEvent) error {
	logger.Info("match cancelled", zap.String("match_id", event.ExternalMatchID))
	return nil
}
