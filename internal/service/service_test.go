package service

import (
	"context"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/client"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/llm"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

// setupTestDB 创建内存测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(
		&model.Match{},
		&model.Agent{},
		&model.ChessGame{},
		&model.BlockCheckpoint{},
		&model.ChainEvent{},
	))
	return db
}

func strPtr(s string) *string { return &s }

// chainAgent 具备完整链上身份的 Agent
func chainAgent(id, token string) *model.Agent {
	return &model.Agent{
		ID:                  id,
		Name:                id,
		Playstyle:           model.PlaystyleBalanced,
		EloRating:           1500,
		WalletAddress:       strPtr("0x000000000000000000000000000000000000dEaD"),
		EncryptedPrivateKey: strPtr("sealed"),
		TokenAddress:        strPtr(token),
	}
}

func seedAgents(t *testing.T, db *gorm.DB, agents ...*model.Agent) {
	t.Helper()
	for _, a := range agents {
		require.NoError(t, db.Create(a).Error)
	}
}

// observeLogs 替换全局 logger, 返回日志观察器
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logger.L()
	logger.SetLogger(zap.New(core))
	t.Cleanup(func() { logger.SetLogger(prev) })
	return logs
}

// mockRulesClient 模拟规则服务
type mockRulesClient struct {
	mock.Mock
}

func (m *mockRulesClient) CreateGame(ctx context.Context, req *client.CreateGameRequest) (*model.GameState, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.GameState), args.Error(1)
}

func (m *mockRulesClient) RequestCandidates(ctx context.Context, req *model.CandidateRequest) (*model.CandidateResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CandidateResponse), args.Error(1)
}

func (m *mockRulesClient) ApplyMove(ctx context.Context, gameID string, move model.Move) (*model.MoveResult, error) {
	args := m.Called(ctx, gameID, move)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MoveResult), args.Error(1)
}

// mockChatCompleter 模拟 LLM
type mockChatCompleter struct {
	mock.Mock
}

func (m *mockChatCompleter) ChatCompletion(ctx context.Context, req *llm.ChatRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

// mockActionExecutor 模拟 Agent 指令执行器
type mockActionExecutor struct {
	mock.Mock
}

func (m *mockActionExecutor) ExecuteAgentAction(ctx context.Context, agentID, matchID, instruction string) error {
	args := m.Called(ctx, agentID, matchID, instruction)
	return args.Error(0)
}

// mockMatchReader 模拟链上对局读取
type mockMatchReader struct {
	mock.Mock
}

func (m *mockMatchReader) GetMatch(ctx context.Context, matchID *big.Int) (*contract.OnChainMatch, error) {
	args := m.Called(ctx, matchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*contract.OnChainMatch), args.Error(1)
}

// mockChallengeWriter 模拟链上挑战
type mockChallengeWriter struct {
	mock.Mock
}

func (m *mockChallengeWriter) SubmitChallenge(ctx context.Context, challenger *model.Agent, opponentToken string, stake *big.Int) (*blockchain.ChallengeResult, error) {
	args := m.Called(ctx, challenger, opponentToken, stake)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*blockchain.ChallengeResult), args.Error(1)
}

// mockTurnPlayer 模拟走子
type mockTurnPlayer struct {
	mock.Mock
}

func (m *mockTurnPlayer) PlayTurn(ctx context.Context, agent *model.Agent, gameID string) (*TurnResult, error) {
	args := m.Called(ctx, agent, gameID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*TurnResult), args.Error(1)
}

// recordingPublisher 记录发布的对局事件
type recordingPublisher struct {
	mu      sync.Mutex
	moves   []*model.MatchMoveEvent
	results chan *model.MatchResultEvent
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{results: make(chan *model.MatchResultEvent, 4)}
}

func (p *recordingPublisher) PublishMove(ctx context.Context, event *model.MatchMoveEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.moves = append(p.moves, event)
	return nil
}

func (p *recordingPublisher) PublishMatchResult(ctx context.Context, result *model.MatchResultEvent) error {
	p.results <- result
	return nil
}

func (p *recordingPublisher) Moves() []*model.MatchMoveEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*model.MatchMoveEvent(nil), p.moves...)
}
