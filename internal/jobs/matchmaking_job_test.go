package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/config"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/service"
)

// MockOrchestrator 模拟对局编排
type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) HasActiveMatchInProcess() bool {
	return m.Called().Bool(0)
}

func (m *MockOrchestrator) OriginateChallenge(ctx context.Context, req *service.OriginateChallengeRequest) (*service.OriginateChallengeResult, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.OriginateChallengeResult), args.Error(1)
}

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

	require.NoError(t, db.AutoMigrate(&model.Match{}, &model.Agent{}, &model.ChessGame{}))
	return db
}

func strPtr(s string) *string { return &s }

func seedAgent(t *testing.T, db *gorm.DB, id string, createdAt int64, eligible bool) {
	t.Helper()
	agent := &model.Agent{
		ID:            id,
		Name:          "agent " + id,
		Playstyle:     model.PlaystyleBalanced,
		EloRating:     1500,
		WalletAddress: strPtr("0x000000000000000000000000000000000000dEaD"),
		CreatedAt:     createdAt,
	}
	if eligible {
		agent.EncryptedPrivateKey = strPtr("sealed")
		agent.TokenAddress = strPtr("0x00000000000000000000000000000000000000" + id)
	}
	require.NoError(t, db.Create(agent).Error)
}

func seedGame(t *testing.T, db *gorm.DB, id, white, black string, createdAt int64) {
	t.Helper()
	require.NoError(t, db.Create(&model.ChessGame{ID: id, WhiteAgentID: white, BlackAgentID: black, CreatedAt: createdAt}).Error)
}

// noShuffle 保持原顺序
func noShuffle(n int, swap func(i, j int)) {}

// reverseShuffle 逆序
func reverseShuffle(n int, swap func(i, j int)) {
	for i := 0; i < n/2; i++ {
		swap(i, n-1-i)
	}
}

func newTestJob(t *testing.T, db *gorm.DB, orch ChallengeOriginator, shuffle ShuffleFunc) *MatchmakingJob {
	t.Helper()
	job, err := NewMatchmakingJob(
		config.MatchmakingConfig{DefaultStakeAmount: "2.5", Timeout: 300, LockTTL: 360},
		orch,
		repository.NewMatchRepository(db),
		repository.NewAgentRepository(db),
		repository.NewGameRepository(db),
		WithShuffle(shuffle),
	)
	require.NoError(t, err)
	return job
}

func TestNewMatchmakingJob(t *testing.T) {
	db := setupTestDB(t)
	job := newTestJob(t, db, new(MockOrchestrator), noShuffle)
	assert.Equal(t, scheduler.JobNameMatchmaking, job.Name())
	assert.Equal(t, 300*time.Second, job.Timeout())
	assert.Equal(t, 360*time.Second, job.LockTTL())
	assert.True(t, job.stake.Equal(decimal.RequireFromString("2.5")))

	for _, stake := range []string{"abc", "0", "-1"} {
		_, err := NewMatchmakingJob(config.MatchmakingConfig{DefaultStakeAmount: stake}, nil, nil, nil, nil)
		assert.Error(t, err, stake)
	}
}

func TestMatchmakingJob_SkipsWhenMatchInProcess(t *testing.T) {
	db := setupTestDB(t)
	orch := new(MockOrchestrator)
	orch.On("HasActiveMatchInProcess").Return(true)

	result, err := newTestJob(t, db, orch, noShuffle).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	orch.AssertNotCalled(t, "OriginateChallenge", mock.Anything, mock.Anything)
}

func TestMatchmakingJob_SkipsWhenOpenMatchStored(t *testing.T) {
	for _, status := range model.OpenMatchStatuses {
		t.Run(status.String(), func(t *testing.T) {
			db := setupTestDB(t)
			seedAgent(t, db, "a1", 1, true)
			seedAgent(t, db, "a2", 2, true)
			require.NoError(t, db.Create(&model.Match{
				ID:              "m1",
				ExternalMatchID: "7",
				Agent1Token:     "0x01",
				Agent2Token:     "0x02",
				StakeAmount:     decimal.NewFromInt(1),
				Status:          status,
			}).Error)

			orch := new(MockOrchestrator)
			orch.On("HasActiveMatchInProcess").Return(false)

			job := newTestJob(t, db, orch, noShuffle)
			for i := 0; i < 3; i++ {
				result, err := job.Execute(context.Background())
				require.NoError(t, err)
				assert.True(t, result.Skipped)
				assert.Contains(t, result.Reason, "1 pending/active")
			}
			orch.AssertNotCalled(t, "OriginateChallenge", mock.Anything, mock.Anything)
		})
	}
}

func TestMatchmakingJob_SettledMatchDoesNotBlock(t *testing.T) {
	db := setupTestDB(t)
	seedAgent(t, db, "a1", 1, true)
	seedAgent(t, db, "a2", 2, true)
	require.NoError(t, db.Create(&model.Match{
		ID: "m1", ExternalMatchID: "7", Agent1Token: "0x01", Agent2Token: "0x02",
		StakeAmount: decimal.NewFromInt(1), Status: model.MatchStatusSettled,
	}).Error)

	orch := new(MockOrchestrator)
	orch.On("HasActiveMatchInProcess").Return(false)
	orch.On("OriginateChallenge", mock.Anything, mock.Anything).
		Return(&service.OriginateChallengeResult{MatchID: "m2", ExternalMatchID: "8"}, nil).Once()

	result, err := newTestJob(t, db, orch, noShuffle).Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	orch.AssertExpectations(t)
}

func TestMatchmakingJob_NotEnoughEligible(t *testing.T) {
	db := setupTestDB(t)
	seedAgent(t, db, "a1", 1, true)
	seedAgent(t, db, "a2", 2, false)

	orch := new(MockOrchestrator)
	orch.On("HasActiveMatchInProcess").Return(false)

	result, err := newTestJob(t, db, orch, noShuffle).Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, "only 1 eligible agent(s)", result.Reason)
	orch.AssertNotCalled(t, "OriginateChallenge", mock.Anything, mock.Anything)
}

func TestMatchmakingJob_PicksLeastRecentlyPlayed(t *testing.T) {
	tests := []struct {
		name           string
		shuffle        ShuffleFunc
		withFreshPair  bool
		wantChallenger string
		wantOpponent   string
	}{
		{"never played first", noShuffle, true, "b2", "d4"},
		{"ties follow the shuffle", reverseShuffle, true, "d4", "b2"},
		{"oldest game first", noShuffle, false, "c3", "a1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupTestDB(t)
			seedAgent(t, db, "a1", 1, true)
			seedAgent(t, db, "c3", 3, true)
			seedAgent(t, db, "e5", 5, false)
			if tt.withFreshPair {
				seedAgent(t, db, "b2", 2, true)
				seedAgent(t, db, "d4", 4, true)
			}
			// a1 最近一局在 300 (执黑), c3 最近一局在 200
			seedGame(t, db, "g1", "a1", "c3", 100)
			seedGame(t, db, "g2", "c3", "e5", 200)
			seedGame(t, db, "g3", "e5", "a1", 300)

			orch := new(MockOrchestrator)
			orch.On("HasActiveMatchInProcess").Return(false)
			orch.On("OriginateChallenge", mock.Anything, mock.MatchedBy(func(req *service.OriginateChallengeRequest) bool {
				return req.ChallengerAgentID == tt.wantChallenger &&
					req.OpponentAgentID == tt.wantOpponent &&
					req.StakeAmount.Equal(decimal.RequireFromString("2.5"))
			})).Return(&service.OriginateChallengeResult{MatchID: "m1", ExternalMatchID: "42"}, nil).Once()

			result, err := newTestJob(t, db, orch, tt.shuffle).Execute(context.Background())
			require.NoError(t, err)
			assert.False(t, result.Skipped)
			assert.Equal(t, "42", result.Details["external_match_id"])
			assert.Equal(t, tt.wantChallenger, result.Details["challenger"])
			orch.AssertExpectations(t)
		})
	}
}

// TestMatchmakingJob_OldestAlwaysChallenges 使用真实随机源, 最久未下棋者始终为挑战方
func TestMatchmakingJob_OldestAlwaysChallenges(t *testing.T) {
	db := setupTestDB(t)
	seedAgent(t, db, "a1", 1, true)
	seedAgent(t, db, "b2", 2, true)
	seedAgent(t, db, "c3", 3, true)
	// a1=100, b2=500, c3=900
	seedGame(t, db, "g1", "a1", "b2", 100)
	seedGame(t, db, "g2", "b2", "c3", 500)
	seedGame(t, db, "g3", "c3", "c3", 900)

	orch := new(MockOrchestrator)
	orch.On("HasActiveMatchInProcess").Return(false)
	orch.On("OriginateChallenge", mock.Anything, mock.MatchedBy(func(req *service.OriginateChallengeRequest) bool {
		return req.ChallengerAgentID == "a1" && req.OpponentAgentID == "b2"
	})).Return(&service.OriginateChallengeResult{MatchID: "m1", ExternalMatchID: "1"}, nil)

	job, err := NewMatchmakingJob(
		config.MatchmakingConfig{DefaultStakeAmount: "1"},
		orch,
		repository.NewMatchRepository(db),
		repository.NewAgentRepository(db),
		repository.NewGameRepository(db),
	)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := job.Execute(context.Background())
		require.NoError(t, err)
	}
	orch.AssertNumberOfCalls(t, "OriginateChallenge", 20)
}

func TestMatchmakingJob_OriginateFailure(t *testing.T) {
	db := setupTestDB(t)
	seedAgent(t, db, "a1", 1, true)
	seedAgent(t, db, "a2", 2, true)

	chainErr := errors.New("insufficient allowance")
	orch := new(MockOrchestrator)
	orch.On("HasActiveMatchInProcess").Return(false)
	orch.On("OriginateChallenge", mock.Anything, mock.Anything).Return(nil, chainErr)

	_, err := newTestJob(t, db, orch, noShuffle).Execute(context.Background())
	assert.ErrorIs(t, err, chainErr)
}

func TestMatchmakingJob_RunsUnderScheduler(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.AutoMigrate(&model.JobExecution{}))
	seedAgent(t, db, "a1", 1, true)

	orch := new(MockOrchestrator)
	orch.On("HasActiveMatchInProcess").Return(false)

	s := scheduler.NewScheduler(&scheduler.SchedulerConfig{}, repository.NewExecutionRepository(db))
	require.NoError(t, s.RegisterJob(newTestJob(t, db, orch, noShuffle), scheduler.JobConfig{
		Spec:    "* * * * * *",
		Enabled: true,
	}))
	s.Start()

	var last model.JobExecution
	require.Eventually(t, func() bool {
		err := db.Where("job_name = ? AND status = ?", scheduler.JobNameMatchmaking, model.JobStatusSkipped).
			Order("id DESC").First(&last).Error
		return err == nil
	}, 3*time.Second, 20*time.Millisecond)
	s.Stop()

	assert.Equal(t, "only 1 eligible agent(s)", last.Result["reason"])
	orch.AssertNotCalled(t, "OriginateChallenge", mock.Anything, mock.Anything)
}
