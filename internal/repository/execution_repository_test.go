package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

// TestExecutionRepository 测试执行记录读写
func TestExecutionRepository(t *testing.T) {
	repo := NewExecutionRepository(setupTestDB(t))
	ctx := context.Background()

	exec := &model.JobExecution{JobName: "matchmaking", Status: model.JobStatusRunning, StartedAt: 100}
	require.NoError(t, repo.Create(ctx, exec))
	assert.NotZero(t, exec.ID)

	exec.Status = model.JobStatusSuccess
	exec.Result = model.JSONResult{"challenger": "agent-1"}
	require.NoError(t, repo.Update(ctx, exec))

	var stored model.JobExecution
	require.NoError(t, repo.DB(ctx).First(&stored, exec.ID).Error)
	assert.Equal(t, model.JobStatusSuccess, stored.Status)
	assert.Equal(t, "agent-1", stored.Result["challenger"])
	assert.NotZero(t, stored.CreatedAt)
}
