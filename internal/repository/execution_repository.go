package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

// ExecutionRepository 定时任务执行记录仓储
type ExecutionRepository struct {
	*Repository
}

// NewExecutionRepository 创建任务执行记录仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{Repository: NewRepository(db)}
}

// Create 创建执行记录
func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	exec.CreatedAt = time.Now().UnixMilli()
	return r.DB(ctx).Create(exec).Error
}

// Update 更新执行记录
func (r *ExecutionRepository) Update(ctx context.Context, exec *model.JobExecution) error {
	return r.DB(ctx).Save(exec).Error
}
