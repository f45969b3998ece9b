package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

var ErrCheckpointNotFound = errors.New("checkpoint not found")

// CheckpointRepository 区块检查点与已处理事件仓储
type CheckpointRepository interface {
	Get(ctx context.Context, chainID int64, contractAddress string) (*model.BlockCheckpoint, error)
	// Upsert 写入检查点, 区块号只进不退
	Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error

	EventExists(ctx context.Context, txHash string, logIndex int) (bool, error)
	// MarkProcessed 在同一事务中记录事件并推进检查点
	MarkProcessed(ctx context.Context, event *model.ChainEvent, checkpoint *model.BlockCheckpoint) error
}

type checkpointRepository struct {
	*Repository
}

// NewCheckpointRepository 创建区块检查点仓储
func NewCheckpointRepository(db *gorm.DB) CheckpointRepository {
	return &checkpointRepository{Repository: NewRepository(db)}
}

func (r *checkpointRepository) Get(ctx context.Context, chainID int64, contractAddress string) (*model.BlockCheckpoint, error) {
	var checkpoint model.BlockCheckpoint
	err := r.DB(ctx).
		Where("chain_id = ? AND contract_address = ?", chainID, strings.ToLower(contractAddress)).
		First(&checkpoint).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Upsert(ctx context.Context, checkpoint *model.BlockCheckpoint) error {
	now := time.Now().UnixMilli()
	checkpoint.ContractAddress = strings.ToLower(checkpoint.ContractAddress)
	checkpoint.ProcessedAt = now
	checkpoint.UpdatedAt = now
	if checkpoint.CreatedAt == 0 {
		checkpoint.CreatedAt = now
	}

	return r.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}, {Name: "contract_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"block_number", "block_hash", "processed_at", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "gambit_chain_checkpoints.block_number <= excluded.block_number"},
		}},
	}).Create(checkpoint).Error
}

func (r *checkpointRepository) EventExists(ctx context.Context, txHash string, logIndex int) (bool, error) {
	var count int64
	err := r.DB(ctx).Model(&model.ChainEvent{}).
		Where("tx_hash = ? AND log_index = ?", txHash, logIndex).
		Count(&count).Error
	return count > 0, err
}

func (r *checkpointRepository) MarkProcessed(ctx context.Context, event *model.ChainEvent, checkpoint *model.BlockCheckpoint) error {
	event.CreatedAt = time.Now().UnixMilli()
	return r.TransactionWithRetry(ctx, 3, func(ctx context.Context) error {
		// 重复投递的事件不能让事务中止
		if err := r.DB(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(event).Error; err != nil {
			return err
		}
		return r.Upsert(ctx, checkpoint)
	})
}
