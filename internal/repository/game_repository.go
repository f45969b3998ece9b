package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

// GameRepository 棋局只读仓储
type GameRepository interface {
	// LastPlayedAt 返回每个 Agent 最近一局的创建时间 (执白或执黑取较大者), 从未对弈的 Agent 不在结果中
	LastPlayedAt(ctx context.Context, agentIDs []string) (map[string]int64, error)
}

type gameRepository struct {
	*Repository
}

// NewGameRepository 创建棋局仓储
func NewGameRepository(db *gorm.DB) GameRepository {
	return &gameRepository{Repository: NewRepository(db)}
}

type lastPlayedRow struct {
	AgentID string
	LastAt  int64
}

func (r *gameRepository) LastPlayedAt(ctx context.Context, agentIDs []string) (map[string]int64, error) {
	result := make(map[string]int64, len(agentIDs))
	if len(agentIDs) == 0 {
		return result, nil
	}

	for _, column := range []string{"white_agent_id", "black_agent_id"} {
		var rows []lastPlayedRow
		err := r.DB(ctx).Model(&model.ChessGame{}).
			Select(column+" AS agent_id, MAX(created_at) AS last_at").
			Where(column+" IN ?", agentIDs).
			Group(column).
			Scan(&rows).Error
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if prev, ok := result[row.AgentID]; !ok || row.LastAt > prev {
				result[row.AgentID] = row.LastAt
			}
		}
	}
	return result, nil
}
