package app

import (
	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

// ownedModels 本服务写入的表; agents 与 chess_games 由上游服务维护, 只读
var ownedModels = []interface{}{
	&model.Match{},
	&model.BlockCheckpoint{},
	&model.ChainEvent{},
	&model.JobExecution{},
}

// AutoMigrate 自动迁移本服务的表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(ownedModels...)
}
