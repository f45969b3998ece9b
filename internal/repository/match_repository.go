package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

var (
	ErrMatchNotFound       = errors.New("match not found")
	ErrDuplicateMatch      = errors.New("duplicate match")
	ErrMatchStatusConflict = errors.New("match status conflict")
	ErrInvalidTransition   = errors.New("invalid match status transition")
)

// MatchRepository 对局仓储接口
type MatchRepository interface {
	Create(ctx context.Context, match *model.Match) error
	GetByExternalID(ctx context.Context, externalID string) (*model.Match, error)
	// TransitionStatus 条件更新, 当前状态不是 from 时返回 ErrMatchStatusConflict
	TransitionStatus(ctx context.Context, externalID string, from, to model.MatchStatus) error
	SetGameID(ctx context.Context, externalID, gameID string) error
	CountByStatuses(ctx context.Context, statuses []model.MatchStatus) (int64, error)
}

type matchRepository struct {
	*Repository
}

// NewMatchRepository 创建对局仓储
func NewMatchRepository(db *gorm.DB) MatchRepository {
	return &matchRepository{Repository: NewRepository(db)}
}

func (r *matchRepository) Create(ctx context.Context, match *model.Match) error {
	now := time.Now().UnixMilli()
	if match.CreatedAt == 0 {
		match.CreatedAt = now
	}
	match.UpdatedAt = now

	if err := r.DB(ctx).Create(match).Error; err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateMatch
		}
		return err
	}
	return nil
}

func (r *matchRepository) GetByExternalID(ctx context.Context, externalID string) (*model.Match, error) {
	var match model.Match
	err := r.DB(ctx).Where("external_match_id = ?", externalID).First(&match).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMatchNotFound
	}
	if err != nil {
		return nil, err
	}
	return &match, nil
}

func (r *matchRepository) TransitionStatus(ctx context.Context, externalID string, from, to model.MatchStatus) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	result := r.DB(ctx).Model(&model.Match{}).
		Where("external_match_id = ? AND status = ?", externalID, from).
		Updates(map[string]interface{}{
			"status":     to,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMatchStatusConflict
	}
	return nil
}

func (r *matchRepository) SetGameID(ctx context.Context, externalID, gameID string) error {
	result := r.DB(ctx).Model(&model.Match{}).
		Where("external_match_id = ?", externalID).
		Updates(map[string]interface{}{
			"game_id":    gameID,
			"updated_at": time.Now().UnixMilli(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrMatchNotFound
	}
	return nil
}

func (r *matchRepository) CountByStatuses(ctx context.Context, statuses []model.MatchStatus) (int64, error) {
	var count int64
	err := r.DB(ctx).Model(&model.Match{}).Where("status IN ?", statuses).Count(&count).Error
	return count, err
}
