package model

import (
	"github.com/shopspring/decimal"
)

// MatchStatus 对局状态
type MatchStatus int8

const (
	MatchStatusPending   MatchStatus = 0 // 已发起挑战, 等待对手接受
	MatchStatusActive    MatchStatus = 1 // 对手已接受, 对弈中
	MatchStatusSettled   MatchStatus = 2 // 链上已结算
	MatchStatusCancelled MatchStatus = 3 // 链上已取消
)

func (s MatchStatus) String() string {
	switch s {
	case MatchStatusPending:
		return "PENDING"
	case MatchStatusActive:
		return "ACTIVE"
	case MatchStatusSettled:
		return "SETTLED"
	case MatchStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo 状态只能单向推进: PENDING -> ACTIVE -> {SETTLED, CANCELLED}
func (s MatchStatus) CanTransitionTo(next MatchStatus) bool {
	switch s {
	case MatchStatusPending:
		return next == MatchStatusActive
	case MatchStatusActive:
		return next == MatchStatusSettled || next == MatchStatusCancelled
	default:
		return false
	}
}

// OpenMatchStatuses 占用名额的状态集合
var OpenMatchStatuses = []MatchStatus{MatchStatusPending, MatchStatusActive}

// Match 对局记录
type Match struct {
	ID              string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ExternalMatchID string          `gorm:"column:external_match_id;type:varchar(80);uniqueIndex;not null" json:"external_match_id"` // 链上 matchId 的十进制字符串
	Agent1Token     string          `gorm:"column:agent1_token;type:varchar(42);not null" json:"agent1_token"`                      // 挑战方 token 地址
	Agent2Token     string          `gorm:"column:agent2_token;type:varchar(42);not null" json:"agent2_token"`                      // 被挑战方 token 地址
	StakeAmount     decimal.Decimal `gorm:"column:stake_amount;type:decimal(36,18);not null" json:"stake_amount"`                   // 人类可读单位
	Status          MatchStatus     `gorm:"column:status;type:smallint;index;not null" json:"status"`
	GameID          *string         `gorm:"column:game_id;type:varchar(64)" json:"game_id,omitempty"`
	CreatedAt       int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Match) TableName() string {
	return "gambit_matches"
}
