package model

import "strings"

// Playstyle Agent 棋风
type Playstyle string

const (
	PlaystyleAggressive Playstyle = "AGGRESSIVE"
	PlaystyleDefensive  Playstyle = "DEFENSIVE"
	PlaystylePositional Playstyle = "POSITIONAL"
	PlaystyleBalanced   Playstyle = "BALANCED"
	PlaystyleChaotic    Playstyle = "CHAOTIC"
)

// Agent 棋手 Agent (由 agent 服务维护, 本服务只读)
type Agent struct {
	ID                  string    `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name                string    `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Playstyle           Playstyle `gorm:"column:playstyle;type:varchar(20);not null" json:"playstyle"`
	Opening             *string   `gorm:"column:opening;type:varchar(100)" json:"opening,omitempty"`
	Personality         *string   `gorm:"column:personality;type:text" json:"personality,omitempty"`
	EloRating           int       `gorm:"column:elo_rating;not null;default:1200" json:"elo_rating"`
	WalletAddress       *string   `gorm:"column:wallet_address;type:varchar(42)" json:"wallet_address,omitempty"`
	EncryptedPrivateKey *string   `gorm:"column:encrypted_private_key;type:text" json:"-"`
	TokenAddress        *string   `gorm:"column:token_address;type:varchar(42);index" json:"token_address,omitempty"`
	CreatedAt           int64     `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (Agent) TableName() string {
	return "agents"
}

// IsChainEligible 三项链上身份均存在才可参与链上匹配
func (a *Agent) IsChainEligible() bool {
	return notBlank(a.WalletAddress) && notBlank(a.EncryptedPrivateKey) && notBlank(a.TokenAddress)
}

// PreferredOpening 返回去空白后的开局偏好
func (a *Agent) PreferredOpening() string {
	if a.Opening == nil {
		return ""
	}
	return strings.TrimSpace(*a.Opening)
}

// Token 返回 token 地址, 缺失时为空串
func (a *Agent) Token() string {
	if a.TokenAddress == nil {
		return ""
	}
	return *a.TokenAddress
}

func notBlank(s *string) bool {
	return s != nil && strings.TrimSpace(*s) != ""
}
