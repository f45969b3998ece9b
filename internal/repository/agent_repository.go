package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

var ErrAgentNotFound = errors.New("agent not found")

// AgentRepository Agent 只读仓储
type AgentRepository interface {
	GetByID(ctx context.Context, id string) (*model.Agent, error)
	// GetByTokenAddress 按 token 地址查找, 大小写不敏感
	GetByTokenAddress(ctx context.Context, tokenAddress string) (*model.Agent, error)
	// ListChainEligible 列出三项链上身份齐全的 Agent
	ListChainEligible(ctx context.Context) ([]*model.Agent, error)
}

type agentRepository struct {
	*Repository
}

// NewAgentRepository 创建 Agent 仓储
func NewAgentRepository(db *gorm.DB) AgentRepository {
	return &agentRepository{Repository: NewRepository(db)}
}

func (r *agentRepository) GetByID(ctx context.Context, id string) (*model.Agent, error) {
	var agent model.Agent
	err := r.DB(ctx).Where("id = ?", id).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) GetByTokenAddress(ctx context.Context, tokenAddress string) (*model.Agent, error) {
	token := strings.ToLower(strings.TrimSpace(tokenAddress))
	if token == "" {
		return nil, ErrAgentNotFound
	}

	var agent model.Agent
	err := r.DB(ctx).Where("LOWER(token_address) = ?", token).First(&agent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return &agent, nil
}

func (r *agentRepository) ListChainEligible(ctx context.Context) ([]*model.Agent, error) {
	var agents []*model.Agent
	err := r.DB(ctx).
		Where("wallet_address IS NOT NULL AND encrypted_private_key IS NOT NULL AND token_address IS NOT NULL").
		Order("created_at ASC").
		Find(&agents).Error
	if err != nil {
		return nil, err
	}

	eligible := agents[:0]
	for _, a := range agents {
		if a.IsChainEligible() {
			eligible = append(eligible, a)
		}
	}
	return eligible, nil
}
