package model

import "math/big"

// MatchEvent 解码后的对局合约事件
type MatchEvent struct {
	Type            ChainEventType `json:"type"`
	ExternalMatchID string         `json:"match_id"`

	// ChallengeCreated
	Agent1Token string   `json:"agent1_token,omitempty"`
	Agent2Token string   `json:"agent2_token,omitempty"`
	StakeAmount *big.Int `json:"stake_amount,omitempty"` // 基础单位

	// ChallengeAccepted
	Agent2Wallet string `json:"agent2_wallet,omitempty"`

	// MatchSettled
	WinnerToken string   `json:"winner_token,omitempty"`
	TotalPot    *big.Int `json:"total_pot,omitempty"` // 基础单位

	BlockNumber uint64 `json:"block_number"`
	BlockHash   string `json:"block_hash"`
	TxHash      string `json:"tx_hash"`
	LogIndex    uint   `json:"log_index"`
}

// AgentActionInstruction 发给 Agent 执行器的指令
type AgentActionInstruction struct {
	AgentID         string `json:"agent_id"`
	ExternalMatchID string `json:"match_id"`
	Instruction     string `json:"instruction"`
	CreatedAt       int64  `json:"created_at"`
}

// MatchMoveEvent 每步走子事件
type MatchMoveEvent struct {
	ExternalMatchID string `json:"match_id"`
	GameID          string `json:"game_id"`
	Ply             int    `json:"ply"`
	AgentID         string `json:"agent_id"`
	Color           string `json:"color"` // w / b
	UCI             string `json:"uci"`
	SAN             string `json:"san,omitempty"`
	Position        string `json:"fen"`
	Source          string `json:"source"`
	IsCheck         bool   `json:"is_check"`
	IsGameOver      bool   `json:"is_game_over"`
	Timestamp       int64  `json:"timestamp"`
}

// MatchResultEvent 对弈结束事件, 供结算方消费
type MatchResultEvent struct {
	ExternalMatchID string `json:"match_id"`
	GameID          string `json:"game_id"`
	WhiteAgentID    string `json:"white_agent_id"`
	BlackAgentID    string `json:"black_agent_id"`
	Result          string `json:"result"` // 1-0 / 0-1 / 1/2-1/2 / *
	Reason          string `json:"reason"`
	Plies           int    `json:"plies"`
	FinishedAt      int64  `json:"finished_at"`
}
