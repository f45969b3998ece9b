package model

// ChessGame 棋局记录 (由规则引擎服务维护, 本服务只读, 用于计算 Agent 最近对弈时间)
type ChessGame struct {
	ID           string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	WhiteAgentID string `gorm:"column:white_agent_id;type:varchar(36);index;not null" json:"white_agent_id"`
	BlackAgentID string `gorm:"column:black_agent_id;type:varchar(36);index;not null" json:"black_agent_id"`
	CreatedAt    int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ChessGame) TableName() string {
	return "chess_games"
}

// Move 结构化走法
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"` // q / r / b / n
}

// UCI 还原为 UCI 字符串
func (m Move) UCI() string {
	return m.From + m.To + m.Promotion
}

// Candidate 引擎候选走法
type Candidate struct {
	UCI     string `json:"uci"`
	ScoreCp *int   `json:"scoreCp,omitempty"`
	Mate    *int   `json:"mate,omitempty"`
}

// CandidateRequest 候选走法请求
type CandidateRequest struct {
	GameID         string `json:"gameId"`
	Rating         int    `json:"rating"`
	CandidateCount int    `json:"multiPv"`
	MoveTimeMs     int    `json:"movetimeMs,omitempty"`
	Depth          int    `json:"depth,omitempty"`
}

// CandidateResponse 候选走法结果
type CandidateResponse struct {
	Position   string      `json:"fen"`
	Candidates []Candidate `json:"candidates"`
}

// GameState 棋局状态
type GameState struct {
	ID       string `json:"id"`
	Position string `json:"fen"`
	Turn     string `json:"turn"` // w / b
	Status   string `json:"status"`
	Result   string `json:"result,omitempty"`
}

// MoveResult 走子结果
type MoveResult struct {
	Success     bool      `json:"success"`
	SAN         string    `json:"san,omitempty"`
	Game        GameState `json:"game"`
	IsCheck     bool      `json:"isCheck"`
	IsCheckmate bool      `json:"isCheckmate"`
	IsStalemate bool      `json:"isStalemate"`
	IsDraw      bool      `json:"isDraw"`
	IsGameOver  bool      `json:"isGameOver"`
}

// DecisionSource 走法来源
type DecisionSource string

const (
	DecisionSourceOpening  DecisionSource = "opening"
	DecisionSourceLLM      DecisionSource = "llm"
	DecisionSourceFallback DecisionSource = "fallback"
)

// DecisionOutcome 仲裁结果
type DecisionOutcome struct {
	SelectedUCI    string `json:"selectedUci"`
	Move           Move   `json:"move"`
	OpeningMatched bool   `json:"openingMatched"`
	LLMAccepted    bool   `json:"llmAccepted"`
	FallbackUsed   bool   `json:"fallbackUsed"`
}

// Source 返回走法来源
func (d *DecisionOutcome) Source() DecisionSource {
	switch {
	case d.OpeningMatched:
		return DecisionSourceOpening
	case d.LLMAccepted:
		return DecisionSourceLLM
	default:
		return DecisionSourceFallback
	}
}
