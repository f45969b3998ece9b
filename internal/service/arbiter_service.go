package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/chessutil"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/client"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/config"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/llm"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const (
	defaultCandidateCount = 10
	defaultLLMTimeout     = 12 * time.Second
	defaultLLMMaxTokens   = 60
	defaultLLMTemperature = 0.2

	arbiterSystemPrompt = "You must output only JSON. Do not include code fences or extra text."
)

// PositionInspector 候选走法局面分析
type PositionInspector interface {
	Inspect(fen string, ucis []string) (map[string]chessutil.MoveInsight, error)
}

// enrichedCandidate 提交给 LLM 的候选走法; 无法计算的字段为 null
type enrichedCandidate struct {
	I          int     `json:"i"`
	UCI        string  `json:"uci"`
	SAN        *string `json:"san"`
	IsCapture  *bool   `json:"isCapture"`
	GivesCheck *bool   `json:"givesCheck"`
	ScoreCp    *int    `json:"scoreCp"`
	Mate       *int    `json:"mate"`
}

type llmAnswer struct {
	UCI string `json:"uci"`
}

// TurnResult 一步棋的完整结果
type TurnResult struct {
	Decision   *model.DecisionOutcome
	Position   string
	Candidates []model.Candidate
	MoveResult *model.MoveResult
}

// ArbiterService 走法仲裁服务
// 开局偏好命中时直接落子; 否则由 LLM 在引擎候选中选择, 任何 LLM 异常都回退到引擎首选
type ArbiterService struct {
	rules     client.RulesClient
	llm       llm.ChatCompleter
	inspector PositionInspector
	cfg       config.ArbiterConfig
}

// NewArbiterService 创建走法仲裁服务
func NewArbiterService(rules client.RulesClient, completer llm.ChatCompleter, inspector PositionInspector, cfg config.ArbiterConfig) *ArbiterService {
	if cfg.CandidateCount <= 0 {
		cfg.CandidateCount = defaultCandidateCount
	}
	if cfg.LLMTimeoutMs <= 0 {
		cfg.LLMTimeoutMs = int(defaultLLMTimeout / time.Millisecond)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultLLMMaxTokens
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = defaultLLMTemperature
	}
	return &ArbiterService{
		rules:     rules,
		llm:       completer,
		inspector: inspector,
		cfg:       cfg,
	}
}

// SelectMove 从候选中选出一步
func (s *ArbiterService) SelectMove(ctx context.Context, agent *model.Agent, position string, candidates []model.Candidate) (*model.DecisionOutcome, error) {
	if len(candidates) == 0 {
		return nil, errors.ErrNoCandidates
	}

	outcome := &model.DecisionOutcome{}

	if opening := normalizeOpening(agent.PreferredOpening()); opening != "" {
		if uci, ok := chessutil.FindCandidate(candidates, opening); ok {
			outcome.SelectedUCI = uci
			outcome.OpeningMatched = true
			logger.Info("opening match selected",
				zap.String("agent_id", agent.ID),
				zap.String("uci", uci))
		}
	}

	if !outcome.OpeningMatched {
		if uci, ok := s.chooseWithLLM(ctx, agent, position, candidates); ok {
			outcome.SelectedUCI = uci
			outcome.LLMAccepted = true
		} else {
			outcome.SelectedUCI = candidates[0].UCI
			outcome.FallbackUsed = true
			logger.Warn("llm selection invalid; falling back to top candidate",
				zap.String("agent_id", agent.ID),
				zap.String("uci", outcome.SelectedUCI))
		}
	}

	move, err := chessutil.ParseUCI(chessutil.Normalize(outcome.SelectedUCI))
	if err != nil {
		return nil, err
	}
	outcome.Move = move
	outcome.SelectedUCI = move.UCI()

	metrics.RecordMoveDecision(string(outcome.Source()))
	return outcome, nil
}

// PlayTurn 请求候选, 仲裁, 然后提交走法; 规则服务错误原样返回
func (s *ArbiterService) PlayTurn(ctx context.Context, agent *model.Agent, gameID string) (*TurnResult, error) {
	resp, err := s.rules.RequestCandidates(ctx, &model.CandidateRequest{
		GameID:         gameID,
		Rating:         agent.EloRating,
		CandidateCount: s.cfg.CandidateCount,
		MoveTimeMs:     s.cfg.MoveTimeMs,
		Depth:          s.cfg.Depth,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 {
		return nil, errors.ErrNoCandidates.WithMessage("engine returned no candidate moves")
	}

	decision, err := s.SelectMove(ctx, agent, resp.Position, resp.Candidates)
	if err != nil {
		return nil, err
	}

	result, err := s.rules.ApplyMove(ctx, gameID, decision.Move)
	if err != nil {
		return nil, err
	}

	return &TurnResult{
		Decision:   decision,
		Position:   resp.Position,
		Candidates: resp.Candidates,
		MoveResult: result,
	}, nil
}

// chooseWithLLM 单次调用, 不重试; 返回候选中的原始 UCI
func (s *ArbiterService) chooseWithLLM(ctx context.Context, agent *model.Agent, position string, candidates []model.Candidate) (string, bool) {
	if s.llm == nil {
		return "", false
	}

	prompt, err := s.buildPrompt(agent, position, candidates)
	if err != nil {
		logger.Warn("build arbiter prompt failed", zap.Error(err))
		return "", false
	}

	start := time.Now()
	content, err := s.llm.ChatCompletion(ctx, &llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: arbiterSystemPrompt},
			{Role: llm.RoleUser, Content: prompt},
		},
		MaxTokens:   s.cfg.MaxTokens,
		Temperature: s.cfg.Temperature,
		Timeout:     time.Duration(s.cfg.LLMTimeoutMs) * time.Millisecond,
	})
	metrics.RecordLLMRequest(err == nil, time.Since(start).Seconds())
	if err != nil {
		logger.Warn("llm request failed",
			zap.String("agent_id", agent.ID),
			zap.Error(err))
		return "", false
	}

	answer, ok := parseAnswer(content)
	if !ok {
		return "", false
	}
	uci := chessutil.Normalize(answer.UCI)
	if !chessutil.IsUCI(uci) {
		return "", false
	}
	return chessutil.FindCandidate(candidates, uci)
}

func (s *ArbiterService) buildPrompt(agent *model.Agent, position string, candidates []model.Candidate) (string, error) {
	ucis := make([]string, len(candidates))
	for i, c := range candidates {
		ucis[i] = c.UCI
	}

	insights, err := s.inspectSafely(position, ucis)
	if err != nil {
		logger.Debug("inspect position failed", zap.String("fen", position), zap.Error(err))
	}

	enriched := make([]enrichedCandidate, len(candidates))
	for i, c := range candidates {
		e := enrichedCandidate{I: i + 1, UCI: c.UCI, ScoreCp: c.ScoreCp, Mate: c.Mate}
		if in, ok := insights[c.UCI]; ok {
			san, capture, check := in.SAN, in.IsCapture, in.GivesCheck
			e.SAN, e.IsCapture, e.GivesCheck = &san, &capture, &check
		}
		enriched[i] = e
	}

	data, err := json.Marshal(enriched)
	if err != nil {
		return "", err
	}

	openingHint := "No preferred opening."
	if opening := agent.PreferredOpening(); opening != "" {
		openingHint = fmt.Sprintf("Preferred opening: \"%s\". If any candidate aligns with this, prefer it (but do not choose a move not in the candidate list).", opening)
	}

	return strings.Join([]string{
		"You are a chess agent. Choose exactly ONE move from the provided candidates.",
		fmt.Sprintf("Playstyle: %s. %s", agent.Playstyle, playstyleGuidance(agent.Playstyle)),
		openingHint,
		`Return ONLY valid JSON like: {"uci":"e2e4"}`,
		"Candidates (choose one of these exact uci strings):",
		string(data),
	}, "\n"), nil
}

func (s *ArbiterService) inspectSafely(position string, ucis []string) (insights map[string]chessutil.MoveInsight, err error) {
	if s.inspector == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			insights, err = nil, fmt.Errorf("inspector panic: %v", r)
		}
	}()
	return s.inspector.Inspect(position, ucis)
}

func playstyleGuidance(p model.Playstyle) string {
	switch p {
	case model.PlaystyleAggressive:
		return "Prefer tactical pressure, captures, checks, and forcing lines when reasonable."
	case model.PlaystyleDefensive:
		return "Prefer safe, solid moves that improve king safety and reduce risk."
	case model.PlaystylePositional:
		return "Prefer improving piece placement, pawn structure, and long-term advantages; avoid unnecessary tactics."
	default:
		return "Choose a sensible move."
	}
}

// normalizeOpening 只有形如 UCI 的开局偏好参与自动匹配
func normalizeOpening(opening string) string {
	o := chessutil.Normalize(opening)
	if !chessutil.IsUCI(o) {
		return ""
	}
	return o
}

// parseAnswer 先整体解析, 失败后截取首个 { 到最后一个 } 再解析
func parseAnswer(text string) (*llmAnswer, bool) {
	trimmed := strings.TrimSpace(text)

	var answer llmAnswer
	if err := json.Unmarshal([]byte(trimmed), &answer); err == nil {
		return &answer, true
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return nil, false
	}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &answer); err != nil {
		return nil, false
	}
	return &answer, true
}
