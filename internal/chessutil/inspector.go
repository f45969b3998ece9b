package chessutil

import (
	"fmt"
	"strings"

	"github.com/notnil/chess"
)

// MoveInsight 单个走法在当前局面下的特征
type MoveInsight struct {
	SAN        string
	IsCapture  bool
	GivesCheck bool
}

// Inspector 基于 FEN 计算候选走法的 SAN / 吃子 / 将军
type Inspector struct{}

// NewInspector 创建局面分析器
func NewInspector() *Inspector {
	return &Inspector{}
}

// Inspect 返回 uci -> 特征; 非法或不在合法走法中的 uci 不出现在结果中
func (i *Inspector) Inspect(fen string, ucis []string) (map[string]MoveInsight, error) {
	game, err := newGame(fen)
	if err != nil {
		return nil, err
	}

	pos := game.Position()
	legal := make(map[string]*chess.Move)
	for _, m := range pos.ValidMoves() {
		legal[moveUCI(m)] = m
	}

	notation := chess.AlgebraicNotation{}
	result := make(map[string]MoveInsight, len(ucis))
	for _, u := range ucis {
		m, ok := legal[Normalize(u)]
		if !ok {
			continue
		}
		result[u] = MoveInsight{
			SAN:        notation.Encode(pos, m),
			IsCapture:  m.HasTag(chess.Capture) || m.HasTag(chess.EnPassant),
			GivesCheck: m.HasTag(chess.Check),
		}
	}
	return result, nil
}

func newGame(fen string) (*chess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return chess.NewGame(), nil
	}
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return chess.NewGame(opt), nil
}

func moveUCI(m *chess.Move) string {
	s := m.S1().String() + m.S2().String()
	switch m.Promo() {
	case chess.Queen:
		s += "q"
	case chess.Rook:
		s += "r"
	case chess.Bishop:
		s += "b"
	case chess.Knight:
		s += "n"
	}
	return s
}
