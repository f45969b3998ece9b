// Package chessutil 提供 UCI 走法校验与局面分析
package chessutil

import (
	"regexp"
	"strings"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/errors"
)

var uciPattern = regexp.MustCompile(`^[a-h][1-8][a-h][1-8][qrbn]?$`)

// IsUCI 严格 UCI 校验 (要求小写)
func IsUCI(s string) bool {
	return uciPattern.MatchString(s)
}

// Normalize 去空白并转小写
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ParseUCI 将 UCI 字符串转换为结构化走法
func ParseUCI(s string) (model.Move, error) {
	if !IsUCI(s) {
		return model.Move{}, errors.ErrInvalidMove.WithMessagef("invalid uci move: %q", s)
	}
	move := model.Move{From: s[0:2], To: s[2:4]}
	if len(s) == 5 {
		move.Promotion = s[4:5]
	}
	return move, nil
}

// FindCandidate 大小写不敏感地在候选中查找, 返回候选原始 UCI
func FindCandidate(candidates []model.Candidate, uci string) (string, bool) {
	for _, c := range candidates {
		if strings.EqualFold(c.UCI, uci) {
			return c.UCI, true
		}
	}
	return "", false
}
