package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestWrap 测试包装保留错误码与原因
func TestWrap(t *testing.T) {
	cause := stderrors.New("dial tcp: connection refused")
	err := Wrap(ErrUpstream, cause)

	assert.ErrorIs(t, err, ErrUpstream)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "UPSTREAM_FAILURE: 上游服务失败 (cause: dial tcp: connection refused)", err.Error())
	assert.Nil(t, ErrUpstream.Cause)
}

func TestWrapWithCause(t *testing.T) {
	cause := stderrors.New("unexpected EOF")
	err := WrapWithCause(ErrUpstream, cause, "decode %s %s", "POST", "/games")

	assert.Equal(t, "上游服务失败: decode POST /games", err.Message)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "上游服务失败", ErrUpstream.Message)
}

// TestWithMessage 副本替换消息, 仍按错误码匹配原错误
func TestWithMessage(t *testing.T) {
	err := ErrAgentNotFound.WithMessagef("agent %s not found", "a-1")

	assert.Equal(t, "AGENT_NOT_FOUND: agent a-1 not found", err.Error())
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Equal(t, "Agent 不存在", ErrAgentNotFound.Message)
}

// TestKindOf 测试错误分类
func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		kind     Kind
		upstream bool
	}{
		{"not found", ErrAgentNotFound, KindNotFound, false},
		{"invalid move", ErrInvalidMove, KindInvalidInput, false},
		{"invalid stake", ErrInvalidStake.WithMessage("negative"), KindInvalidInput, false},
		{"wrapped upstream", Wrap(ErrUpstream, stderrors.New("boom")), KindUpstream, true},
		{"timeout", ErrTimeout, KindUpstream, true},
		{"in progress", ErrMatchInProgress, KindConflict, false},
		{"fmt wrapped", fmt.Errorf("wrapped: %w", ErrMatchStateConflict), KindConflict, false},
		{"plain", stderrors.New("plain"), KindInternal, false},
		{"nil", nil, KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.upstream, IsUpstreamFailure(tt.err))
		})
	}
}
