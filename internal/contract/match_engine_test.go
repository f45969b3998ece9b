package contract

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

var (
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000000EE")
	token1     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	token2     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newEngine(t *testing.T) *MatchEngineContract {
	t.Helper()
	c, err := NewMatchEngineContract(engineAddr, nil)
	require.NoError(t, err)
	return c
}

func uintData(t *testing.T, c *MatchEngineContract, event string, v *big.Int) []byte {
	t.Helper()
	data, err := c.ABI().Events[event].Inputs.NonIndexed().Pack(v)
	require.NoError(t, err)
	return data
}

func TestMatchEngine_ParseChallengeCreated(t *testing.T) {
	c := newEngine(t)

	log := types.Log{
		Address: engineAddr,
		Topics: []common.Hash{
			c.ChallengeCreatedTopic(),
			common.BigToHash(big.NewInt(42)),
			common.BytesToHash(token1.Bytes()),
			common.BytesToHash(token2.Bytes()),
		},
		Data:        uintData(t, c, "ChallengeCreated", big.NewInt(1_500_000)),
		BlockNumber: 99,
		TxHash:      common.HexToHash("0xaa"),
		Index:       4,
	}

	event, err := c.ParseLog(log)
	require.NoError(t, err)
	assert.Equal(t, model.ChainEventChallengeCreated, event.Type)
	assert.Equal(t, "42", event.ExternalMatchID)
	assert.Equal(t, token1.Hex(), event.Agent1Token)
	assert.Equal(t, token2.Hex(), event.Agent2Token)
	assert.Equal(t, int64(1_500_000), event.StakeAmount.Int64())
	assert.Equal(t, uint64(99), event.BlockNumber)
	assert.Equal(t, uint(4), event.LogIndex)
	assert.Equal(t, "1.5", FromBaseUnits(event.StakeAmount, 6).String())
}

func TestMatchEngine_ParseOtherEvents(t *testing.T) {
	c := newEngine(t)
	wallet := common.HexToAddress("0x3333333333333333333333333333333333333333")

	accepted, err := c.ParseLog(types.Log{Topics: []common.Hash{
		c.ChallengeAcceptedTopic(),
		common.BigToHash(big.NewInt(7)),
		common.BytesToHash(wallet.Bytes()),
	}})
	require.NoError(t, err)
	assert.Equal(t, model.ChainEventChallengeAccepted, accepted.Type)
	assert.Equal(t, "7", accepted.ExternalMatchID)
	assert.Equal(t, wallet.Hex(), accepted.Agent2Wallet)

	settled, err := c.ParseLog(types.Log{
		Topics: []common.Hash{
			c.MatchSettledTopic(),
			common.BigToHash(big.NewInt(7)),
			common.BytesToHash(token2.Bytes()),
		},
		Data: uintData(t, c, "MatchSettled", big.NewInt(2_000_000)),
	})
	require.NoError(t, err)
	assert.Equal(t, model.ChainEventMatchSettled, settled.Type)
	assert.Equal(t, token2.Hex(), settled.WinnerToken)
	assert.Equal(t, int64(2_000_000), settled.TotalPot.Int64())

	cancelled, err := c.ParseLog(types.Log{Topics: []common.Hash{
		c.MatchCancelledTopic(),
		common.BigToHash(big.NewInt(8)),
	}})
	require.NoError(t, err)
	assert.Equal(t, model.ChainEventMatchCancelled, cancelled.Type)
	assert.Equal(t, "8", cancelled.ExternalMatchID)
}

func TestMatchEngine_ParseErrors(t *testing.T) {
	c := newEngine(t)

	_, err := c.ParseLog(types.Log{Topics: []common.Hash{c.MatchCancelledTopic()}})
	assert.ErrorIs(t, err, ErrMalformedEvent)

	_, err = c.ParseLog(types.Log{Topics: []common.Hash{common.HexToHash("0xdead"), common.BigToHash(big.NewInt(1))}})
	assert.ErrorIs(t, err, ErrUnknownEvent)

	// ChallengeCreated 缺少 data
	_, err = c.ParseLog(types.Log{Topics: []common.Hash{
		c.ChallengeCreatedTopic(),
		common.BigToHash(big.NewInt(1)),
		common.BytesToHash(token1.Bytes()),
		common.BytesToHash(token2.Bytes()),
	}})
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestMatchEngine_ReceiptAndFilter(t *testing.T) {
	c := newEngine(t)

	created := &types.Log{
		Address: engineAddr,
		Topics: []common.Hash{
			c.ChallengeCreatedTopic(),
			common.BigToHash(big.NewInt(5)),
			common.BytesToHash(token1.Bytes()),
			common.BytesToHash(token2.Bytes()),
		},
		Data: uintData(t, c, "ChallengeCreated", big.NewInt(1)),
	}
	approval := &types.Log{Address: token1, Topics: []common.Hash{common.HexToHash("0x01")}}

	event, err := c.ParseChallengeCreatedFromReceipt(&types.Receipt{Logs: []*types.Log{approval, created}})
	require.NoError(t, err)
	assert.Equal(t, "5", event.ExternalMatchID)

	_, err = c.ParseChallengeCreatedFromReceipt(&types.Receipt{Logs: []*types.Log{approval}})
	assert.ErrorIs(t, err, ErrEventNotInReceipt)

	q := c.FilterQuery(big.NewInt(10), nil)
	assert.Equal(t, []common.Address{engineAddr}, q.Addresses)
	require.Len(t, q.Topics, 1)
	assert.Len(t, q.Topics[0], 4)
}

func TestMatchEngine_Pack(t *testing.T) {
	c := newEngine(t)

	data, err := c.PackChallenge(token1, token2, big.NewInt(1_000_000))
	require.NoError(t, err)
	assert.Equal(t, c.ABI().Methods["challenge"].ID, data[:4])

	_, err = c.PackChallenge(token1, token2, big.NewInt(0))
	assert.ErrorIs(t, err, ErrInvalidStake)
}

type stubCaller struct {
	result []byte
	msg    ethereum.CallMsg
}

func (s *stubCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.msg = msg
	return s.result, nil
}

func TestMatchEngine_GetMatch(t *testing.T) {
	c := newEngine(t)
	out, err := c.ABI().Methods["getMatch"].Outputs.Pack(token1, token2, big.NewInt(10), uint8(1), common.Address{})
	require.NoError(t, err)

	caller := &stubCaller{result: out}
	c.caller = caller

	m, err := c.GetMatch(context.Background(), big.NewInt(9))
	require.NoError(t, err)
	assert.Equal(t, token1, m.Agent1Token)
	assert.Equal(t, OnChainStatusActive, m.Status)
	assert.True(t, m.IsActive())
	assert.Equal(t, engineAddr, *caller.msg.To)
	assert.Equal(t, c.ABI().Methods["getMatch"].ID, caller.msg.Data[:4])

	assert.False(t, (&OnChainMatch{Status: OnChainStatusSettled}).IsActive())

	c.caller = nil
	_, err = c.GetMatch(context.Background(), big.NewInt(9))
	assert.Error(t, err)
}

func TestUnits(t *testing.T) {
	raw, err := ToBaseUnits(decimal.RequireFromString("1"), 6)
	require.NoError(t, err)
	assert.Equal(t, "1000000", raw.String())

	raw, err = ToBaseUnits(decimal.RequireFromString("0.25"), 6)
	require.NoError(t, err)
	assert.Equal(t, "250000", raw.String())

	_, err = ToBaseUnits(decimal.RequireFromString("0.0000001"), 6)
	assert.ErrorIs(t, err, ErrInvalidStake)

	_, err = ToBaseUnits(decimal.Zero, 6)
	assert.ErrorIs(t, err, ErrInvalidStake)

	assert.Equal(t, "0", FromBaseUnits(nil, 6).String())
}

func TestERC20_Approve(t *testing.T) {
	erc, err := NewERC20Contract(token1, nil)
	require.NoError(t, err)

	data, err := erc.PackApprove(engineAddr, big.NewInt(100))
	require.NoError(t, err)
	assert.Len(t, data, 4+64)

	_, err = erc.Allowance(context.Background(), token2, engineAddr)
	assert.Error(t, err)

	caller := &stubCaller{result: common.LeftPadBytes(big.NewInt(250).Bytes(), 32)}
	erc, err = NewERC20Contract(token1, caller)
	require.NoError(t, err)
	allowance, err := erc.Allowance(context.Background(), token2, engineAddr)
	require.NoError(t, err)
	assert.Equal(t, "250", allowance.String())
	assert.Equal(t, token1, *caller.msg.To)
	assert.Equal(t, erc.abi.Methods["allowance"].ID, caller.msg.Data[:4])
}
