// Package contract provides ABI bindings for the MatchEngine escrow contract
// and the ERC20 stake token.
package contract

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

// MatchEngine contract errors
var (
	ErrUnknownEvent      = errors.New("unknown match engine event")
	ErrMalformedEvent    = errors.New("malformed match engine event")
	ErrInvalidStake      = errors.New("invalid stake amount")
	ErrEventNotInReceipt = errors.New("ChallengeCreated not found in receipt")
)

// MatchEngineABI is the ABI of the MatchEngine contract.
//
//	function challenge(address agent1Token, address agent2Token, uint256 stakeAmount) external returns (uint256 matchId);
//	function getMatch(uint256 matchId) external view returns (address, address, uint256, uint8, address);
//
//	event ChallengeCreated(uint256 indexed matchId, address indexed agent1Token, address indexed agent2Token, uint256 stakeAmount);
//	event ChallengeAccepted(uint256 indexed matchId, address indexed agent2Wallet);
//	event MatchSettled(uint256 indexed matchId, address indexed winnerToken, uint256 totalPot);
//	event MatchCancelled(uint256 indexed matchId);
const MatchEngineABI = `[
	{
		"type": "function",
		"name": "challenge",
		"inputs": [
			{"name": "agent1Token", "type": "address"},
			{"name": "agent2Token", "type": "address"},
			{"name": "stakeAmount", "type": "uint256"}
		],
		"outputs": [{"name": "matchId", "type": "uint256"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "getMatch",
		"inputs": [{"name": "matchId", "type": "uint256"}],
		"outputs": [
			{"name": "agent1Token", "type": "address"},
			{"name": "agent2Token", "type": "address"},
			{"name": "stakeAmount", "type": "uint256"},
			{"name": "status", "type": "uint8"},
			{"name": "winnerToken", "type": "address"}
		],
		"stateMutability": "view"
	},
	{
		"type": "event",
		"name": "ChallengeCreated",
		"inputs": [
			{"name": "matchId", "type": "uint256", "indexed": true},
			{"name": "agent1Token", "type": "address", "indexed": true},
			{"name": "agent2Token", "type": "address", "indexed": true},
			{"name": "stakeAmount", "type": "uint256", "indexed": false}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "ChallengeAccepted",
		"inputs": [
			{"name": "matchId", "type": "uint256", "indexed": true},
			{"name": "agent2Wallet", "type": "address", "indexed": true}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "MatchSettled",
		"inputs": [
			{"name": "matchId", "type": "uint256", "indexed": true},
			{"name": "winnerToken", "type": "address", "indexed": true},
			{"name": "totalPot", "type": "uint256", "indexed": false}
		],
		"anonymous": false
	},
	{
		"type": "event",
		"name": "MatchCancelled",
		"inputs": [
			{"name": "matchId", "type": "uint256", "indexed": true}
		],
		"anonymous": false
	}
]`

// On-chain match status as returned by getMatch.
const (
	OnChainStatusPending uint8 = iota
	OnChainStatusActive
	OnChainStatusSettled
	OnChainStatusCancelled
)

// OnChainMatch is the getMatch view result.
type OnChainMatch struct {
	Agent1Token common.Address
	Agent2Token common.Address
	StakeAmount *big.Int
	Status      uint8
	WinnerToken common.Address
}

// IsActive reports whether the challenge has been accepted and not yet settled or cancelled.
func (m *OnChainMatch) IsActive() bool {
	return m.Status == OnChainStatusActive
}

// ContractCaller executes read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// MatchEngineContract packs calls to and decodes events from the MatchEngine contract.
type MatchEngineContract struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// NewMatchEngineContract creates a MatchEngine binding. caller may be nil when
// only packing and event decoding are needed.
func NewMatchEngineContract(address common.Address, caller ContractCaller) (*MatchEngineContract, error) {
	parsed, err := abi.JSON(strings.NewReader(MatchEngineABI))
	if err != nil {
		return nil, err
	}
	return &MatchEngineContract{
		address: address,
		abi:     parsed,
		caller:  caller,
	}, nil
}

// Address returns the contract address.
func (c *MatchEngineContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *MatchEngineContract) ABI() abi.ABI {
	return c.abi
}

// PackChallenge packs the challenge call data.
func (c *MatchEngineContract) PackChallenge(agent1Token, agent2Token common.Address, stakeAmount *big.Int) ([]byte, error) {
	if stakeAmount == nil || stakeAmount.Sign() <= 0 {
		return nil, ErrInvalidStake
	}
	return c.abi.Pack("challenge", agent1Token, agent2Token, stakeAmount)
}

// GetMatch reads a match from chain.
func (c *MatchEngineContract) GetMatch(ctx context.Context, matchID *big.Int) (*OnChainMatch, error) {
	if c.caller == nil {
		return nil, errors.New("match engine caller not configured")
	}
	data, err := c.abi.Pack("getMatch", matchID)
	if err != nil {
		return nil, err
	}

	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}

	values, err := c.abi.Unpack("getMatch", result)
	if err != nil {
		return nil, err
	}
	if len(values) != 5 {
		return nil, fmt.Errorf("getMatch returned %d values", len(values))
	}
	return &OnChainMatch{
		Agent1Token: values[0].(common.Address),
		Agent2Token: values[1].(common.Address),
		StakeAmount: values[2].(*big.Int),
		Status:      values[3].(uint8),
		WinnerToken: values[4].(common.Address),
	}, nil
}

// ChallengeCreatedTopic returns the topic for ChallengeCreated events.
func (c *MatchEngineContract) ChallengeCreatedTopic() common.Hash {
	return c.abi.Events["ChallengeCreated"].ID
}

// ChallengeAcceptedTopic returns the topic for ChallengeAccepted events.
func (c *MatchEngineContract) ChallengeAcceptedTopic() common.Hash {
	return c.abi.Events["ChallengeAccepted"].ID
}

// MatchSettledTopic returns the topic for MatchSettled events.
func (c *MatchEngineContract) MatchSettledTopic() common.Hash {
	return c.abi.Events["MatchSettled"].ID
}

// MatchCancelledTopic returns the topic for MatchCancelled events.
func (c *MatchEngineContract) MatchCancelledTopic() common.Hash {
	return c.abi.Events["MatchCancelled"].ID
}

// FilterQuery builds the query covering all four lifecycle events.
// fromBlock/toBlock may be nil.
func (c *MatchEngineContract) FilterQuery(fromBlock, toBlock *big.Int) ethereum.FilterQuery {
	return ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{c.address},
		Topics: [][]common.Hash{{
			c.ChallengeCreatedTopic(),
			c.ChallengeAcceptedTopic(),
			c.MatchSettledTopic(),
			c.MatchCancelledTopic(),
		}},
	}
}

// ParseLog decodes any of the four lifecycle events. matchId is rendered as a
// decimal string.
func (c *MatchEngineContract) ParseLog(log types.Log) (*model.MatchEvent, error) {
	if len(log.Topics) < 2 {
		return nil, fmt.Errorf("%w: %d topics", ErrMalformedEvent, len(log.Topics))
	}

	event := &model.MatchEvent{
		ExternalMatchID: new(big.Int).SetBytes(log.Topics[1].Bytes()).String(),
		BlockNumber:     log.BlockNumber,
		BlockHash:       log.BlockHash.Hex(),
		TxHash:          log.TxHash.Hex(),
		LogIndex:        log.Index,
	}

	switch log.Topics[0] {
	case c.ChallengeCreatedTopic():
		if len(log.Topics) < 4 {
			return nil, fmt.Errorf("%w: ChallengeCreated needs 4 topics", ErrMalformedEvent)
		}
		stake, err := c.unpackUint(event, "ChallengeCreated", "stakeAmount", log.Data)
		if err != nil {
			return nil, err
		}
		event.Type = model.ChainEventChallengeCreated
		event.Agent1Token = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
		event.Agent2Token = common.BytesToAddress(log.Topics[3].Bytes()).Hex()
		event.StakeAmount = stake

	case c.ChallengeAcceptedTopic():
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: ChallengeAccepted needs 3 topics", ErrMalformedEvent)
		}
		event.Type = model.ChainEventChallengeAccepted
		event.Agent2Wallet = common.BytesToAddress(log.Topics[2].Bytes()).Hex()

	case c.MatchSettledTopic():
		if len(log.Topics) < 3 {
			return nil, fmt.Errorf("%w: MatchSettled needs 3 topics", ErrMalformedEvent)
		}
		pot, err := c.unpackUint(event, "MatchSettled", "totalPot", log.Data)
		if err != nil {
			return nil, err
		}
		event.Type = model.ChainEventMatchSettled
		event.WinnerToken = common.BytesToAddress(log.Topics[2].Bytes()).Hex()
		event.TotalPot = pot

	case c.MatchCancelledTopic():
		event.Type = model.ChainEventMatchCancelled

	default:
		return nil, fmt.Errorf("%w: topic %s", ErrUnknownEvent, log.Topics[0].Hex())
	}

	return event, nil
}

// ParseChallengeCreatedFromReceipt extracts the matchId emitted by a challenge transaction.
func (c *MatchEngineContract) ParseChallengeCreatedFromReceipt(receipt *types.Receipt) (*model.MatchEvent, error) {
	for _, l := range receipt.Logs {
		if l == nil || l.Address != c.address || len(l.Topics) == 0 || l.Topics[0] != c.ChallengeCreatedTopic() {
			continue
		}
		return c.ParseLog(*l)
	}
	return nil, ErrEventNotInReceipt
}

func (c *MatchEngineContract) unpackUint(event *model.MatchEvent, name, field string, data []byte) (*big.Int, error) {
	out := make(map[string]interface{})
	if err := c.abi.UnpackIntoMap(out, name, data); err != nil {
		return nil, fmt.Errorf("%w: %s match %s: %v", ErrMalformedEvent, name, event.ExternalMatchID, err)
	}
	v, ok := out[field].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s missing", ErrMalformedEvent, name, field)
	}
	return v, nil
}
