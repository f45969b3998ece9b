package contract

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// ERC20ABI is the subset of the ERC20 interface used for staking.
//
//	function approve(address spender, uint256 amount) external returns (bool);
//	function allowance(address owner, address spender) external view returns (uint256);
const ERC20ABI = `[
	{
		"type": "function",
		"name": "approve",
		"inputs": [
			{"name": "spender", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "allowance",
		"inputs": [
			{"name": "owner", "type": "address"},
			{"name": "spender", "type": "address"}
		],
		"outputs": [{"name": "", "type": "uint256"}],
		"stateMutability": "view"
	}
]`

// ERC20Contract packs calls to an ERC20 token.
type ERC20Contract struct {
	address common.Address
	abi     abi.ABI
	caller  ContractCaller
}

// NewERC20Contract creates an ERC20 binding.
func NewERC20Contract(address common.Address, caller ContractCaller) (*ERC20Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(ERC20ABI))
	if err != nil {
		return nil, err
	}
	return &ERC20Contract{address: address, abi: parsed, caller: caller}, nil
}

// Address returns the token address.
func (c *ERC20Contract) Address() common.Address {
	return c.address
}

// PackApprove packs the approve call data.
func (c *ERC20Contract) PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, ErrInvalidStake
	}
	return c.abi.Pack("approve", spender, amount)
}

// Allowance reads the spender allowance granted by owner.
func (c *ERC20Contract) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	return c.callUint(ctx, "allowance", owner, spender)
}

func (c *ERC20Contract) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	if c.caller == nil {
		return nil, errors.New("erc20 caller not configured")
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, err
	}
	result, err := c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	values, err := c.abi.Unpack(method, result)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.New("empty " + method + " result")
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, errors.New("unexpected " + method + " result type")
	}
	return v, nil
}

// ToBaseUnits 将人类可读金额转换为链上最小单位, 小数位超出精度时报错
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidStake
	}
	scaled := amount.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidStake
	}
	return scaled.BigInt(), nil
}

// FromBaseUnits 将链上最小单位转换为人类可读金额
func FromBaseUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
