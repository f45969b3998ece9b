package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

// gas 估算上浮 20%
const gasBufferPercent = 120

// TxBackend 发送交易所需的链上能力
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*types.Receipt, error)
}

// KeyResolver 获取 Agent 签名私钥
type KeyResolver interface {
	AgentKey(agent *model.Agent) (*ecdsa.PrivateKey, error)
}

// ChallengeResult 链上挑战结果
type ChallengeResult struct {
	ExternalMatchID string
	// ApproveTxHash 已有额度足够时为空
	ApproveTxHash   string
	ChallengeTxHash string
	BlockNumber     uint64
}

// ChallengeSubmitter 以挑战方钱包签名并发送 approve + challenge
type ChallengeSubmitter struct {
	backend        TxBackend
	keys           KeyResolver
	engine         *contract.MatchEngineContract
	token          *contract.ERC20Contract
	chainID        *big.Int
	receiptTimeout time.Duration
}

// NewChallengeSubmitter 创建挑战提交器
func NewChallengeSubmitter(backend TxBackend, keys KeyResolver, engine *contract.MatchEngineContract, token *contract.ERC20Contract, chainID int64, receiptTimeout time.Duration) *ChallengeSubmitter {
	if receiptTimeout <= 0 {
		receiptTimeout = 2 * time.Minute
	}
	return &ChallengeSubmitter{
		backend:        backend,
		keys:           keys,
		engine:         engine,
		token:          token,
		chainID:        big.NewInt(chainID),
		receiptTimeout: receiptTimeout,
	}
}

// SubmitChallenge 额度不足时先授权, 再发起挑战, 返回合约分配的 matchId
func (s *ChallengeSubmitter) SubmitChallenge(ctx context.Context, challenger *model.Agent, opponentToken string, stake *big.Int) (*ChallengeResult, error) {
	if !common.IsHexAddress(challenger.Token()) || !common.IsHexAddress(opponentToken) {
		return nil, errors.New("invalid agent token address")
	}

	key, err := s.keys.AgentKey(challenger)
	if err != nil {
		return nil, fmt.Errorf("resolve challenger key: %w", err)
	}

	approveTxHash, err := s.ensureAllowance(ctx, key, stake)
	if err != nil {
		return nil, err
	}

	challengeData, err := s.engine.PackChallenge(common.HexToAddress(challenger.Token()), common.HexToAddress(opponentToken), stake)
	if err != nil {
		return nil, err
	}
	receipt, err := s.send(ctx, key, s.engine.Address(), challengeData)
	if err != nil {
		return nil, fmt.Errorf("challenge: %w", err)
	}

	event, err := s.engine.ParseChallengeCreatedFromReceipt(receipt)
	if err != nil {
		return nil, err
	}

	result := &ChallengeResult{
		ExternalMatchID: event.ExternalMatchID,
		ApproveTxHash:   approveTxHash,
		ChallengeTxHash: receipt.TxHash.Hex(),
		BlockNumber:     receipt.BlockNumber.Uint64(),
	}
	logger.Info("challenge submitted",
		zap.String("match_id", result.ExternalMatchID),
		zap.String("challenger", challenger.ID),
		zap.String("tx_hash", result.ChallengeTxHash))
	return result, nil
}

// ensureAllowance 额度读取失败时按不足处理
func (s *ChallengeSubmitter) ensureAllowance(ctx context.Context, key *ecdsa.PrivateKey, stake *big.Int) (string, error) {
	owner := crypto.PubkeyToAddress(key.PublicKey)
	allowance, err := s.token.Allowance(ctx, owner, s.engine.Address())
	if err != nil {
		logger.Warn("read stake allowance failed", zap.String("owner", owner.Hex()), zap.Error(err))
	} else if allowance.Cmp(stake) >= 0 {
		logger.Debug("stake allowance sufficient; skipping approve",
			zap.String("owner", owner.Hex()),
			zap.String("allowance", allowance.String()))
		return "", nil
	}

	approveData, err := s.token.PackApprove(s.engine.Address(), stake)
	if err != nil {
		return "", err
	}
	receipt, err := s.send(ctx, key, s.token.Address(), approveData)
	if err != nil {
		return "", fmt.Errorf("approve stake: %w", err)
	}
	return receipt.TxHash.Hex(), nil
}

// send 构建 legacy 交易, EIP155 签名, 广播并等待回执
func (s *ChallengeSubmitter) send(ctx context.Context, key *ecdsa.PrivateKey, to common.Address, data []byte) (*types.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := s.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, err
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas = gas * gasBufferPercent / 100

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(s.chainID), key)
	if err != nil {
		return nil, err
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}

	logger.Debug("transaction sent",
		zap.String("from", from.Hex()),
		zap.String("to", to.Hex()),
		zap.String("tx_hash", signed.Hash().Hex()),
		zap.Uint64("nonce", nonce))

	return s.backend.WaitReceipt(ctx, signed.Hash(), s.receiptTimeout)
}
