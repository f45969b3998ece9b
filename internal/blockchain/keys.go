package blockchain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

var (
	ErrSealerNotConfigured = errors.New("key sealer is not configured")
	ErrAgentKeyMissing     = errors.New("agent has no encrypted private key")
	ErrWalletMismatch      = errors.New("decrypted key does not match agent wallet")
)

// KeySealer AES-GCM 加解密 Agent 私钥
// 密文格式: base64(nonce || ciphertext)
type KeySealer struct {
	aead cipher.AEAD
}

// NewKeySealer 从 base64 编码的 AES 密钥创建
func NewKeySealer(encodedKey string) (*KeySealer, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("decode key encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &KeySealer{aead: aead}, nil
}

// Seal 加密
func (s *KeySealer) Seal(plaintext string) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrSealerNotConfigured
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	payload := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(payload), nil
}

// Open 解密
func (s *KeySealer) Open(sealed string) (string, error) {
	if s == nil || s.aead == nil {
		return "", ErrSealerNotConfigured
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sealed))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(payload) < n {
		return "", errors.New("sealed value is too short")
	}
	plaintext, err := s.aead.Open(nil, payload[:n], payload[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt sealed value: %w", err)
	}
	return string(plaintext), nil
}

// AgentKey 解密 Agent 私钥并校验其地址与钱包一致
func (s *KeySealer) AgentKey(agent *model.Agent) (*ecdsa.PrivateKey, error) {
	if agent.EncryptedPrivateKey == nil || strings.TrimSpace(*agent.EncryptedPrivateKey) == "" {
		return nil, ErrAgentKeyMissing
	}
	plain, err := s.Open(*agent.EncryptedPrivateKey)
	if err != nil {
		return nil, err
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(plain), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse agent key: %w", err)
	}

	if agent.WalletAddress != nil && common.IsHexAddress(*agent.WalletAddress) {
		if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(*agent.WalletAddress) {
			return nil, ErrWalletMismatch
		}
	}
	return key, nil
}
