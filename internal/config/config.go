package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service     ServiceConfig     `yaml:"service" json:"service"`
	Postgres    PostgresConfig    `yaml:"postgres" json:"postgres"`
	Redis       RedisConfig       `yaml:"redis" json:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka" json:"kafka"`
	Blockchain  BlockchainConfig  `yaml:"blockchain" json:"blockchain"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking" json:"matchmaking"`
	Arbiter     ArbiterConfig     `yaml:"arbiter" json:"arbiter"`
	LLM         LLMConfig         `yaml:"llm" json:"llm"`
	Rules       RulesConfig       `yaml:"rules" json:"rules"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name        string `yaml:"name" json:"name"`
	GRPCPort    int    `yaml:"grpc_port" json:"grpc_port"`
	MetricsPort int    `yaml:"metrics_port" json:"metrics_port"`
	Env         string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL        string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	// WSURL 事件订阅端点, 为空时不启动链上监听
	WSURL   string `yaml:"ws_url" json:"ws_url"`
	ChainID int64  `yaml:"chain_id" json:"chain_id"`
	// MatchEngineAddress 对局合约地址, 为空时不启动链上监听
	MatchEngineAddress string `yaml:"match_engine_address" json:"match_engine_address"`
	StakeTokenAddress  string `yaml:"stake_token_address" json:"stake_token_address"`
	StakeTokenDecimals int32  `yaml:"stake_token_decimals" json:"stake_token_decimals"`
	// BackfillBlockRange 补扫时单次 FilterLogs 的区块跨度
	BackfillBlockRange int64 `yaml:"backfill_block_range" json:"backfill_block_range"`
	ResubscribeBackoff int   `yaml:"resubscribe_backoff" json:"resubscribe_backoff"` // 秒
	ReceiptTimeout     int   `yaml:"receipt_timeout" json:"receipt_timeout"`         // 秒
	// KeyEncryptionKey Agent 私钥的 AES-GCM 密钥 (base64, 32 字节)
	KeyEncryptionKey string `yaml:"key_encryption_key" json:"-"`
}

// WatcherEnabled 是否具备启动链上监听的最小配置
func (c *BlockchainConfig) WatcherEnabled() bool {
	return strings.TrimSpace(c.WSURL) != "" && strings.TrimSpace(c.MatchEngineAddress) != ""
}

// MatchmakingConfig 自动匹配配置
type MatchmakingConfig struct {
	Enabled            bool   `yaml:"enabled" json:"enabled"`
	FrequencySeconds   int    `yaml:"frequency_seconds" json:"frequency_seconds"`
	DefaultStakeAmount string `yaml:"default_stake_amount" json:"default_stake_amount"`
	Timeout            int    `yaml:"timeout" json:"timeout"`   // 秒
	LockTTL            int    `yaml:"lock_ttl" json:"lock_ttl"` // 秒
}

// ArbiterConfig 走子仲裁配置
type ArbiterConfig struct {
	CandidateCount int     `yaml:"candidate_count" json:"candidate_count"`
	MoveTimeMs     int     `yaml:"move_time_ms" json:"move_time_ms"`
	Depth          int     `yaml:"depth" json:"depth"`
	LLMTimeoutMs   int     `yaml:"llm_timeout_ms" json:"llm_timeout_ms"`
	MaxTokens      int     `yaml:"max_tokens" json:"max_tokens"`
	Temperature    float64 `yaml:"temperature" json:"temperature"`
	MoveDelayMs    int     `yaml:"move_delay_ms" json:"move_delay_ms"`
	MaxPlies       int     `yaml:"max_plies" json:"max_plies"`
}

// LLMConfig 语言模型配置
type LLMConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	Model   string `yaml:"model" json:"model"`
	Referer string `yaml:"referer" json:"referer"`
	Title   string `yaml:"title" json:"title"`
	// BreakerFailures 连续失败多少次后熔断
	BreakerFailures int `yaml:"breaker_failures" json:"breaker_failures"`
	BreakerTimeout  int `yaml:"breaker_timeout" json:"breaker_timeout"` // 秒
}

// RulesConfig 规则引擎服务配置
type RulesConfig struct {
	BaseURL string `yaml:"base_url" json:"base_url"`
	Timeout int    `yaml:"timeout" json:"timeout"` // 秒
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		parts := strings.SplitN(result[start+2:end], ":", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			value = parts[1]
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-gambit"
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50060
	}
	if cfg.Service.MetricsPort == 0 {
		cfg.Service.MetricsPort = 9160
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 20
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 5
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 10
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.StakeTokenDecimals == 0 {
		cfg.Blockchain.StakeTokenDecimals = 6 // USDC
	}
	if cfg.Blockchain.BackfillBlockRange == 0 {
		cfg.Blockchain.BackfillBlockRange = 2000
	}
	if cfg.Blockchain.ResubscribeBackoff == 0 {
		cfg.Blockchain.ResubscribeBackoff = 5
	}
	if cfg.Blockchain.ReceiptTimeout == 0 {
		cfg.Blockchain.ReceiptTimeout = 120
	}

	if cfg.Matchmaking.FrequencySeconds <= 0 {
		cfg.Matchmaking.FrequencySeconds = GetEnvInt("MATCH_FREQUENCY", 3600)
	}
	if cfg.Matchmaking.DefaultStakeAmount == "" {
		cfg.Matchmaking.DefaultStakeAmount = GetEnvString("DEFAULT_STAKE_AMOUNT", "1")
	}
	if cfg.Matchmaking.Timeout == 0 {
		cfg.Matchmaking.Timeout = 300
	}
	if cfg.Matchmaking.LockTTL == 0 {
		cfg.Matchmaking.LockTTL = cfg.Matchmaking.Timeout + 60
	}

	if cfg.Arbiter.CandidateCount == 0 {
		cfg.Arbiter.CandidateCount = 10
	}
	if cfg.Arbiter.MoveTimeMs == 0 {
		cfg.Arbiter.MoveTimeMs = 200
	}
	if cfg.Arbiter.LLMTimeoutMs == 0 {
		cfg.Arbiter.LLMTimeoutMs = 12000
	}
	if cfg.Arbiter.MaxTokens == 0 {
		cfg.Arbiter.MaxTokens = 60
	}
	if cfg.Arbiter.Temperature == 0 {
		cfg.Arbiter.Temperature = 0.2
	}
	if cfg.Arbiter.MoveDelayMs == 0 {
		cfg.Arbiter.MoveDelayMs = 2000
	}
	if cfg.Arbiter.MaxPlies == 0 {
		cfg.Arbiter.MaxPlies = 500
	}

	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = os.Getenv("OPEN_ROUTER_API_KEY")
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "z-ai/glm-4.7-flash"
	}
	if cfg.LLM.BreakerFailures == 0 {
		cfg.LLM.BreakerFailures = 5
	}
	if cfg.LLM.BreakerTimeout == 0 {
		cfg.LLM.BreakerTimeout = 30
	}

	if cfg.Rules.BaseURL == "" {
		cfg.Rules.BaseURL = "http://localhost:3001"
	}
	if cfg.Rules.Timeout == 0 {
		cfg.Rules.Timeout = 10
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil && i > 0 {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return defaultVal
}
