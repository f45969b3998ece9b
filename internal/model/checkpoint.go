package model

// BlockCheckpoint 区块检查点, 每个 (链, 合约) 一条, 作为事件补扫游标
type BlockCheckpoint struct {
	ID              int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID         int64  `gorm:"column:chain_id;type:bigint;uniqueIndex:uk_chain_contract;not null" json:"chain_id"`
	ContractAddress string `gorm:"column:contract_address;type:varchar(42);uniqueIndex:uk_chain_contract;not null" json:"contract_address"`
	BlockNumber     int64  `gorm:"column:block_number;type:bigint;not null" json:"block_number"`
	BlockHash       string `gorm:"column:block_hash;type:varchar(66);not null" json:"block_hash"`
	ProcessedAt     int64  `gorm:"column:processed_at;type:bigint;not null" json:"processed_at"`
	CreatedAt       int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt       int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (BlockCheckpoint) TableName() string {
	return "gambit_chain_checkpoints"
}

// ChainEventType 链上事件类型
type ChainEventType string

const (
	ChainEventChallengeCreated  ChainEventType = "ChallengeCreated"
	ChainEventChallengeAccepted ChainEventType = "ChallengeAccepted"
	ChainEventMatchSettled      ChainEventType = "MatchSettled"
	ChainEventMatchCancelled    ChainEventType = "MatchCancelled"
)

// ChainEvent 已处理的链上事件, (tx_hash, log_index) 唯一, 用于丢弃重复投递
type ChainEvent struct {
	ID              int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	ChainID         int64          `gorm:"column:chain_id;type:bigint;not null" json:"chain_id"`
	BlockNumber     int64          `gorm:"column:block_number;type:bigint;index;not null" json:"block_number"`
	TxHash          string         `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_tx_log;not null" json:"tx_hash"`
	LogIndex        int            `gorm:"column:log_index;type:int;uniqueIndex:uk_tx_log;not null" json:"log_index"`
	EventType       ChainEventType `gorm:"column:event_type;type:varchar(50);index;not null" json:"event_type"`
	ExternalMatchID string         `gorm:"column:external_match_id;type:varchar(80);index;not null" json:"external_match_id"`
	EventData       string         `gorm:"column:event_data;type:text;not null" json:"event_data"` // JSON
	CreatedAt       int64          `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (ChainEvent) TableName() string {
	return "gambit_chain_events"
}
