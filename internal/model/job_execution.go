package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JobStatus 任务执行状态
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
	JobStatusSkipped JobStatus = "skipped"
)

// JobExecution 定时任务执行记录
type JobExecution struct {
	ID           int64      `gorm:"column:id;primaryKey;autoIncrement"`
	JobName      string     `gorm:"column:job_name;type:varchar(100);index;not null"`
	Status       JobStatus  `gorm:"column:status;type:varchar(20);not null"`
	StartedAt    int64      `gorm:"column:started_at;not null"`
	FinishedAt   *int64     `gorm:"column:finished_at"`
	DurationMs   *int       `gorm:"column:duration_ms"`
	ErrorMessage *string    `gorm:"column:error_message;type:text"`
	Result       JSONResult `gorm:"column:result;type:text"`
	CreatedAt    int64      `gorm:"column:created_at;not null"`
}

// TableName 表名
func (JobExecution) TableName() string {
	return "gambit_job_executions"
}

// JSONResult JSON 结果
type JSONResult map[string]interface{}

// Value 实现 driver.Valuer
func (j JSONResult) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	data, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan 实现 sql.Scanner
func (j *JSONResult) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		return json.Unmarshal(v, j)
	case string:
		return json.Unmarshal([]byte(v), j)
	default:
		return fmt.Errorf("unsupported JSONResult source %T", value)
	}
}
