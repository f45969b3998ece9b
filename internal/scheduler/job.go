// Package scheduler 定时任务调度: cron 触发, Redis 分布式锁保证多实例互斥
package scheduler

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
)

// Job 定时任务
type Job interface {
	// Name 任务名称, 同时作为锁键与执行记录的 job_name
	Name() string
	// Execute 执行一次触发
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 单次执行超时
	Timeout() time.Duration
	// LockTTL 分布式锁过期时间, 0 表示不加锁
	LockTTL() time.Duration
	// UseWatchdog 执行期间是否自动续期锁
	UseWatchdog() bool
}

// JobResult 单次执行结果
type JobResult struct {
	// Skipped 本次触发未做任何事 (条件不满足)
	Skipped bool
	Reason  string
	Details map[string]interface{}
}

// SkipResult 构造跳过结果
func SkipResult(reason string) *JobResult {
	return &JobResult{Skipped: true, Reason: reason}
}

// ToJSONResult 转换为执行记录的 result 字段
func (r *JobResult) ToJSONResult() model.JSONResult {
	if r == nil {
		return nil
	}
	result := model.JSONResult{}
	if r.Reason != "" {
		result["reason"] = r.Reason
	}
	for k, v := range r.Details {
		result[k] = v
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

// BaseJob 任务公共属性
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建任务公共属性
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

func (b BaseJob) Name() string           { return b.name }
func (b BaseJob) Timeout() time.Duration { return b.timeout }
func (b BaseJob) LockTTL() time.Duration { return b.lockTTL }
func (b BaseJob) UseWatchdog() bool      { return b.useWatchdog }

// JobNameMatchmaking 自动匹配任务
const JobNameMatchmaking = "matchmaking"
