package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-gambit/pkg/logger"
)

const defaultMaxConcurrentJobs = 2

// 跳过原因
const (
	skipConcurrencyLimit = "concurrency limit reached"
	skipStillRunning     = "previous firing still running"
	skipLockHeld         = "lock held by another instance"
	skipStopping         = "scheduler stopping"
)

// JobConfig 任务调度配置
type JobConfig struct {
	// Spec cron 表达式 (带秒) 或 "@every 1h" 形式
	Spec    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	// RedisClient 为空时任务不加锁, 只适合单实例部署
	RedisClient redis.UniversalClient
}

// Scheduler 定时任务调度器
type Scheduler struct {
	cron        *cron.Cron
	lockManager *LockManager
	execRepo    *repository.ExecutionRepository

	mu       sync.Mutex
	jobs     map[string]Job
	entries  map[string]cron.EntryID
	inflight map[string]bool

	running chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig, execRepo *repository.ExecutionRepository) *Scheduler {
	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentJobs
	}

	var lockManager *LockManager
	if cfg.RedisClient != nil {
		lockManager = NewLockManager(cfg.RedisClient)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		lockManager: lockManager,
		execRepo:    execRepo,
		jobs:        make(map[string]Job),
		entries:     make(map[string]cron.EntryID),
		inflight:    make(map[string]bool),
		running:     make(chan struct{}, maxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// EverySpec 由间隔秒数生成调度表达式
func EverySpec(seconds int) string {
	return fmt.Sprintf("@every %ds", seconds)
}

// RegisterJob 注册任务, 禁用的任务只登记不调度
func (s *Scheduler) RegisterJob(job Job, cfg JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := job.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	if cfg.Enabled {
		entryID, err := s.cron.AddFunc(cfg.Spec, func() { s.executeJob(job) })
		if err != nil {
			return fmt.Errorf("schedule job %s: %w", name, err)
		}
		s.entries[name] = entryID
	}

	s.jobs[name] = job

	logger.Info("job registered",
		zap.String("job", name),
		zap.String("spec", cfg.Spec),
		zap.Bool("enabled", cfg.Enabled))
	return nil
}

// Start 启动调度
func (s *Scheduler) Start() {
	if s.lockManager == nil {
		logger.Warn("scheduler running without distributed lock")
	}
	s.cron.Start()
	logger.Info("scheduler started", zap.Int("jobs", len(s.jobs)))
}

// Stop 停止调度并等待执行中的任务结束, 可重复调用
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		logger.Info("scheduler stopped")
	})
}

// executeJob 执行一次触发, 返回最终状态
func (s *Scheduler) executeJob(job Job) model.JobStatus {
	name := job.Name()

	if s.ctx.Err() != nil {
		return s.recordSkipped(name, skipStopping)
	}

	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		return s.recordSkipped(name, skipConcurrencyLimit)
	}

	if !s.markInflight(name) {
		return s.recordSkipped(name, skipStillRunning)
	}
	defer s.clearInflight(name)

	if s.lockManager != nil && job.LockTTL() > 0 {
		lock := s.lockManager.NewLock(name, job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(s.ctx)
		if err != nil {
			logger.Error("acquire job lock failed", zap.String("job", name), zap.Error(err))
			return s.recordFailed(name, fmt.Errorf("acquire lock: %w", err))
		}
		if !acquired {
			return s.recordSkipped(name, skipLockHeld)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if released, err := lock.Unlock(ctx); err != nil || !released {
				logger.Warn("release job lock failed",
					zap.String("job", name), zap.Bool("released", released), zap.Error(err))
			}
		}()
	}

	startedAt := time.Now()
	exec := &model.JobExecution{
		JobName:   name,
		Status:    model.JobStatusRunning,
		StartedAt: startedAt.UnixMilli(),
	}
	if err := s.execRepo.Create(context.Background(), exec); err != nil {
		logger.Error("create job execution record failed", zap.String("job", name), zap.Error(err))
	}

	result, err := s.runWithTimeout(job)

	duration := time.Since(startedAt)
	finishedAt := time.Now().UnixMilli()
	durationMs := int(duration.Milliseconds())
	exec.FinishedAt = &finishedAt
	exec.DurationMs = &durationMs
	exec.Result = result.ToJSONResult()

	switch {
	case err != nil:
		exec.Status = model.JobStatusFailed
		msg := err.Error()
		exec.ErrorMessage = &msg
		logger.Error("job failed", zap.String("job", name), zap.Duration("duration", duration), zap.Error(err))
	case result != nil && result.Skipped:
		exec.Status = model.JobStatusSkipped
		logger.Info("job skipped", zap.String("job", name), zap.String("reason", result.Reason))
	default:
		exec.Status = model.JobStatusSuccess
		logger.Info("job completed", zap.String("job", name), zap.Duration("duration", duration))
	}

	if exec.ID != 0 {
		if err := s.execRepo.Update(context.Background(), exec); err != nil {
			logger.Error("update job execution record failed", zap.String("job", name), zap.Error(err))
		}
	}
	metrics.RecordJobExecution(name, string(exec.Status), duration.Seconds())
	return exec.Status
}

func (s *Scheduler) runWithTimeout(job Job) (result *JobResult, err error) {
	ctx := s.ctx
	if job.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, job.Timeout())
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panic: %v", r)
		}
	}()
	return job.Execute(ctx)
}

func (s *Scheduler) markInflight(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[name] {
		return false
	}
	s.inflight[name] = true
	return true
}

func (s *Scheduler) clearInflight(name string) {
	s.mu.Lock()
	delete(s.inflight, name)
	s.mu.Unlock()
}

func (s *Scheduler) recordSkipped(name, reason string) model.JobStatus {
	logger.Info("job skipped", zap.String("job", name), zap.String("reason", reason))
	s.record(name, model.JobStatusSkipped, model.JSONResult{"reason": reason}, nil)
	return model.JobStatusSkipped
}

func (s *Scheduler) recordFailed(name string, err error) model.JobStatus {
	msg := err.Error()
	s.record(name, model.JobStatusFailed, nil, &msg)
	return model.JobStatusFailed
}

func (s *Scheduler) record(name string, status model.JobStatus, result model.JSONResult, errMsg *string) {
	now := time.Now().UnixMilli()
	zero := 0
	exec := &model.JobExecution{
		JobName:      name,
		Status:       status,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &zero,
		ErrorMessage: errMsg,
		Result:       result,
	}
	if err := s.execRepo.Create(context.Background(), exec); err != nil {
		logger.Error("record job execution failed", zap.String("job", name), zap.Error(err))
	}
	metrics.RecordJobExecution(name, string(status), 0)
}
