package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-gambit/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/model"
	"github.com/eidos-exchange/eidos/eidos-gambit/internal/repository"
)

func setupSchedulerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&model.JobExecution{}))
	return db
}

// funcJob 以函数实现的测试任务
type funcJob struct {
	BaseJob
	fn    func(ctx context.Context) (*JobResult, error)
	calls int64
}

func newFuncJob(name string, timeout, lockTTL time.Duration, fn func(ctx context.Context) (*JobResult, error)) *funcJob {
	return &funcJob{BaseJob: NewBaseJob(name, timeout, lockTTL, false), fn: fn}
}

func (j *funcJob) Execute(ctx context.Context) (*JobResult, error) {
	atomic.AddInt64(&j.calls, 1)
	if j.fn == nil {
		return &JobResult{}, nil
	}
	return j.fn(ctx)
}

func (j *funcJob) Calls() int64 { return atomic.LoadInt64(&j.calls) }

type schedulerFixture struct {
	scheduler *Scheduler
	db        *gorm.DB
	redis     *miniredis.Miniredis
}

func newSchedulerFixture(t *testing.T, maxConcurrent int) *schedulerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := setupSchedulerTestDB(t)
	s := NewScheduler(&SchedulerConfig{MaxConcurrentJobs: maxConcurrent, RedisClient: client}, repository.NewExecutionRepository(db))
	t.Cleanup(s.Stop)
	return &schedulerFixture{scheduler: s, db: db, redis: mr}
}

// run 同步执行一次已注册的任务
func (f *schedulerFixture) run(t *testing.T, name string) model.JobStatus {
	t.Helper()
	f.scheduler.mu.Lock()
	job, ok := f.scheduler.jobs[name]
	f.scheduler.mu.Unlock()
	require.True(t, ok, "job %s not registered", name)
	return f.scheduler.executeJob(job)
}

func (f *schedulerFixture) latest(t *testing.T, name string) *model.JobExecution {
	t.Helper()
	var exec model.JobExecution
	require.NoError(t, f.db.Where("job_name = ?", name).Order("id DESC").First(&exec).Error)
	return &exec
}

func (f *schedulerFixture) count(t *testing.T, name string, status model.JobStatus) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&model.JobExecution{}).Where("job_name = ? AND status = ?", name, status).Count(&n).Error)
	return n
}

func TestEverySpec(t *testing.T) {
	assert.Equal(t, "@every 3600s", EverySpec(3600))
}

func TestScheduler_RegisterJob(t *testing.T) {
	f := newSchedulerFixture(t, 1)

	require.NoError(t, f.scheduler.RegisterJob(newFuncJob("a", time.Second, 0, nil), JobConfig{Spec: EverySpec(60), Enabled: true}))
	require.NoError(t, f.scheduler.RegisterJob(newFuncJob("b", time.Second, 0, nil), JobConfig{Spec: "not a spec", Enabled: false}))

	err := f.scheduler.RegisterJob(newFuncJob("a", time.Second, 0, nil), JobConfig{Spec: EverySpec(60), Enabled: true})
	assert.Error(t, err)

	err = f.scheduler.RegisterJob(newFuncJob("c", time.Second, 0, nil), JobConfig{Spec: "not a spec", Enabled: true})
	assert.Error(t, err)

	f.scheduler.mu.Lock()
	_, scheduledA := f.scheduler.entries["a"]
	_, scheduledB := f.scheduler.entries["b"]
	_, registeredC := f.scheduler.jobs["c"]
	f.scheduler.mu.Unlock()
	assert.True(t, scheduledA)
	assert.False(t, scheduledB)
	assert.False(t, registeredC)
}

func TestScheduler_ExecuteJob_Statuses(t *testing.T) {
	f := newSchedulerFixture(t, 2)

	jobs := []*funcJob{
		newFuncJob("ok", time.Second, time.Minute, func(ctx context.Context) (*JobResult, error) {
			return &JobResult{Details: map[string]interface{}{"challenger": "agent-1"}}, nil
		}),
		newFuncJob("idle", time.Second, time.Minute, func(ctx context.Context) (*JobResult, error) {
			return SkipResult("not enough agents"), nil
		}),
		newFuncJob("broken", time.Second, time.Minute, func(ctx context.Context) (*JobResult, error) {
			return nil, errors.New("rpc down")
		}),
		newFuncJob("panicky", time.Second, time.Minute, func(ctx context.Context) (*JobResult, error) {
			panic("boom")
		}),
	}
	for _, j := range jobs {
		require.NoError(t, f.scheduler.RegisterJob(j, JobConfig{Spec: EverySpec(3600), Enabled: true}))
	}

	failedBefore := testutil.ToFloat64(metrics.JobExecutionsTotal.WithLabelValues("broken", "failed"))

	tests := []struct {
		name   string
		status model.JobStatus
	}{
		{"ok", model.JobStatusSuccess},
		{"idle", model.JobStatusSkipped},
		{"broken", model.JobStatusFailed},
		{"panicky", model.JobStatusFailed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, f.run(t, tt.name), tt.name)

		exec := f.latest(t, tt.name)
		assert.Equal(t, tt.status, exec.Status, tt.name)
		assert.NotNil(t, exec.FinishedAt)
		assert.NotNil(t, exec.DurationMs)
		assert.False(t, f.redis.Exists(lockPrefix+tt.name), "lock released after %s", tt.name)
	}

	assert.Equal(t, "agent-1", f.latest(t, "ok").Result["challenger"])
	assert.Equal(t, "not enough agents", f.latest(t, "idle").Result["reason"])
	require.NotNil(t, f.latest(t, "broken").ErrorMessage)
	assert.Equal(t, "rpc down", *f.latest(t, "broken").ErrorMessage)
	assert.Contains(t, *f.latest(t, "panicky").ErrorMessage, "boom")
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(metrics.JobExecutionsTotal.WithLabelValues("broken", "failed")))
}

func TestScheduler_LockHeldElsewhere(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	job := newFuncJob("matchmaking", time.Second, time.Minute, nil)
	require.NoError(t, f.scheduler.RegisterJob(job, JobConfig{Spec: EverySpec(3600), Enabled: true}))

	require.NoError(t, f.redis.Set(lockPrefix+"matchmaking", "other-instance"))

	assert.Equal(t, model.JobStatusSkipped, f.run(t, "matchmaking"))
	assert.Zero(t, job.Calls())
	assert.Equal(t, skipLockHeld, f.latest(t, "matchmaking").Result["reason"])

	// 他人的锁不会被释放
	val, err := f.redis.Get(lockPrefix + "matchmaking")
	require.NoError(t, err)
	assert.Equal(t, "other-instance", val)
}

func TestScheduler_NoOverlap(t *testing.T) {
	f := newSchedulerFixture(t, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	job := newFuncJob("slow", 5*time.Second, 0, func(ctx context.Context) (*JobResult, error) {
		close(started)
		<-release
		return &JobResult{}, nil
	})
	require.NoError(t, f.scheduler.RegisterJob(job, JobConfig{Spec: EverySpec(3600), Enabled: true}))

	done := make(chan model.JobStatus, 1)
	go func() { done <- f.scheduler.executeJob(job) }()
	<-started

	assert.Equal(t, model.JobStatusSkipped, f.run(t, "slow"))

	close(release)
	assert.Equal(t, model.JobStatusSuccess, <-done)
	assert.Equal(t, int64(1), job.Calls())
	assert.Equal(t, int64(1), f.count(t, "slow", model.JobStatusSkipped))
}

func TestScheduler_ConcurrencyLimit(t *testing.T) {
	f := newSchedulerFixture(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	blocker := newFuncJob("blocker", 5*time.Second, 0, func(ctx context.Context) (*JobResult, error) {
		close(started)
		<-release
		return &JobResult{}, nil
	})
	other := newFuncJob("other", time.Second, 0, nil)
	require.NoError(t, f.scheduler.RegisterJob(blocker, JobConfig{Spec: EverySpec(3600), Enabled: true}))
	require.NoError(t, f.scheduler.RegisterJob(other, JobConfig{Spec: EverySpec(3600), Enabled: true}))

	done := make(chan model.JobStatus, 1)
	go func() { done <- f.scheduler.executeJob(blocker) }()
	<-started

	assert.Equal(t, model.JobStatusSkipped, f.run(t, "other"))
	assert.Zero(t, other.Calls())
	assert.Equal(t, skipConcurrencyLimit, f.latest(t, "other").Result["reason"])

	close(release)
	assert.Equal(t, model.JobStatusSuccess, <-done)
}

func TestScheduler_Timeout(t *testing.T) {
	f := newSchedulerFixture(t, 1)
	job := newFuncJob("stuck", 20*time.Millisecond, 0, func(ctx context.Context) (*JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, f.scheduler.RegisterJob(job, JobConfig{Spec: EverySpec(3600), Enabled: true}))

	assert.Equal(t, model.JobStatusFailed, f.run(t, "stuck"))
	assert.Contains(t, *f.latest(t, "stuck").ErrorMessage, "deadline exceeded")
}

func TestScheduler_StopCancelsAndIsIdempotent(t *testing.T) {
	f := newSchedulerFixture(t, 1)

	started := make(chan struct{})
	job := newFuncJob("long", time.Minute, 0, func(ctx context.Context) (*JobResult, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, f.scheduler.RegisterJob(job, JobConfig{Spec: "* * * * * *", Enabled: true}))
	f.scheduler.Start()

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job not fired by cron")
	}

	// Stop 等待 cron 中正在执行的任务返回
	f.scheduler.Stop()
	f.scheduler.Stop()

	// 被取消的那次记为失败, 期间的重复触发只会记为跳过
	assert.Equal(t, int64(1), f.count(t, "long", model.JobStatusFailed))
	assert.Equal(t, model.JobStatusSkipped, f.run(t, "long"))
	assert.Equal(t, int64(1), job.Calls())
}

func TestScheduler_WithoutRedis(t *testing.T) {
	db := setupSchedulerTestDB(t)
	s := NewScheduler(&SchedulerConfig{}, repository.NewExecutionRepository(db))
	defer s.Stop()
	f := &schedulerFixture{scheduler: s, db: db}

	job := newFuncJob("local", time.Second, time.Minute, nil)
	require.NoError(t, s.RegisterJob(job, JobConfig{Spec: EverySpec(60), Enabled: true}))

	assert.Equal(t, model.JobStatusSuccess, f.run(t, "local"))
	assert.Equal(t, int64(1), job.Calls())
}
