package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trend-pipeline/app/config"
	"trend-pipeline/app/logger"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const jobTimeout = 5 * time.Minute

// Scheduler 定时执行卡死清理、计划任务入队和过期条目清理
type Scheduler struct {
	cron          *cron.Cron
	log           *logger.Logger
	sweeper       *Sweeper
	tasks         *TaskService
	queue         *QueueManager
	retentionDays int
	stuckMinutes  atomic.Int64
	mu            sync.Mutex
	running       bool
}

// NewScheduler 按配置注册定时任务，cron 表达式非法时返回错误
func NewScheduler(cfg config.QueueConfig, log *logger.Logger, sweeper *Sweeper, tasks *TaskService, queue *QueueManager) (*Scheduler, error) {
	log = log.Named("scheduler")
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Logger))

	s := &Scheduler{
		cron:          cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		log:           log,
		sweeper:       sweeper,
		tasks:         tasks,
		queue:         queue,
		retentionDays: cfg.RetentionDays,
	}
	s.SetStuckTimeout(cfg.StuckTimeoutMinutes)

	jobs := []struct {
		name string
		spec string
		run  func(context.Context)
	}{
		{"sweep", cfg.SweepCron, s.runSweep},
		{"promote", cfg.PromoteCron, s.runPromote},
		{"cleanup", cfg.CleanupCron, s.runCleanup},
	}
	for _, job := range jobs {
		run := job.run
		if _, err := s.cron.AddFunc(job.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			run(ctx)
		}); err != nil {
			return nil, fmt.Errorf("注册定时任务 %s 失败: %w", job.name, err)
		}
	}
	return s, nil
}

// SetStuckTimeout 更新卡死判定时长，配置热更新时调用
func (s *Scheduler) SetStuckTimeout(minutes int) {
	if minutes <= 0 {
		minutes = DefaultStuckTimeoutMinutes
	}
	s.stuckMinutes.Store(int64(minutes))
}

// StuckTimeout 当前卡死判定时长（分钟）
func (s *Scheduler) StuckTimeout() int {
	return int(s.stuckMinutes.Load())
}

// Start 启动定时任务
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.log.Info("定时任务已启动")
}

// Stop 停止定时任务并等待正在执行的任务结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	<-s.cron.Stop().Done()
	s.log.Info("定时任务已停止")
}

func (s *Scheduler) runSweep(ctx context.Context) {
	result, err := s.sweeper.SweepStuckTasks(ctx, s.StuckTimeout())
	if err != nil {
		s.log.Errorf("卡死任务清理失败: %v", err)
		return
	}
	if len(result.Swept) > 0 || len(result.Errors) > 0 {
		s.log.Infof("卡死任务清理完成: 清理 %d 个, 失败 %d 个", len(result.Swept), len(result.Errors))
	}
}

func (s *Scheduler) runPromote(ctx context.Context) {
	if _, err := s.tasks.PromoteDue(ctx); err != nil {
		s.log.Errorf("计划任务入队失败: %v", err)
	}
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	if _, err := s.queue.Cleanup(ctx, s.retentionDays); err != nil {
		s.log.Errorf("清理旧任务失败: %v", err)
	}
}
