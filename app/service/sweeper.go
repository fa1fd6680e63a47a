package service

import (
	"context"
	"fmt"
	"time"

	"trend-pipeline/app/logger"
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"gorm.io/gorm"
)

// DefaultStuckTimeoutMinutes 处理中超过该时长且没有结束时间的任务视为卡死
const DefaultStuckTimeoutMinutes = 10

const defaultOrphanGrace = time.Minute

// Sweeper 清理卡死任务
type Sweeper struct {
	db          *gorm.DB
	log         *logger.Logger
	queue       *QueueManager
	locks       *LockManager
	orphanGrace time.Duration
	now         func() time.Time
}

// NewSweeper 创建卡死任务清理器
func NewSweeper(db *gorm.DB, log *logger.Logger, queue *QueueManager, locks *LockManager) *Sweeper {
	return &Sweeper{
		db:          db,
		log:         log.Named("sweeper"),
		queue:       queue,
		locks:       locks,
		orphanGrace: defaultOrphanGrace,
		now:         time.Now,
	}
}

// WithOrphanGrace 设置孤立锁的宽限时间
func (s *Sweeper) WithOrphanGrace(d time.Duration) *Sweeper {
	if d > 0 {
		s.orphanGrace = d
	}
	return s
}

// SweepResult 一次清理的结果
type SweepResult struct {
	Swept       []string `json:"swept"`
	Errors      []string `json:"errors"`
	OrphanLocks int64    `json:"orphan_locks"`
}

type stuckRow struct {
	TaskID string
	Type   pipeline.Stage
}

// StuckMessage 卡死任务写入的错误信息
func StuckMessage(timeoutMinutes int) string {
	return fmt.Sprintf("stuck task auto-cleanup (no progress for %d minutes)", timeoutMinutes)
}

// SweepStuckTasks 将处理中且计时超过 timeoutMinutes 未结束的任务置为失败并释放锁。
// 单个任务失败只记录日志，不影响其他任务。
func (s *Sweeper) SweepStuckTasks(ctx context.Context, timeoutMinutes int) (*SweepResult, error) {
	if timeoutMinutes <= 0 {
		timeoutMinutes = DefaultStuckTimeoutMinutes
	}
	now := s.now()
	cutoff := now.Add(-time.Duration(timeoutMinutes) * time.Minute)

	var rows []stuckRow
	err := s.db.WithContext(ctx).Table("task_queue AS q").
		Select("DISTINCT q.task_id, q.type").
		Joins("JOIN task_time_log AS t ON t.task_id = q.task_id AND t.type = q.type").
		Where("q.status = ? AND t.end_time IS NULL AND t.start_time < ?", pipeline.StatusProcessing, cutoff).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("查询卡死任务失败: %w", err)
	}

	result := &SweepResult{Swept: []string{}, Errors: []string{}}
	msg := StuckMessage(timeoutMinutes)
	for _, row := range rows {
		swept, err := s.failStuck(ctx, row, msg, now)
		if err != nil {
			s.log.Errorf("清理卡死任务失败: task=%s, err=%v", row.TaskID, err)
			result.Errors = append(result.Errors, row.TaskID)
			continue
		}
		if !swept {
			continue
		}
		result.Swept = append(result.Swept, row.TaskID)
		s.log.Warnf("🧹 卡死任务已置为失败: task=%s, stage=%s", row.TaskID, row.Type)
		s.queue.appendLogQuietly(ctx, row.TaskID, row.Type, msg)
	}
	if len(result.Swept) > 0 {
		s.queue.invalidate()
	}

	orphans, err := s.locks.ReleaseOrphans(ctx, s.orphanGrace)
	if err != nil {
		s.log.Errorf("释放孤立锁失败: %v", err)
	}
	result.OrphanLocks = orphans

	return result, nil
}

// failStuck 单个卡死任务的清理事务，任务已被其他进程推进时返回 false
func (s *Sweeper) failStuck(ctx context.Context, row stuckRow, msg string, now time.Time) (bool, error) {
	swept := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND type = ? AND status = ?", row.TaskID, row.Type, pipeline.StatusProcessing).
			Updates(map[string]any{
				"status":       pipeline.StatusFailed,
				"error":        msg,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		swept = true

		if err := closeTimeLogs(tx, row.TaskID, row.Type, now); err != nil {
			return err
		}
		if err := tx.Model(&model.Content{}).
			Where("content_id = ? AND status IN ?", row.TaskID, pipeline.InFlightContent).
			Updates(map[string]any{"status": pipeline.ContentFailed, "error": msg}).Error; err != nil {
			return err
		}
		_, err := forceReleaseLocks(tx, row.TaskID)
		return err
	})
	return swept, err
}

// RecoveryReport 启动恢复的结果
type RecoveryReport struct {
	LocksReleased  int64 `json:"locks_released"`
	QueueFailed    int64 `json:"queue_failed"`
	ContentFailed  int64 `json:"content_failed"`
	TimeLogsClosed int64 `json:"time_logs_closed"`
}

// RecoveryMessage 启动恢复时写入的错误信息
const RecoveryMessage = "interrupted by worker restart"

// Recover 在确认没有 worker 运行时调用：释放全部锁，处理中的任务和内容置为失败
func (s *Sweeper) Recover(ctx context.Context) (*RecoveryReport, error) {
	now := s.now()
	report := &RecoveryReport{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.TaskLock{}).Where("lock_task_id IS NOT NULL").Updates(lockCleared())
		if res.Error != nil {
			return res.Error
		}
		report.LocksReleased = res.RowsAffected

		res = tx.Model(&model.Content{}).
			Where("status = ?", pipeline.ContentProcessing).
			Updates(map[string]any{"status": pipeline.ContentFailed, "error": RecoveryMessage})
		if res.Error != nil {
			return res.Error
		}
		report.ContentFailed = res.RowsAffected

		res = tx.Model(&model.TimeLog{}).
			Where("end_time IS NULL AND task_id IN (?)",
				tx.Model(&model.QueueEntry{}).Select("task_id").Where("status = ?", pipeline.StatusProcessing)).
			Update("end_time", now)
		if res.Error != nil {
			return res.Error
		}
		report.TimeLogsClosed = res.RowsAffected

		res = tx.Model(&model.QueueEntry{}).
			Where("status = ?", pipeline.StatusProcessing).
			Updates(map[string]any{
				"status":       pipeline.StatusFailed,
				"error":        RecoveryMessage,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		report.QueueFailed = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("启动恢复失败: %w", err)
	}
	s.queue.invalidate()

	s.log.Infof("启动恢复完成: 释放锁 %d 个, 失败任务 %d 个, 失败内容 %d 个",
		report.LocksReleased, report.QueueFailed, report.ContentFailed)
	return report, nil
}
