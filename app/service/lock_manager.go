package service

import (
	"context"
	"fmt"
	"time"

	"trend-pipeline/app/database"
	"trend-pipeline/app/logger"
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"gorm.io/gorm"
)

// LockManager 管理每个阶段的互斥锁槽，所有占用和释放都是条件更新
type LockManager struct {
	db  *gorm.DB
	log *logger.Logger
	now func() time.Time
}

// NewLockManager 创建锁管理器
func NewLockManager(db *gorm.DB, log *logger.Logger) *LockManager {
	return &LockManager{db: db, log: log.Named("lock"), now: time.Now}
}

// Acquire 锁为空时由该任务占用，已被占用返回 false
func (m *LockManager) Acquire(ctx context.Context, stage pipeline.Stage, taskID string, pid int) (bool, error) {
	if !stage.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	if taskID == "" {
		return false, fmt.Errorf("%w: 任务ID不能为空", ErrInvalidInput)
	}

	res := m.db.WithContext(ctx).Model(&model.TaskLock{}).
		Where("task_type = ? AND lock_task_id IS NULL", stage).
		Updates(map[string]any{
			"lock_task_id": taskID,
			"locked_at":    m.now(),
			"worker_pid":   pid,
		})
	if res.Error != nil {
		return false, fmt.Errorf("占用任务锁失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		m.log.Debugf("任务锁已被占用: stage=%s, task=%s", stage, taskID)
		return false, nil
	}

	m.log.Infof("🔒 占用任务锁: stage=%s, task=%s, pid=%d", stage, taskID, pid)
	return true, nil
}

// Release 仅当锁仍由该任务持有时释放，避免误释放新持有者的锁
func (m *LockManager) Release(ctx context.Context, stage pipeline.Stage, taskID string) (bool, error) {
	released, err := releaseLock(m.db.WithContext(ctx), stage, taskID)
	if err != nil {
		return false, fmt.Errorf("释放任务锁失败: %w", err)
	}
	if released {
		m.log.Infof("🔓 释放任务锁: stage=%s, task=%s", stage, taskID)
	}
	return released, nil
}

// ForceRelease 无条件释放该任务持有的所有锁，用于取消和卡死清理
func (m *LockManager) ForceRelease(ctx context.Context, taskID string) (int64, error) {
	n, err := forceReleaseLocks(m.db.WithContext(ctx), taskID)
	if err != nil {
		return 0, fmt.Errorf("强制释放任务锁失败: %w", err)
	}
	if n > 0 {
		m.log.Warnf("强制释放任务锁: task=%s, 数量=%d", taskID, n)
	}
	return n, nil
}

// Holder 返回某阶段的锁状态
func (m *LockManager) Holder(ctx context.Context, stage pipeline.Stage) (*model.TaskLock, error) {
	var lock model.TaskLock
	if err := m.db.WithContext(ctx).First(&lock, "task_type = ?", stage).Error; err != nil {
		return nil, database.MapError(err)
	}
	return &lock, nil
}

// List 返回全部锁槽
func (m *LockManager) List(ctx context.Context) ([]model.TaskLock, error) {
	var locks []model.TaskLock
	err := m.db.WithContext(ctx).Find(&locks).Error
	if err != nil {
		return nil, err
	}
	// 按阶段顺序返回
	ordered := make([]model.TaskLock, 0, len(locks))
	for _, stage := range pipeline.Stages {
		for _, l := range locks {
			if l.TaskType == stage {
				ordered = append(ordered, l)
			}
		}
	}
	return ordered, nil
}

// ReleaseAll 释放所有锁，只应在确认没有 worker 运行时调用
func (m *LockManager) ReleaseAll(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Model(&model.TaskLock{}).
		Where("lock_task_id IS NOT NULL").
		Updates(lockCleared())
	if res.Error != nil {
		return 0, fmt.Errorf("释放全部任务锁失败: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ReleaseOrphans 释放持有者已不在该阶段处理中的锁，grace 内新占用的锁不处理
func (m *LockManager) ReleaseOrphans(ctx context.Context, grace time.Duration) (int64, error) {
	cutoff := m.now().Add(-grace)
	res := m.db.WithContext(ctx).Model(&model.TaskLock{}).
		Where("lock_task_id IS NOT NULL AND locked_at < ?", cutoff).
		Where("NOT EXISTS (SELECT 1 FROM task_queue q WHERE q.task_id = task_lock.lock_task_id AND q.type = task_lock.task_type AND q.status = ?)", pipeline.StatusProcessing).
		Updates(lockCleared())
	if res.Error != nil {
		return 0, fmt.Errorf("释放孤立任务锁失败: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.log.Warnf("释放了 %d 个孤立的任务锁", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
