package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trend-pipeline/app/database"
	"trend-pipeline/app/logger"
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"gorm.io/gorm"
)

// StageEngine 推进任务的阶段，队列和内容在同一事务内修改
type StageEngine struct {
	db    *gorm.DB
	log   *logger.Logger
	queue *QueueManager
	now   func() time.Time
}

// NewStageEngine 创建阶段推进引擎
func NewStageEngine(db *gorm.DB, log *logger.Logger, queue *QueueManager) *StageEngine {
	return &StageEngine{db: db, log: log.Named("stage"), queue: queue, now: time.Now}
}

// AdvanceStage 按当前阶段的执行结果推进任务
func (e *StageEngine) AdvanceStage(ctx context.Context, taskID string, outcome pipeline.Outcome) (*model.QueueEntry, error) {
	return e.AdvanceStageAt(ctx, taskID, "", outcome)
}

// AdvanceStageAt 与 AdvanceStage 相同，但要求任务仍处于 expected 阶段。
// worker 使用它避免在任务被强制重置后推进错误的阶段。
func (e *StageEngine) AdvanceStageAt(ctx context.Context, taskID string, expected pipeline.Stage, outcome pipeline.Outcome) (*model.QueueEntry, error) {
	now := e.now()
	var (
		entry model.QueueEntry
		from  pipeline.Stage
		step  pipeline.Step
	)

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, "task_id = ?", taskID).Error; err != nil {
			return database.MapError(err)
		}
		if entry.Status != pipeline.StatusProcessing {
			return fmt.Errorf("%w: 任务 %s 当前为 %s/%s", ErrConflict, taskID, entry.Type, entry.Status)
		}
		if expected != "" && entry.Type != expected {
			return fmt.Errorf("%w: 任务 %s 已处于 %s 阶段", ErrConflict, taskID, entry.Type)
		}

		from = entry.Type
		var err error
		step, err = pipeline.Advance(from, outcome)
		if err != nil {
			return err
		}

		fields := map[string]any{
			"type":   step.Type,
			"status": step.Status,
			"error":  nullableError(step.Error),
		}
		if step.Done() {
			fields["completed_at"] = now
		}
		res := tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND type = ? AND status = ?", taskID, from, pipeline.StatusProcessing).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: 任务 %s 已不在处理中", ErrConflict, taskID)
		}

		if err := closeTimeLogs(tx, taskID, from, now); err != nil {
			return err
		}

		if step.ContentChanged() {
			contentFields := map[string]any{"status": step.Content}
			if step.Content == pipeline.ContentFailed {
				contentFields["error"] = step.Error
			}
			res := tx.Model(&model.Content{}).Where("content_id = ?", taskID).Updates(contentFields)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				e.log.Warnf("任务没有对应的内容记录: task=%s", taskID)
			}
		}

		if _, err := releaseLock(tx, from, taskID); err != nil {
			return err
		}
		return tx.First(&entry, "task_id = ?", taskID).Error
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			e.log.Warnf("阶段推进冲突: %v", err)
		}
		return nil, err
	}
	e.queue.invalidate()

	if outcome.Success {
		if step.Done() {
			e.log.Infof("✅ 任务全部完成: task=%s", taskID)
			e.queue.appendLogQuietly(ctx, taskID, from, "stage completed, task finished")
		} else {
			e.log.Infof("阶段完成: task=%s, %s -> %s", taskID, from, step.Type)
			e.queue.appendLogQuietly(ctx, taskID, from, fmt.Sprintf("stage completed, next stage: %s", step.Type))
		}
	} else {
		e.log.Errorf("❌ 阶段失败: task=%s, stage=%s, err=%s", taskID, from, step.Error)
		e.queue.appendLogQuietly(ctx, taskID, from, "stage failed: "+step.Error)
	}
	return &entry, nil
}

// ForceExecute 管理员立即执行：计划时间改为一秒前，队列条目重置到 script/waiting，不存在时新建。
// 已退款的任务返回 ErrInvalidTransition
func (e *StageEngine) ForceExecute(ctx context.Context, taskID string) (*model.QueueEntry, error) {
	now := e.now()
	stage, status := pipeline.ForceReset()
	var entry model.QueueEntry

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task model.Task
		if err := tx.First(&task, "task_id = ?", taskID).Error; err != nil {
			return database.MapError(err)
		}
		if done, err := refunded(tx, taskID); err != nil {
			return err
		} else if done {
			return fmt.Errorf("%w: 任务 %s 已退款", ErrInvalidTransition, taskID)
		}
		if err := tx.Model(&task).Update("scheduled_time", now.Add(-time.Second)).Error; err != nil {
			return err
		}

		err := tx.First(&entry, "task_id = ?", taskID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			entry = model.QueueEntry{
				TaskID:    taskID,
				Type:      stage,
				Status:    status,
				UserID:    task.UserID,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&model.QueueEntry{}).Where("task_id = ?", taskID).Updates(map[string]any{
				"type":         stage,
				"status":       status,
				"error":        nil,
				"started_at":   nil,
				"completed_at": nil,
				"created_at":   now,
			}).Error; err != nil {
				return err
			}
		}

		if err := closeAllTimeLogs(tx, taskID, now); err != nil {
			return err
		}
		// 失败或取消的内容重新回到 pending
		if err := tx.Model(&model.Content{}).
			Where("content_id = ? AND status IN ?", taskID, []pipeline.ContentStatus{pipeline.ContentFailed, pipeline.ContentCancelled}).
			Updates(map[string]any{"status": pipeline.ContentPending, "error": nil}).Error; err != nil {
			return err
		}
		return tx.First(&entry, "task_id = ?", taskID).Error
	})
	if err != nil {
		return nil, fmt.Errorf("强制执行失败: %w", err)
	}
	e.queue.invalidate()

	e.log.Infof("⚡ 强制执行任务: task=%s", taskID)
	e.queue.appendLogQuietly(ctx, taskID, stage, "force execute requested, reset to script")
	return &entry, nil
}
