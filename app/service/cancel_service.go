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

// CancelMessage 手动取消时写入队列的错误信息
const CancelMessage = "manually stopped by user"

const defaultKillTimeout = 30 * time.Second

// ProcessKiller 结束任务对应的外部进程
type ProcessKiller interface {
	Kill(ctx context.Context, taskID string) error
}

// CancelService 取消和退款
type CancelService struct {
	db          *gorm.DB
	log         *logger.Logger
	queue       *QueueManager
	killer      ProcessKiller
	killTimeout time.Duration
	now         func() time.Time
}

// NewCancelService 创建取消服务，killer 为 nil 时跳过结束进程
func NewCancelService(db *gorm.DB, log *logger.Logger, queue *QueueManager, killer ProcessKiller, killTimeout time.Duration) *CancelService {
	if killTimeout <= 0 {
		killTimeout = defaultKillTimeout
	}
	return &CancelService{
		db:          db,
		log:         log.Named("cancel"),
		queue:       queue,
		killer:      killer,
		killTimeout: killTimeout,
		now:         time.Now,
	}
}

// CancelResult 取消操作的结果
type CancelResult struct {
	QueueCancelled   bool   `json:"queue_cancelled"`
	ContentCancelled int64  `json:"content_cancelled"`
	LocksReleased    int64  `json:"locks_released"`
	KillError        string `json:"kill_error,omitempty"`
}

// Cancel 中断任务。先在数据层写入取消状态，再尽力结束外部进程；
// worker 随后写回的执行结果会因状态不符被拒绝。已完成或已失败的条目保持不变。
func (s *CancelService) Cancel(ctx context.Context, taskID string) (*CancelResult, error) {
	// 调用方断开不影响取消的写入
	ctx = context.WithoutCancel(ctx)
	db := s.db.WithContext(ctx)

	var entry model.QueueEntry
	hasEntry := true
	if err := db.First(&entry, "task_id = ?", taskID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		hasEntry = false
	}
	if !hasEntry {
		var count int64
		if err := db.Model(&model.Content{}).Where("content_id = ?", taskID).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, fmt.Errorf("%w: 任务 %s", ErrNotFound, taskID)
		}
	}

	result := &CancelResult{}
	now := s.now()
	err := db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND status IN ?", taskID, []pipeline.Status{pipeline.StatusWaiting, pipeline.StatusProcessing}).
			Updates(map[string]any{
				"status":       pipeline.StatusCancelled,
				"error":        CancelMessage,
				"completed_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		result.QueueCancelled = res.RowsAffected > 0
		if result.QueueCancelled {
			if err := closeAllTimeLogs(tx, taskID, now); err != nil {
				return err
			}
		}

		released, err := forceReleaseLocks(tx, taskID)
		if err != nil {
			return err
		}
		result.LocksReleased = released

		// 包括由该内容派生的内容
		res = tx.Model(&model.Content{}).
			Where("(content_id = ? OR source_content_id = ?) AND status IN ?", taskID, taskID, pipeline.InFlightContent).
			Updates(map[string]any{"status": pipeline.ContentCancelled, "error": CancelMessage})
		if res.Error != nil {
			return res.Error
		}
		result.ContentCancelled = res.RowsAffected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("取消任务失败: %w", err)
	}
	s.queue.invalidate()

	if s.killer != nil {
		killCtx, cancel := context.WithTimeout(ctx, s.killTimeout)
		if err := s.killer.Kill(killCtx, taskID); err != nil {
			s.log.Warnf("结束任务进程失败: task=%s, err=%v", taskID, err)
			result.KillError = err.Error()
		}
		cancel()
	}

	stage := pipeline.StageScript
	if hasEntry {
		stage = entry.Type
	}
	s.queue.appendLogQuietly(ctx, taskID, stage, "cancelled: "+CancelMessage)
	s.log.Infof("🛑 任务已取消: task=%s, 队列已取消=%t, 内容取消数=%d, 释放锁=%d",
		taskID, result.QueueCancelled, result.ContentCancelled, result.LocksReleased)
	return result, nil
}

// Refund 为失败的任务退还积分，同一任务只能退款一次；退款后队列条目置为取消，避免再被重试
func (s *CancelService) Refund(ctx context.Context, taskID string, amount int, reason string) (*model.CreditTransaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: 退款金额必须大于 0", ErrInvalidInput)
	}

	var txn model.CreditTransaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var content model.Content
		if err := tx.First(&content, "content_id = ?", taskID).Error; err != nil {
			return database.MapError(err)
		}
		if content.Status != pipeline.ContentFailed {
			return fmt.Errorf("%w: 内容状态为 %s", ErrNotRefundable, content.Status)
		}

		if reason == "" {
			reason = fmt.Sprintf("refund for failed automation task: %s (%s)", content.Title, content.PromptFormat)
		}
		txn = model.CreditTransaction{
			UserID:      content.UserID,
			TaskID:      taskID,
			Kind:        model.CreditKindRefund,
			Amount:      amount,
			Description: reason,
		}
		if err := tx.Create(&txn).Error; err != nil {
			err = database.MapError(err)
			if errors.Is(err, database.ErrDuplicate) {
				return ErrAlreadyRefunded
			}
			return err
		}

		res := tx.Model(&model.User{}).
			Where("id = ?", content.UserID).
			Update("credits", gorm.Expr("credits + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: 用户 %s", ErrNotFound, content.UserID)
		}

		return tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND status IN ?", taskID, []pipeline.Status{pipeline.StatusFailed, pipeline.StatusWaiting}).
			Updates(map[string]any{"status": pipeline.StatusCancelled, "error": nil}).Error
	})
	if err != nil {
		return nil, err
	}
	s.queue.invalidate()

	s.log.Infof("💰 已退款: task=%s, user=%s, amount=%d, reason=%s", taskID, txn.UserID, amount, reason)
	return &txn, nil
}
