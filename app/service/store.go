package service

import (
	"time"

	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 以下函数接收事务句柄，供多个服务在同一事务内组合使用

func lockCleared() map[string]any {
	return map[string]any{"lock_task_id": nil, "locked_at": nil, "worker_pid": nil}
}

// releaseLock 仅当锁仍由该任务持有时释放
func releaseLock(tx *gorm.DB, stage pipeline.Stage, taskID string) (bool, error) {
	res := tx.Model(&model.TaskLock{}).
		Where("task_type = ? AND lock_task_id = ?", stage, taskID).
		Updates(lockCleared())
	return res.RowsAffected > 0, res.Error
}

// forceReleaseLocks 释放该任务持有的所有锁
func forceReleaseLocks(tx *gorm.DB, taskID string) (int64, error) {
	res := tx.Model(&model.TaskLock{}).
		Where("lock_task_id = ?", taskID).
		Updates(lockCleared())
	return res.RowsAffected, res.Error
}

// closeTimeLogs 结束某阶段未结束的计时
func closeTimeLogs(tx *gorm.DB, taskID string, stage pipeline.Stage, now time.Time) error {
	return tx.Model(&model.TimeLog{}).
		Where("task_id = ? AND type = ? AND end_time IS NULL", taskID, stage).
		Update("end_time", now).Error
}

// closeAllTimeLogs 结束任务所有未结束的计时
func closeAllTimeLogs(tx *gorm.DB, taskID string, now time.Time) error {
	return tx.Model(&model.TimeLog{}).
		Where("task_id = ? AND end_time IS NULL", taskID).
		Update("end_time", now).Error
}

// upsertQueue 写入队列条目，已存在时整体覆盖并回到 waiting
func upsertQueue(tx *gorm.DB, entry *model.QueueEntry) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "task_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"type", "status", "user_id", "priority", "metadata", "error",
			"created_at", "updated_at", "started_at", "completed_at",
		}),
	}).Create(entry).Error
}

// refunded 任务是否已经退款，退款后的任务不能再次执行
func refunded(tx *gorm.DB, taskID string) (bool, error) {
	var count int64
	err := tx.Model(&model.CreditTransaction{}).
		Where("task_id = ? AND kind = ?", taskID, model.CreditKindRefund).
		Count(&count).Error
	return count > 0, err
}

func nullableError(msg string) any {
	if msg == "" {
		return nil
	}
	return msg
}
