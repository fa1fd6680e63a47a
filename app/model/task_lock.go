package model

import (
	"time"

	"trend-pipeline/app/pipeline"
)

// TaskLock 每个阶段一个互斥槽
type TaskLock struct {
	TaskType   pipeline.Stage `gorm:"primaryKey;size:20" json:"task_type"`
	LockTaskID *string        `gorm:"size:64;index" json:"lock_task_id"`
	LockedAt   *time.Time     `json:"locked_at"`
	WorkerPID  *int           `gorm:"column:worker_pid" json:"worker_pid"`
}

// TableName 指定表名
func (TaskLock) TableName() string {
	return "task_lock"
}

// Held 锁是否被占用
func (l TaskLock) Held() bool {
	return l.LockTaskID != nil
}

// HeldBy 锁是否被指定任务占用
func (l TaskLock) HeldBy(taskID string) bool {
	return l.LockTaskID != nil && *l.LockTaskID == taskID
}
