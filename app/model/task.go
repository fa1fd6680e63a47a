package model

import (
	"time"
)

// Task 任务主记录，task_id 同时作为 content、task_queue、task_time_log 的键
type Task struct {
	TaskID        string     `gorm:"primaryKey;size:64;comment:任务ID" json:"task_id"`
	UserID        string     `gorm:"size:64;not null;index;comment:所属用户ID" json:"user_id"`
	ScheduledTime *time.Time `gorm:"index;comment:计划执行时间，为空表示立即执行" json:"scheduled_time"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (Task) TableName() string {
	return "task"
}

// Due 计划时间已到或未设置计划时间
func (t Task) Due(now time.Time) bool {
	return t.ScheduledTime == nil || !t.ScheduledTime.After(now)
}
