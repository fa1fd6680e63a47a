package model

import (
	"time"

	"trend-pipeline/app/pipeline"

	"gorm.io/datatypes"
)

// QueueEntry 任务在流水线中的当前位置，每个任务最多一行
type QueueEntry struct {
	TaskID      string          `gorm:"primaryKey;size:64;comment:任务ID" json:"task_id"`
	Type        pipeline.Stage  `gorm:"size:20;not null;index:idx_queue_type_status;comment:当前阶段" json:"type"`
	Status      pipeline.Status `gorm:"size:20;not null;index:idx_queue_type_status;comment:状态" json:"status"`
	UserID      string          `gorm:"size:64;index;comment:所属用户ID" json:"user_id"`
	Priority    int             `gorm:"not null;comment:优先级，越大越先执行" json:"priority"`
	Metadata    datatypes.JSON  `gorm:"comment:附加数据" json:"metadata"`
	Error       *string         `gorm:"type:text;comment:错误信息" json:"error"`
	CreatedAt   time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
}

// TableName 指定表名
func (QueueEntry) TableName() string {
	return "task_queue"
}

// ErrorMessage 返回错误信息，没有时为空字符串
func (q QueueEntry) ErrorMessage() string {
	if q.Error == nil {
		return ""
	}
	return *q.Error
}

// TimeLog 每个阶段每次执行的计时记录，end_time 为空表示仍在执行
type TimeLog struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	TaskID    string         `gorm:"size:64;not null;index:idx_time_log_task_type" json:"task_id"`
	Type      pipeline.Stage `gorm:"size:20;not null;index:idx_time_log_task_type" json:"type"`
	RetryCnt  int            `gorm:"default:1;comment:第几次执行" json:"retry_cnt"`
	StartTime time.Time      `gorm:"not null;index" json:"start_time"`
	EndTime   *time.Time     `json:"end_time"`
}

// TableName 指定表名
func (TimeLog) TableName() string {
	return "task_time_log"
}
