package model

import (
	"time"

	"trend-pipeline/app/pipeline"

	"gorm.io/datatypes"
)

// Content 内容记录，保存标题等载荷和最终状态
type Content struct {
	ContentID       string                 `gorm:"primaryKey;size:64;comment:内容ID(=任务ID)" json:"content_id"`
	UserID          string                 `gorm:"size:64;not null;index;comment:所属用户ID" json:"user_id"`
	Title           string                 `gorm:"size:500;not null;comment:标题" json:"title"`
	PromptFormat    string                 `gorm:"size:50;comment:内容类型" json:"prompt_format"`
	Category        string                 `gorm:"size:100;comment:分类" json:"category"`
	Status          pipeline.ContentStatus `gorm:"size:20;not null;default:pending;index;comment:状态" json:"status"`
	Error           *string                `gorm:"type:text;comment:错误信息" json:"error"`
	SourceContentID *string                `gorm:"size:64;index;comment:派生来源内容ID" json:"source_content_id"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// TableName 指定表名
func (Content) TableName() string {
	return "content"
}

// ContentSetting 内容生成参数
type ContentSetting struct {
	ContentID string         `gorm:"primaryKey;size:64" json:"content_id"`
	Settings  datatypes.JSON `gorm:"comment:生成参数" json:"settings"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// TableName 指定表名
func (ContentSetting) TableName() string {
	return "content_setting"
}
