package database

import (
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AutoMigrate 自动迁移表结构
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.Task{},
		&model.Content{},
		&model.ContentSetting{},
		&model.QueueEntry{},
		&model.TaskLock{},
		&model.TimeLog{},
		&model.User{},
		&model.CreditTransaction{},
	)
}

// SeedLocks 为每个阶段插入一个空锁槽，已存在的行保持不变
func SeedLocks(db *gorm.DB) error {
	locks := make([]model.TaskLock, 0, len(pipeline.Stages))
	for _, stage := range pipeline.Stages {
		locks = append(locks, model.TaskLock{TaskType: stage})
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&locks).Error
}
