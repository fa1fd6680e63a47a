package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"trend-pipeline/app/database"
	"trend-pipeline/app/logger"
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"
	"trend-pipeline/app/tasklog"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TaskService 任务注册、查询、删除、计划任务入队和重试
type TaskService struct {
	db       *gorm.DB
	log      *logger.Logger
	queue    *QueueManager
	logs     *tasklog.Store
	validate *validator.Validate
	now      func() time.Time
}

// NewTaskService 创建任务服务
func NewTaskService(db *gorm.DB, log *logger.Logger, queue *QueueManager, logs *tasklog.Store) *TaskService {
	return &TaskService{
		db:       db,
		log:      log.Named("task"),
		queue:    queue,
		logs:     logs,
		validate: validator.New(),
		now:      time.Now,
	}
}

// RegisterRequest 注册任务参数
type RegisterRequest struct {
	TaskID          string         `json:"task_id" validate:"omitempty,max=64,excludesall=/\\"`
	UserID          string         `json:"user_id" validate:"required,max=64"`
	Title           string         `json:"title" validate:"required,max=500"`
	PromptFormat    string         `json:"prompt_format" validate:"max=50"`
	Category        string         `json:"category" validate:"max=100"`
	SourceContentID *string        `json:"source_content_id" validate:"omitempty,max=64"`
	Settings        map[string]any `json:"settings"`
	Priority        int            `json:"priority"`
	ScheduledTime   *time.Time     `json:"scheduled_time"`
}

// TaskView 任务及其内容和队列状态
type TaskView struct {
	Task    model.Task        `json:"task"`
	Content model.Content     `json:"content"`
	Queue   *model.QueueEntry `json:"queue"`
}

// Register 创建任务和内容，未设置计划时间或计划时间已到时直接进入 script 阶段
func (s *TaskService) Register(ctx context.Context, req RegisterRequest) (*TaskView, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if req.TaskID == "" {
		req.TaskID = uuid.NewString()
	}

	var settings datatypes.JSON
	if req.Settings != nil {
		data, err := json.Marshal(req.Settings)
		if err != nil {
			return nil, fmt.Errorf("%w: settings 无法序列化: %v", ErrInvalidInput, err)
		}
		settings = datatypes.JSON(data)
	}

	now := s.now()
	view := &TaskView{
		Task: model.Task{
			TaskID:        req.TaskID,
			UserID:        req.UserID,
			ScheduledTime: req.ScheduledTime,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Content: model.Content{
			ContentID:       req.TaskID,
			UserID:          req.UserID,
			Title:           req.Title,
			PromptFormat:    req.PromptFormat,
			Category:        req.Category,
			Status:          pipeline.ContentPending,
			SourceContentID: req.SourceContentID,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&view.Task).Error; err != nil {
			return err
		}
		if err := tx.Create(&view.Content).Error; err != nil {
			return err
		}
		if err := tx.Create(&model.ContentSetting{ContentID: req.TaskID, Settings: settings}).Error; err != nil {
			return err
		}

		if !view.Task.Due(now) {
			return nil
		}
		view.Queue = &model.QueueEntry{
			TaskID:    req.TaskID,
			Type:      pipeline.StageScript,
			Status:    pipeline.StatusWaiting,
			UserID:    req.UserID,
			Priority:  req.Priority,
			Metadata:  settings,
			CreatedAt: now,
			UpdatedAt: now,
		}
		return upsertQueue(tx, view.Queue)
	})
	if err != nil {
		return nil, fmt.Errorf("注册任务失败: %w", database.MapError(err))
	}
	s.queue.invalidate()

	if view.Queue != nil {
		s.log.Infof("任务已注册并入队: task=%s, user=%s", req.TaskID, req.UserID)
	} else {
		s.log.Infof("任务已注册，计划时间: task=%s, scheduled=%s", req.TaskID, req.ScheduledTime.Format(time.DateTime))
	}
	return view, nil
}

// Get 查询任务详情
func (s *TaskService) Get(ctx context.Context, taskID string) (*TaskView, error) {
	db := s.db.WithContext(ctx)
	view := &TaskView{}

	if err := db.First(&view.Task, "task_id = ?", taskID).Error; err != nil {
		return nil, database.MapError(err)
	}
	if err := db.First(&view.Content, "content_id = ?", taskID).Error; err != nil {
		return nil, database.MapError(err)
	}

	var entry model.QueueEntry
	err := db.First(&entry, "task_id = ?", taskID).Error
	switch {
	case err == nil:
		view.Queue = &entry
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, err
	}
	return view, nil
}

// Delete 级联删除任务的锁、队列、计时、设置、内容和任务本身，以及任务日志
func (s *TaskService) Delete(ctx context.Context, taskID string) error {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := forceReleaseLocks(tx, taskID); err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&model.QueueEntry{}).Error; err != nil {
			return err
		}
		if err := tx.Where("task_id = ?", taskID).Delete(&model.TimeLog{}).Error; err != nil {
			return err
		}
		if err := tx.Where("content_id = ?", taskID).Delete(&model.ContentSetting{}).Error; err != nil {
			return err
		}
		if err := tx.Where("content_id = ?", taskID).Delete(&model.Content{}).Error; err != nil {
			return err
		}
		res := tx.Where("task_id = ?", taskID).Delete(&model.Task{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return fmt.Errorf("删除任务失败: %w", err)
	}
	if deleted == 0 {
		return fmt.Errorf("%w: 任务 %s", ErrNotFound, taskID)
	}
	s.queue.invalidate()

	if err := s.logs.Remove(taskID); err != nil {
		s.log.Warnf("删除任务日志失败: task=%s, err=%v", taskID, err)
	}
	s.log.Infof("🗑️ 任务已删除: task=%s", taskID)
	return nil
}

// PromoteDue 计划时间已到且尚未入队的任务进入 script 阶段，返回入队数量
func (s *TaskService) PromoteDue(ctx context.Context) (int, error) {
	now := s.now()
	db := s.db.WithContext(ctx)

	var tasks []model.Task
	err := db.
		Where("scheduled_time IS NOT NULL AND scheduled_time <= ?", now).
		Where("NOT EXISTS (SELECT 1 FROM task_queue q WHERE q.task_id = task.task_id)").
		Where("EXISTS (SELECT 1 FROM content c WHERE c.content_id = task.task_id AND c.status = ?)", pipeline.ContentPending).
		Order("scheduled_time ASC").
		Find(&tasks).Error
	if err != nil {
		return 0, fmt.Errorf("查询到期任务失败: %w", err)
	}

	promoted := 0
	for _, task := range tasks {
		var setting model.ContentSetting
		if err := db.Where("content_id = ?", task.TaskID).Limit(1).Find(&setting).Error; err != nil {
			s.log.Warnf("读取内容设置失败: task=%s, err=%v", task.TaskID, err)
		}

		entry := &model.QueueEntry{
			TaskID:    task.TaskID,
			Type:      pipeline.StageScript,
			Status:    pipeline.StatusWaiting,
			UserID:    task.UserID,
			Metadata:  setting.Settings,
			CreatedAt: now,
			UpdatedAt: now,
		}
		// 其他进程可能已经入队
		res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(entry)
		if res.Error != nil {
			s.log.Errorf("计划任务入队失败: task=%s, err=%v", task.TaskID, res.Error)
			continue
		}
		if res.RowsAffected > 0 {
			promoted++
			s.queue.appendLogQuietly(ctx, task.TaskID, pipeline.StageScript, "scheduled time reached, queued")
		}
	}

	if promoted > 0 {
		s.queue.invalidate()
		s.log.Infof("⏰ %d 个计划任务已入队", promoted)
	}
	return promoted, nil
}

// Retry 将失败或已取消的条目重新放回等待状态，stage 为空时从原阶段重试
func (s *TaskService) Retry(ctx context.Context, taskID string, stage pipeline.Stage) (*model.QueueEntry, error) {
	if stage != "" && !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	var entry model.QueueEntry
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&entry, "task_id = ?", taskID).Error; err != nil {
			return database.MapError(err)
		}
		from := entry.Status
		if from != pipeline.StatusFailed && from != pipeline.StatusCancelled {
			return fmt.Errorf("%w: 只能重试失败或已取消的任务，当前为 %s", ErrInvalidTransition, from)
		}
		if !pipeline.CanTransition(from, pipeline.StatusWaiting) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, pipeline.StatusWaiting)
		}
		if done, err := refunded(tx, taskID); err != nil {
			return err
		} else if done {
			return fmt.Errorf("%w: 任务 %s 已退款", ErrInvalidTransition, taskID)
		}

		target := entry.Type
		if stage != "" {
			target = stage
		}
		res := tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND status = ?", taskID, from).
			Updates(map[string]any{
				"type":         target,
				"status":       pipeline.StatusWaiting,
				"error":        nil,
				"started_at":   nil,
				"completed_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: 任务 %s", ErrConflict, taskID)
		}

		if err := tx.Model(&model.Content{}).
			Where("content_id = ? AND status IN ?", taskID, []pipeline.ContentStatus{pipeline.ContentFailed, pipeline.ContentCancelled}).
			Updates(map[string]any{"status": pipeline.ContentPending, "error": nil}).Error; err != nil {
			return err
		}
		return tx.First(&entry, "task_id = ?", taskID).Error
	})
	if err != nil {
		return nil, err
	}
	s.queue.invalidate()

	s.queue.appendLogQuietly(ctx, taskID, entry.Type, "retry requested")
	s.log.Infof("🔄 任务重试: task=%s, stage=%s", taskID, entry.Type)
	return &entry, nil
}
