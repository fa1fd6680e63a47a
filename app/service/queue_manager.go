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

	"github.com/patrickmn/go-cache"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	// 每轮领取时读取的候选数量
	dequeueBatch = 5
	// 候选全部被其他 worker 抢走时重新查询的次数
	dequeueAttempts = 3

	summaryCacheKey = "summary"
	cacheTTL        = 5 * time.Second
)

var errLostRace = errors.New("lost dequeue race")

// QueueManager 管理 task_queue 的读写，状态变更都通过条件更新完成
type QueueManager struct {
	db    *gorm.DB
	log   *logger.Logger
	logs  *tasklog.Store
	cache *cache.Cache
	now   func() time.Time
}

// NewQueueManager 创建队列管理器
func NewQueueManager(db *gorm.DB, log *logger.Logger, logs *tasklog.Store) *QueueManager {
	return &QueueManager{
		db:    db,
		log:   log.Named("queue"),
		logs:  logs,
		cache: cache.New(cacheTTL, time.Minute),
		now:   time.Now,
	}
}

// EnqueueRequest 入队参数
type EnqueueRequest struct {
	TaskID   string
	Type     pipeline.Stage
	UserID   string
	Priority int
	Metadata any // 任意可 JSON 序列化的值
}

// Enqueue 写入 waiting 状态的条目，同一任务再次入队时覆盖原有条目
func (m *QueueManager) Enqueue(ctx context.Context, req EnqueueRequest) (*model.QueueEntry, error) {
	if !req.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, req.Type)
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("%w: 任务ID不能为空", ErrInvalidInput)
	}
	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	now := m.now()
	entry := &model.QueueEntry{
		TaskID:    req.TaskID,
		Type:      req.Type,
		Status:    pipeline.StatusWaiting,
		UserID:    req.UserID,
		Priority:  req.Priority,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := upsertQueue(m.db.WithContext(ctx), entry); err != nil {
		return nil, fmt.Errorf("任务入队失败: %w", database.MapError(err))
	}
	m.invalidate()

	m.log.Infof("任务已加入队列: task=%s, stage=%s", req.TaskID, req.Type)
	return entry, nil
}

func marshalMetadata(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: metadata 不是合法的 JSON", ErrInvalidInput)
		}
		return datatypes.JSON(raw), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata 无法序列化: %v", ErrInvalidInput, err)
	}
	return datatypes.JSON(data), nil
}

// Dequeue 领取某阶段最早的 waiting 条目并置为 processing，没有可领取的任务时返回 ErrNoTask
func (m *QueueManager) Dequeue(ctx context.Context, stage pipeline.Stage) (*model.QueueEntry, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	db := m.db.WithContext(ctx)
	for attempt := 0; attempt < dequeueAttempts; attempt++ {
		var candidates []model.QueueEntry
		err := db.Where("type = ? AND status = ?", stage, pipeline.StatusWaiting).
			Order("priority DESC, created_at ASC, task_id ASC").
			Limit(dequeueBatch).
			Find(&candidates).Error
		if err != nil {
			return nil, fmt.Errorf("查询待处理任务失败: %w", err)
		}
		if len(candidates) == 0 {
			return nil, ErrNoTask
		}

		for i := range candidates {
			entry, err := m.claim(ctx, &candidates[i])
			if errors.Is(err, errLostRace) {
				continue
			}
			if err != nil {
				return nil, err
			}
			m.invalidate()
			m.log.Infof("领取任务: task=%s, stage=%s", entry.TaskID, stage)
			return entry, nil
		}
	}
	return nil, ErrNoTask
}

// claim 在一个事务内完成 waiting -> processing 的条件更新和计时记录
func (m *QueueManager) claim(ctx context.Context, candidate *model.QueueEntry) (*model.QueueEntry, error) {
	now := m.now()
	var entry model.QueueEntry

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND type = ? AND status = ?", candidate.TaskID, candidate.Type, pipeline.StatusWaiting).
			Updates(map[string]any{
				"status":       pipeline.StatusProcessing,
				"started_at":   now,
				"completed_at": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}

		// 之前被打断的执行可能留下未结束的计时
		if err := closeTimeLogs(tx, candidate.TaskID, candidate.Type, now); err != nil {
			return err
		}

		var maxRetry int
		if err := tx.Model(&model.TimeLog{}).
			Select("COALESCE(MAX(retry_cnt), 0)").
			Where("task_id = ? AND type = ?", candidate.TaskID, candidate.Type).
			Row().Scan(&maxRetry); err != nil {
			return err
		}
		if err := tx.Create(&model.TimeLog{
			TaskID:    candidate.TaskID,
			Type:      candidate.Type,
			RetryCnt:  maxRetry + 1,
			StartTime: now,
		}).Error; err != nil {
			return err
		}

		if candidate.Type == pipeline.StageScript {
			if err := tx.Model(&model.Content{}).
				Where("content_id = ? AND status = ?", candidate.TaskID, pipeline.ContentPending).
				Update("status", pipeline.ContentProcessing).Error; err != nil {
				return err
			}
		}

		return tx.First(&entry, "task_id = ?", candidate.TaskID).Error
	})
	if err != nil {
		if errors.Is(err, errLostRace) {
			return nil, err
		}
		return nil, fmt.Errorf("领取任务失败: %w", err)
	}
	return &entry, nil
}

// GetPosition 返回排在该任务前面的 waiting 条目数量，任务不在该阶段等待时 ok 为 false
func (m *QueueManager) GetPosition(ctx context.Context, taskID string, stage pipeline.Stage) (int, bool, error) {
	key := fmt.Sprintf("position:%s:%s", stage, taskID)
	if v, found := m.cache.Get(key); found {
		pos := v.(int)
		return pos, pos >= 0, nil
	}

	var entry model.QueueEntry
	err := m.db.WithContext(ctx).First(&entry, "task_id = ?", taskID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if entry.Type != stage || entry.Status != pipeline.StatusWaiting {
		m.cache.SetDefault(key, -1)
		return 0, false, nil
	}

	// 与 Dequeue 的排序保持一致
	var ahead int64
	err = m.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Where("type = ? AND status = ?", stage, pipeline.StatusWaiting).
		Where("(priority > ? OR (priority = ? AND (created_at < ? OR (created_at = ? AND task_id < ?))))",
			entry.Priority, entry.Priority, entry.CreatedAt, entry.CreatedAt, entry.TaskID).
		Count(&ahead).Error
	if err != nil {
		return 0, false, err
	}

	m.cache.SetDefault(key, int(ahead))
	return int(ahead), true, nil
}

// TaskUpdate 部分更新字段，为 nil 的字段不修改
type TaskUpdate struct {
	// Expect 修改状态时必须提供，作为条件更新的期望状态
	Expect      *pipeline.Status
	Status      *pipeline.Status
	Error       *string // 空字符串表示清空
	CompletedAt *time.Time
}

// UpdateTask 条件更新队列条目，返回受影响行数，为 0 时调用方需要自行处理
func (m *QueueManager) UpdateTask(ctx context.Context, taskID string, stage pipeline.Stage, upd TaskUpdate) (int64, error) {
	if !stage.Valid() {
		return 0, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	fields := map[string]any{}
	if upd.Status != nil {
		if upd.Expect == nil {
			return 0, fmt.Errorf("%w: 修改状态时必须指定期望状态", ErrInvalidInput)
		}
		if !pipeline.CanTransition(*upd.Expect, *upd.Status) {
			return 0, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, *upd.Expect, *upd.Status)
		}
		fields["status"] = *upd.Status
	}
	if upd.Error != nil {
		fields["error"] = nullableError(*upd.Error)
	}
	if upd.CompletedAt != nil {
		fields["completed_at"] = *upd.CompletedAt
	}
	if len(fields) == 0 {
		return 0, nil
	}

	var affected int64
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&model.QueueEntry{}).Where("task_id = ? AND type = ?", taskID, stage)
		if upd.Expect != nil {
			q = q.Where("status = ?", *upd.Expect)
		}
		res := q.Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 {
			return nil
		}

		if upd.CompletedAt != nil {
			if err := closeTimeLogs(tx, taskID, stage, *upd.CompletedAt); err != nil {
				return err
			}
		}
		if upd.Status != nil && upd.Status.Terminal() {
			if _, err := releaseLock(tx, stage, taskID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("更新任务失败: %w", err)
	}
	if affected > 0 {
		m.invalidate()
	}
	return affected, nil
}

// Requeue 撤销一次领取：processing 放回 waiting，删除领取时新建的计时，
// script 阶段的内容回到 pending。条目已不在 processing 时返回 false。
func (m *QueueManager) Requeue(ctx context.Context, taskID string, stage pipeline.Stage) (bool, error) {
	if !stage.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}

	var requeued bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.QueueEntry{}).
			Where("task_id = ? AND type = ? AND status = ?", taskID, stage, pipeline.StatusProcessing).
			Updates(map[string]any{"status": pipeline.StatusWaiting, "started_at": nil})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		requeued = true

		if err := tx.Where("task_id = ? AND type = ? AND end_time IS NULL", taskID, stage).
			Delete(&model.TimeLog{}).Error; err != nil {
			return err
		}
		if stage == pipeline.StageScript {
			return tx.Model(&model.Content{}).
				Where("content_id = ? AND status = ?", taskID, pipeline.ContentProcessing).
				Update("status", pipeline.ContentPending).Error
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("任务放回队列失败: %w", err)
	}
	if requeued {
		m.invalidate()
	}
	return requeued, nil
}

// AppendLog 追加一行任务日志
func (m *QueueManager) AppendLog(ctx context.Context, taskID string, stage pipeline.Stage, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !stage.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	return m.logs.Append(taskID, string(stage), message)
}

// ReadLog 读取任务某阶段的日志
func (m *QueueManager) ReadLog(taskID string, stage pipeline.Stage) ([]string, error) {
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, stage)
	}
	return m.logs.Read(taskID, string(stage))
}

// appendLogQuietly 日志写入失败只记录告警
func (m *QueueManager) appendLogQuietly(ctx context.Context, taskID string, stage pipeline.Stage, message string) {
	if err := m.AppendLog(ctx, taskID, stage, message); err != nil {
		m.log.Warnf("写入任务日志失败: task=%s, stage=%s, err=%v", taskID, stage, err)
	}
}

// ClearAll 删除全部队列条目，不影响内容表
func (m *QueueManager) ClearAll(ctx context.Context) (int64, error) {
	res := m.db.WithContext(ctx).Where("1 = 1").Delete(&model.QueueEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("清空队列失败: %w", res.Error)
	}
	m.invalidate()
	m.log.Warnf("已清空队列，共删除 %d 个条目", res.RowsAffected)
	return res.RowsAffected, nil
}

// Get 查询单个队列条目
func (m *QueueManager) Get(ctx context.Context, taskID string) (*model.QueueEntry, error) {
	var entry model.QueueEntry
	if err := m.db.WithContext(ctx).First(&entry, "task_id = ?", taskID).Error; err != nil {
		return nil, database.MapError(err)
	}
	return &entry, nil
}

// ListFilter 队列查询条件
type ListFilter struct {
	Type   pipeline.Stage
	Status pipeline.Status
	UserID string
	Limit  int
	Offset int
}

// List 按领取顺序列出队列条目
func (m *QueueManager) List(ctx context.Context, f ListFilter) ([]model.QueueEntry, error) {
	q := m.db.WithContext(ctx).Model(&model.QueueEntry{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	var entries []model.QueueEntry
	err := q.Order("priority DESC, created_at ASC, task_id ASC").
		Limit(limit).Offset(f.Offset).
		Find(&entries).Error
	return entries, err
}

// Summary 每个阶段各状态的条目数量
type Summary struct {
	Stages map[pipeline.Stage]map[pipeline.Status]int64 `json:"stages"`
	Total  int64                                        `json:"total"`
}

// Summary 统计队列，结果短暂缓存
func (m *QueueManager) Summary(ctx context.Context) (*Summary, error) {
	if v, found := m.cache.Get(summaryCacheKey); found {
		return v.(*Summary), nil
	}

	var rows []struct {
		Type   pipeline.Stage
		Status pipeline.Status
		Count  int64
	}
	err := m.db.WithContext(ctx).Model(&model.QueueEntry{}).
		Select("type, status, COUNT(*) AS count").
		Group("type, status").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("统计队列失败: %w", err)
	}

	summary := &Summary{Stages: make(map[pipeline.Stage]map[pipeline.Status]int64, len(pipeline.Stages))}
	for _, stage := range pipeline.Stages {
		counts := make(map[pipeline.Status]int64, len(pipeline.Statuses))
		for _, status := range pipeline.Statuses {
			counts[status] = 0
		}
		summary.Stages[stage] = counts
	}
	for _, r := range rows {
		if counts, ok := summary.Stages[r.Type]; ok {
			counts[r.Status] += r.Count
		}
		summary.Total += r.Count
	}

	m.cache.SetDefault(summaryCacheKey, summary)
	return summary, nil
}

// Cleanup 删除完成时间早于保留期的终态条目
func (m *QueueManager) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("%w: 保留天数必须大于 0", ErrInvalidInput)
	}
	cutoff := m.now().AddDate(0, 0, -retentionDays)

	res := m.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?",
			[]pipeline.Status{pipeline.StatusCompleted, pipeline.StatusFailed, pipeline.StatusCancelled}, cutoff).
		Delete(&model.QueueEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("清理旧任务失败: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		m.invalidate()
		m.log.Infof("清理了 %d 个超过 %d 天的终态任务", res.RowsAffected, retentionDays)
	}
	return res.RowsAffected, nil
}

// StuckEntry 处理时间过长的条目
type StuckEntry struct {
	TaskID    string         `json:"task_id"`
	Type      pipeline.Stage `json:"type"`
	StartedAt time.Time      `json:"started_at"`
}

// Health 队列健康状况
type Health struct {
	Healthy bool             `json:"healthy"`
	Stuck   []StuckEntry     `json:"stuck"`
	Locks   []model.TaskLock `json:"locks"`
}

// Health 检查处理时间超过阈值的条目和锁状态
func (m *QueueManager) Health(ctx context.Context, threshold time.Duration) (*Health, error) {
	cutoff := m.now().Add(-threshold)

	var entries []model.QueueEntry
	err := m.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", pipeline.StatusProcessing, cutoff).
		Order("started_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}

	var locks []model.TaskLock
	if err := m.db.WithContext(ctx).Order("task_type").Find(&locks).Error; err != nil {
		return nil, err
	}

	health := &Health{Stuck: make([]StuckEntry, 0, len(entries)), Locks: locks}
	for _, e := range entries {
		stuck := StuckEntry{TaskID: e.TaskID, Type: e.Type}
		if e.StartedAt != nil {
			stuck.StartedAt = *e.StartedAt
		}
		health.Stuck = append(health.Stuck, stuck)
	}
	health.Healthy = len(health.Stuck) == 0
	return health, nil
}

func (m *QueueManager) invalidate() {
	m.cache.Flush()
}
