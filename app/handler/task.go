package handler

import (
	"net/http"
	"strconv"
	"time"

	"trend-pipeline/app/pipeline"
	"trend-pipeline/app/service"

	"github.com/gin-gonic/gin"
)

// Services 处理器依赖的服务
type Services struct {
	Tasks   *service.TaskService
	Queue   *service.QueueManager
	Locks   *service.LockManager
	Engine  *service.StageEngine
	Cancel  *service.CancelService
	Sweeper *service.Sweeper
	// StuckTimeout 返回当前的卡死判定时长（分钟）
	StuckTimeout func() int
}

// TaskHandler 任务和队列管理接口
type TaskHandler struct {
	svc Services
}

// NewTaskHandler 创建任务处理器
func NewTaskHandler(svc Services) *TaskHandler {
	if svc.StuckTimeout == nil {
		svc.StuckTimeout = func() int { return service.DefaultStuckTimeoutMinutes }
	}
	return &TaskHandler{svc: svc}
}

// CreateTask 注册任务
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req service.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	view, err := h.svc.Tasks.Register(c.Request.Context(), req)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, view, "任务已创建")
}

// GetTask 获取任务详情
func (h *TaskHandler) GetTask(c *gin.Context) {
	view, err := h.svc.Tasks.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, view, "success")
}

// DeleteTask 删除任务及其全部数据
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.svc.Tasks.Delete(c.Request.Context(), c.Param("id")); err != nil {
		failErr(c, err)
		return
	}
	success(c, nil, "任务已删除")
}

// ForceExecute 立即从 script 阶段重新执行
func (h *TaskHandler) ForceExecute(c *gin.Context) {
	entry, err := h.svc.Engine.ForceExecute(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, entry, "任务已重新排队")
}

// CancelTask 取消任务
func (h *TaskHandler) CancelTask(c *gin.Context) {
	result, err := h.svc.Cancel.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, result, "任务已取消")
}

type refundRequest struct {
	Amount int    `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason"`
}

// RefundTask 为失败的任务退款
func (h *TaskHandler) RefundTask(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	txn, err := h.svc.Cancel.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, txn, "退款成功")
}

type retryRequest struct {
	Stage pipeline.Stage `json:"stage"`
}

// RetryTask 重试失败或已取消的任务，可以指定阶段
func (h *TaskHandler) RetryTask(c *gin.Context) {
	var req retryRequest
	// 请求体可以为空
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	entry, err := h.svc.Tasks.Retry(c.Request.Context(), c.Param("id"), req.Stage)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, entry, "任务已重新排队")
}

// GetPosition 查询任务在阶段队列中的位置，未指定阶段时使用任务当前阶段
func (h *TaskHandler) GetPosition(c *gin.Context) {
	ctx := c.Request.Context()
	taskID := c.Param("id")

	stage := pipeline.Stage(c.Query("stage"))
	if stage == "" {
		entry, err := h.svc.Queue.Get(ctx, taskID)
		if err != nil {
			failErr(c, err)
			return
		}
		stage = entry.Type
	}
	if !stage.Valid() {
		fail(c, http.StatusBadRequest, "未知的阶段: "+string(stage))
		return
	}

	pos, ok, err := h.svc.Queue.GetPosition(ctx, taskID, stage)
	if err != nil {
		failErr(c, err)
		return
	}
	data := gin.H{"task_id": taskID, "stage": stage, "waiting": ok, "position": nil}
	if ok {
		data["position"] = pos
	}
	success(c, data, "success")
}

// GetLogs 读取任务日志，未指定阶段时返回全部阶段
func (h *TaskHandler) GetLogs(c *gin.Context) {
	taskID := c.Param("id")
	stages := pipeline.Stages
	if s := c.Query("stage"); s != "" {
		stage, err := pipeline.ParseStage(s)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		stages = []pipeline.Stage{stage}
	}

	logs := make(map[pipeline.Stage][]string, len(stages))
	for _, stage := range stages {
		lines, err := h.svc.Queue.ReadLog(taskID, stage)
		if err != nil {
			failErr(c, err)
			return
		}
		logs[stage] = lines
	}
	success(c, logs, "success")
}

type enqueueRequest struct {
	TaskID   string         `json:"task_id" binding:"required"`
	Type     pipeline.Stage `json:"type" binding:"required"`
	UserID   string         `json:"user_id"`
	Priority int            `json:"priority"`
	Metadata map[string]any `json:"metadata"`
}

// Enqueue 直接把任务放入某个阶段的队列
func (h *TaskHandler) Enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	enqueue := service.EnqueueRequest{
		TaskID:   req.TaskID,
		Type:     req.Type,
		UserID:   req.UserID,
		Priority: req.Priority,
	}
	if req.Metadata != nil {
		enqueue.Metadata = req.Metadata
	}
	entry, err := h.svc.Queue.Enqueue(c.Request.Context(), enqueue)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, entry, "任务已入队")
}

// ListQueue 列出队列条目
func (h *TaskHandler) ListQueue(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	entries, err := h.svc.Queue.List(c.Request.Context(), service.ListFilter{
		Type:   pipeline.Stage(c.Query("type")),
		Status: pipeline.Status(c.Query("status")),
		UserID: c.Query("user_id"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, entries, "success")
}

// QueueSummary 各阶段的状态统计
func (h *TaskHandler) QueueSummary(c *gin.Context) {
	summary, err := h.svc.Queue.Summary(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, summary, "success")
}

// ClearQueue 清空队列
func (h *TaskHandler) ClearQueue(c *gin.Context) {
	n, err := h.svc.Queue.ClearAll(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, gin.H{"deleted": n}, "队列已清空")
}

// Sweep 立即执行一次卡死任务清理
func (h *TaskHandler) Sweep(c *gin.Context) {
	timeout := h.svc.StuckTimeout()
	if s := c.Query("timeout_minutes"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "timeout_minutes 必须是正整数")
			return
		}
		timeout = n
	}

	result, err := h.svc.Sweeper.SweepStuckTasks(c.Request.Context(), timeout)
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, result, "清理完成")
}

// ListLocks 列出各阶段的锁
func (h *TaskHandler) ListLocks(c *gin.Context) {
	locks, err := h.svc.Locks.List(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	success(c, locks, "success")
}

// Health 队列健康检查，存在卡死任务时返回 503
func (h *TaskHandler) Health(c *gin.Context) {
	threshold := time.Duration(h.svc.StuckTimeout()) * time.Minute
	health, err := h.svc.Queue.Health(c.Request.Context(), threshold)
	if err != nil {
		failErr(c, err)
		return
	}
	if !health.Healthy {
		c.JSON(http.StatusServiceUnavailable, ApiResponse{Code: http.StatusServiceUnavailable, Message: "存在卡死任务", Data: health})
		return
	}
	success(c, health, "healthy")
}

// RegisterRoutes 注册路由
func (h *TaskHandler) RegisterRoutes(api *gin.RouterGroup) {
	tasks := api.Group("/tasks")
	{
		tasks.POST("", h.CreateTask)
		tasks.GET("/:id", h.GetTask)
		tasks.DELETE("/:id", h.DeleteTask)
		tasks.POST("/:id/force-execute", h.ForceExecute)
		tasks.POST("/:id/cancel", h.CancelTask)
		tasks.POST("/:id/refund", h.RefundTask)
		tasks.POST("/:id/retry", h.RetryTask)
		tasks.GET("/:id/position", h.GetPosition)
		tasks.GET("/:id/logs", h.GetLogs)
	}

	queue := api.Group("/queue")
	{
		queue.GET("", h.ListQueue)
		queue.POST("", h.Enqueue)
		queue.GET("/summary", h.QueueSummary)
		queue.DELETE("", h.ClearQueue)
		queue.POST("/sweep", h.Sweep)
	}

	api.GET("/locks", h.ListLocks)
	api.GET("/health", h.Health)
}
