package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"trend-pipeline/app/logger"
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"
	"trend-pipeline/app/service"
	"trend-pipeline/app/tasklog"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 5 * time.Second
	// worker 停止后写回结果的时限
	finishTimeout = 30 * time.Second
)

// StoppedMessage worker 停止时中断执行写入的错误信息
const StoppedMessage = "worker stopped"

// Deps worker 依赖的服务
type Deps struct {
	Queue  *service.QueueManager
	Locks  *service.LockManager
	Engine *service.StageEngine
	Logs   *tasklog.Store
	Log    *logger.Logger
}

// Worker 轮询一个阶段的队列，同一阶段同一时刻只执行一个任务
type Worker struct {
	stage        pipeline.Stage
	deps         Deps
	executor     Executor
	log          *logger.Logger
	pid          int
	pollInterval time.Duration
}

// New 创建阶段 worker
func New(stage pipeline.Stage, deps Deps, executor Executor, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &Worker{
		stage:        stage,
		deps:         deps,
		executor:     executor,
		log:          deps.Log.Named("worker").With(zap.String("stage", string(stage))),
		pid:          os.Getpid(),
		pollInterval: pollInterval,
	}
}

// Stage worker 负责的阶段
func (w *Worker) Stage() pipeline.Stage {
	return w.stage
}

// Run 持续轮询直到 ctx 结束，处理完一个任务后立即尝试下一个
func (w *Worker) Run(ctx context.Context) {
	w.log.Infof("worker 已启动，轮询间隔: %v", w.pollInterval)
	defer w.log.Info("worker 已停止")

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Errorf("处理任务失败: %v", err)
		}
		if processed {
			timer.Reset(0)
		} else {
			timer.Reset(w.pollInterval)
		}
	}
}

// RunOnce 领取并执行一个任务，没有可执行的任务时返回 false
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	// 锁被占用说明该阶段已有任务在执行，不领取新任务
	holder, err := w.deps.Locks.Holder(ctx, w.stage)
	if err != nil {
		return false, fmt.Errorf("查询任务锁失败: %w", err)
	}
	if holder.Held() {
		return false, nil
	}

	entry, err := w.deps.Queue.Dequeue(ctx, w.stage)
	if errors.Is(err, service.ErrNoTask) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	ok, err := w.deps.Locks.Acquire(ctx, w.stage, entry.TaskID, w.pid)
	if err != nil || !ok {
		w.requeue(ctx, entry.TaskID)
		if err != nil {
			return false, err
		}
		return false, nil
	}

	w.execute(ctx, entry)
	return true, nil
}

// requeue 领取后没有拿到锁，撤销这次领取
func (w *Worker) requeue(ctx context.Context, taskID string) {
	ok, err := w.deps.Queue.Requeue(context.WithoutCancel(ctx), taskID, w.stage)
	if err != nil {
		w.log.Errorf("任务放回队列失败: task=%s, err=%v", taskID, err)
		return
	}
	if ok {
		w.log.Infof("任务锁已被占用，任务放回队列: task=%s", taskID)
	}
}

func (w *Worker) execute(ctx context.Context, entry *model.QueueEntry) {
	taskID := entry.TaskID
	out := w.deps.Logs.Writer(taskID, string(w.stage))
	w.log.Infof("🚀 开始执行: task=%s", taskID)
	w.appendLog(taskID, fmt.Sprintf("stage started (pid %d)", w.pid))

	start := time.Now()
	err := w.run(ctx, Job{
		TaskID:   taskID,
		Stage:    w.stage,
		UserID:   entry.UserID,
		Metadata: []byte(entry.Metadata),
		Log:      out,
	})
	if flushErr := out.Flush(); flushErr != nil {
		w.log.Warnf("写入任务输出失败: task=%s, err=%v", taskID, flushErr)
	}

	outcome := pipeline.Succeeded()
	switch {
	case ctx.Err() != nil:
		outcome = pipeline.Failed(StoppedMessage)
	case err != nil:
		outcome = pipeline.Failed(err.Error())
	}
	w.log.Infof("执行结束: task=%s, success=%t, 耗时=%v", taskID, outcome.Success, time.Since(start).Round(time.Millisecond))

	// 进程停止时仍需写回结果
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if _, err := w.deps.Engine.AdvanceStageAt(finishCtx, taskID, w.stage, outcome); err != nil {
		// 任务已被取消、清理或强制重置，只释放自己持有的锁
		w.log.Warnf("推进阶段失败: task=%s, err=%v", taskID, err)
		if _, err := w.deps.Locks.Release(finishCtx, w.stage, taskID); err != nil {
			w.log.Errorf("释放任务锁失败: task=%s, err=%v", taskID, err)
		}
	}
}

// run 调用执行器，panic 视为失败
func (w *Worker) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Errorf("执行器 panic: task=%s, panic=%v", job.TaskID, r)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return w.executor.Execute(ctx, job)
}

func (w *Worker) appendLog(taskID, msg string) {
	if err := w.deps.Logs.Append(taskID, string(w.stage), msg); err != nil {
		w.log.Warnf("写入任务日志失败: task=%s, err=%v", taskID, err)
	}
}
