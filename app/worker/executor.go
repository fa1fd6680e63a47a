package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"trend-pipeline/app/config"
	"trend-pipeline/app/pipeline"
)

// Job 一次阶段执行的输入
type Job struct {
	TaskID   string
	Stage    pipeline.Stage
	UserID   string
	Metadata json.RawMessage
	// Log 执行过程的输出写入任务日志
	Log io.Writer
}

// Executor 执行某个阶段的实际工作，返回 nil 表示成功
type Executor interface {
	Execute(ctx context.Context, job Job) error
}

// ExecutorFunc 函数形式的 Executor
type ExecutorFunc func(ctx context.Context, job Job) error

// Execute 调用 f
func (f ExecutorFunc) Execute(ctx context.Context, job Job) error {
	return f(ctx, job)
}

// NewExecutor 按配置创建执行器
func NewExecutor(cfg config.WorkerConfig, pids *PidFiles) (Executor, error) {
	switch cfg.Executor {
	case "http":
		return NewHTTPExecutor(cfg.HTTP), nil
	case "command", "":
		commands := make(map[pipeline.Stage][]string, len(cfg.Commands))
		for name, args := range cfg.Commands {
			stage, err := pipeline.ParseStage(name)
			if err != nil {
				return nil, fmt.Errorf("命令配置中的阶段无效: %w", err)
			}
			if len(args) == 0 {
				return nil, fmt.Errorf("阶段 %s 的命令为空", stage)
			}
			commands[stage] = args
		}
		return NewCommandExecutor(commands, pids), nil
	default:
		return nil, fmt.Errorf("未知的执行器类型: %s", cfg.Executor)
	}
}
