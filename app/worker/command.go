package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"trend-pipeline/app/pipeline"
)

const defaultWaitDelay = 10 * time.Second

// CommandExecutor 每个阶段运行一个外部命令，退出码为 0 表示成功
type CommandExecutor struct {
	commands  map[pipeline.Stage][]string
	pids      *PidFiles
	waitDelay time.Duration
}

// NewCommandExecutor 创建命令执行器，pids 为 nil 时不记录进程号
func NewCommandExecutor(commands map[pipeline.Stage][]string, pids *PidFiles) *CommandExecutor {
	return &CommandExecutor{commands: commands, pids: pids, waitDelay: defaultWaitDelay}
}

// Execute 运行阶段命令，任务信息通过环境变量传入，输出写入任务日志
func (e *CommandExecutor) Execute(ctx context.Context, job Job) error {
	args, ok := e.commands[job.Stage]
	if !ok || len(args) == 0 {
		return fmt.Errorf("no command configured for stage %s", job.Stage)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(),
		"TASK_ID="+job.TaskID,
		"TASK_STAGE="+string(job.Stage),
		"TASK_USER_ID="+job.UserID,
		"TASK_METADATA="+string(job.Metadata),
	)
	if job.Log != nil {
		cmd.Stdout = job.Log
		cmd.Stderr = job.Log
	}
	// ctx 取消时先让进程自行清理，超过 WaitDelay 再强制结束
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = e.waitDelay

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	if e.pids != nil {
		if err := e.pids.Write(job.TaskID, cmd.Process.Pid); err != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			return fmt.Errorf("write pid file: %w", err)
		}
		defer e.pids.Remove(job.TaskID)
	}

	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s interrupted: %w", job.Stage, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with code %d", job.Stage, exitErr.ExitCode())
	}
	return fmt.Errorf("%s: %w", job.Stage, err)
}
