package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"trend-pipeline/app/logger"
)

// PidFiles 记录正在执行的外部进程，取消任务的进程可能不是启动它的进程
type PidFiles struct {
	dir string
}

// NewPidFiles 创建 pid 文件目录
func NewPidFiles(dir string) (*PidFiles, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("创建 pid 目录失败: %w", err)
	}
	return &PidFiles{dir: dir}, nil
}

func (p *PidFiles) path(taskID string) (string, error) {
	if taskID == "" || taskID == "." || taskID == ".." || strings.ContainsAny(taskID, `/\`) {
		return "", fmt.Errorf("非法的任务ID: %q", taskID)
	}
	return filepath.Join(p.dir, taskID+".pid"), nil
}

// Write 记录任务对应的进程号
func (p *PidFiles) Write(taskID string, pid int) error {
	path, err := p.path(taskID)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644)
}

// Read 读取任务对应的进程号，没有记录时 ok 为 false
func (p *PidFiles) Read(taskID string) (pid int, ok bool, err error) {
	path, err := p.path(taskID)
	if err != nil {
		return 0, false, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	pid, err = strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("pid 文件内容无效: %w", err)
	}
	return pid, true, nil
}

// Remove 删除记录
func (p *PidFiles) Remove(taskID string) error {
	path, err := p.path(taskID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

const killPollInterval = 100 * time.Millisecond

// PidKiller 先发送 SIGTERM，ctx 结束前进程仍未退出时发送 SIGKILL
type PidKiller struct {
	pids *PidFiles
	log  *logger.Logger
}

// NewPidKiller 创建进程终止器
func NewPidKiller(pids *PidFiles, log *logger.Logger) *PidKiller {
	return &PidKiller{pids: pids, log: log.Named("killer")}
}

// Kill 结束任务对应的外部进程，没有记录或进程已退出时直接返回
func (k *PidKiller) Kill(ctx context.Context, taskID string) error {
	pid, ok, err := k.pids.Read(taskID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_ = k.pids.Remove(taskID)
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// 进程已经不存在
		_ = k.pids.Remove(taskID)
		return nil
	}
	k.log.Infof("已发送 SIGTERM: task=%s, pid=%d", taskID, pid)

	ticker := time.NewTicker(killPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("强制结束进程 %d 失败: %w", pid, err)
			}
			k.log.Warnf("进程未在超时内退出，已发送 SIGKILL: task=%s, pid=%d", taskID, pid)
			_ = k.pids.Remove(taskID)
			return nil
		case <-ticker.C:
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				_ = k.pids.Remove(taskID)
				return nil
			}
		}
	}
}
