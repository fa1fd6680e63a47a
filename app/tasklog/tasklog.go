package tasklog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const timeLayout = "2006-01-02 15:04:05"

// Store 按任务和阶段保存追加写入的日志文件: {dir}/{taskID}/{stage}.log
type Store struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// New 创建日志存储
func New(dir string) *Store {
	return &Store{dir: dir, now: time.Now}
}

// Dir 日志根目录
func (s *Store) Dir() string {
	return s.dir
}

// Append 追加一行带时间戳的日志
func (s *Store) Append(taskID, stage, message string) error {
	path, err := s.path(taskID, stage)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建任务日志目录失败: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("打开任务日志失败: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	stamp := s.now().Format(timeLayout)
	for _, line := range strings.Split(strings.TrimRight(message, "\n"), "\n") {
		fmt.Fprintf(&b, "[%s] %s\n", stamp, line)
	}
	_, err = f.WriteString(b.String())
	return err
}

// Read 读取某个阶段的全部日志行，文件不存在时返回空
func (s *Store) Read(taskID, stage string) ([]string, error) {
	path, err := s.path(taskID, stage)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := []string{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// Writer 返回一个把每行写入日志的 io.Writer，用于采集外部进程输出
func (s *Store) Writer(taskID, stage string) *LineWriter {
	return &LineWriter{store: s, taskID: taskID, stage: stage}
}

// Remove 删除任务的全部日志
func (s *Store) Remove(taskID string) error {
	if err := validID(taskID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.dir, taskID))
}

func (s *Store) path(taskID, stage string) (string, error) {
	if err := validID(taskID); err != nil {
		return "", err
	}
	if err := validID(stage); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, taskID, stage+".log"), nil
}

// validID 防止路径穿越
func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("非法的日志标识: %q", id)
	}
	return nil
}

// LineWriter 缓冲不完整的行，遇到换行时写入日志
type LineWriter struct {
	store  *Store
	taskID string
	stage  string
	mu     sync.Mutex
	buf    []byte
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := strings.IndexByte(string(w.buf), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		if line == "" {
			continue
		}
		if err := w.store.Append(w.taskID, w.stage, line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

// Flush 写出剩余的不完整行
func (w *LineWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) == 0 {
		return nil
	}
	line := string(w.buf)
	w.buf = nil
	return w.store.Append(w.taskID, w.stage, line)
}
