package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"trend-pipeline/app/config"
	"trend-pipeline/app/database"
	"trend-pipeline/app/logger"
	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"
	"trend-pipeline/app/tasklog"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testUser = "user-1"

type testEnv struct {
	db      *gorm.DB
	logs    *tasklog.Store
	queue   *QueueManager
	locks   *LockManager
	engine  *StageEngine
	sweeper *Sweeper
	cancel  *CancelService
	tasks   *TaskService
	killer  *fakeKiller
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	log := logger.NewNop()
	db, err := database.Open(config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          filepath.Join(t.TempDir(), "queue.db"),
		MaxOpenConns: 1,
		LogLevel:     "silent",
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, _ := db.DB()
		_ = sqlDB.Close()
	})
	require.NoError(t, database.AutoMigrate(db))
	require.NoError(t, database.SeedLocks(db))
	require.NoError(t, db.Create(&model.User{ID: testUser, Name: "tester", Credits: 100}).Error)

	env := &testEnv{db: db, logs: tasklog.New(t.TempDir()), killer: &fakeKiller{}}
	env.queue = NewQueueManager(db, log, env.logs)
	env.locks = NewLockManager(db, log)
	env.engine = NewStageEngine(db, log, env.queue)
	env.sweeper = NewSweeper(db, log, env.queue, env.locks)
	env.cancel = NewCancelService(db, log, env.queue, env.killer, time.Second)
	env.tasks = NewTaskService(db, log, env.queue, env.logs)
	return env
}

// register 创建立即执行的任务，位于 script/waiting
func (e *testEnv) register(t *testing.T, taskID string) {
	t.Helper()
	_, err := e.tasks.Register(context.Background(), RegisterRequest{
		TaskID: taskID,
		UserID: testUser,
		Title:  "title of " + taskID,
	})
	require.NoError(t, err)
}

// startStage 将任务放到 stage/processing，并由 worker 占用锁
func (e *testEnv) startStage(t *testing.T, taskID string, stage pipeline.Stage) {
	t.Helper()
	ctx := context.Background()

	_, err := e.queue.Enqueue(ctx, EnqueueRequest{TaskID: taskID, Type: stage, UserID: testUser})
	require.NoError(t, err)
	entry, err := e.queue.Dequeue(ctx, stage)
	require.NoError(t, err)
	require.Equal(t, taskID, entry.TaskID)
	ok, err := e.locks.Acquire(ctx, stage, taskID, 4242)
	require.NoError(t, err)
	require.True(t, ok)
}

func (e *testEnv) entry(t *testing.T, taskID string) model.QueueEntry {
	t.Helper()
	var entry model.QueueEntry
	require.NoError(t, e.db.First(&entry, "task_id = ?", taskID).Error)
	return entry
}

func (e *testEnv) content(t *testing.T, taskID string) model.Content {
	t.Helper()
	var content model.Content
	require.NoError(t, e.db.First(&content, "content_id = ?", taskID).Error)
	return content
}

func (e *testEnv) lock(t *testing.T, stage pipeline.Stage) model.TaskLock {
	t.Helper()
	var lock model.TaskLock
	require.NoError(t, e.db.First(&lock, "task_type = ?", stage).Error)
	return lock
}

func (e *testEnv) credits(t *testing.T) int {
	t.Helper()
	var user model.User
	require.NoError(t, e.db.First(&user, "id = ?", testUser).Error)
	return user.Credits
}

// stepClock 每次调用前进一秒，保证创建时间有序
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

type fakeKiller struct {
	mu     sync.Mutex
	killed []string
	err    error
	onKill func(ctx context.Context, taskID string)
}

func (k *fakeKiller) Kill(ctx context.Context, taskID string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.killed = append(k.killed, taskID)
	if k.onKill != nil {
		k.onKill(ctx, taskID)
	}
	return k.err
}

func (k *fakeKiller) calls() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.killed...)
}

func statusPtr(s pipeline.Status) *pipeline.Status {
	return &s
}

func strPtr(s string) *string {
	return &s
}
