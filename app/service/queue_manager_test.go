package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueueValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: "upload"})
	assert.ErrorIs(t, err, ErrInvalidStage)

	_, err = env.queue.Enqueue(ctx, EnqueueRequest{Type: pipeline.StageScript})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: pipeline.StageScript, Metadata: json.RawMessage("{bad")})
	assert.ErrorIs(t, err, ErrInvalidInput)

	var count int64
	require.NoError(t, env.db.Model(&model.QueueEntry{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestEnqueueUpsertKeepsSingleEntry(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, EnqueueRequest{
		TaskID:   "t1",
		Type:     pipeline.StageScript,
		UserID:   testUser,
		Metadata: map[string]any{"model": "claude"},
	})
	require.NoError(t, err)
	_, err = env.queue.Dequeue(ctx, pipeline.StageScript)
	require.NoError(t, err)

	_, err = env.queue.UpdateTask(ctx, "t1", pipeline.StageScript, TaskUpdate{
		Expect: statusPtr(pipeline.StatusProcessing),
		Status: statusPtr(pipeline.StatusFailed),
		Error:  strPtr("boom"),
	})
	require.NoError(t, err)

	// 再次入队覆盖原条目
	_, err = env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: pipeline.StageVideo, UserID: testUser})
	require.NoError(t, err)

	var entries []model.QueueEntry
	require.NoError(t, env.db.Find(&entries, "task_id = ?", "t1").Error)
	require.Len(t, entries, 1)
	assert.Equal(t, pipeline.StageVideo, entries[0].Type)
	assert.Equal(t, pipeline.StatusWaiting, entries[0].Status)
	assert.Nil(t, entries[0].Error)
	assert.Nil(t, entries[0].StartedAt)
}

func TestEnqueueStoresMetadata(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.queue.Enqueue(context.Background(), EnqueueRequest{
		TaskID:   "t1",
		Type:     pipeline.StageImage,
		Metadata: map[string]any{"scenes": 8},
	})
	require.NoError(t, err)

	entry := env.entry(t, "t1")
	var meta map[string]int
	require.NoError(t, json.Unmarshal(entry.Metadata, &meta))
	assert.Equal(t, 8, meta["scenes"])
}

func TestDequeueOrder(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.queue.now = stepClock(time.Now().Add(-time.Hour))

	for _, id := range []string{"a", "b", "c"} {
		_, err := env.queue.Enqueue(ctx, EnqueueRequest{TaskID: id, Type: pipeline.StageImage})
		require.NoError(t, err)
	}
	_, err := env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "urgent", Type: pipeline.StageImage, Priority: 5})
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "other-stage", Type: pipeline.StageVideo})
	require.NoError(t, err)

	var got []string
	for {
		entry, err := env.queue.Dequeue(ctx, pipeline.StageImage)
		if errors.Is(err, ErrNoTask) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, pipeline.StatusProcessing, entry.Status)
		assert.NotNil(t, entry.StartedAt)
		got = append(got, entry.TaskID)
	}
	assert.Equal(t, []string{"urgent", "a", "b", "c"}, got)
	assert.Equal(t, pipeline.StatusWaiting, env.entry(t, "other-stage").Status)
}

func TestDequeueEmpty(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	_, err := env.queue.Dequeue(context.Background(), pipeline.StageYoutube)
	assert.ErrorIs(t, err, ErrNoTask)

	_, err = env.queue.Dequeue(context.Background(), "schedule")
	assert.ErrorIs(t, err, ErrInvalidStage)
}

func TestDequeueWritesTimeLog(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	_, err := env.queue.Dequeue(ctx, pipeline.StageScript)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ContentProcessing, env.content(t, "t1").Status)

	// 失败后重试，计时记录的次数递增且上一次计时已结束
	_, err = env.engine.AdvanceStage(ctx, "t1", pipeline.Failed("boom"))
	require.NoError(t, err)
	_, err = env.tasks.Retry(ctx, "t1", "")
	require.NoError(t, err)
	_, err = env.queue.Dequeue(ctx, pipeline.StageScript)
	require.NoError(t, err)

	var logs []model.TimeLog
	require.NoError(t, env.db.Order("id").Find(&logs, "task_id = ?", "t1").Error)
	require.Len(t, logs, 2)
	assert.Equal(t, 1, logs[0].RetryCnt)
	assert.NotNil(t, logs[0].EndTime)
	assert.Equal(t, 2, logs[1].RetryCnt)
	assert.Nil(t, logs[1].EndTime)
}

func TestRequeueUndoesClaim(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	_, err := env.queue.Dequeue(ctx, pipeline.StageScript)
	require.NoError(t, err)

	ok, err := env.queue.Requeue(ctx, "t1", pipeline.StageScript)
	require.NoError(t, err)
	assert.True(t, ok)

	entry := env.entry(t, "t1")
	assert.Equal(t, pipeline.StatusWaiting, entry.Status)
	assert.Nil(t, entry.StartedAt)
	assert.Equal(t, pipeline.ContentPending, env.content(t, "t1").Status)
	var count int64
	require.NoError(t, env.db.Model(&model.TimeLog{}).Where("task_id = ?", "t1").Count(&count).Error)
	assert.Zero(t, count)

	// 再次领取时计时次数不会累加
	_, err = env.queue.Dequeue(ctx, pipeline.StageScript)
	require.NoError(t, err)
	var logs []model.TimeLog
	require.NoError(t, env.db.Find(&logs, "task_id = ?", "t1").Error)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].RetryCnt)

	// 不在 processing 的条目不受影响
	ok, err = env.queue.Requeue(ctx, "t1", pipeline.StageImage)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, pipeline.StatusProcessing, env.entry(t, "t1").Status)

	_, err = env.queue.Requeue(ctx, "t1", "bogus")
	assert.ErrorIs(t, err, ErrInvalidStage)
}

// 场景 2：两个 worker 同时领取唯一的 image 条目
func TestConcurrentDequeueSingleWinner(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "T1", Type: pipeline.StageImage})
	require.NoError(t, err)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		misses  int
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			entry, err := env.queue.Dequeue(ctx, pipeline.StageImage)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, entry.TaskID)
			case errors.Is(err, ErrNoTask):
				misses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, []string{"T1"}, winners)
	assert.Equal(t, workers-1, misses)

	var logs int64
	require.NoError(t, env.db.Model(&model.TimeLog{}).Where("task_id = ?", "T1").Count(&logs).Error)
	assert.EqualValues(t, 1, logs)
}

func TestClaimLostRace(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	entry, err := env.queue.Enqueue(ctx, EnqueueRequest{TaskID: "t1", Type: pipeline.StageScript})
	require.NoError(t, err)
	_, err = env.queue.Dequeue(ctx, pipeline.StageScript)
	require.NoError(t, err)

	// 候选在读取后已被其他 worker 领取
	_, err = env.queue.claim(ctx, entry)
	assert.ErrorIs(t, err, errLostRace)
}

func TestGetPosition(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.queue.now = stepClock(time.Now().Add(-time.Hour))

	for _, id := range []string{"a", "b", "c"} {
		_, err := env.queue.Enqueue(ctx, EnqueueRequest{TaskID: id, Type: pipeline.StageVideo})
		require.NoError(t, err)
	}

	pos, ok, err := env.queue.GetPosition(ctx, "c", pipeline.StageVideo)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	pos, ok, err = env.queue.GetPosition(ctx, "a", pipeline.StageVideo)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, pos)

	_, ok, err = env.queue.GetPosition(ctx, "a", pipeline.StageImage)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = env.queue.GetPosition(ctx, "missing", pipeline.StageVideo)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = env.queue.Dequeue(ctx, pipeline.StageVideo)
	require.NoError(t, err)

	pos, ok, err = env.queue.GetPosition(ctx, "c", pipeline.StageVideo)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, pos)

	_, ok, err = env.queue.GetPosition(ctx, "a", pipeline.StageVideo)
	require.NoError(t, err)
	assert.False(t, ok, "processing entries have no position")
}

func TestUpdateTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()
	env.startStage(t, "t1", pipeline.StageVideo)

	t.Run("status change requires expected status", func(t *testing.T) {
		_, err := env.queue.UpdateTask(ctx, "t1", pipeline.StageVideo, TaskUpdate{Status: statusPtr(pipeline.StatusFailed)})
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("illegal transition", func(t *testing.T) {
		_, err := env.queue.UpdateTask(ctx, "t1", pipeline.StageVideo, TaskUpdate{
			Expect: statusPtr(pipeline.StatusCompleted),
			Status: statusPtr(pipeline.StatusWaiting),
		})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("stale expectation affects nothing", func(t *testing.T) {
		n, err := env.queue.UpdateTask(ctx, "t1", pipeline.StageVideo, TaskUpdate{
			Expect: statusPtr(pipeline.StatusWaiting),
			Status: statusPtr(pipeline.StatusCancelled),
		})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, pipeline.StatusProcessing, env.entry(t, "t1").Status)
	})

	t.Run("missing entry affects nothing", func(t *testing.T) {
		n, err := env.queue.UpdateTask(ctx, "nope", pipeline.StageVideo, TaskUpdate{Error: strPtr("x")})
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("error only", func(t *testing.T) {
		n, err := env.queue.UpdateTask(ctx, "t1", pipeline.StageVideo, TaskUpdate{Error: strPtr("slow render")})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)
		assert.Equal(t, "slow render", env.entry(t, "t1").ErrorMessage())
	})

	t.Run("terminal status releases lock and closes time log", func(t *testing.T) {
		done := time.Now()
		n, err := env.queue.UpdateTask(ctx, "t1", pipeline.StageVideo, TaskUpdate{
			Expect:      statusPtr(pipeline.StatusProcessing),
			Status:      statusPtr(pipeline.StatusFailed),
			Error:       strPtr("render crashed"),
			CompletedAt: &done,
		})
		require.NoError(t, err)
		assert.EqualValues(t, 1, n)

		entry := env.entry(t, "t1")
		assert.Equal(t, pipeline.StatusFailed, entry.Status)
		assert.NotNil(t, entry.CompletedAt)
		assert.False(t, env.lock(t, pipeline.StageVideo).Held())

		var open int64
		require.NoError(t, env.db.Model(&model.TimeLog{}).Where("task_id = ? AND end_time IS NULL", "t1").Count(&open).Error)
		assert.Zero(t, open)
	})
}

func TestAppendLog(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.queue.AppendLog(ctx, "t1", pipeline.StageScript, "hello"))
	assert.ErrorIs(t, env.queue.AppendLog(ctx, "t1", "bogus", "x"), ErrInvalidStage)

	lines, err := env.queue.ReadLog("t1", pipeline.StageScript)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "hello")
}

func TestClearAllKeepsContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	env.register(t, "t2")

	n, err := env.queue.ClearAll(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var queued, contents int64
	require.NoError(t, env.db.Model(&model.QueueEntry{}).Count(&queued).Error)
	require.NoError(t, env.db.Model(&model.Content{}).Count(&contents).Error)
	assert.Zero(t, queued)
	assert.EqualValues(t, 2, contents)
}

func TestSummary(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	env.register(t, "t2")
	env.startStage(t, "t3", pipeline.StageVideo)

	summary, err := env.queue.Summary(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, summary.Total)
	assert.EqualValues(t, 2, summary.Stages[pipeline.StageScript][pipeline.StatusWaiting])
	assert.EqualValues(t, 1, summary.Stages[pipeline.StageVideo][pipeline.StatusProcessing])
	assert.EqualValues(t, 0, summary.Stages[pipeline.StageYoutube][pipeline.StatusCompleted])

	// 修改后缓存失效
	_, err = env.queue.ClearAll(ctx)
	require.NoError(t, err)
	summary, err = env.queue.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	old := time.Now().AddDate(0, 0, -40)
	recent := time.Now().AddDate(0, 0, -1)
	rows := []model.QueueEntry{
		{TaskID: "old-done", Type: pipeline.StageYoutube, Status: pipeline.StatusCompleted, CompletedAt: &old},
		{TaskID: "old-failed", Type: pipeline.StageImage, Status: pipeline.StatusFailed, CompletedAt: &old},
		{TaskID: "recent-done", Type: pipeline.StageYoutube, Status: pipeline.StatusCompleted, CompletedAt: &recent},
		{TaskID: "waiting", Type: pipeline.StageScript, Status: pipeline.StatusWaiting},
	}
	require.NoError(t, env.db.Create(&rows).Error)

	n, err := env.queue.Cleanup(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	var left []string
	require.NoError(t, env.db.Model(&model.QueueEntry{}).Order("task_id").Pluck("task_id", &left).Error)
	assert.Equal(t, []string{"recent-done", "waiting"}, left)

	_, err = env.queue.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.startStage(t, "t1", pipeline.StageScript)

	health, err := env.queue.Health(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Len(t, health.Locks, len(pipeline.Stages))

	require.NoError(t, env.db.Model(&model.QueueEntry{}).Where("task_id = ?", "t1").
		Update("started_at", time.Now().Add(-time.Hour)).Error)

	health, err = env.queue.Health(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.False(t, health.Healthy)
	require.Len(t, health.Stuck, 1)
	assert.Equal(t, "t1", health.Stuck[0].TaskID)
}

func TestList(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	env.startStage(t, "t2", pipeline.StageImage)

	entries, err := env.queue.List(ctx, ListFilter{Status: pipeline.StatusWaiting})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t1", entries[0].TaskID)

	entries, err = env.queue.List(ctx, ListFilter{UserID: testUser})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
