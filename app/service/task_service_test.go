package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"trend-pipeline/app/model"
	"trend-pipeline/app/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterQueuesImmediately(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	view, err := env.tasks.Register(ctx, RegisterRequest{
		TaskID:       "t1",
		UserID:       testUser,
		Title:        "AI agents in 2026",
		PromptFormat: "shorts",
		Settings:     map[string]any{"voice": "alloy"},
		Priority:     3,
	})
	require.NoError(t, err)
	require.NotNil(t, view.Queue)
	assert.Equal(t, pipeline.StageScript, view.Queue.Type)
	assert.Equal(t, pipeline.StatusWaiting, view.Queue.Status)
	assert.Equal(t, pipeline.ContentPending, view.Content.Status)

	entry := env.entry(t, "t1")
	assert.Equal(t, 3, entry.Priority)
	var meta map[string]string
	require.NoError(t, json.Unmarshal(entry.Metadata, &meta))
	assert.Equal(t, "alloy", meta["voice"])

	got, err := env.tasks.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "AI agents in 2026", got.Content.Title)
	require.NotNil(t, got.Queue)
}

func TestRegisterGeneratesID(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	view, err := env.tasks.Register(context.Background(), RegisterRequest{UserID: testUser, Title: "x"})
	require.NoError(t, err)
	assert.Len(t, view.Task.TaskID, 36)
	assert.Equal(t, view.Task.TaskID, view.Content.ContentID)
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	cases := []RegisterRequest{
		{TaskID: "t1", Title: "missing user"},
		{TaskID: "t1", UserID: testUser},
		{TaskID: "../escape", UserID: testUser, Title: "x"},
	}
	for _, req := range cases {
		_, err := env.tasks.Register(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", req)
	}

	var count int64
	require.NoError(t, env.db.Model(&model.Task{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestRegisterDuplicate(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	env.register(t, "t1")
	_, err := env.tasks.Register(context.Background(), RegisterRequest{TaskID: "t1", UserID: testUser, Title: "again"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, "title of t1", env.content(t, "t1").Title)
}

func TestScheduledTaskPromotion(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	at := time.Now().Add(30 * time.Minute)
	view, err := env.tasks.Register(ctx, RegisterRequest{TaskID: "t1", UserID: testUser, Title: "later", ScheduledTime: &at})
	require.NoError(t, err)
	assert.Nil(t, view.Queue)

	n, err := env.tasks.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.tasks.now = func() time.Time { return at.Add(time.Second) }
	n, err = env.tasks.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry := env.entry(t, "t1")
	assert.Equal(t, pipeline.StageScript, entry.Type)
	assert.Equal(t, pipeline.StatusWaiting, entry.Status)

	// 已入队的任务不会重复入队
	n, err = env.tasks.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPromoteSkipsCancelledContent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	_, err := env.tasks.Register(ctx, RegisterRequest{TaskID: "t1", UserID: testUser, Title: "x", ScheduledTime: &future})
	require.NoError(t, err)
	_, err = env.cancel.Cancel(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, env.db.Model(&model.Task{}).Where("task_id = ?", "t1").Update("scheduled_time", past).Error)

	n, err := env.tasks.PromoteDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDeleteCascade(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	env.startStage(t, "t1", pipeline.StageScript)
	require.NoError(t, env.queue.AppendLog(ctx, "t1", pipeline.StageScript, "working"))

	require.NoError(t, env.tasks.Delete(ctx, "t1"))

	for _, m := range []any{&model.Task{}, &model.Content{}, &model.ContentSetting{}, &model.QueueEntry{}, &model.TimeLog{}} {
		var count int64
		require.NoError(t, env.db.Model(m).Count(&count).Error)
		assert.Zero(t, count, "%T", m)
	}
	assert.False(t, env.lock(t, pipeline.StageScript).Held())

	lines, err := env.queue.ReadLog("t1", pipeline.StageScript)
	require.NoError(t, err)
	assert.Empty(t, lines)

	assert.ErrorIs(t, env.tasks.Delete(ctx, "t1"), ErrNotFound)
}

func TestRetryFailedTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.failAtImage(t, "t1", "boom")

	entry, err := env.tasks.Retry(ctx, "t1", "")
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageImage, entry.Type)
	assert.Equal(t, pipeline.StatusWaiting, entry.Status)
	assert.Nil(t, entry.Error)
	assert.Nil(t, entry.CompletedAt)

	content := env.content(t, "t1")
	assert.Equal(t, pipeline.ContentPending, content.Status)
	assert.Nil(t, content.Error)
}

func TestRetryAtOtherStage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.failAtImage(t, "t1", "boom")

	entry, err := env.tasks.Retry(ctx, "t1", pipeline.StageScript)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageScript, entry.Type)

	_, err = env.tasks.Retry(ctx, "t1", "thumbnail")
	assert.ErrorIs(t, err, ErrInvalidStage)
}

func TestRetryRejectsActiveTask(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	ctx := context.Background()

	env.register(t, "t1")
	_, err := env.tasks.Retry(ctx, "t1", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.tasks.Retry(ctx, "ghost", "")
	assert.ErrorIs(t, err, ErrNotFound)
}
