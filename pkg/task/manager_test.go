package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/repository"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(repository.NewMemoryRepository())
}

func TestCreateAndGetTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	msg := a2a.NewUserMessage("turn on the lights")
	task, err := m.CreateTask(ctx, "", msg, "", "")
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.NotEmpty(t, task.ContextID)
	assert.Equal(t, a2a.TaskStateSubmitted, task.Status.State)
	require.Len(t, task.History, 1)
	assert.Equal(t, task.ID, task.History[0].TaskID)

	got, err := m.GetTask(ctx, task.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)

	_, err = m.GetTask(ctx, "nope", 0)
	rpcErr := a2a.AsError(err)
	assert.Equal(t, a2a.ErrCodeTaskNotFound, rpcErr.Code)
}

func TestCreateTaskOriginDedup(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	_, err := m.CreateTask(ctx, "", a2a.NewUserMessage("entry"), "sensor-1", "41")
	require.NoError(t, err)

	_, err = m.CreateTask(ctx, "", a2a.NewUserMessage("entry"), "sensor-1", "41")
	assert.ErrorIs(t, err, ErrDuplicateOrigin)
}

func TestHistoryTrimming(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("one"), "", "")
	require.NoError(t, err)
	for _, text := range []string{"two", "three", "four"} {
		_, err = m.AddMessage(ctx, task.ID, a2a.NewUserMessage(text))
		require.NoError(t, err)
	}

	got, err := m.GetTask(ctx, task.ID, 2)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, "three", got.History[0].Text())
	assert.Equal(t, "four", got.History[1].Text())
}

func TestUpdateStatusEnforcesTransitions(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)

	task, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateWorking, task.Status.State)

	task, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateCompleted, a2a.NewAgentMessage("done"))
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)
	require.NotNil(t, task.Status.Message)
	assert.Equal(t, "done", task.Status.Message.Text())

	// Terminal states accept no further transitions.
	_, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateWorking, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)

	canceled, err := m.CancelTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, canceled.Status.State)

	_, err = m.CancelTask(ctx, task.ID)
	rpcErr := a2a.AsError(err)
	assert.Equal(t, a2a.ErrCodeTaskNotCancelable, rpcErr.Code)
}

func TestArtifactChunkMerging(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("read"), "", "")
	require.NoError(t, err)

	first := &a2a.Artifact{ArtifactID: "result", Parts: []a2a.Part{{Kind: "text", Text: "chunk-1"}}}
	_, err = m.AddArtifact(ctx, task.ID, first, false, false)
	require.NoError(t, err)

	second := &a2a.Artifact{ArtifactID: "result", Parts: []a2a.Part{{Kind: "text", Text: "chunk-2"}}}
	got, err := m.AddArtifact(ctx, task.ID, second, true, true)
	require.NoError(t, err)

	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.Artifacts[0].Parts, 2)
	assert.Equal(t, "chunk-1", got.Artifacts[0].Parts[0].Text)
	assert.Equal(t, "chunk-2", got.Artifacts[0].Parts[1].Text)

	// Non-append with the same id replaces.
	replacement := &a2a.Artifact{ArtifactID: "result", Parts: []a2a.Part{{Kind: "text", Text: "fresh"}}}
	got, err = m.AddArtifact(ctx, task.ID, replacement, false, true)
	require.NoError(t, err)
	require.Len(t, got.Artifacts, 1)
	require.Len(t, got.Artifacts[0].Parts, 1)
}

func TestSubscribeReceivesEventsAndCloses(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()

	_, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	ev := <-ch
	require.NotNil(t, ev.StatusUpdate)
	assert.Equal(t, a2a.TaskStateWorking, ev.StatusUpdate.Status.State)
	assert.False(t, ev.Final())

	_, err = m.AddArtifact(ctx, task.ID, &a2a.Artifact{Parts: []a2a.Part{{Kind: "text", Text: "x"}}}, false, true)
	require.NoError(t, err)
	ev = <-ch
	require.NotNil(t, ev.ArtifactUpdate)

	_, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateCompleted, nil)
	require.NoError(t, err)
	ev = <-ch
	require.NotNil(t, ev.StatusUpdate)
	assert.True(t, ev.Final())

	// Channel closes after the terminal event.
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribeTerminalTask(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)
	_, err = m.CancelTask(ctx, task.ID)
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()

	_, open := <-ch
	assert.False(t, open)
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)

	ch, cancel, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer cancel()

	// Overfill the subscriber buffer without reading. The overflowing
	// event closes the channel instead of silently dropping events, so
	// the consumer can observe the truncation and resubscribe.
	for i := 0; i <= subscriberBuffer; i++ {
		_, err = m.AddArtifact(ctx, task.ID, &a2a.Artifact{
			ArtifactID: "result",
			Parts:      []a2a.Part{{Kind: "text", Text: "chunk"}},
		}, true, false)
		require.NoError(t, err)
	}

	received := 0
	for range ch {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)

	// The task itself is unaffected; a fresh subscriber works.
	ch2, cancel2, err := m.Subscribe(ctx, task.ID)
	require.NoError(t, err)
	defer cancel2()

	_, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	ev := <-ch2
	require.NotNil(t, ev.StatusUpdate)
}

func TestSinkReceivesAllEvents(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var events []a2a.StreamEvent
	m.AddSink(func(_ context.Context, _ string, ev a2a.StreamEvent) {
		events = append(events, ev)
	})

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateWorking, nil)
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, task.ID, a2a.TaskStateFailed, nil)
	require.NoError(t, err)

	require.Len(t, events, 3)
	assert.NotNil(t, events[0].Task)
	assert.NotNil(t, events[1].StatusUpdate)
	assert.True(t, events[2].Final())
}

func TestPushConfigLifecycle(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	task, err := m.CreateTask(ctx, "", a2a.NewUserMessage("hi"), "", "")
	require.NoError(t, err)

	_, err = m.SetPushConfig(ctx, task.ID, &a2a.PushNotificationConfig{})
	require.Error(t, err)

	saved, err := m.SetPushConfig(ctx, task.ID, &a2a.PushNotificationConfig{URL: "https://cb.example.com/hook"})
	require.NoError(t, err)
	assert.NotEmpty(t, saved.PushNotificationConfig.ID)

	// Single config resolves without an explicit id.
	got, err := m.GetPushConfig(ctx, task.ID, "")
	require.NoError(t, err)
	assert.Equal(t, saved.PushNotificationConfig.ID, got.PushNotificationConfig.ID)

	_, err = m.SetPushConfig(ctx, task.ID, &a2a.PushNotificationConfig{ID: "second", URL: "https://cb.example.com/hook2"})
	require.NoError(t, err)

	_, err = m.GetPushConfig(ctx, task.ID, "")
	require.Error(t, err)

	list, err := m.ListPushConfigs(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, list, 2)

	require.NoError(t, m.DeletePushConfig(ctx, task.ID, "second"))
	list, err = m.ListPushConfigs(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	// Unknown task surfaces the protocol error.
	_, err = m.ListPushConfigs(ctx, "missing")
	assert.Equal(t, a2a.ErrCodeTaskNotFound, a2a.AsError(err).Code)
}
