package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/a2a"
)

type staticConfigs struct {
	configs []*a2a.PushNotificationConfig
}

func (s *staticConfigs) PushConfigs(context.Context, string) ([]*a2a.PushNotificationConfig, error) {
	return s.configs, nil
}

func statusEvent(taskID string, state a2a.TaskState, final bool) a2a.StreamEvent {
	return a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
		Kind:   "status-update",
		TaskID: taskID,
		Status: a2a.TaskStatus{State: state},
		Final:  final,
	}}
}

func TestNotifyDelivers(t *testing.T) {
	received := make(chan *a2a.TaskStatusUpdateEvent, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-A2A-Notification-Id"))
		assert.Equal(t, "secret", r.Header.Get("X-A2A-Notification-Token"))

		var ev a2a.TaskStatusUpdateEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- &ev
	}))
	defer server.Close()

	source := &staticConfigs{configs: []*a2a.PushNotificationConfig{
		{ID: "c1", URL: server.URL, Token: "secret"},
	}}
	n := NewNotifier(source, Options{})
	defer n.Close()

	n.Notify(context.Background(), "task-1", statusEvent("task-1", a2a.TaskStateCompleted, true))

	select {
	case ev := <-received:
		assert.Equal(t, "task-1", ev.TaskID)
		assert.Equal(t, a2a.TaskStateCompleted, ev.Status.State)
		assert.True(t, ev.Final)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}
}

func TestNotifyIgnoresNonStatusEvents(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer server.Close()

	source := &staticConfigs{configs: []*a2a.PushNotificationConfig{{URL: server.URL}}}
	n := NewNotifier(source, Options{})
	defer n.Close()

	n.Notify(context.Background(), "task-1", a2a.StreamEvent{
		ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{TaskID: "task-1"},
	})

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls)
}

func TestRetryOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	done := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		close(done)
	}))
	defer server.Close()

	source := &staticConfigs{configs: []*a2a.PushNotificationConfig{{URL: server.URL}}}
	n := NewNotifier(source, Options{BaseDelay: 10 * time.Millisecond})
	defer n.Close()

	n.Notify(context.Background(), "task-1", statusEvent("task-1", a2a.TaskStateFailed, true))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never succeeded")
	}
	mu.Lock()
	assert.Equal(t, 3, attempts)
	mu.Unlock()
}

func TestClientErrorDropsWithoutRetry(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	source := &staticConfigs{configs: []*a2a.PushNotificationConfig{{URL: server.URL}}}
	n := NewNotifier(source, Options{BaseDelay: 10 * time.Millisecond})
	defer n.Close()

	n.Notify(context.Background(), "task-1", statusEvent("task-1", a2a.TaskStateCompleted, true))

	time.Sleep(300 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, attempts)
	mu.Unlock()
}

func TestPerTargetOrdering(t *testing.T) {
	var mu sync.Mutex
	var states []a2a.TaskState
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev a2a.TaskStatusUpdateEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		mu.Lock()
		states = append(states, ev.Status.State)
		mu.Unlock()
	}))
	defer server.Close()

	source := &staticConfigs{configs: []*a2a.PushNotificationConfig{{URL: server.URL}}}
	n := NewNotifier(source, Options{})
	defer n.Close()

	ctx := context.Background()
	n.Notify(ctx, "task-1", statusEvent("task-1", a2a.TaskStateWorking, false))
	n.Notify(ctx, "task-1", statusEvent("task-1", a2a.TaskStateCompleted, true))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []a2a.TaskState{a2a.TaskStateWorking, a2a.TaskStateCompleted}, states)
	mu.Unlock()
}
