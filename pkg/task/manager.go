// SPDX-License-Identifier: AGPL-3.0
// Copyright 2026 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package task implements the task lifecycle: creation, state
// transitions, history, artifact assembly, subscriber fan-out and push
// notification config management. State is persisted through the
// repository; subscriber channels are in-process.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/repository"
)

// ErrInvalidTransition reports an illegal state machine edge.
var ErrInvalidTransition = errors.New("invalid task state transition")

// ErrDuplicateOrigin re-exports the repository sentinel so callers don't
// need to import both packages.
var ErrDuplicateOrigin = repository.ErrDuplicateOrigin

const subscriberBuffer = 32

// EventSink receives every task event after it is applied, the hook the
// push notifier attaches to.
type EventSink func(ctx context.Context, taskID string, event a2a.StreamEvent)

// Manager owns task state.
type Manager struct {
	repo repository.Repository

	mu          sync.Mutex
	subscribers map[string][]chan a2a.StreamEvent

	sinkMu sync.RWMutex
	sinks  []EventSink
}

func NewManager(repo repository.Repository) *Manager {
	return &Manager{
		repo:        repo,
		subscribers: make(map[string][]chan a2a.StreamEvent),
	}
}

// AddSink registers an event sink. Sinks run synchronously on the
// mutating goroutine; slow consumers must hand off internally.
func (m *Manager) AddSink(sink EventSink) {
	m.sinkMu.Lock()
	m.sinks = append(m.sinks, sink)
	m.sinkMu.Unlock()
}

func (m *Manager) emit(ctx context.Context, taskID string, event a2a.StreamEvent) {
	m.notifySubscribers(taskID, event)

	m.sinkMu.RLock()
	sinks := make([]EventSink, len(m.sinks))
	copy(sinks, m.sinks)
	m.sinkMu.RUnlock()
	for _, sink := range sinks {
		sink(ctx, taskID, event)
	}
}

// CreateTask persists a new submitted task. A non-empty origin dedups
// task creation per (device, sequence); the second attempt returns
// ErrDuplicateOrigin.
func (m *Manager) CreateTask(ctx context.Context, contextID string, initial *a2a.Message, originDevice, originSeq string) (*a2a.Task, error) {
	if contextID == "" {
		contextID = uuid.New().String()
	}

	task := &a2a.Task{
		Kind:      "task",
		ID:        uuid.New().String(),
		ContextID: contextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskStateSubmitted,
			Timestamp: time.Now().UTC(),
		},
	}

	if initial != nil {
		if initial.MessageID == "" {
			initial.MessageID = uuid.New().String()
		}
		initial.TaskID = task.ID
		initial.ContextID = contextID
		task.History = append(task.History, initial)
	}

	if err := m.repo.SaveTask(ctx, task, originDevice, originSeq); err != nil {
		return nil, err
	}

	m.emit(ctx, task.ID, a2a.StreamEvent{Task: task})
	return task, nil
}

// GetTask fetches a task, optionally trimming history to the last
// historyLength messages (0 keeps everything).
func (m *Manager) GetTask(ctx context.Context, taskID string, historyLength int) (*a2a.Task, error) {
	task, err := m.repo.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, a2a.ErrTaskNotFound(taskID)
		}
		return nil, err
	}
	if historyLength > 0 && len(task.History) > historyLength {
		task.History = task.History[len(task.History)-historyLength:]
	}
	return task, nil
}

// ListTasks lists tasks newest first.
func (m *Manager) ListTasks(ctx context.Context, filter repository.TaskFilter) ([]*a2a.Task, error) {
	return m.repo.ListTasks(ctx, filter)
}

// AddMessage appends a message to the task history without changing
// state. The message is stamped with the task's ids.
func (m *Manager) AddMessage(ctx context.Context, taskID string, msg *a2a.Message) (*a2a.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, err := m.GetTask(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}

	if msg.MessageID == "" {
		msg.MessageID = uuid.New().String()
	}
	msg.TaskID = task.ID
	msg.ContextID = task.ContextID
	task.History = append(task.History, msg)

	if err := m.repo.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// UpdateStatus applies a state transition, appending the optional status
// message to history and fanning the status event out. Terminal states
// close all subscriber channels.
func (m *Manager) UpdateStatus(ctx context.Context, taskID string, state a2a.TaskState, msg *a2a.Message) (*a2a.Task, error) {
	m.mu.Lock()

	task, err := m.GetTask(ctx, taskID, 0)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if !a2a.CanTransition(task.Status.State, state) {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.Status.State, state)
	}

	if msg != nil {
		if msg.MessageID == "" {
			msg.MessageID = uuid.New().String()
		}
		msg.TaskID = task.ID
		msg.ContextID = task.ContextID
		msg.Role = a2a.RoleAgent
		task.History = append(task.History, msg)
	}

	task.Status = a2a.TaskStatus{
		State:     state,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	}

	if err := m.repo.UpdateTask(ctx, task); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	event := a2a.StreamEvent{StatusUpdate: &a2a.TaskStatusUpdateEvent{
		Kind:      "status-update",
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Status:    task.Status,
		Final:     state.Terminal(),
	}}
	m.emit(ctx, task.ID, event)

	if state.Terminal() {
		m.closeSubscribers(task.ID)
	}
	return task, nil
}

// AddArtifact records an artifact chunk. With append set the parts are
// merged into the existing artifact of the same id; otherwise the
// artifact is added (or replaced) whole.
func (m *Manager) AddArtifact(ctx context.Context, taskID string, artifact *a2a.Artifact, appendChunk, lastChunk bool) (*a2a.Task, error) {
	m.mu.Lock()

	task, err := m.GetTask(ctx, taskID, 0)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	if artifact.ArtifactID == "" {
		artifact.ArtifactID = uuid.New().String()
	}

	merged := false
	for i, existing := range task.Artifacts {
		if existing.ArtifactID != artifact.ArtifactID {
			continue
		}
		if appendChunk {
			existing.Parts = append(existing.Parts, artifact.Parts...)
		} else {
			task.Artifacts[i] = artifact
		}
		merged = true
		break
	}
	if !merged {
		task.Artifacts = append(task.Artifacts, artifact)
	}

	if err := m.repo.UpdateTask(ctx, task); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Unlock()

	m.emit(ctx, task.ID, a2a.StreamEvent{ArtifactUpdate: &a2a.TaskArtifactUpdateEvent{
		Kind:      "artifact-update",
		TaskID:    task.ID,
		ContextID: task.ContextID,
		Artifact:  artifact,
		Append:    appendChunk,
		LastChunk: lastChunk,
	}})
	return task, nil
}

// CancelTask moves a task to canceled. Terminal tasks cannot be canceled.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	task, err := m.GetTask(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	if task.Status.State.Terminal() {
		return nil, a2a.ErrTaskNotCancelable(taskID, task.Status.State)
	}
	return m.UpdateStatus(ctx, taskID, a2a.TaskStateCanceled, nil)
}

// ----------------------------------------------------------------------------
// Subscriptions
// ----------------------------------------------------------------------------

// Subscribe attaches a channel to a task's event stream. The returned
// cancel func detaches it; the channel closes when the task terminates.
// Subscribing to a terminal task yields an already-closed channel.
func (m *Manager) Subscribe(ctx context.Context, taskID string) (<-chan a2a.StreamEvent, func(), error) {
	task, err := m.GetTask(ctx, taskID, 0)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan a2a.StreamEvent, subscriberBuffer)
	if task.Status.State.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}

	m.mu.Lock()
	m.subscribers[taskID] = append(m.subscribers[taskID], ch)
	m.mu.Unlock()

	return ch, func() { m.detach(taskID, ch) }, nil
}

// notifySubscribers delivers without blocking. A subscriber whose buffer
// is full is detached and its channel closed: the consumer observes a
// truncated stream and can resubscribe, instead of silently missing
// chunks or the final event.
func (m *Manager) notifySubscribers(taskID string, event a2a.StreamEvent) {
	m.mu.Lock()
	subs := make([]chan a2a.StreamEvent, len(m.subscribers[taskID]))
	copy(subs, m.subscribers[taskID])
	m.mu.Unlock()

	var stalled []chan a2a.StreamEvent
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			stalled = append(stalled, ch)
		}
	}
	for _, ch := range stalled {
		m.detach(taskID, ch)
		slog.Warn("disconnected slow task subscriber", "task_id", taskID)
	}
}

// detach removes one subscriber channel and closes it. Already-removed
// channels (a racing cancel) are left alone so nothing closes twice.
func (m *Manager) detach(taskID string, ch chan a2a.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[taskID]
	for i, sub := range subs {
		if sub == ch {
			m.subscribers[taskID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

func (m *Manager) closeSubscribers(taskID string) {
	m.mu.Lock()
	subs := m.subscribers[taskID]
	delete(m.subscribers, taskID)
	m.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}

// ----------------------------------------------------------------------------
// Push notification configs
// ----------------------------------------------------------------------------

// SetPushConfig stores a callback config for a task, assigning an id when
// the client omitted one.
func (m *Manager) SetPushConfig(ctx context.Context, taskID string, cfg *a2a.PushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	if _, err := m.GetTask(ctx, taskID, 0); err != nil {
		return nil, err
	}
	if cfg.URL == "" {
		return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "push notification url is required")
	}
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if err := m.repo.SetPushConfig(ctx, taskID, cfg); err != nil {
		return nil, err
	}
	return &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg}, nil
}

func (m *Manager) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.TaskPushNotificationConfig, error) {
	if _, err := m.GetTask(ctx, taskID, 0); err != nil {
		return nil, err
	}

	// Unqualified get returns the sole config when exactly one exists.
	if configID == "" {
		configs, err := m.repo.ListPushConfigs(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if len(configs) != 1 {
			return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "pushNotificationConfigId is required when multiple configs exist")
		}
		return &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: configs[0]}, nil
	}

	cfg, err := m.repo.GetPushConfig(ctx, taskID, configID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "push notification config %q not found", configID)
		}
		return nil, err
	}
	return &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg}, nil
}

func (m *Manager) ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.TaskPushNotificationConfig, error) {
	if _, err := m.GetTask(ctx, taskID, 0); err != nil {
		return nil, err
	}
	configs, err := m.repo.ListPushConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*a2a.TaskPushNotificationConfig, len(configs))
	for i, cfg := range configs {
		out[i] = &a2a.TaskPushNotificationConfig{TaskID: taskID, PushNotificationConfig: cfg}
	}
	return out, nil
}

func (m *Manager) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	if _, err := m.GetTask(ctx, taskID, 0); err != nil {
		return err
	}
	if err := m.repo.DeletePushConfig(ctx, taskID, configID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return a2a.NewError(a2a.ErrCodeInvalidParams, "push notification config %q not found", configID)
		}
		return err
	}
	return nil
}

// PushConfigs exposes the raw configs for the push notifier.
func (m *Manager) PushConfigs(ctx context.Context, taskID string) ([]*a2a.PushNotificationConfig, error) {
	return m.repo.ListPushConfigs(ctx, taskID)
}
