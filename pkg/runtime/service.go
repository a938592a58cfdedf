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

package runtime

import (
	"context"
	"errors"
	"strings"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/repository"
	"github.com/kadirpekel/devmesh/pkg/workerpool"
)

const streamBuffer = 32

// SendMessage accepts the message, runs the routing pipeline on the
// worker pool and blocks until the task settles or the caller gives up.
func (rt *Runtime) SendMessage(ctx context.Context, params *a2a.MessageSendParams) (a2a.StreamEvent, error) {
	t, needsExec, err := rt.acceptMessage(ctx, params)
	if err != nil {
		return a2a.StreamEvent{}, err
	}

	historyLength := 0
	if params.Configuration != nil {
		historyLength = params.Configuration.HistoryLength
	}

	if needsExec {
		done := make(chan struct{})
		err = rt.pool.Submit(ctx, func(jobCtx context.Context) {
			defer close(done)
			rt.runJob(jobCtx, t.ID)
		})
		if err != nil {
			return a2a.StreamEvent{}, rt.submitError(ctx, t.ID, err)
		}

		select {
		case <-done:
		case <-ctx.Done():
			return a2a.StreamEvent{}, ctx.Err()
		}
	}

	final, err := rt.tasks.GetTask(ctx, t.ID, historyLength)
	if err != nil {
		return a2a.StreamEvent{}, err
	}
	return a2a.StreamEvent{Task: final}, nil
}

// StreamMessage accepts the message and streams the task's events. The
// first event is the task snapshot; the stream ends on a final event.
func (rt *Runtime) StreamMessage(ctx context.Context, params *a2a.MessageSendParams) (<-chan a2a.StreamEvent, error) {
	t, needsExec, err := rt.acceptMessage(ctx, params)
	if err != nil {
		return nil, err
	}

	events, cancel, err := rt.tasks.Subscribe(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	if needsExec {
		err = rt.pool.Submit(ctx, func(jobCtx context.Context) {
			rt.runJob(jobCtx, t.ID)
		})
		if err != nil {
			cancel()
			return nil, rt.submitError(ctx, t.ID, err)
		}
	}

	return rt.forwardEvents(ctx, t, events, cancel), nil
}

// Resubscribe reattaches to a task's stream. The current snapshot comes
// first; a terminal task yields only the snapshot.
func (rt *Runtime) Resubscribe(ctx context.Context, taskID string) (<-chan a2a.StreamEvent, error) {
	t, err := rt.tasks.GetTask(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}
	events, cancel, err := rt.tasks.Subscribe(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return rt.forwardEvents(ctx, t, events, cancel), nil
}

func (rt *Runtime) forwardEvents(ctx context.Context, t *a2a.Task, events <-chan a2a.StreamEvent, cancel func()) <-chan a2a.StreamEvent {
	out := make(chan a2a.StreamEvent, streamBuffer)
	out <- a2a.StreamEvent{Task: t}

	go func() {
		defer close(out)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case event, open := <-events:
				if !open {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Final() {
					return
				}
			}
		}
	}()
	return out
}

// acceptMessage creates a task for a fresh message or records a
// continuation turn. Only terminal tasks refuse input; a message landing
// on a task already queued or working is absorbed into history without a
// second execution, while input-required and auth-required resume.
func (rt *Runtime) acceptMessage(ctx context.Context, params *a2a.MessageSendParams) (*a2a.Task, bool, error) {
	msg := params.Message
	if err := rt.checkContentTypes(params); err != nil {
		return nil, false, err
	}
	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil && !rt.pushEnabled {
		return nil, false, a2a.NewError(a2a.ErrCodePushNotSupported, "push notifications are disabled")
	}

	var t *a2a.Task
	var err error
	needsExec := true
	if msg.TaskID != "" {
		t, err = rt.tasks.GetTask(ctx, msg.TaskID, 0)
		if err != nil {
			return nil, false, err
		}
		if t.Status.State.Terminal() {
			return nil, false, a2a.NewError(a2a.ErrCodeInvalidParams,
				"task %s is %s and no longer accepts input", t.ID, t.Status.State)
		}
		needsExec = t.Status.State == a2a.TaskStateInputRequired ||
			t.Status.State == a2a.TaskStateAuthRequired
		if t, err = rt.tasks.AddMessage(ctx, t.ID, msg); err != nil {
			return nil, false, err
		}
	} else {
		t, err = rt.tasks.CreateTask(ctx, msg.ContextID, msg, "", "")
		if err != nil {
			return nil, false, err
		}
	}

	if params.Configuration != nil && params.Configuration.PushNotificationConfig != nil {
		if _, err := rt.tasks.SetPushConfig(ctx, t.ID, params.Configuration.PushNotificationConfig); err != nil {
			return nil, false, err
		}
	}
	return t, needsExec, nil
}

// checkContentTypes rejects inbound media the broker cannot process and
// output-mode requests the card does not offer.
func (rt *Runtime) checkContentTypes(params *a2a.MessageSendParams) error {
	for _, part := range params.Message.Parts {
		if part.Kind != a2a.PartKindFile || part.File == nil {
			continue
		}
		if !inputMimeSupported(part.File.MimeType) {
			return a2a.NewError(a2a.ErrCodeContentTypeNotSupported,
				"unsupported input media type %q", part.File.MimeType)
		}
	}

	if params.Configuration == nil || len(params.Configuration.AcceptedOutputModes) == 0 {
		return nil
	}
	offered := rt.manifest.Card().DefaultOutputModes
	for _, mode := range params.Configuration.AcceptedOutputModes {
		for _, out := range offered {
			if mimeMatch(mode, out) {
				return nil
			}
		}
	}
	return a2a.NewError(a2a.ErrCodeContentTypeNotSupported,
		"no accepted output mode among %v is offered", params.Configuration.AcceptedOutputModes)
}

// inputMimeSupported reports whether the broker can route an inbound
// file part. Routing is text-driven, so only textual media qualifies.
func inputMimeSupported(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	return mt == "" || mt == "application/json" || strings.HasPrefix(mt, "text/")
}

// mimeMatch compares a requested output mode against an offered type,
// honoring "*/*" and "type/*" wildcards on the request side.
func mimeMatch(requested, offered string) bool {
	requested = strings.ToLower(strings.TrimSpace(requested))
	if requested == "" || requested == "*/*" || requested == offered {
		return true
	}
	if prefix, ok := strings.CutSuffix(requested, "/*"); ok {
		return strings.HasPrefix(offered, prefix+"/")
	}
	return false
}

// submitError converts pool saturation into a client-visible failure and
// parks the task in a terminal state so it doesn't dangle as submitted.
func (rt *Runtime) submitError(ctx context.Context, taskID string, err error) error {
	if errors.Is(err, workerpool.ErrOverloaded) || errors.Is(err, workerpool.ErrStopped) {
		rt.fail(ctx, taskID, "Overloaded: server overloaded, try again later")
		return a2a.NewError(a2a.ErrCodeInternalError, "server overloaded, try again later")
	}
	return err
}

func (rt *Runtime) GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error) {
	return rt.tasks.GetTask(ctx, params.ID, params.HistoryLength)
}

func (rt *Runtime) ListTasks(ctx context.Context, params *a2a.ListTasksParams) ([]*a2a.Task, error) {
	return rt.tasks.ListTasks(ctx, repository.TaskFilter{
		ContextID: params.ContextID,
		State:     params.State,
		Limit:     params.Limit,
	})
}

// CancelTask transitions the task and signals its running job so the
// worker slot frees promptly.
func (rt *Runtime) CancelTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	t, err := rt.tasks.CancelTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	rt.cancelExecution(taskID)
	return t, nil
}

func (rt *Runtime) SetPushConfig(ctx context.Context, params *a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	if err := rt.requirePush(); err != nil {
		return nil, err
	}
	if params.PushNotificationConfig == nil {
		return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "pushNotificationConfig is required")
	}
	return rt.tasks.SetPushConfig(ctx, params.TaskID, params.PushNotificationConfig)
}

func (rt *Runtime) GetPushConfig(ctx context.Context, params *a2a.GetPushConfigParams) (*a2a.TaskPushNotificationConfig, error) {
	if err := rt.requirePush(); err != nil {
		return nil, err
	}
	return rt.tasks.GetPushConfig(ctx, params.TaskID, params.ConfigID)
}

func (rt *Runtime) ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.TaskPushNotificationConfig, error) {
	if err := rt.requirePush(); err != nil {
		return nil, err
	}
	return rt.tasks.ListPushConfigs(ctx, taskID)
}

func (rt *Runtime) DeletePushConfig(ctx context.Context, params *a2a.GetPushConfigParams) error {
	if err := rt.requirePush(); err != nil {
		return err
	}
	return rt.tasks.DeletePushConfig(ctx, params.TaskID, params.ConfigID)
}

func (rt *Runtime) requirePush() error {
	if rt.pushEnabled {
		return nil
	}
	return a2a.NewError(a2a.ErrCodePushNotSupported, "push notifications are disabled")
}

func (rt *Runtime) AgentCard() *a2a.AgentCard {
	return rt.manifest.Card()
}
