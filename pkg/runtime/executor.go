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
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/devices"
	"github.com/kadirpekel/devmesh/pkg/llms"
	"github.com/kadirpekel/devmesh/pkg/observability"
	"github.com/kadirpekel/devmesh/pkg/router"
	"github.com/kadirpekel/devmesh/pkg/task"
)

const localSystemPrompt = `You are devmesh, a broker that connects user requests ` +
	`to devices and partner agents. Answer the user's message directly and briefly.`

// runJob wraps one task execution in its cancellation scope: tasks/cancel
// and device removal signal the context, and the configured deadline
// converts into a Timeout failure.
func (rt *Runtime) runJob(ctx context.Context, taskID string) {
	ctx, cancel := context.WithTimeout(ctx, rt.jobTimeout)
	rt.execMu.Lock()
	rt.execCancels[taskID] = cancel
	rt.execMu.Unlock()
	defer func() {
		rt.execMu.Lock()
		delete(rt.execCancels, taskID)
		rt.execMu.Unlock()
		cancel()
	}()

	rt.execute(ctx, taskID)

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		rt.failTimeout(taskID)
	}
}

// cancelExecution signals the running job for a task, if any. The state
// transition happens separately; this releases the worker.
func (rt *Runtime) cancelExecution(taskID string) {
	rt.execMu.Lock()
	cancel := rt.execCancels[taskID]
	rt.execMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// failTimeout settles a task whose deadline elapsed without it reaching
// a terminal state on its own.
func (rt *Runtime) failTimeout(taskID string) {
	t, err := rt.tasks.GetTask(context.Background(), taskID, 0)
	if err != nil || t.Status.State.Terminal() {
		return
	}
	rt.fail(context.Background(), taskID, "Timeout: task exceeded its %s deadline", rt.jobTimeout)
}

// trackDeviceCall records which task is mid-flight against which device,
// so removing a device can fail and release its tasks.
func (rt *Runtime) trackDeviceCall(deviceID, taskID string) func() {
	rt.execMu.Lock()
	if rt.deviceTasks[deviceID] == nil {
		rt.deviceTasks[deviceID] = make(map[string]struct{})
	}
	rt.deviceTasks[deviceID][taskID] = struct{}{}
	rt.execMu.Unlock()
	return func() {
		rt.execMu.Lock()
		delete(rt.deviceTasks[deviceID], taskID)
		rt.execMu.Unlock()
	}
}

func (rt *Runtime) tasksOnDevice(deviceID string) []string {
	rt.execMu.Lock()
	defer rt.execMu.Unlock()
	ids := make([]string, 0, len(rt.deviceTasks[deviceID]))
	for id := range rt.deviceTasks[deviceID] {
		ids = append(ids, id)
	}
	return ids
}

// execute runs the routing pipeline for one task on a worker goroutine.
// Every exit path leaves the task in a well-defined state.
func (rt *Runtime) execute(ctx context.Context, taskID string) {
	ctx, span := observability.GetTracer("devmesh/runtime").Start(ctx, "task.execute",
		trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	t, err := rt.tasks.GetTask(ctx, taskID, 0)
	if err != nil {
		rt.logger.Error("execute: task lookup failed", "task", taskID, "error", err)
		return
	}
	if t.Status.State.Terminal() {
		return
	}

	if _, err := rt.tasks.UpdateStatus(ctx, taskID, a2a.TaskStateWorking, nil); err != nil {
		rt.logger.Error("execute: transition to working failed", "task", taskID, "error", err)
		return
	}

	text := lastUserText(t)
	decision := rt.router.Route(ctx, text)
	span.SetAttributes(
		attribute.String("route.kind", string(decision.Kind)),
		attribute.String("route.device", decision.DeviceID),
		attribute.String("route.agent", decision.AgentName),
	)
	rt.logger.Info("routed message",
		"task", taskID, "kind", decision.Kind,
		"device", decision.DeviceID, "agent", decision.AgentName,
		"confidence", decision.Confidence)

	switch decision.Kind {
	case router.KindDevice:
		rt.runDevice(ctx, t, decision, text)
	case router.KindDelegate:
		rt.runDelegate(ctx, t, decision, text)
	case router.KindInputRequired:
		prompt := decision.Reasoning
		if prompt == "" {
			prompt = "Could you say more about what you need?"
		}
		rt.transition(ctx, taskID, a2a.TaskStateInputRequired, prompt)
	case router.KindReject:
		reason := decision.Reasoning
		if reason == "" {
			reason = "no connected capability can serve this request"
		}
		rt.transition(ctx, taskID, a2a.TaskStateRejected, reason)
	default:
		rt.runLocal(ctx, t, text)
	}
}

// runDevice invokes the chosen tool, attaches the raw result as an
// artifact and completes with a phrased summary.
func (rt *Runtime) runDevice(ctx context.Context, t *a2a.Task, d router.Decision, text string) {
	source, ok := rt.devices.Source(d.DeviceID)
	if !ok {
		rt.fail(ctx, t.ID, "device %s has no tool channel", d.DeviceID)
		return
	}

	tool := d.Tool
	if tool == "" {
		tools, err := source.ListTools(ctx)
		if err != nil || len(tools) == 0 {
			rt.fail(ctx, t.ID, "device %s offers no tools", d.DeviceID)
			return
		}
		tool = tools[0].Name
	}

	callCtx, span := observability.GetTracer("devmesh/runtime").Start(ctx, "device.call",
		trace.WithAttributes(
			attribute.String("device.id", d.DeviceID),
			attribute.String("tool.name", tool)))
	start := time.Now()
	untrack := rt.trackDeviceCall(d.DeviceID, t.ID)
	result, err := source.CallTool(callCtx, tool, d.Parameters)
	untrack()
	span.End()
	rt.recordDeviceCall(d.DeviceID, start, err)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceGone) {
			rt.fail(ctx, t.ID, "DeviceGone: device %s is unreachable", d.DeviceID)
		} else {
			rt.fail(ctx, t.ID, "tool %s on device %s failed: %v", tool, d.DeviceID, err)
		}
		return
	}
	// A completed round trip counts as a heartbeat.
	_ = rt.devices.Heartbeat(d.DeviceID)

	artifact := &a2a.Artifact{
		ArtifactID: uuid.New().String(),
		Name:       tool,
		Parts:      toolResultParts(tool, result),
		Metadata:   map[string]interface{}{"deviceId": d.DeviceID},
	}
	if _, err := rt.tasks.AddArtifact(context.WithoutCancel(ctx), t.ID, artifact, false, true); err != nil {
		rt.logger.Error("artifact attach failed", "task", t.ID, "error", err)
	}

	if result.IsError {
		rt.fail(ctx, t.ID, "device %s reported an error: %s", d.DeviceID, result.Text)
		return
	}
	rt.transition(ctx, t.ID, a2a.TaskStateCompleted, rt.phrase(ctx, text, result.Text))
}

// toolResultParts renders a tool result as artifact parts: the textual
// content first, then one file part per binary item (a camera capture, an
// audio clip), inline bytes or by reference.
func toolResultParts(tool string, result *devices.ToolResult) []a2a.Part {
	parts := make([]a2a.Part, 0, 1+len(result.Files))
	if result.Text != "" || len(result.Files) == 0 {
		parts = append(parts, a2a.TextPart(result.Text))
	}
	for i, f := range result.Files {
		name := f.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", tool, i+1)
		}
		if f.URI != "" {
			parts = append(parts, a2a.Part{
				Kind: a2a.PartKindFile,
				File: &a2a.FilePart{Name: name, MimeType: f.MimeType, URI: f.URI},
			})
			continue
		}
		parts = append(parts, a2a.BytesFilePart(name, f.MimeType, f.Data))
	}
	return parts
}

// runDelegate forwards the message to an external agent, waits for its
// task to settle and mirrors the outcome.
func (rt *Runtime) runDelegate(ctx context.Context, t *a2a.Task, d router.Decision, text string) {
	url, err := rt.agents.URL(d.AgentName)
	if err != nil {
		rt.fail(ctx, t.ID, "agent %s is not configured", d.AgentName)
		return
	}

	remote, msg, err := rt.client.SendMessage(ctx, url, &a2a.MessageSendParams{
		Message: a2a.NewUserMessage(text),
	})
	if err != nil {
		rt.fail(ctx, t.ID, "delegation to agent %s failed: %v", d.AgentName, err)
		return
	}

	// Some agents answer with a bare message instead of a task.
	if remote == nil {
		if msg == nil {
			rt.fail(ctx, t.ID, "agent %s returned no result", d.AgentName)
			return
		}
		rt.transition(ctx, t.ID, a2a.TaskStateCompleted, msg.Text())
		return
	}

	if !remote.Status.State.Terminal() {
		remote, err = rt.client.WaitForTask(ctx, url, remote.ID, time.Second)
		if err != nil {
			rt.fail(ctx, t.ID, "waiting on agent %s failed: %v", d.AgentName, err)
			return
		}
	}

	for _, artifact := range remote.Artifacts {
		if _, err := rt.tasks.AddArtifact(ctx, t.ID, artifact, false, true); err != nil {
			rt.logger.Error("remote artifact attach failed", "task", t.ID, "error", err)
		}
	}

	switch remote.Status.State {
	case a2a.TaskStateCompleted:
		reply := remote.Status.Message.Text()
		if reply == "" {
			reply = fmt.Sprintf("Agent %s completed the request.", d.AgentName)
		}
		rt.transition(ctx, t.ID, a2a.TaskStateCompleted, reply)
	case a2a.TaskStateRejected:
		rt.transition(ctx, t.ID, a2a.TaskStateRejected,
			fmt.Sprintf("agent %s rejected the request", d.AgentName))
	default:
		rt.fail(ctx, t.ID, "agent %s ended in state %s", d.AgentName, remote.Status.State)
	}
}

// runLocal answers without dispatching. With a model configured the
// reply is generated; otherwise a capability summary stands in.
func (rt *Runtime) runLocal(ctx context.Context, t *a2a.Task, text string) {
	var reply string
	if rt.provider != nil {
		out, _, err := rt.provider.Generate(ctx, []llms.Message{
			{Role: "system", Content: localSystemPrompt},
			{Role: "user", Content: text},
		})
		if err != nil {
			if ctx.Err() != nil {
				rt.fail(ctx, t.ID, "local reply generation aborted")
				return
			}
			rt.logger.Warn("local generation failed", "task", t.ID, "error", err)
		} else {
			reply = strings.TrimSpace(out)
		}
	}
	if reply == "" {
		reply = rt.capabilitySummary()
	}
	rt.transition(ctx, t.ID, a2a.TaskStateCompleted, reply)
}

func (rt *Runtime) capabilitySummary() string {
	var sb strings.Builder
	sb.WriteString("I route requests to connected devices and partner agents.")
	if snaps := rt.devices.Snapshots(); len(snaps) > 0 {
		names := make([]string, 0, len(snaps))
		for _, snap := range snaps {
			names = append(names, snap.ID)
		}
		fmt.Fprintf(&sb, " Connected devices: %s.", strings.Join(names, ", "))
	}
	return sb.String()
}

// phrase turns a raw tool result into a user-facing reply. Falls back to
// the raw text when no model is available or generation fails.
func (rt *Runtime) phrase(ctx context.Context, request, result string) string {
	if rt.provider == nil || result == "" {
		return result
	}
	out, _, err := rt.provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: "Summarize the device output as a direct answer to the user's request. Be brief and factual."},
		{Role: "user", Content: fmt.Sprintf("Request: %s\n\nDevice output:\n%s", request, result)},
	})
	if err != nil || strings.TrimSpace(out) == "" {
		return result
	}
	return strings.TrimSpace(out)
}

// transition applies a state change. The write runs outside the job
// context so terminal states land even after cancellation or timeout; a
// task already settled by a concurrent cancel is not an error.
func (rt *Runtime) transition(ctx context.Context, taskID string, state a2a.TaskState, text string) {
	var msg *a2a.Message
	if text != "" {
		msg = a2a.NewAgentMessage(text)
	}
	if _, err := rt.tasks.UpdateStatus(context.WithoutCancel(ctx), taskID, state, msg); err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			rt.logger.Debug("status update skipped, task already settled",
				"task", taskID, "state", state, "error", err)
			return
		}
		rt.logger.Error("status update failed", "task", taskID, "state", state, "error", err)
	}
}

func (rt *Runtime) fail(ctx context.Context, taskID, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = "Timeout: task deadline elapsed: " + msg
	}
	rt.transition(ctx, taskID, a2a.TaskStateFailed, msg)
}

func (rt *Runtime) recordDeviceCall(deviceID string, start time.Time, err error) {
	if rt.metrics == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	rt.metrics.DeviceCalls.WithLabelValues(deviceID, outcome).Inc()
	rt.metrics.DeviceCallTime.WithLabelValues(deviceID).Observe(time.Since(start).Seconds())
}

// lastUserText is the routing input: the most recent user turn that
// carries text.
func lastUserText(t *a2a.Task) string {
	for i := len(t.History) - 1; i >= 0; i-- {
		if t.History[i].Role != a2a.RoleUser {
			continue
		}
		if text := strings.TrimSpace(t.History[i].Text()); text != "" {
			return text
		}
	}
	return ""
}
