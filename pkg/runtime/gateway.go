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
	"time"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/registry"
	"github.com/kadirpekel/devmesh/pkg/repository"
	"github.com/kadirpekel/devmesh/pkg/stream"
	"github.com/kadirpekel/devmesh/pkg/task"
	"github.com/kadirpekel/devmesh/pkg/workerpool"
)

// IngestData appends a device payload to its stream. Arriving data is
// proof of life, so it doubles as a heartbeat.
func (rt *Runtime) IngestData(ctx context.Context, deviceID, contentType string, payload []byte) (*stream.Entry, error) {
	if _, ok := rt.devices.Snapshot(deviceID); !ok {
		return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "unknown device: %s", deviceID)
	}

	entry, err := rt.stream.Append(ctx, deviceID, contentType, payload)
	if err != nil {
		return nil, err
	}

	rt.devices.RecordTraffic(deviceID, 1, int64(len(payload)))
	_ = rt.devices.Heartbeat(deviceID)
	rt.persistDeviceRecord(ctx, deviceID)
	return entry, nil
}

func (rt *Runtime) Heartbeat(deviceID string) error {
	if err := rt.devices.Heartbeat(deviceID); err != nil {
		return err
	}
	rt.persistDeviceRecord(context.Background(), deviceID)
	return nil
}

func (rt *Runtime) Devices() []registry.DeviceSnapshot {
	return rt.devices.Snapshots()
}

// RemoveDevice deregisters a device. A tombstone record persists so the
// removal survives restarts, and every task mid-flight against the
// device is released and failed: its sole execution path is gone.
func (rt *Runtime) RemoveDevice(ctx context.Context, deviceID string) error {
	snap, ok := rt.devices.Snapshot(deviceID)
	if !ok {
		return a2a.NewError(a2a.ErrCodeInvalidParams, "unknown device: %s", deviceID)
	}
	if err := rt.devices.Remove(deviceID); err != nil {
		return err
	}

	err := rt.repo.UpsertDevice(ctx, &repository.DeviceRecord{
		ID:              snap.ID,
		Name:            snap.Name,
		Status:          "removed",
		LastHeartbeat:   snap.LastHeartbeat,
		EntriesReceived: snap.EntriesReceived,
		BytesReceived:   snap.BytesReceived,
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		rt.logger.Warn("device tombstone persist failed", "device", deviceID, "error", err)
	}

	for _, taskID := range rt.tasksOnDevice(deviceID) {
		rt.cancelExecution(taskID)
		rt.fail(ctx, taskID, "DeviceGone: device %s was removed", deviceID)
	}

	rt.logger.Info("device removed", "device", deviceID)
	return nil
}

func (rt *Runtime) ReadStream(ctx context.Context, deviceID, after string, limit int) ([]*stream.Entry, error) {
	return rt.stream.ReadFrom(ctx, deviceID, after, limit)
}

func (rt *Runtime) OpenBlob(deviceID, digest string) ([]byte, error) {
	return rt.stream.OpenBlob(deviceID, digest)
}

// persistDeviceRecord mirrors the registry state into the repository so
// device counters survive restarts. Failures only log; the registry is
// authoritative while the process lives.
func (rt *Runtime) persistDeviceRecord(ctx context.Context, deviceID string) {
	snap, ok := rt.devices.Snapshot(deviceID)
	if !ok {
		return
	}
	err := rt.repo.UpsertDevice(ctx, &repository.DeviceRecord{
		ID:              snap.ID,
		Name:            snap.Name,
		Status:          string(snap.Liveness),
		LastHeartbeat:   snap.LastHeartbeat,
		EntriesReceived: snap.EntriesReceived,
		BytesReceived:   snap.BytesReceived,
		UpdatedAt:       time.Now().UTC(),
	})
	if err != nil {
		rt.logger.Warn("device record persist failed", "device", deviceID, "error", err)
	}
}

// handleStreamEntry is the scanner callback: one stream entry becomes at
// most one task, keyed by its origin. A replayed entry dedups against
// the stored origin and is dropped silently.
func (rt *Runtime) handleStreamEntry(ctx context.Context, entry *stream.Entry) error {
	msg := a2a.NewUserMessage(describeEntry(entry))
	t, err := rt.tasks.CreateTask(ctx, "", msg, entry.DeviceID, entry.Seq)
	if errors.Is(err, task.ErrDuplicateOrigin) {
		return nil
	}
	if err != nil {
		return err
	}

	err = rt.pool.Submit(ctx, func(jobCtx context.Context) {
		rt.runJob(jobCtx, t.ID)
	})
	if errors.Is(err, workerpool.ErrOverloaded) || errors.Is(err, workerpool.ErrStopped) {
		// The origin is already consumed, so the entry won't come back.
		// Settle the task instead of leaving it dangling as submitted.
		rt.fail(ctx, t.ID, "Overloaded: entry %s/%s dropped", entry.DeviceID, entry.Seq)
		return nil
	}
	return err
}

// describeEntry renders a stream entry as the task's opening message.
func describeEntry(e *stream.Entry) string {
	if e.BlobDigest != "" {
		return fmt.Sprintf("Device %s reported a %d-byte payload (%s), stored as blob %s.",
			e.DeviceID, e.Size, e.ContentType, e.BlobDigest)
	}
	return fmt.Sprintf("Device %s reported: %s", e.DeviceID, string(e.Data))
}
