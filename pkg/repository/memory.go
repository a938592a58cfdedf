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

package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/devmesh/pkg/a2a"
)

// MemoryRepository implements Repository in process memory. Used in tests
// and ephemeral single-node runs.
type MemoryRepository struct {
	mu         sync.RWMutex
	tasks      map[string]string // id -> task JSON
	taskOrder  []string
	origins    map[string]string            // "device\x00seq" -> task id
	pushCfgs   map[string]map[string]string // taskID -> configID -> JSON
	devices    map[string]DeviceRecord
	watermarks map[string]string
	cards      map[string]AgentCardRecord
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		tasks:      make(map[string]string),
		origins:    make(map[string]string),
		pushCfgs:   make(map[string]map[string]string),
		devices:    make(map[string]DeviceRecord),
		watermarks: make(map[string]string),
		cards:      make(map[string]AgentCardRecord),
	}
}

func originKey(device, seq string) string {
	return device + "\x00" + seq
}

// Tasks are stored as JSON so callers never share mutable state with the
// repository, matching the SQL backend's semantics.

func (r *MemoryRepository) SaveTask(ctx context.Context, task *a2a.Task, originDevice, originSeq string) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if originDevice != "" || originSeq != "" {
		key := originKey(originDevice, originSeq)
		if _, exists := r.origins[key]; exists {
			return ErrDuplicateOrigin
		}
		r.origins[key] = task.ID
	}
	if _, exists := r.tasks[task.ID]; exists {
		return ErrDuplicateOrigin
	}
	r.tasks[task.ID] = string(raw)
	r.taskOrder = append(r.taskOrder, task.ID)
	return nil
}

func (r *MemoryRepository) UpdateTask(ctx context.Context, task *a2a.Task) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tasks[task.ID]; !exists {
		return ErrNotFound
	}
	r.tasks[task.ID] = string(raw)
	return nil
}

func (r *MemoryRepository) GetTask(ctx context.Context, taskID string) (*a2a.Task, error) {
	r.mu.RLock()
	raw, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var task a2a.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *MemoryRepository) ListTasks(ctx context.Context, filter TaskFilter) ([]*a2a.Task, error) {
	r.mu.RLock()
	ids := make([]string, len(r.taskOrder))
	copy(ids, r.taskOrder)
	raws := make(map[string]string, len(r.tasks))
	for id, raw := range r.tasks {
		raws[id] = raw
	}
	r.mu.RUnlock()

	// Newest first, mirroring the SQL backend's updated_at ordering.
	var tasks []*a2a.Task
	for i := len(ids) - 1; i >= 0; i-- {
		var task a2a.Task
		if err := json.Unmarshal([]byte(raws[ids[i]]), &task); err != nil {
			return nil, err
		}
		if filter.ContextID != "" && task.ContextID != filter.ContextID {
			continue
		}
		if filter.State != "" && task.Status.State != filter.State {
			continue
		}
		tasks = append(tasks, &task)
		if filter.Limit > 0 && len(tasks) >= filter.Limit {
			break
		}
	}
	return tasks, nil
}

func (r *MemoryRepository) SetPushConfig(ctx context.Context, taskID string, cfg *a2a.PushNotificationConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pushCfgs[taskID] == nil {
		r.pushCfgs[taskID] = make(map[string]string)
	}
	r.pushCfgs[taskID][cfg.ID] = string(raw)
	return nil
}

func (r *MemoryRepository) GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error) {
	r.mu.RLock()
	raw, ok := r.pushCfgs[taskID][configID]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	var cfg a2a.PushNotificationConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *MemoryRepository) ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.PushNotificationConfig, error) {
	r.mu.RLock()
	raws := make([]string, 0, len(r.pushCfgs[taskID]))
	ids := make([]string, 0, len(r.pushCfgs[taskID]))
	for id := range r.pushCfgs[taskID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		raws = append(raws, r.pushCfgs[taskID][id])
	}
	r.mu.RUnlock()

	var configs []*a2a.PushNotificationConfig
	for _, raw := range raws {
		var cfg a2a.PushNotificationConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, err
		}
		configs = append(configs, &cfg)
	}
	return configs, nil
}

func (r *MemoryRepository) DeletePushConfig(ctx context.Context, taskID, configID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pushCfgs[taskID][configID]; !ok {
		return ErrNotFound
	}
	delete(r.pushCfgs[taskID], configID)
	return nil
}

func (r *MemoryRepository) UpsertDevice(ctx context.Context, rec *DeviceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *rec
	stored.UpdatedAt = time.Now().UTC()
	r.devices[rec.ID] = stored
	return nil
}

func (r *MemoryRepository) GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (r *MemoryRepository) ListDevices(ctx context.Context) ([]*DeviceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	recs := make([]*DeviceRecord, 0, len(ids))
	for _, id := range ids {
		rec := r.devices[id]
		recs = append(recs, &rec)
	}
	return recs, nil
}

func (r *MemoryRepository) GetWatermark(ctx context.Context, deviceID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermarks[deviceID], nil
}

func (r *MemoryRepository) SetWatermark(ctx context.Context, deviceID, mark string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermarks[deviceID] = mark
	return nil
}

func (r *MemoryRepository) SaveAgentCard(ctx context.Context, rec *AgentCardRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards[rec.Name] = *rec
	return nil
}

func (r *MemoryRepository) GetAgentCard(ctx context.Context, name string) (*AgentCardRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.cards[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := rec
	return &out, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}
