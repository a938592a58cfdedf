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

// Package repository persists broker state: tasks, push notification
// configs, device records, scan watermarks and discovered agent cards.
// Backends: SQL (sqlite, postgres, mysql) and in-memory.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kadirpekel/devmesh/pkg/a2a"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateOrigin is returned when a task with the same
// (device, sequence) origin already exists.
var ErrDuplicateOrigin = errors.New("duplicate origin")

// DeviceRecord is the persisted projection of a registered device.
type DeviceRecord struct {
	ID              string
	Name            string
	Status          string
	LastHeartbeat   time.Time
	EntriesReceived int64
	BytesReceived   int64
	UpdatedAt       time.Time
}

// AgentCardRecord caches a discovered external agent card.
type AgentCardRecord struct {
	Name      string
	URL       string
	Card      *a2a.AgentCard
	FetchedAt time.Time
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ContextID string
	State     a2a.TaskState
	Limit     int
}

// TaskStore persists tasks. Origin identifies the device stream entry a
// task was created from; SaveTask with a non-empty origin fails with
// ErrDuplicateOrigin when that origin was already consumed.
type TaskStore interface {
	SaveTask(ctx context.Context, task *a2a.Task, originDevice string, originSeq string) error
	UpdateTask(ctx context.Context, task *a2a.Task) error
	GetTask(ctx context.Context, taskID string) (*a2a.Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*a2a.Task, error)
}

// PushConfigStore persists per-task push notification configs.
type PushConfigStore interface {
	SetPushConfig(ctx context.Context, taskID string, cfg *a2a.PushNotificationConfig) error
	GetPushConfig(ctx context.Context, taskID, configID string) (*a2a.PushNotificationConfig, error)
	ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.PushNotificationConfig, error)
	DeletePushConfig(ctx context.Context, taskID, configID string) error
}

// DeviceStore persists device records and counters.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, rec *DeviceRecord) error
	GetDevice(ctx context.Context, deviceID string) (*DeviceRecord, error)
	ListDevices(ctx context.Context) ([]*DeviceRecord, error)
}

// WatermarkStore persists per-device scan high-water marks.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, deviceID string) (string, error)
	SetWatermark(ctx context.Context, deviceID, mark string) error
}

// AgentCardStore caches external agent cards across restarts.
type AgentCardStore interface {
	SaveAgentCard(ctx context.Context, rec *AgentCardRecord) error
	GetAgentCard(ctx context.Context, name string) (*AgentCardRecord, error)
}

// Repository is the combined persistence port.
type Repository interface {
	TaskStore
	PushConfigStore
	DeviceStore
	WatermarkStore
	AgentCardStore
	Close() error
}
