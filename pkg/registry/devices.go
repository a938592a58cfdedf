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

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/kadirpekel/devmesh/pkg/devices"
)

// Liveness classifies a device by heartbeat age: online within the
// liveness window, unknown within twice the window, offline after that.
type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessUnknown Liveness = "unknown"
	LivenessOffline Liveness = "offline"
)

func livenessRank(l Liveness) int {
	switch l {
	case LivenessOnline:
		return 0
	case LivenessUnknown:
		return 1
	default:
		return 2
	}
}

// DeviceInfo is the static declaration of a device.
type DeviceInfo struct {
	ID          string
	Name        string
	Description string
	Keywords    []string
	Examples    []string
}

// DeviceSnapshot is a point-in-time read of a device's registry state.
type DeviceSnapshot struct {
	DeviceInfo
	Liveness        Liveness
	LastHeartbeat   time.Time
	Tools           []devices.ToolInfo
	EntriesReceived int64
	BytesReceived   int64
}

type deviceEntry struct {
	info            DeviceInfo
	source          devices.ToolSource
	tools           []devices.ToolInfo
	lastHeartbeat   time.Time
	lastLiveness    Liveness
	entriesReceived int64
	bytesReceived   int64
}

// DeviceRegistry tracks registered devices, their liveness and tool
// catalogs. Changes that affect the advertised capability set fire the
// registered change listeners.
type DeviceRegistry struct {
	mu             sync.RWMutex
	devices        map[string]*deviceEntry
	livenessWindow time.Duration
	checkInterval  time.Duration
	now            func() time.Time

	listenersMu sync.RWMutex
	listeners   []func()
}

// NewDeviceRegistry builds a registry with the given liveness window
// (heartbeat age after which a device turns unknown; twice the window
// turns it offline).
func NewDeviceRegistry(livenessWindow, checkInterval time.Duration) *DeviceRegistry {
	if livenessWindow <= 0 {
		livenessWindow = 90 * time.Second
	}
	if checkInterval <= 0 {
		checkInterval = 15 * time.Second
	}
	return &DeviceRegistry{
		devices:        make(map[string]*deviceEntry),
		livenessWindow: livenessWindow,
		checkInterval:  checkInterval,
		now:            time.Now,
	}
}

// OnChange registers a listener fired whenever the device set, a tool
// catalog or a liveness classification changes.
func (r *DeviceRegistry) OnChange(fn func()) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, fn)
	r.listenersMu.Unlock()
}

func (r *DeviceRegistry) notify() {
	r.listenersMu.RLock()
	listeners := make([]func(), len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}

// Register adds a device. A freshly registered device counts as just
// heartbeated.
func (r *DeviceRegistry) Register(info DeviceInfo, source devices.ToolSource) error {
	if info.ID == "" {
		return fmt.Errorf("device id cannot be empty")
	}

	r.mu.Lock()
	if _, exists := r.devices[info.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("device '%s' already registered", info.ID)
	}
	r.devices[info.ID] = &deviceEntry{
		info:          info,
		source:        source,
		lastHeartbeat: r.now(),
		lastLiveness:  LivenessOnline,
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// Remove drops a device from the registry.
func (r *DeviceRegistry) Remove(deviceID string) error {
	r.mu.Lock()
	if _, exists := r.devices[deviceID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("device '%s' not found", deviceID)
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	r.notify()
	return nil
}

// Heartbeat records device activity. A device resurfacing from unknown or
// offline triggers a change notification.
func (r *DeviceRegistry) Heartbeat(deviceID string) error {
	r.mu.Lock()
	entry, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("device '%s' not found", deviceID)
	}
	entry.lastHeartbeat = r.now()
	changed := entry.lastLiveness != LivenessOnline
	entry.lastLiveness = LivenessOnline
	r.mu.Unlock()

	if changed {
		r.notify()
	}
	return nil
}

// SetTools replaces a device's tool catalog.
func (r *DeviceRegistry) SetTools(deviceID string, tools []devices.ToolInfo) error {
	r.mu.Lock()
	entry, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("device '%s' not found", deviceID)
	}
	entry.tools = tools
	r.mu.Unlock()

	r.notify()
	return nil
}

// RecordTraffic bumps the per-device ingest counters and counts as a
// heartbeat: data arriving proves the device alive.
func (r *DeviceRegistry) RecordTraffic(deviceID string, entries, bytes int64) {
	r.mu.Lock()
	entry, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return
	}
	entry.entriesReceived += entries
	entry.bytesReceived += bytes
	entry.lastHeartbeat = r.now()
	changed := entry.lastLiveness != LivenessOnline
	entry.lastLiveness = LivenessOnline
	r.mu.Unlock()

	if changed {
		r.notify()
	}
}

// RestoreStats seeds a device's persisted counters and last activity
// time when the registry is rebuilt at startup. The registration-time
// heartbeat is replaced by the persisted one so liveness reflects real
// device activity, not process start.
func (r *DeviceRegistry) RestoreStats(deviceID string, lastHeartbeat time.Time, entries, bytes int64) error {
	r.mu.Lock()
	entry, exists := r.devices[deviceID]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("device '%s' not found", deviceID)
	}
	entry.entriesReceived = entries
	entry.bytesReceived = bytes
	if !lastHeartbeat.IsZero() && lastHeartbeat.Before(entry.lastHeartbeat) {
		entry.lastHeartbeat = lastHeartbeat
		entry.lastLiveness = r.livenessOf(lastHeartbeat)
	}
	r.mu.Unlock()

	r.notify()
	return nil
}

// Source returns the tool channel for a device.
func (r *DeviceRegistry) Source(deviceID string) (devices.ToolSource, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.devices[deviceID]
	if !exists || entry.source == nil {
		return nil, false
	}
	return entry.source, true
}

func (r *DeviceRegistry) livenessOf(lastHeartbeat time.Time) Liveness {
	age := r.now().Sub(lastHeartbeat)
	switch {
	case age <= r.livenessWindow:
		return LivenessOnline
	case age <= 2*r.livenessWindow:
		return LivenessUnknown
	default:
		return LivenessOffline
	}
}

func (r *DeviceRegistry) snapshotLocked(entry *deviceEntry) DeviceSnapshot {
	tools := make([]devices.ToolInfo, len(entry.tools))
	copy(tools, entry.tools)
	return DeviceSnapshot{
		DeviceInfo:      entry.info,
		Liveness:        r.livenessOf(entry.lastHeartbeat),
		LastHeartbeat:   entry.lastHeartbeat,
		Tools:           tools,
		EntriesReceived: entry.entriesReceived,
		BytesReceived:   entry.bytesReceived,
	}
}

// Snapshot reads one device.
func (r *DeviceRegistry) Snapshot(deviceID string) (DeviceSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.devices[deviceID]
	if !exists {
		return DeviceSnapshot{}, false
	}
	return r.snapshotLocked(entry), true
}

// Snapshots reads all devices ordered by id.
func (r *DeviceRegistry) Snapshots() []DeviceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceSnapshot, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, r.snapshotLocked(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchByIntent ranks devices whose keywords overlap the text by at least
// minOverlap tokens. Offline devices are never candidates. Ties break by
// liveness (online before unknown), then most recent heartbeat, then id.
func (r *DeviceRegistry) MatchByIntent(text string, minOverlap int) []DeviceSnapshot {
	if minOverlap <= 0 {
		minOverlap = 1
	}
	tokens := tokenize(text)

	type scored struct {
		snap    DeviceSnapshot
		overlap int
	}

	r.mu.RLock()
	var matches []scored
	for _, entry := range r.devices {
		if r.livenessOf(entry.lastHeartbeat) == LivenessOffline {
			continue
		}
		overlap := 0
		for _, kw := range entry.info.Keywords {
			if tokens[kw] {
				overlap++
			}
		}
		if overlap >= minOverlap {
			matches = append(matches, scored{snap: r.snapshotLocked(entry), overlap: overlap})
		}
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.overlap != b.overlap {
			return a.overlap > b.overlap
		}
		ra, rb := livenessRank(a.snap.Liveness), livenessRank(b.snap.Liveness)
		if ra != rb {
			return ra < rb
		}
		if !a.snap.LastHeartbeat.Equal(b.snap.LastHeartbeat) {
			return a.snap.LastHeartbeat.After(b.snap.LastHeartbeat)
		}
		return a.snap.ID < b.snap.ID
	})

	out := make([]DeviceSnapshot, len(matches))
	for i, m := range matches {
		out[i] = m.snap
	}
	return out
}

// Run periodically reclassifies liveness, firing change listeners on
// transitions. Blocks until ctx is done.
func (r *DeviceRegistry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.reclassify() {
				r.notify()
			}
		}
	}
}

func (r *DeviceRegistry) reclassify() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for id, entry := range r.devices {
		current := r.livenessOf(entry.lastHeartbeat)
		if current != entry.lastLiveness {
			slog.Info("device liveness changed",
				"device", id, "from", string(entry.lastLiveness), "to", string(current))
			entry.lastLiveness = current
			changed = true
		}
	}
	return changed
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(text string) map[string]bool {
	tokens := make(map[string]bool)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		tokens[tok] = true
	}
	return tokens
}
