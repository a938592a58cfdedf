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

package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend keeps streams in process memory, suitable for single-node
// deployments and tests.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
	seq     map[string]uint64
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string][]*Entry),
		seq:     make(map[string]uint64),
	}
}

// Append assigns a zero-padded sequence so string comparison matches
// numeric order.
func (b *MemoryBackend) Append(_ context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq[entry.DeviceID]++
	entry.Seq = fmt.Sprintf("%020d", b.seq[entry.DeviceID])
	b.entries[entry.DeviceID] = append(b.entries[entry.DeviceID], entry)
	return nil
}

func (b *MemoryBackend) ReadFrom(_ context.Context, deviceID, after string, limit int) ([]*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := b.entries[deviceID]
	start := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > after })

	end := len(entries)
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	out := make([]*Entry, end-start)
	copy(out, entries[start:end])
	return out, nil
}

func (b *MemoryBackend) Trim(_ context.Context, deviceID string, olderThan time.Time) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.entries[deviceID]
	keep := sort.Search(len(entries), func(i int) bool { return !entries[i].Timestamp.Before(olderThan) })
	if keep == 0 {
		return 0, nil
	}
	b.entries[deviceID] = append([]*Entry(nil), entries[keep:]...)
	return keep, nil
}

func (b *MemoryBackend) Devices(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]string, 0, len(b.entries))
	for id := range b.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (b *MemoryBackend) Close() error { return nil }
