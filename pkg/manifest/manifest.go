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

// Package manifest builds the service's agent card from static settings
// and the live device registry. The published card is an immutable
// snapshot swapped atomically; readers never see a partial rebuild.
package manifest

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/registry"
)

// Settings are the static parts of the card.
type Settings struct {
	Name        string
	Description string
	Version     string
	BaseURL     string
	AuthEnabled bool
	PushEnabled bool

	// Skills advertised regardless of device state.
	BuiltinSkills []a2a.AgentSkill
}

// Builder publishes the capability manifest. Invalidate marks the card
// stale; concurrent invalidations coalesce into a single rebuild.
type Builder struct {
	settings Settings
	devices  *registry.DeviceRegistry

	card atomic.Pointer[a2a.AgentCard]

	rebuildMu sync.Mutex
	dirty     atomic.Bool
}

// NewBuilder constructs the builder, publishes the initial card and
// subscribes to registry changes.
func NewBuilder(settings Settings, devices *registry.DeviceRegistry) *Builder {
	b := &Builder{settings: settings, devices: devices}
	b.card.Store(b.build())
	if devices != nil {
		devices.OnChange(b.Invalidate)
	}
	return b
}

// Card returns the current published card. The returned value is shared
// and must not be mutated.
func (b *Builder) Card() *a2a.AgentCard {
	return b.card.Load()
}

// Invalidate triggers a rebuild. A rebuild already in flight picks up the
// invalidation instead of stacking another one.
func (b *Builder) Invalidate() {
	b.dirty.Store(true)
	if !b.rebuildMu.TryLock() {
		// The holder rechecks dirty before releasing.
		return
	}
	defer b.rebuildMu.Unlock()

	for b.dirty.Swap(false) {
		b.card.Store(b.build())
	}
}

func (b *Builder) build() *a2a.AgentCard {
	skills := make([]a2a.AgentSkill, 0, len(b.settings.BuiltinSkills))
	skills = append(skills, b.settings.BuiltinSkills...)

	if b.devices != nil {
		for _, snap := range b.devices.Snapshots() {
			// Offline devices drop out of the advertised surface.
			if snap.Liveness == registry.LivenessOffline {
				continue
			}
			skills = append(skills, deviceSkill(snap))
		}
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].ID < skills[j].ID })

	card := &a2a.AgentCard{
		ProtocolVersion:    a2a.ProtocolVersion,
		Name:               b.settings.Name,
		Description:        b.settings.Description,
		Version:            b.settings.Version,
		URL:                b.settings.BaseURL,
		PreferredTransport: "jsonrpc",
		AdditionalInterfaces: []a2a.AgentInterface{
			{Transport: "jsonrpc", URL: b.settings.BaseURL},
			{Transport: "rest", URL: strings.TrimRight(b.settings.BaseURL, "/") + "/v1"},
		},
		Capabilities: a2a.AgentCapabilities{
			Streaming:              true,
			PushNotifications:      b.settings.PushEnabled,
			StateTransitionHistory: true,
		},
		DefaultInputModes:  []string{"text/plain"},
		DefaultOutputModes: []string{"text/plain", "application/json"},
		Skills:             skills,
	}

	if b.settings.AuthEnabled {
		card.SecuritySchemes = map[string]a2a.SecurityScheme{
			"bearer": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		}
	}

	return card
}

// deviceSkill synthesizes one skill per visible device, tagged with its
// keywords and tool names.
func deviceSkill(snap registry.DeviceSnapshot) a2a.AgentSkill {
	name := snap.Name
	if name == "" {
		name = snap.ID
	}

	desc := snap.Description
	if len(snap.Tools) > 0 {
		toolNames := make([]string, 0, len(snap.Tools))
		for _, tool := range snap.Tools {
			toolNames = append(toolNames, tool.Name)
		}
		if desc != "" {
			desc += ". "
		}
		desc += fmt.Sprintf("Tools: %s", strings.Join(toolNames, ", "))
	}

	tags := append([]string{"device", string(snap.Liveness)}, snap.Keywords...)

	return a2a.AgentSkill{
		ID:          "device:" + snap.ID,
		Name:        name,
		Description: desc,
		Tags:        tags,
		Examples:    snap.Examples,
		InputModes:  []string{"text/plain"},
		OutputModes: []string{"text/plain", "application/json"},
	}
}
