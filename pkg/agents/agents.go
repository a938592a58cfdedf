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

// Package agents maintains the registry of external agents the broker
// can delegate to. Agent cards are discovered over the well-known
// endpoint, cached with a TTL, and persisted so a restart does not need
// every agent reachable at once.
package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/config"
	"github.com/kadirpekel/devmesh/pkg/repository"
	"github.com/kadirpekel/devmesh/pkg/router"
)

// ErrAgentNotFound reports an unknown delegation target.
var ErrAgentNotFound = errors.New("agent not found")

// Endpoint is the runtime state of one configured external agent.
type Endpoint struct {
	Name      string
	URL       string
	Card      *a2a.AgentCard
	FetchedAt time.Time
	Healthy   bool
	LastError string
	cardTTL   time.Duration
}

// Registry tracks external agent endpoints.
type Registry struct {
	client *a2a.Client
	store  repository.AgentCardStore
	logger *slog.Logger

	mu        sync.RWMutex
	endpoints map[string]*Endpoint
}

func NewRegistry(client *a2a.Client, store repository.AgentCardStore, configs []config.AgentEndpointConfig) *Registry {
	r := &Registry{
		client:    client,
		store:     store,
		logger:    slog.Default().With("component", "agents"),
		endpoints: make(map[string]*Endpoint),
	}

	for _, cfg := range configs {
		if cfg.Enabled != nil && !*cfg.Enabled {
			continue
		}
		ttl := time.Duration(cfg.CardTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		r.endpoints[cfg.Name] = &Endpoint{
			Name:    cfg.Name,
			URL:     cfg.URL,
			cardTTL: ttl,
		}
	}
	return r
}

// Warm loads persisted cards and refreshes stale ones. Unreachable agents
// are logged and marked unhealthy, not fatal.
func (r *Registry) Warm(ctx context.Context) {
	r.mu.RLock()
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	r.mu.RUnlock()

	for _, name := range names {
		if r.store != nil {
			if rec, err := r.store.GetAgentCard(ctx, name); err == nil {
				r.mu.Lock()
				ep := r.endpoints[name]
				ep.Card = rec.Card
				ep.FetchedAt = rec.FetchedAt
				ep.Healthy = true
				r.mu.Unlock()
			}
		}
		if _, err := r.Card(ctx, name); err != nil {
			r.logger.Warn("agent card warmup failed", "agent", name, "error", err)
		}
	}
}

// Card returns the agent's card, refreshing it over the wire when the
// cached copy is past its TTL.
func (r *Registry) Card(ctx context.Context, name string) (*a2a.AgentCard, error) {
	r.mu.RLock()
	ep, ok := r.endpoints[name]
	if !ok {
		r.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	card := ep.Card
	fresh := card != nil && time.Since(ep.FetchedAt) < ep.cardTTL
	url := ep.URL
	r.mu.RUnlock()

	if fresh {
		return card, nil
	}

	fetched, err := r.client.FetchAgentCard(ctx, url)
	if err != nil {
		r.mu.Lock()
		ep.Healthy = false
		ep.LastError = err.Error()
		r.mu.Unlock()
		// A stale card beats no card.
		if card != nil {
			return card, nil
		}
		return nil, err
	}

	now := time.Now().UTC()
	r.mu.Lock()
	ep.Card = fetched
	ep.FetchedAt = now
	ep.Healthy = true
	ep.LastError = ""
	r.mu.Unlock()

	if r.store != nil {
		rec := &repository.AgentCardRecord{Name: name, URL: url, Card: fetched, FetchedAt: now}
		if err := r.store.SaveAgentCard(ctx, rec); err != nil {
			r.logger.Warn("failed to persist agent card", "agent", name, "error", err)
		}
	}
	return fetched, nil
}

// URL resolves the endpoint URL for delegation.
func (r *Registry) URL(name string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.endpoints[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return ep.URL, nil
}

// Endpoints snapshots all configured agents ordered by name.
func (r *Registry) Endpoints() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Options feeds the router's delegation choices. Only agents with a known
// card are offered.
func (r *Registry) Options() []router.AgentOption {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []router.AgentOption
	for _, ep := range r.endpoints {
		if ep.Card == nil {
			continue
		}
		out = append(out, router.AgentOption{
			Name:        ep.Name,
			Description: ep.Card.Description,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
