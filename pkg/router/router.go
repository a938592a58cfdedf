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

// Package router decides where an incoming message goes: a device tool,
// an external agent, a local reply, or back to the client for more
// input. The primary path asks the language model for a structured
// decision; keyword matching against device declarations is both the
// fast path and the fallback when the model is unavailable.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kadirpekel/devmesh/pkg/llms"
	"github.com/kadirpekel/devmesh/pkg/registry"
)

// Kind is the routing outcome.
type Kind string

const (
	// KindLocal answers directly without dispatching anywhere.
	KindLocal Kind = "local"
	// KindDevice invokes a tool on a registered device.
	KindDevice Kind = "device"
	// KindDelegate forwards the message to an external agent.
	KindDelegate Kind = "delegate"
	// KindInputRequired asks the client to clarify.
	KindInputRequired Kind = "input-required"
	// KindReject declines the request.
	KindReject Kind = "reject"
)

// Decision is the routing verdict for one message.
type Decision struct {
	Kind       Kind
	DeviceID   string
	Tool       string
	Parameters map[string]interface{}
	AgentName  string
	Confidence float64
	Reasoning  string
}

// AgentOption is an external agent the router may delegate to.
type AgentOption struct {
	Name        string
	Description string
}

// AgentSource lists delegation targets.
type AgentSource interface {
	Options() []AgentOption
}

// Router analyzes message intent.
type Router struct {
	devices  *registry.DeviceRegistry
	agents   AgentSource
	provider llms.Provider

	confidenceThreshold float64
	minKeywordOverlap   int
	logger              *slog.Logger
}

func New(devices *registry.DeviceRegistry, agents AgentSource, provider llms.Provider, confidenceThreshold float64, minKeywordOverlap int) *Router {
	if confidenceThreshold <= 0 {
		confidenceThreshold = 0.5
	}
	if minKeywordOverlap <= 0 {
		minKeywordOverlap = 1
	}
	return &Router{
		devices:             devices,
		agents:              agents,
		provider:            provider,
		confidenceThreshold: confidenceThreshold,
		minKeywordOverlap:   minKeywordOverlap,
		logger:              slog.Default().With("component", "router"),
	}
}

// Route decides the destination for a message text.
func (r *Router) Route(ctx context.Context, text string) Decision {
	if strings.TrimSpace(text) == "" {
		return Decision{
			Kind:      KindInputRequired,
			Reasoning: "empty message",
		}
	}

	if r.provider == nil {
		return r.keywordRoute(text, "no language model configured")
	}

	decision, err := r.analyzeWithModel(ctx, text)
	if err != nil {
		r.logger.Warn("model analysis failed, falling back to keyword match", "error", err)
		return r.keywordRoute(text, "model unavailable")
	}

	// Any low-confidence verdict other than a local reply downgrades to
	// a clarification request rather than acting on a guess.
	if decision.Kind != KindLocal && decision.Kind != KindInputRequired &&
		decision.Confidence < r.confidenceThreshold {
		return Decision{
			Kind:       KindInputRequired,
			Confidence: decision.Confidence,
			Reasoning:  fmt.Sprintf("low confidence (%.2f) for %s", decision.Confidence, decision.Kind),
		}
	}

	return decision
}

// keywordRoute matches declared device keywords against the message.
func (r *Router) keywordRoute(text, why string) Decision {
	matches := r.devices.MatchByIntent(text, r.minKeywordOverlap)
	if len(matches) == 0 {
		return Decision{Kind: KindLocal, Reasoning: why + "; no device keywords matched"}
	}

	best := matches[0]
	return Decision{
		Kind:       KindDevice,
		DeviceID:   best.ID,
		Confidence: r.confidenceThreshold,
		Reasoning:  why + "; keyword match on device " + best.ID,
	}
}

// modelDecision is the JSON shape the model is asked to produce.
type modelDecision struct {
	Action     string                 `json:"action"` // "device", "delegate", "local", "clarify", "reject"
	DeviceID   string                 `json:"device_id,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
	Agent      string                 `json:"agent,omitempty"`
	Confidence float64                `json:"confidence"`
	Reasoning  string                 `json:"reasoning,omitempty"`
}

func (r *Router) analyzeWithModel(ctx context.Context, text string) (Decision, error) {
	completion, _, err := r.provider.Generate(ctx, []llms.Message{
		{Role: "system", Content: r.systemPrompt()},
		{Role: "user", Content: text},
	})
	if err != nil {
		return Decision{}, err
	}

	var md modelDecision
	if err := llms.DecodeJSON(completion, &md); err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Confidence: md.Confidence,
		Reasoning:  md.Reasoning,
	}

	switch md.Action {
	case "device":
		snap, ok := r.devices.Snapshot(md.DeviceID)
		if !ok {
			return Decision{}, fmt.Errorf("model selected unknown device %q", md.DeviceID)
		}
		if snap.Liveness == registry.LivenessOffline {
			decision.Kind = KindReject
			decision.Reasoning = fmt.Sprintf("device %s is offline", md.DeviceID)
			return decision, nil
		}
		decision.Kind = KindDevice
		decision.DeviceID = md.DeviceID
		decision.Tool = md.Tool
		decision.Parameters = md.Parameters
	case "delegate":
		decision.Kind = KindDelegate
		decision.AgentName = md.Agent
	case "clarify":
		decision.Kind = KindInputRequired
	case "reject":
		decision.Kind = KindReject
	case "local":
		decision.Kind = KindLocal
	default:
		return Decision{}, fmt.Errorf("model returned unknown action %q", md.Action)
	}

	return decision, nil
}

func (r *Router) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString("You route user requests for a device mesh broker. ")
	sb.WriteString("Respond with a single JSON object: ")
	sb.WriteString(`{"action": "device"|"delegate"|"local"|"clarify"|"reject", "device_id": "...", "tool": "...", "parameters": {...}, "agent": "...", "confidence": 0.0-1.0, "reasoning": "..."}.`)
	sb.WriteString("\n\nAvailable devices:\n")

	for _, snap := range r.devices.Snapshots() {
		if snap.Liveness == registry.LivenessOffline {
			continue
		}
		sb.WriteString(fmt.Sprintf("- id=%s name=%q keywords=%s",
			snap.ID, snap.Name, strings.Join(snap.Keywords, ",")))
		if len(snap.Tools) > 0 {
			tools := make([]string, 0, len(snap.Tools))
			for _, tool := range snap.Tools {
				desc, _ := json.Marshal(tool.Description)
				tools = append(tools, fmt.Sprintf("%s(%s)", tool.Name, desc))
			}
			sb.WriteString(" tools: " + strings.Join(tools, ", "))
		}
		sb.WriteString("\n")
	}

	if r.agents != nil {
		options := r.agents.Options()
		if len(options) > 0 {
			sb.WriteString("\nExternal agents for delegation:\n")
			for _, opt := range options {
				sb.WriteString(fmt.Sprintf("- name=%s: %s\n", opt.Name, opt.Description))
			}
		}
	}

	sb.WriteString("\nUse \"device\" when a device tool can answer, \"delegate\" when an external agent fits better, \"local\" for general conversation, \"clarify\" when the request is ambiguous, \"reject\" when it cannot be served.")
	return sb.String()
}
