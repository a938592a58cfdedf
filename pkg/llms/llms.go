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

// Package llms provides the language model providers used for intent
// analysis and result phrasing. Providers speak their native HTTP APIs
// through the retrying http client.
package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kadirpekel/devmesh/pkg/config"
)

// Message is one turn of a model conversation. An empty role marks a
// system instruction.
type Message struct {
	Role    string // "system", "user" or "assistant"
	Content string
}

// Provider generates text completions.
type Provider interface {
	// Generate returns the completion text and total tokens used.
	Generate(ctx context.Context, messages []Message) (string, int, error)
	ModelName() string
	Close() error
}

// NewProvider builds a provider from config.
func NewProvider(cfg config.LLMConfig) (Provider, error) {
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic":
		return NewAnthropicProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider type: %s", cfg.Type)
	}
}

// DecodeJSON parses a JSON object out of a model completion, tolerating
// markdown code fences and surrounding prose.
func DecodeJSON(completion string, v interface{}) error {
	text := strings.TrimSpace(completion)

	if idx := strings.Index(text, "```"); idx >= 0 {
		text = text[idx+3:]
		text = strings.TrimPrefix(text, "json")
		if end := strings.Index(text, "```"); end >= 0 {
			text = text[:end]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return fmt.Errorf("no JSON object in completion")
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("failed to parse completion JSON: %w", err)
	}
	return nil
}
