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

// Package devices defines the tool port to end devices and its MCP
// implementation. A device exposes a tool surface (tools/list, tools/call)
// over stdio or streamable HTTP.
package devices

import (
	"context"
	"errors"
)

// ErrDeviceGone reports that the device channel is not reachable.
var ErrDeviceGone = errors.New("device unreachable")

// ToolInfo describes one tool a device offers.
type ToolInfo struct {
	Name        string
	Description string
	InputSchema map[string]interface{}
}

// FileContent is one binary item returned by a tool, an image or audio
// capture. Data carries the decoded bytes; URI is set instead when the
// device answered with a reference.
type FileContent struct {
	Name     string
	MimeType string
	Data     []byte
	URI      string
}

// ToolResult is the outcome of a tool invocation. Text carries the
// device's textual content, Files any binary items; IsError marks a
// tool-level failure (the call itself succeeded).
type ToolResult struct {
	Text    string
	Files   []FileContent
	IsError bool
}

// ToolSource is the port to one device's tool surface. Implementations
// connect lazily on first use.
type ToolSource interface {
	ID() string
	ListTools(ctx context.Context) ([]ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error)
	Close() error
}
