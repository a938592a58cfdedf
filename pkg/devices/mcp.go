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

package devices

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/devmesh/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"

	// sseResponseTimeout bounds reading one JSON-RPC response off an SSE
	// body for streamable-http servers.
	sseResponseTimeout = 5 * time.Minute
)

// MCPConfig configures one MCP device channel.
type MCPConfig struct {
	DeviceID  string
	Transport string // "stdio" or "http"
	Command   string
	Args      []string
	Env       map[string]string
	URL       string
	Headers   map[string]string

	MaxRetries int
}

// MCPSource implements ToolSource over MCP. The connection is established
// lazily on first use: stdio spawns a subprocess via mcp-go, http speaks
// JSON-RPC with the retrying httpclient.
type MCPSource struct {
	cfg MCPConfig

	mu        sync.Mutex
	stdio     *client.Client
	http      *httpclient.Client
	connected bool

	sessionMu sync.RWMutex
	sessionID string
}

// NewMCPSource validates the config and returns an unconnected source.
func NewMCPSource(cfg MCPConfig) (*MCPSource, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if cfg.URL == "" && cfg.Command == "" {
		return nil, fmt.Errorf("either url or command is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	return &MCPSource{cfg: cfg}, nil
}

func (s *MCPSource) ID() string {
	return s.cfg.DeviceID
}

// ListTools returns the device's tool catalog, connecting if needed.
func (s *MCPSource) ListTools(ctx context.Context) ([]ToolInfo, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if s.useStdio() {
		resp, err := s.stdio.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			return nil, fmt.Errorf("%w: tools/list failed: %v", ErrDeviceGone, err)
		}
		tools := make([]ToolInfo, 0, len(resp.Tools))
		for _, t := range resp.Tools {
			tools = append(tools, ToolInfo{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: convertSchema(t.InputSchema),
			})
		}
		return tools, nil
	}

	resp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: tools/list failed: %v", ErrDeviceGone, err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("tools/list error: %s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected result type from tools/list")
	}
	rawTools, ok := resultMap["tools"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response")
	}

	var tools []ToolInfo
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]interface{})
		tools = append(tools, ToolInfo{Name: name, Description: desc, InputSchema: schema})
	}
	return tools, nil
}

// CallTool invokes one tool on the device.
func (s *MCPSource) CallTool(ctx context.Context, name string, args map[string]interface{}) (*ToolResult, error) {
	if err := s.ensureConnected(ctx); err != nil {
		return nil, err
	}

	if s.useStdio() {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		resp, err := s.stdio.CallTool(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("%w: tools/call failed: %v", ErrDeviceGone, err)
		}
		return parseStdioResult(resp), nil
	}

	resp, err := s.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: tools/call failed: %v", ErrDeviceGone, err)
	}
	if resp.Error != nil {
		return &ToolResult{Text: resp.Error.Message, IsError: true}, nil
	}
	return parseHTTPResult(resp.Result), nil
}

// Close tears down the channel. A closed source reconnects on next use.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	s.http = nil
	if s.stdio != nil {
		err := s.stdio.Close()
		s.stdio = nil
		return err
	}
	return nil
}

func (s *MCPSource) useStdio() bool {
	return s.cfg.Command != "" || s.cfg.Transport == "stdio"
}

func (s *MCPSource) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	var err error
	if s.useStdio() {
		err = s.connectStdio(ctx)
	} else {
		err = s.connectHTTP(ctx)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceGone, err)
	}
	return nil
}

func (s *MCPSource) connectStdio(ctx context.Context) error {
	mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, envSlice(s.cfg.Env), s.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "devmesh", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = mcpProtocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	s.stdio = mcpClient
	s.connected = true

	slog.Info("connected to device (stdio)",
		"device", s.cfg.DeviceID, "command", s.cfg.Command)
	return nil
}

func (s *MCPSource) connectHTTP(ctx context.Context) error {
	s.http = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(s.cfg.MaxRetries),
	)

	resp, err := s.rpc(ctx, "initialize", map[string]interface{}{
		"protocolVersion": mcpProtocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    "devmesh",
			"version": "1.0.0",
		},
		"capabilities": map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP init error: %s", resp.Error.Message)
	}

	s.connected = true

	slog.Info("connected to device (http)",
		"device", s.cfg.DeviceID, "url", s.cfg.URL)
	return nil
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *MCPSource) rpc(ctx context.Context, method string, params interface{}) (*jsonRPCResponse, error) {
	body, err := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		s.sessionMu.Lock()
		s.sessionID = newSessionID
		s.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(resp)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse reads the first complete JSON-RPC response off an SSE
// body, the streamable-http reply shape.
func readSSEResponse(httpResp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultChan := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(httpResp.Body)
		var currentData strings.Builder

		for {
			line, err := reader.ReadBytes('\n')
			if err != nil {
				break
			}
			lineStr := strings.TrimSpace(string(line))

			if lineStr == "" {
				if currentData.Len() > 0 {
					var resp jsonRPCResponse
					if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
						resultChan <- result{response: &resp}
						return
					}
					currentData.Reset()
				}
				continue
			}

			if strings.HasPrefix(lineStr, "data:") {
				currentData.WriteString(strings.TrimSpace(strings.TrimPrefix(lineStr, "data:")))
			}
		}

		if currentData.Len() > 0 {
			var resp jsonRPCResponse
			if parseErr := json.Unmarshal([]byte(currentData.String()), &resp); parseErr == nil {
				resultChan <- result{response: &resp}
				return
			}
		}
		resultChan <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultChan:
		return res.response, res.err
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", sseResponseTimeout)
	}
}

func parseStdioResult(resp *mcp.CallToolResult) *ToolResult {
	var texts []string
	var files []FileContent
	for _, content := range resp.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			texts = append(texts, c.Text)
		case mcp.ImageContent:
			if f, ok := decodeFileContent(c.Data, c.MIMEType); ok {
				files = append(files, f)
			}
		case mcp.AudioContent:
			if f, ok := decodeFileContent(c.Data, c.MIMEType); ok {
				files = append(files, f)
			}
		}
	}
	out := &ToolResult{Text: strings.Join(texts, "\n"), Files: files, IsError: resp.IsError}
	if out.IsError && out.Text == "" {
		out.Text = "unknown error"
	}
	return out
}

func parseHTTPResult(result interface{}) *ToolResult {
	resultMap, ok := result.(map[string]interface{})
	if !ok {
		return &ToolResult{Text: fmt.Sprintf("%v", result)}
	}

	isError, _ := resultMap["isError"].(bool)

	var texts []string
	var files []FileContent
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, c := range content {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			switch cm["type"] {
			case "text":
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			case "image", "audio":
				data, _ := cm["data"].(string)
				mimeType, _ := cm["mimeType"].(string)
				if f, ok := decodeFileContent(data, mimeType); ok {
					files = append(files, f)
				}
			}
		}
	}

	out := &ToolResult{Text: strings.Join(texts, "\n"), Files: files, IsError: isError}
	if out.IsError && out.Text == "" {
		out.Text = "unknown error"
	}
	return out
}

// decodeFileContent turns one base64 MCP content item into a FileContent.
// Undecodable data is dropped rather than surfaced as garbage bytes.
func decodeFileContent(data, mimeType string) (FileContent, bool) {
	if data == "" {
		return FileContent{}, false
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return FileContent{}, false
	}
	return FileContent{MimeType: mimeType, Data: raw}, true
}

func envSlice(env map[string]string) []string {
	if env == nil {
		return nil
	}
	result := make([]string, 0, len(env))
	for k, v := range env {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	return result
}

func convertSchema(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

var _ ToolSource = (*MCPSource)(nil)
