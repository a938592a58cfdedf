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

package a2a

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/devmesh/pkg/httpclient"
)

// WellKnownCardPath is where agents publish their card.
const WellKnownCardPath = "/.well-known/agent-card.json"

// Client talks JSON-RPC 2.0 to an external A2A agent.
type Client struct {
	rpc       *httpclient.Client
	streaming *http.Client
	token     string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBearerToken authenticates outbound requests.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithTimeout bounds non-streaming calls.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.rpc = httpclient.New(httpclient.WithHTTPClient(&http.Client{Timeout: timeout}))
	}
}

// NewClient builds an agent client. Non-streaming calls retry transient
// failures; the streaming client has no timeout since SSE connections are
// long-lived (the context bounds them instead).
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		rpc:       httpclient.New(httpclient.WithMaxRetries(2)),
		streaming: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchAgentCard retrieves the card from the agent's well-known path.
// agentURL may point at the agent root or directly at a card document.
func (c *Client) FetchAgentCard(ctx context.Context, agentURL string) (*AgentCard, error) {
	cardURL := agentURL
	if !strings.HasSuffix(cardURL, ".json") {
		cardURL = strings.TrimRight(agentURL, "/") + WellKnownCardPath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cardURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setAuthHeader(req)

	resp, err := c.rpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch agent card: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to get agent card: %s - %s", resp.Status, string(body))
	}

	var card AgentCard
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, fmt.Errorf("failed to decode agent card: %w", err)
	}
	return &card, nil
}

// SendMessage delivers a message via message/send. The result is either a
// terminal message or a task snapshot, depending on how the remote agent
// processed it.
func (c *Client) SendMessage(ctx context.Context, agentURL string, params *MessageSendParams) (*Task, *Message, error) {
	result, rpcErr, err := c.call(ctx, agentURL, "message/send", params)
	if err != nil {
		return nil, nil, err
	}
	if rpcErr != nil {
		return nil, nil, rpcErr
	}
	return decodeSendResult(result)
}

// GetTask fetches a task snapshot via tasks/get.
func (c *Client) GetTask(ctx context.Context, agentURL, taskID string) (*Task, error) {
	result, rpcErr, err := c.call(ctx, agentURL, "tasks/get", &TaskQueryParams{ID: taskID})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}

	var task Task
	if err := json.Unmarshal(result, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// CancelTask requests cancellation via tasks/cancel.
func (c *Client) CancelTask(ctx context.Context, agentURL, taskID string) (*Task, error) {
	result, rpcErr, err := c.call(ctx, agentURL, "tasks/cancel", &TaskIDParams{ID: taskID})
	if err != nil {
		return nil, err
	}
	if rpcErr != nil {
		return nil, rpcErr
	}

	var task Task
	if err := json.Unmarshal(result, &task); err != nil {
		return nil, fmt.Errorf("failed to decode task: %w", err)
	}
	return &task, nil
}

// WaitForTask polls tasks/get until the task reaches a terminal state.
func (c *Client) WaitForTask(ctx context.Context, agentURL, taskID string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			task, err := c.GetTask(ctx, agentURL, taskID)
			if err != nil {
				return nil, err
			}
			if task.Status.State.Terminal() {
				return task, nil
			}
		}
	}
}

// StreamMessage delivers a message via message/stream and returns a
// channel of stream events. The channel closes on the final event, on
// stream end, or when ctx is canceled.
func (c *Client) StreamMessage(ctx context.Context, agentURL string, params *MessageSendParams) (<-chan StreamEvent, error) {
	return c.stream(ctx, agentURL, "message/stream", params)
}

// Resubscribe reattaches to an existing task's stream via tasks/resubscribe.
func (c *Client) Resubscribe(ctx context.Context, agentURL, taskID string) (<-chan StreamEvent, error) {
	return c.stream(ctx, agentURL, "tasks/resubscribe", &TaskIDParams{ID: taskID})
}

func (c *Client) call(ctx context.Context, agentURL, method string, params interface{}) (json.RawMessage, *Error, error) {
	body, err := c.encodeRequest(method, params)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	c.setAuthHeader(req)

	resp, err := c.rpc.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("%s failed: %w", method, err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *Error          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return envelope.Result, envelope.Error, nil
}

func (c *Client) stream(ctx context.Context, agentURL, method string, params interface{}) (<-chan StreamEvent, error) {
	body, err := c.encodeRequest(method, params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, agentURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	c.setAuthHeader(req)

	resp, err := c.streaming.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s failed: %s - %s", method, resp.Status, string(raw))
	}

	events := make(chan StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			event, err := decodeStreamData([]byte(strings.TrimPrefix(line, "data: ")))
			if err != nil {
				continue
			}

			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
			if event.Final() {
				return
			}
		}
	}()

	return events, nil
}

func (c *Client) encodeRequest(method string, params interface{}) ([]byte, error) {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	body, err := json.Marshal(&Request{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	return body, nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// decodeSendResult distinguishes task and message results by their kind.
func decodeSendResult(result json.RawMessage) (*Task, *Message, error) {
	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(result, &probe); err != nil {
		return nil, nil, fmt.Errorf("failed to probe result kind: %w", err)
	}

	switch probe.Kind {
	case "message":
		var msg Message
		if err := json.Unmarshal(result, &msg); err != nil {
			return nil, nil, fmt.Errorf("failed to decode message result: %w", err)
		}
		return nil, &msg, nil
	default:
		var task Task
		if err := json.Unmarshal(result, &task); err != nil {
			return nil, nil, fmt.Errorf("failed to decode task result: %w", err)
		}
		if task.ID == "" {
			return nil, nil, &Error{Code: ErrCodeInvalidAgentResponse, Message: "agent returned neither task nor message"}
		}
		return &task, nil, nil
	}
}

// decodeStreamData parses one SSE data payload: a JSON-RPC envelope whose
// result is one of the stream event kinds.
func decodeStreamData(data []byte) (StreamEvent, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	payload := data
	if err := json.Unmarshal(data, &envelope); err == nil && len(envelope.Result) > 0 {
		payload = envelope.Result
	}

	var probe struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return StreamEvent{}, err
	}

	switch probe.Kind {
	case "message":
		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Message: &msg}, nil
	case "task":
		var task Task
		if err := json.Unmarshal(payload, &task); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{Task: &task}, nil
	case "status-update":
		var ev TaskStatusUpdateEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{StatusUpdate: &ev}, nil
	case "artifact-update":
		var ev TaskArtifactUpdateEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return StreamEvent{}, err
		}
		return StreamEvent{ArtifactUpdate: &ev}, nil
	default:
		return StreamEvent{}, fmt.Errorf("unknown stream event kind %q", probe.Kind)
	}
}
