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

// Package a2a implements the Agent-to-Agent (A2A) protocol vocabulary
// shared across devmesh: messages, tasks, artifacts, streaming events,
// agent cards and the JSON-RPC 2.0 envelope.
// Specification: https://a2a-protocol.org/latest/specification/
package a2a

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the advertised A2A protocol version. Streaming and
// push notifications stay behind capability flags so 0.2.x clients
// interoperate with the same method set.
const ProtocolVersion = "0.3.0"

// ============================================================================
// PART - Message Content Parts (union type)
// ============================================================================

// PartKind discriminates the Part union.
type PartKind string

const (
	PartKindText PartKind = "text"
	PartKindFile PartKind = "file"
	PartKindData PartKind = "data"
)

// Part is one unit of message or artifact content.
type Part struct {
	Kind PartKind `json:"kind"`

	// Text part
	Text string `json:"text,omitempty"`

	// File part, inline bytes or by URI
	File *FilePart `json:"file,omitempty"`

	// Structured data part
	Data map[string]interface{} `json:"data,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// FilePart carries file content inline (Bytes, base64 on the wire) or by
// reference (URI). Exactly one of the two is set.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartKindText, Text: text}
}

// DataPart builds a structured-data part.
func DataPart(data map[string]interface{}) Part {
	return Part{Kind: PartKindData, Data: data}
}

// BytesFilePart builds a file part carrying inline bytes.
func BytesFilePart(name, mimeType string, data []byte) Part {
	return Part{Kind: PartKindFile, File: &FilePart{Name: name, MimeType: mimeType, Bytes: data}}
}

// ============================================================================
// MESSAGE
// ============================================================================

// Role identifies the message sender.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// Message is a single turn in a task conversation. Messages are immutable
// once accepted by the task manager.
type Message struct {
	Kind             string                 `json:"kind,omitempty"` // "message"
	MessageID        string                 `json:"messageId"`
	Role             Role                   `json:"role"`
	Parts            []Part                 `json:"parts"`
	TaskID           string                 `json:"taskId,omitempty"`
	ContextID        string                 `json:"contextId,omitempty"`
	ReferenceTaskIDs []string               `json:"referenceTaskIds,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// NewUserMessage builds a user message with a single text part.
func NewUserMessage(text string) *Message {
	return &Message{
		Kind:      "message",
		MessageID: uuid.New().String(),
		Role:      RoleUser,
		Parts:     []Part{TextPart(text)},
	}
}

// NewAgentMessage builds an agent message with a single text part.
func NewAgentMessage(text string) *Message {
	return &Message{
		Kind:      "message",
		MessageID: uuid.New().String(),
		Role:      RoleAgent,
		Parts:     []Part{TextPart(text)},
	}
}

// Text concatenates all text parts of the message.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		if p.Kind == PartKindText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// ============================================================================
// TASK
// ============================================================================

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateAuthRequired  TaskState = "auth-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateRejected      TaskState = "rejected"
)

// Terminal reports whether the state is absorbing.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCanceled, TaskStateRejected:
		return true
	}
	return false
}

// Legal transition edges. Terminal states have no successors.
var taskTransitions = map[TaskState][]TaskState{
	TaskStateSubmitted: {
		TaskStateWorking, TaskStateRejected, TaskStateCanceled, TaskStateFailed,
	},
	TaskStateWorking: {
		TaskStateInputRequired, TaskStateAuthRequired,
		TaskStateCompleted, TaskStateCanceled, TaskStateFailed,
	},
	TaskStateInputRequired: {
		TaskStateWorking, TaskStateCanceled, TaskStateFailed,
	},
	TaskStateAuthRequired: {
		TaskStateWorking, TaskStateCanceled, TaskStateFailed,
	},
}

// CanTransition reports whether from -> to is a legal edge of the task
// state machine. Self-transitions are allowed so repeated updates stay
// idempotent.
func CanTransition(from, to TaskState) bool {
	if from == to {
		return true
	}
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskStatus is the current state of a task plus the optional message that
// accompanied the transition.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a stateful unit of work with identity, lifecycle, history and
// artifacts.
type Task struct {
	Kind      string                 `json:"kind,omitempty"` // "task"
	ID        string                 `json:"id"`
	ContextID string                 `json:"contextId"`
	Status    TaskStatus             `json:"status"`
	History   []*Message             `json:"history,omitempty"`
	Artifacts []*Artifact            `json:"artifacts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// ============================================================================
// ARTIFACT
// ============================================================================

// Artifact is an output produced by a task. Streamed chunks sharing an
// ArtifactID are appended in order; lastChunk seals the artifact.
type Artifact struct {
	ArtifactID  string                 `json:"artifactId"`
	Name        string                 `json:"name,omitempty"`
	Description string                 `json:"description,omitempty"`
	Parts       []Part                 `json:"parts"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// ============================================================================
// STREAMING EVENTS
// ============================================================================

// TaskStatusUpdateEvent reports a task state change to stream subscribers
// and push targets. Final marks the last event of the stream.
type TaskStatusUpdateEvent struct {
	Kind      string                 `json:"kind"` // "status-update"
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId,omitempty"`
	Status    TaskStatus             `json:"status"`
	Final     bool                   `json:"final"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// TaskArtifactUpdateEvent carries one artifact chunk.
type TaskArtifactUpdateEvent struct {
	Kind      string                 `json:"kind"` // "artifact-update"
	TaskID    string                 `json:"taskId"`
	ContextID string                 `json:"contextId,omitempty"`
	Artifact  *Artifact              `json:"artifact"`
	Append    bool                   `json:"append,omitempty"`
	LastChunk bool                   `json:"lastChunk,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// StreamEvent is the union delivered on message/stream and
// tasks/resubscribe. Exactly one field is non-nil.
type StreamEvent struct {
	Message        *Message
	Task           *Task
	StatusUpdate   *TaskStatusUpdateEvent
	ArtifactUpdate *TaskArtifactUpdateEvent
}

// Final reports whether the event terminates its stream.
func (e StreamEvent) Final() bool {
	if e.StatusUpdate != nil {
		return e.StatusUpdate.Final
	}
	// A bare message result ends the exchange.
	return e.Message != nil
}

// Result returns the wire payload of the event, the JSON-RPC result field.
func (e StreamEvent) Result() interface{} {
	switch {
	case e.Message != nil:
		return e.Message
	case e.Task != nil:
		return e.Task
	case e.StatusUpdate != nil:
		return e.StatusUpdate
	case e.ArtifactUpdate != nil:
		return e.ArtifactUpdate
	}
	return nil
}

// ============================================================================
// RPC METHOD PARAMETERS
// ============================================================================

// MessageSendParams is the params object of message/send and message/stream.
type MessageSendParams struct {
	Message       *Message               `json:"message"`
	Configuration *SendConfiguration     `json:"configuration,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// SendConfiguration tunes how the broker processes a send.
type SendConfiguration struct {
	AcceptedOutputModes    []string                `json:"acceptedOutputModes,omitempty"`
	HistoryLength          int                     `json:"historyLength,omitempty"`
	Blocking               bool                    `json:"blocking,omitempty"`
	PushNotificationConfig *PushNotificationConfig `json:"pushNotificationConfig,omitempty"`
}

// TaskQueryParams identifies a task for tasks/get.
type TaskQueryParams struct {
	ID            string `json:"id"`
	HistoryLength int    `json:"historyLength,omitempty"`
}

// TaskIDParams identifies a task for tasks/cancel and tasks/resubscribe.
type TaskIDParams struct {
	ID string `json:"id"`
}

// ListTasksParams filters tasks/list.
type ListTasksParams struct {
	ContextID string    `json:"contextId,omitempty"`
	State     TaskState `json:"state,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

// ============================================================================
// PUSH NOTIFICATIONS
// ============================================================================

// PushNotificationConfig is a client-supplied callback for asynchronous
// task updates. ID is unique per task; a task may carry several configs.
type PushNotificationConfig struct {
	ID             string                  `json:"id,omitempty"`
	URL            string                  `json:"url"`
	Token          string                  `json:"token,omitempty"`
	Authentication *PushAuthenticationInfo `json:"authentication,omitempty"`
}

// PushAuthenticationInfo describes how to authenticate against the
// callback endpoint.
type PushAuthenticationInfo struct {
	Schemes     []string `json:"schemes,omitempty"`
	Credentials string   `json:"credentials,omitempty"`
}

// TaskPushNotificationConfig binds a push config to a task, the wire shape
// of the tasks/pushNotificationConfig methods.
type TaskPushNotificationConfig struct {
	TaskID                 string                  `json:"taskId"`
	PushNotificationConfig *PushNotificationConfig `json:"pushNotificationConfig"`
}

// GetPushConfigParams identifies one push config of a task.
type GetPushConfigParams struct {
	TaskID   string `json:"taskId"`
	ConfigID string `json:"pushNotificationConfigId,omitempty"`
}

// ============================================================================
// AGENT CARD - Capability Manifest
// ============================================================================

// AgentCard is the self-descriptive capability manifest served at the
// well-known path.
type AgentCard struct {
	ProtocolVersion      string                    `json:"protocolVersion"`
	Name                 string                    `json:"name"`
	Description          string                    `json:"description,omitempty"`
	URL                  string                    `json:"url"`
	Version              string                    `json:"version,omitempty"`
	Provider             *AgentProvider            `json:"provider,omitempty"`
	PreferredTransport   string                    `json:"preferredTransport"`
	AdditionalInterfaces []AgentInterface          `json:"additionalInterfaces,omitempty"`
	Capabilities         AgentCapabilities         `json:"capabilities"`
	SecuritySchemes      map[string]SecurityScheme `json:"securitySchemes,omitempty"`
	DefaultInputModes    []string                  `json:"defaultInputModes,omitempty"`
	DefaultOutputModes   []string                  `json:"defaultOutputModes,omitempty"`
	Skills               []AgentSkill              `json:"skills"`
}

// AgentProvider names the operator of the agent.
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url,omitempty"`
}

// AgentInterface is one additional transport binding.
type AgentInterface struct {
	Transport string `json:"transport"` // "jsonrpc", "rest"
	URL       string `json:"url"`
}

// AgentCapabilities are the feature flags of the service.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// SecurityScheme declares an accepted authentication scheme.
type SecurityScheme struct {
	Type         string `json:"type"`
	Scheme       string `json:"scheme,omitempty"`
	BearerFormat string `json:"bearerFormat,omitempty"`
	In           string `json:"in,omitempty"`
	Name         string `json:"name,omitempty"`
}

// AgentSkill is one advertised capability, either a built-in service skill
// or one synthesized per online device.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// ============================================================================
// JSON-RPC 2.0 ENVELOPE
// ============================================================================

// Request is a JSON-RPC 2.0 request envelope. Method names follow the
// {category}/{action} convention (message/send, tasks/get, ...).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// NewResponse wraps a result in a success envelope.
func NewResponse(id, result interface{}) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Result: result}
}

// NewErrorResponse wraps an error in a failure envelope.
func NewErrorResponse(id interface{}, err *Error) *Response {
	return &Response{JSONRPC: "2.0", ID: id, Error: err}
}
