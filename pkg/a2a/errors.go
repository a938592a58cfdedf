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
	"errors"
	"fmt"
)

// JSON-RPC 2.0 standard error codes plus the A2A-specific range.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603

	ErrCodeTaskNotFound            = -32001
	ErrCodeTaskNotCancelable       = -32002
	ErrCodePushNotSupported        = -32003
	ErrCodeUnsupportedOperation    = -32004
	ErrCodeContentTypeNotSupported = -32005
	ErrCodeInvalidAgentResponse    = -32006
)

// Error is a JSON-RPC error object. It implements the error interface so
// it can travel through ordinary error returns and be unwrapped at the
// transport edge.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError builds an error with a formatted message.
func NewError(code int, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrTaskNotFound builds the canonical task-not-found error.
func ErrTaskNotFound(taskID string) *Error {
	return &Error{Code: ErrCodeTaskNotFound, Message: "task not found", Data: map[string]string{"taskId": taskID}}
}

// ErrTaskNotCancelable builds the canonical not-cancelable error.
func ErrTaskNotCancelable(taskID string, state TaskState) *Error {
	return &Error{
		Code:    ErrCodeTaskNotCancelable,
		Message: "task cannot be canceled",
		Data:    map[string]string{"taskId": taskID, "state": string(state)},
	}
}

// AsError extracts an *Error from an error chain; when none is present the
// error is wrapped as an internal error so no raw failure leaks on the wire.
func AsError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &Error{Code: ErrCodeInternalError, Message: err.Error()}
}
