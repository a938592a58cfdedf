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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kadirpekel/devmesh/pkg/a2a"
)

// handleJSONRPC is the A2A entry point. Streaming methods switch the
// response to SSE; everything else answers with a single envelope.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.sendRPCError(w, nil, a2a.NewError(a2a.ErrCodeParseError, "failed to read request body"))
		return
	}
	defer r.Body.Close()

	var req a2a.Request
	if err := json.Unmarshal(body, &req); err != nil {
		s.sendRPCError(w, nil, a2a.NewError(a2a.ErrCodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != "2.0" {
		s.sendRPCError(w, req.ID, a2a.NewError(a2a.ErrCodeInvalidRequest, "invalid JSON-RPC version"))
		return
	}

	start := time.Now()
	switch req.Method {
	case "message/stream", "tasks/resubscribe":
		s.handleStreamingMethod(w, r, &req)
	default:
		result, rpcErr := s.dispatch(r.Context(), &req)
		if rpcErr != nil {
			s.recordRPC(req.Method, "error", start)
			s.sendRPCError(w, req.ID, rpcErr)
			return
		}
		s.recordRPC(req.Method, "ok", start)
		writeJSON(w, http.StatusOK, a2a.NewResponse(req.ID, result))
	}
}

func (s *Server) dispatch(ctx context.Context, req *a2a.Request) (interface{}, *a2a.Error) {
	switch req.Method {
	case "message/send":
		var params a2a.MessageSendParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if params.Message == nil {
			return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "message is required")
		}
		event, err := s.service.SendMessage(ctx, &params)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return event.Result(), nil

	case "tasks/get":
		var params a2a.TaskQueryParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		task, err := s.service.GetTask(ctx, &params)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return task, nil

	case "tasks/list":
		var params a2a.ListTasksParams
		if len(req.Params) > 0 && string(req.Params) != "null" {
			if err := decodeParams(req.Params, &params); err != nil {
				return nil, err
			}
		}
		tasks, err := s.service.ListTasks(ctx, &params)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return map[string]interface{}{"tasks": tasks}, nil

	case "tasks/cancel":
		var params a2a.TaskIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		task, err := s.service.CancelTask(ctx, params.ID)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return task, nil

	case "tasks/pushNotificationConfig/set":
		var params a2a.TaskPushNotificationConfig
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		saved, err := s.service.SetPushConfig(ctx, &params)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return saved, nil

	case "tasks/pushNotificationConfig/get":
		var params a2a.GetPushConfigParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		cfg, err := s.service.GetPushConfig(ctx, &params)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return cfg, nil

	case "tasks/pushNotificationConfig/list":
		var params a2a.TaskIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		configs, err := s.service.ListPushConfigs(ctx, params.ID)
		if err != nil {
			return nil, a2a.AsError(err)
		}
		return configs, nil

	case "tasks/pushNotificationConfig/delete":
		var params a2a.GetPushConfigParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := s.service.DeletePushConfig(ctx, &params); err != nil {
			return nil, a2a.AsError(err)
		}
		return map[string]interface{}{}, nil

	case "agent/getAuthenticatedExtendedCard":
		return s.service.AgentCard(), nil

	default:
		return nil, a2a.NewError(a2a.ErrCodeMethodNotFound, "method not found: %s", req.Method)
	}
}

// handleStreamingMethod answers message/stream and tasks/resubscribe over
// SSE, one JSON-RPC envelope per event.
func (s *Server) handleStreamingMethod(w http.ResponseWriter, r *http.Request, req *a2a.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendRPCError(w, req.ID, a2a.NewError(a2a.ErrCodeInternalError, "streaming unsupported"))
		return
	}

	var events <-chan a2a.StreamEvent
	var err error

	switch req.Method {
	case "message/stream":
		var params a2a.MessageSendParams
		if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
			s.sendRPCError(w, req.ID, rpcErr)
			return
		}
		if params.Message == nil {
			s.sendRPCError(w, req.ID, a2a.NewError(a2a.ErrCodeInvalidParams, "message is required"))
			return
		}
		events, err = s.service.StreamMessage(r.Context(), &params)
	case "tasks/resubscribe":
		var params a2a.TaskIDParams
		if rpcErr := decodeParams(req.Params, &params); rpcErr != nil {
			s.sendRPCError(w, req.ID, rpcErr)
			return
		}
		events, err = s.service.Resubscribe(r.Context(), params.ID)
	}
	if err != nil {
		s.sendRPCError(w, req.ID, a2a.AsError(err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, flusher, req.ID, event); err != nil {
				return
			}
			if event.Final() {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, id interface{}, event a2a.StreamEvent) error {
	data, err := json.Marshal(a2a.NewResponse(id, event.Result()))
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func decodeParams(raw json.RawMessage, v interface{}) *a2a.Error {
	if len(raw) == 0 {
		return a2a.NewError(a2a.ErrCodeInvalidParams, "params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return a2a.NewError(a2a.ErrCodeInvalidParams, "invalid params: %v", err)
	}
	return nil
}

func (s *Server) sendRPCError(w http.ResponseWriter, id interface{}, rpcErr *a2a.Error) {
	writeJSON(w, http.StatusOK, a2a.NewErrorResponse(id, rpcErr))
}

func (s *Server) recordRPC(method, outcome string, start time.Time) {
	if s.opts.Metrics == nil {
		return
	}
	s.opts.Metrics.RPCRequests.WithLabelValues(method, outcome).Inc()
	s.opts.Metrics.RPCDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
