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
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/stream"
)

const maxIngestBytes = 32 << 20

// restError mirrors the JSON-RPC error taxonomy onto HTTP statuses.
func (s *Server) restError(w http.ResponseWriter, err error) {
	rpcErr := a2a.AsError(err)
	status := http.StatusInternalServerError
	switch rpcErr.Code {
	case a2a.ErrCodeTaskNotFound:
		status = http.StatusNotFound
	case a2a.ErrCodeInvalidParams, a2a.ErrCodeInvalidRequest, a2a.ErrCodeParseError:
		status = http.StatusBadRequest
	case a2a.ErrCodeTaskNotCancelable, a2a.ErrCodeUnsupportedOperation:
		status = http.StatusConflict
	case a2a.ErrCodeContentTypeNotSupported:
		status = http.StatusUnsupportedMediaType
	}
	writeJSON(w, status, map[string]interface{}{"error": rpcErr})
}

func (s *Server) restSendMessage(w http.ResponseWriter, r *http.Request) {
	var params a2a.MessageSendParams
	if rpcErr := decodeBody(r, &params); rpcErr != nil {
		s.restError(w, rpcErr)
		return
	}
	if params.Message == nil {
		s.restError(w, a2a.NewError(a2a.ErrCodeInvalidParams, "message is required"))
		return
	}
	event, err := s.service.SendMessage(r.Context(), &params)
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, event.Result())
}

func (s *Server) restStreamMessage(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.restError(w, a2a.NewError(a2a.ErrCodeInternalError, "streaming unsupported"))
		return
	}

	var params a2a.MessageSendParams
	if rpcErr := decodeBody(r, &params); rpcErr != nil {
		s.restError(w, rpcErr)
		return
	}
	if params.Message == nil {
		s.restError(w, a2a.NewError(a2a.ErrCodeInvalidParams, "message is required"))
		return
	}

	events, err := s.service.StreamMessage(r.Context(), &params)
	if err != nil {
		s.restError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
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
			if err := writeSSE(w, flusher, nil, event); err != nil {
				return
			}
			if event.Final() {
				return
			}
		}
	}
}

func (s *Server) restGetTask(w http.ResponseWriter, r *http.Request) {
	historyLength, _ := strconv.Atoi(r.URL.Query().Get("historyLength"))
	task, err := s.service.GetTask(r.Context(), &a2a.TaskQueryParams{
		ID:            chi.URLParam(r, "id"),
		HistoryLength: historyLength,
	})
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) restListTasks(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	tasks, err := s.service.ListTasks(r.Context(), &a2a.ListTasksParams{
		ContextID: r.URL.Query().Get("contextId"),
		State:     a2a.TaskState(r.URL.Query().Get("state")),
		Limit:     limit,
	})
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) restCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.CancelTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// restSubscribeTask reattaches to a task's event stream over SSE.
func (s *Server) restSubscribeTask(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.restError(w, a2a.NewError(a2a.ErrCodeInternalError, "streaming unsupported"))
		return
	}

	events, err := s.service.Resubscribe(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.restError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
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
			if err := writeSSE(w, flusher, nil, event); err != nil {
				return
			}
			if event.Final() {
				return
			}
		}
	}
}

func (s *Server) restSetPushConfig(w http.ResponseWriter, r *http.Request) {
	var cfg a2a.PushNotificationConfig
	if rpcErr := decodeBody(r, &cfg); rpcErr != nil {
		s.restError(w, rpcErr)
		return
	}
	out, err := s.service.SetPushConfig(r.Context(), &a2a.TaskPushNotificationConfig{
		TaskID:                 chi.URLParam(r, "id"),
		PushNotificationConfig: &cfg,
	})
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restListPushConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := s.service.ListPushConfigs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.restError(w, err)
		return
	}
	if configs == nil {
		configs = []*a2a.TaskPushNotificationConfig{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"configs": configs})
}

func (s *Server) restGetPushConfig(w http.ResponseWriter, r *http.Request) {
	out, err := s.service.GetPushConfig(r.Context(), &a2a.GetPushConfigParams{
		TaskID:   chi.URLParam(r, "id"),
		ConfigID: chi.URLParam(r, "configId"),
	})
	if err != nil {
		s.restError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) restDeletePushConfig(w http.ResponseWriter, r *http.Request) {
	err := s.service.DeletePushConfig(r.Context(), &a2a.GetPushConfigParams{
		TaskID:   chi.URLParam(r, "id"),
		ConfigID: chi.URLParam(r, "configId"),
	})
	if err != nil {
		s.restError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) restListDevices(w http.ResponseWriter, r *http.Request) {
	type deviceView struct {
		ID              string   `json:"id"`
		Name            string   `json:"name,omitempty"`
		Description     string   `json:"description,omitempty"`
		Liveness        string   `json:"liveness"`
		LastHeartbeat   string   `json:"lastHeartbeat"`
		Keywords        []string `json:"keywords,omitempty"`
		Tools           []string `json:"tools,omitempty"`
		EntriesReceived int64    `json:"entriesReceived"`
		BytesReceived   int64    `json:"bytesReceived"`
	}

	snaps := s.gateway.Devices()
	out := make([]deviceView, 0, len(snaps))
	for _, snap := range snaps {
		view := deviceView{
			ID:              snap.ID,
			Name:            snap.Name,
			Description:     snap.Description,
			Liveness:        string(snap.Liveness),
			LastHeartbeat:   snap.LastHeartbeat.UTC().Format(time.RFC3339),
			Keywords:        snap.Keywords,
			EntriesReceived: snap.EntriesReceived,
			BytesReceived:   snap.BytesReceived,
		}
		for _, tool := range snap.Tools {
			view.Tools = append(view.Tools, tool.Name)
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": out})
}

func (s *Server) restRemoveDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.RemoveDevice(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.restError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// restIngestData accepts raw device payloads. The body is the datum; the
// entry's assigned sequence comes back so devices can resume.
func (s *Server) restIngestData(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "id")

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBytes+1))
	if err != nil {
		s.restError(w, a2a.NewError(a2a.ErrCodeParseError, "failed to read payload"))
		return
	}
	if len(payload) > maxIngestBytes {
		s.restError(w, a2a.NewError(a2a.ErrCodeInvalidParams, "payload exceeds %d bytes", maxIngestBytes))
		return
	}

	entry, err := s.gateway.IngestData(r.Context(), deviceID, r.Header.Get("Content-Type"), payload)
	if err != nil {
		s.restError(w, err)
		return
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamEntries.WithLabelValues(deviceID).Inc()
		s.opts.Metrics.StreamBytes.WithLabelValues(deviceID).Add(float64(len(payload)))
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"seq": entry.Seq})
}

func (s *Server) restHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.gateway.Heartbeat(chi.URLParam(r, "id")); err != nil {
		s.restError(w, a2a.NewError(a2a.ErrCodeInvalidParams, "%v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) restReadStream(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.gateway.ReadStream(r.Context(),
		chi.URLParam(r, "id"), r.URL.Query().Get("from"), limit)
	if err != nil {
		s.restError(w, err)
		return
	}
	if entries == nil {
		entries = []*stream.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) restReadBlob(w http.ResponseWriter, r *http.Request) {
	data, err := s.gateway.OpenBlob(chi.URLParam(r, "id"), chi.URLParam(r, "digest"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "blob not found"})
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func decodeBody(r *http.Request, v interface{}) *a2a.Error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return a2a.NewError(a2a.ErrCodeParseError, "failed to read request body")
	}
	defer r.Body.Close()
	return decodeParams(body, v)
}
