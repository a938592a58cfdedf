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

// Package server exposes the broker's HTTP surface: the JSON-RPC A2A
// endpoint with SSE streaming, the REST aliases under /v1, the agent
// card discovery document, device ingest, and the metrics scrape
// endpoint.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/auth"
	"github.com/kadirpekel/devmesh/pkg/observability"
	"github.com/kadirpekel/devmesh/pkg/registry"
	"github.com/kadirpekel/devmesh/pkg/stream"
)

// Service is the broker behavior the transport dispatches into.
type Service interface {
	// SendMessage processes a message and returns the resulting task or,
	// for purely local replies, a bare message.
	SendMessage(ctx context.Context, params *a2a.MessageSendParams) (a2a.StreamEvent, error)
	StreamMessage(ctx context.Context, params *a2a.MessageSendParams) (<-chan a2a.StreamEvent, error)
	GetTask(ctx context.Context, params *a2a.TaskQueryParams) (*a2a.Task, error)
	ListTasks(ctx context.Context, params *a2a.ListTasksParams) ([]*a2a.Task, error)
	CancelTask(ctx context.Context, taskID string) (*a2a.Task, error)
	Resubscribe(ctx context.Context, taskID string) (<-chan a2a.StreamEvent, error)
	SetPushConfig(ctx context.Context, params *a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error)
	GetPushConfig(ctx context.Context, params *a2a.GetPushConfigParams) (*a2a.TaskPushNotificationConfig, error)
	ListPushConfigs(ctx context.Context, taskID string) ([]*a2a.TaskPushNotificationConfig, error)
	DeletePushConfig(ctx context.Context, params *a2a.GetPushConfigParams) error
	AgentCard() *a2a.AgentCard
}

// DeviceGateway is the device-facing surface: ingest, heartbeat,
// stream reads and deregistration.
type DeviceGateway interface {
	IngestData(ctx context.Context, deviceID, contentType string, payload []byte) (*stream.Entry, error)
	Heartbeat(deviceID string) error
	Devices() []registry.DeviceSnapshot
	RemoveDevice(ctx context.Context, deviceID string) error
	ReadStream(ctx context.Context, deviceID, after string, limit int) ([]*stream.Entry, error)
	OpenBlob(deviceID, digest string) ([]byte, error)
}

// Options configure the HTTP server.
type Options struct {
	Host      string
	Port      int
	Validator *auth.Validator // nil disables authentication
	Metrics   *observability.Metrics
}

type Server struct {
	service Service
	gateway DeviceGateway
	opts    Options
	logger  *slog.Logger

	httpServer *http.Server
}

func New(service Service, gateway DeviceGateway, opts Options) *Server {
	s := &Server{
		service: service,
		gateway: gateway,
		opts:    opts,
		logger:  slog.Default().With("component", "server"),
	}
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", opts.Host, opts.Port),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	// Discovery, health and metrics are never gated.
	r.Get(a2a.WellKnownCardPath, s.handleAgentCard)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.opts.Metrics != nil {
		r.Method("GET", "/metrics", s.opts.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if s.opts.Validator != nil {
			r.Use(s.opts.Validator.Middleware)
		}

		r.Post("/", s.handleJSONRPC)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/message:send", s.restSendMessage)
			r.Post("/message:stream", s.restStreamMessage)
			r.Get("/tasks", s.restListTasks)
			r.Get("/tasks/{id}", s.restGetTask)
			r.Post("/tasks/{id}:cancel", s.restCancelTask)
			r.Post("/tasks/{id}:subscribe", s.restSubscribeTask)
			r.Post("/tasks/{id}/pushNotificationConfigs", s.restSetPushConfig)
			r.Get("/tasks/{id}/pushNotificationConfigs", s.restListPushConfigs)
			r.Get("/tasks/{id}/pushNotificationConfigs/{configId}", s.restGetPushConfig)
			r.Delete("/tasks/{id}/pushNotificationConfigs/{configId}", s.restDeletePushConfig)
			r.Get("/card", s.handleAgentCard)

			r.Get("/devices", s.restListDevices)
			r.Delete("/devices/{id}", s.restRemoveDevice)
			r.Post("/devices/{id}/data", s.restIngestData)
			r.Post("/devices/{id}/heartbeat", s.restHeartbeat)
			r.Get("/devices/{id}/stream", s.restReadStream)
			r.Get("/devices/{id}/blobs/{digest}", s.restReadBlob)
		})
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.AgentCard())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
