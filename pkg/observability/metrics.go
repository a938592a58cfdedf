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

// Package observability carries the metrics and tracing plumbing. Metrics
// are prometheus collectors served on /metrics; traces export over OTLP
// gRPC when enabled.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the broker records into.
type Metrics struct {
	registry *prometheus.Registry

	RPCRequests     *prometheus.CounterVec
	RPCDuration     *prometheus.HistogramVec
	TaskTransitions *prometheus.CounterVec
	PushDeliveries  *prometheus.CounterVec
	StreamEntries   *prometheus.CounterVec
	StreamBytes     *prometheus.CounterVec
	DeviceCalls     *prometheus.CounterVec
	DeviceCallTime  *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RPCRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_rpc_requests_total",
			Help: "JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		RPCDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devmesh_rpc_request_duration_seconds",
			Help:    "JSON-RPC request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		TaskTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_task_transitions_total",
			Help: "Task state transitions by target state.",
		}, []string{"state"}),
		PushDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_push_deliveries_total",
			Help: "Push notification deliveries by outcome.",
		}, []string{"outcome"}),
		StreamEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_stream_entries_total",
			Help: "Stream entries ingested per device.",
		}, []string{"device"}),
		StreamBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_stream_bytes_total",
			Help: "Stream payload bytes ingested per device.",
		}, []string{"device"}),
		DeviceCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devmesh_device_tool_calls_total",
			Help: "Device tool invocations by device and outcome.",
		}, []string{"device", "outcome"}),
		DeviceCallTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devmesh_device_tool_call_duration_seconds",
			Help:    "Device tool invocation duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
	}
}

// Handler serves the prometheus scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
