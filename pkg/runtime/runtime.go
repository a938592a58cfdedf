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

// Package runtime is the composition root: it assembles the repository,
// task manager, device registry, stream store, router, agent registry,
// push notifier, worker pool, scanner and HTTP server from one Config,
// and owns their lifecycles.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/agents"
	"github.com/kadirpekel/devmesh/pkg/auth"
	"github.com/kadirpekel/devmesh/pkg/config"
	"github.com/kadirpekel/devmesh/pkg/devices"
	"github.com/kadirpekel/devmesh/pkg/llms"
	"github.com/kadirpekel/devmesh/pkg/manifest"
	"github.com/kadirpekel/devmesh/pkg/observability"
	"github.com/kadirpekel/devmesh/pkg/push"
	"github.com/kadirpekel/devmesh/pkg/registry"
	"github.com/kadirpekel/devmesh/pkg/repository"
	"github.com/kadirpekel/devmesh/pkg/router"
	"github.com/kadirpekel/devmesh/pkg/scanner"
	"github.com/kadirpekel/devmesh/pkg/server"
	"github.com/kadirpekel/devmesh/pkg/stream"
	"github.com/kadirpekel/devmesh/pkg/task"
	"github.com/kadirpekel/devmesh/pkg/workerpool"
)

// Runtime holds the assembled broker. It implements server.Service and
// server.DeviceGateway.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	dbPool   *config.DBPool
	repo     repository.Repository
	tasks    *task.Manager
	devices  *registry.DeviceRegistry
	stream   *stream.Stream
	manifest *manifest.Builder
	router   *router.Router
	agents   *agents.Registry
	notifier *push.Notifier
	pool     *workerpool.Pool
	scanner  *scanner.Scanner
	provider llms.Provider
	metrics  *observability.Metrics
	client   *a2a.Client
	server   *server.Server

	pushEnabled bool
	jobTimeout  time.Duration

	// execCancels maps running tasks to their job cancel funcs;
	// deviceTasks maps devices to tasks mid-flight against them.
	execMu      sync.Mutex
	execCancels map[string]context.CancelFunc
	deviceTasks map[string]map[string]struct{}

	tracerShutdown func(context.Context) error

	bg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option overrides a constructed component, mainly for tests.
type Option func(*Runtime)

// WithRepository substitutes the persistence layer.
func WithRepository(repo repository.Repository) Option {
	return func(rt *Runtime) { rt.repo = repo }
}

// WithProvider substitutes the analysis model.
func WithProvider(p llms.Provider) Option {
	return func(rt *Runtime) { rt.provider = p }
}

// New assembles a runtime from a processed config. Nothing is started;
// call Start.
func New(cfg *config.Config, opts ...Option) (*Runtime, error) {
	rt := &Runtime{
		cfg:         cfg,
		logger:      slog.Default().With("component", "runtime"),
		pushEnabled: cfg.Push.IsEnabled(),
		jobTimeout:  time.Duration(cfg.Workers.JobTimeoutSeconds) * time.Second,
		execCancels: make(map[string]context.CancelFunc),
		deviceTasks: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(rt)
	}

	if rt.repo == nil {
		rt.dbPool = config.NewDBPool()
		db, err := rt.dbPool.Get(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		repo, err := repository.NewSQLRepository(db, cfg.Database.Dialect())
		if err != nil {
			return nil, fmt.Errorf("repository: %w", err)
		}
		rt.repo = repo
	}

	rt.tasks = task.NewManager(rt.repo)

	rt.devices = registry.NewDeviceRegistry(
		time.Duration(cfg.Registry.LivenessSeconds)*time.Second,
		time.Duration(cfg.Registry.CheckSeconds)*time.Second)
	if err := rt.registerDevices(); err != nil {
		return nil, err
	}
	rt.restoreDeviceRecords()

	st, err := buildStream(&cfg.Stream)
	if err != nil {
		return nil, fmt.Errorf("stream: %w", err)
	}
	rt.stream = st

	if rt.provider == nil && cfg.LLM.APIKey != "" {
		provider, err := llms.NewProvider(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("llm: %w", err)
		}
		rt.provider = provider
	}
	if rt.provider == nil {
		rt.logger.Warn("no llm provider configured, routing falls back to keyword matching")
	}

	rt.client = a2a.NewClient(a2a.WithTimeout(time.Duration(cfg.LLM.Timeout) * time.Second))
	rt.agents = agents.NewRegistry(rt.client, rt.repo, cfg.Agents)

	rt.router = router.New(rt.devices, rt.agents, rt.provider,
		cfg.Router.ConfidenceThreshold, cfg.Router.MinKeywordOverlap)

	if rt.pushEnabled {
		rt.notifier = push.NewNotifier(rt.tasks, push.Options{
			MaxAttempts:    cfg.Push.MaxAttempts,
			BaseDelay:      time.Duration(cfg.Push.BaseSeconds) * time.Second,
			MaxDelay:       time.Duration(cfg.Push.MaxSeconds) * time.Second,
			AttemptTimeout: time.Duration(cfg.Push.TimeoutSeconds) * time.Second,
		})
		rt.tasks.AddSink(rt.notifier.Notify)
	}

	if cfg.Observability.MetricsEnabled {
		rt.metrics = observability.NewMetrics()
		rt.tasks.AddSink(func(_ context.Context, _ string, event a2a.StreamEvent) {
			if event.StatusUpdate != nil {
				rt.metrics.TaskTransitions.WithLabelValues(string(event.StatusUpdate.Status.State)).Inc()
			}
		})
	}

	rt.pool = workerpool.New(cfg.Workers.Count, cfg.Workers.QueueSize,
		time.Duration(cfg.Workers.GraceSeconds)*time.Second)

	rt.scanner = scanner.New(rt.stream, rt.repo, rt.deviceIDs, rt.handleStreamEntry,
		time.Duration(cfg.Scanner.IntervalSeconds)*time.Second, cfg.Scanner.BatchLimit)

	rt.manifest = manifest.NewBuilder(manifest.Settings{
		Name:        cfg.Name,
		Description: cfg.Description,
		Version:     cfg.Version,
		BaseURL:     cfg.Server.BaseURL,
		AuthEnabled: cfg.Auth.Enabled,
		PushEnabled: rt.pushEnabled,
	}, rt.devices)

	validator, err := buildValidator(&cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	rt.server = server.New(rt, rt, server.Options{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Validator: validator,
		Metrics:   rt.metrics,
	})

	return rt, nil
}

func (rt *Runtime) registerDevices() error {
	for i := range rt.cfg.Devices {
		dc := &rt.cfg.Devices[i]
		source, err := devices.NewMCPSource(devices.MCPConfig{
			DeviceID:  dc.ID,
			Transport: dc.Transport,
			Command:   dc.Command,
			Args:      dc.Args,
			Env:       dc.Env,
			URL:       dc.URL,
			Headers:   dc.Headers,
		})
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}
		err = rt.devices.Register(registry.DeviceInfo{
			ID:          dc.ID,
			Name:        dc.Name,
			Description: dc.Description,
			Keywords:    dc.Keywords,
			Examples:    dc.Examples,
		}, source)
		if err != nil {
			return fmt.Errorf("device %s: %w", dc.ID, err)
		}
	}
	return nil
}

// restoreDeviceRecords seeds the registry from persisted device rows so
// counters and last-seen times survive restarts. A device that was
// removed but is still declared in config re-registers with its history.
func (rt *Runtime) restoreDeviceRecords() {
	ctx := context.Background()
	for i := range rt.cfg.Devices {
		id := rt.cfg.Devices[i].ID
		rec, err := rt.repo.GetDevice(ctx, id)
		if err != nil {
			continue
		}
		if err := rt.devices.RestoreStats(id, rec.LastHeartbeat, rec.EntriesReceived, rec.BytesReceived); err != nil {
			rt.logger.Warn("device stats restore failed", "device", id, "error", err)
		}
	}
}

func buildStream(cfg *config.StreamConfig) (*stream.Stream, error) {
	var backend stream.Backend
	switch cfg.Backend {
	case "redis":
		b, err := stream.NewRedisBackend(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		backend = stream.NewMemoryBackend()
	}

	blobs, err := stream.NewBlobStore(cfg.BlobDir)
	if err != nil {
		return nil, err
	}
	return stream.New(backend, blobs, cfg.InlineMaxBytes,
		time.Duration(cfg.RetentionHours)*time.Hour), nil
}

func buildValidator(cfg *config.AuthConfig) (*auth.Validator, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.JWKSURL != "" {
		return auth.NewJWKSValidator(cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	}
	return auth.NewSecretValidator(cfg.Secret, cfg.Issuer, cfg.Audience)
}

// deviceIDs feeds the scanner the set of declared devices.
func (rt *Runtime) deviceIDs() []string {
	snaps := rt.devices.Snapshots()
	ids := make([]string, 0, len(snaps))
	for _, snap := range snaps {
		ids = append(ids, snap.ID)
	}
	return ids
}

// Start launches the background loops and serves HTTP until Stop or a
// listener failure.
func (rt *Runtime) Start(ctx context.Context) error {
	ctx, rt.cancel = context.WithCancel(ctx)

	_, shutdown, err := observability.InitTracer(ctx, rt.cfg.Observability)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	rt.tracerShutdown = shutdown

	rt.spawn(func() { rt.devices.Run(ctx) })
	rt.spawn(func() { rt.scanner.Run(ctx) })
	rt.spawn(func() {
		rt.stream.RunSweeper(ctx, time.Duration(rt.cfg.Stream.SweepSeconds)*time.Second)
	})
	rt.spawn(func() { rt.agents.Warm(ctx) })
	rt.spawn(func() { rt.probeDeviceTools(ctx) })

	return rt.server.Start()
}

func (rt *Runtime) spawn(fn func()) {
	rt.bg.Add(1)
	go func() {
		defer rt.bg.Done()
		fn()
	}()
}

// probeDeviceTools discovers each device's tool surface at startup. A
// reachable device gets its tools published and an initial heartbeat.
// Probes run concurrently so one slow device doesn't delay the rest.
func (rt *Runtime) probeDeviceTools(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, snap := range rt.devices.Snapshots() {
		source, ok := rt.devices.Source(snap.ID)
		if !ok {
			continue
		}
		deviceID := snap.ID
		g.Go(func() error {
			tools, err := source.ListTools(ctx)
			if err != nil {
				rt.logger.Warn("device tool discovery failed", "device", deviceID, "error", err)
				return nil
			}
			_ = rt.devices.SetTools(deviceID, tools)
			_ = rt.devices.Heartbeat(deviceID)
			return nil
		})
	}
	_ = g.Wait()
}

// Stop shuts everything down in dependency order: transport first so no
// new work arrives, then workers, then delivery and storage.
func (rt *Runtime) Stop(ctx context.Context) error {
	var firstErr error

	if err := rt.server.Stop(ctx); err != nil {
		firstErr = err
	}
	if rt.cancel != nil {
		rt.cancel()
	}
	rt.pool.Stop()
	if rt.notifier != nil {
		rt.notifier.Close()
	}
	rt.bg.Wait()

	if rt.provider != nil {
		if err := rt.provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := rt.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := rt.repo.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if rt.dbPool != nil {
		if err := rt.dbPool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.tracerShutdown != nil {
		if err := rt.tracerShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
