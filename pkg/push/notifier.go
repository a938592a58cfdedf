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

// Package push delivers task events to registered webhook callbacks.
// Deliveries to a single callback are ordered; distinct callbacks are
// independent. Failed deliveries retry with exponential backoff and give
// up after a bounded number of attempts.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/devmesh/pkg/a2a"
)

const deliveryIDHeader = "X-A2A-Notification-Id"
const tokenHeader = "X-A2A-Notification-Token"

// ConfigSource yields the callbacks registered for a task.
type ConfigSource interface {
	PushConfigs(ctx context.Context, taskID string) ([]*a2a.PushNotificationConfig, error)
}

// Options tune delivery behavior. Zero values pick the defaults.
type Options struct {
	MaxAttempts    int           // default 6
	BaseDelay      time.Duration // default 1s
	MaxDelay       time.Duration // default 60s
	AttemptTimeout time.Duration // default 15s
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 6
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 60 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 15 * time.Second
	}
}

// Notifier fans task events out to webhook callbacks. One worker per
// callback URL keeps per-target ordering.
type Notifier struct {
	source ConfigSource
	client *http.Client
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	queues map[string]chan delivery
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type delivery struct {
	cfg     *a2a.PushNotificationConfig
	payload []byte
	taskID  string
}

func NewNotifier(source ConfigSource, opts Options) *Notifier {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		source: source,
		client: &http.Client{Timeout: opts.AttemptTimeout},
		opts:   opts,
		logger: slog.Default().With("component", "push"),
		queues: make(map[string]chan delivery),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Notify is the task manager sink. Only status updates travel over push;
// artifact chunks would flood slow webhook endpoints.
func (n *Notifier) Notify(ctx context.Context, taskID string, event a2a.StreamEvent) {
	if event.StatusUpdate == nil {
		return
	}

	configs, err := n.source.PushConfigs(ctx, taskID)
	if err != nil {
		n.logger.Error("failed to load push configs", "task_id", taskID, "error", err)
		return
	}
	if len(configs) == 0 {
		return
	}

	payload, err := json.Marshal(event.StatusUpdate)
	if err != nil {
		n.logger.Error("failed to marshal push payload", "task_id", taskID, "error", err)
		return
	}

	for _, cfg := range configs {
		n.enqueue(delivery{cfg: cfg, payload: payload, taskID: taskID})
	}
}

func (n *Notifier) enqueue(d delivery) {
	n.mu.Lock()
	q, ok := n.queues[d.cfg.URL]
	if !ok {
		q = make(chan delivery, 64)
		n.queues[d.cfg.URL] = q
		n.wg.Add(1)
		go n.worker(q)
	}
	n.mu.Unlock()

	select {
	case q <- d:
	default:
		n.logger.Warn("push queue full, dropping notification",
			"task_id", d.taskID, "url", d.cfg.URL)
	}
}

func (n *Notifier) worker(q chan delivery) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			return
		case d := <-q:
			n.deliver(d)
		}
	}
}

// deliver attempts one notification with backoff. Client errors (4xx)
// never retry; the callback has rejected the payload.
func (n *Notifier) deliver(d delivery) {
	deliveryID := uuid.New().String()
	delay := n.opts.BaseDelay

	for attempt := 1; attempt <= n.opts.MaxAttempts; attempt++ {
		err := n.post(d, deliveryID)
		if err == nil {
			n.logger.Debug("push delivered",
				"task_id", d.taskID, "url", d.cfg.URL, "attempt", attempt)
			return
		}

		var permErr *permanentError
		if errors.As(err, &permErr) {
			n.logger.Warn("push rejected by callback",
				"task_id", d.taskID, "url", d.cfg.URL, "status", permErr.status)
			return
		}

		if attempt == n.opts.MaxAttempts {
			n.logger.Error("push delivery gave up",
				"task_id", d.taskID, "url", d.cfg.URL, "attempts", attempt, "error", err)
			return
		}

		n.logger.Debug("push delivery failed, retrying",
			"task_id", d.taskID, "url", d.cfg.URL, "attempt", attempt, "error", err)

		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > n.opts.MaxDelay {
			delay = n.opts.MaxDelay
		}
	}
}

func (n *Notifier) post(d delivery, deliveryID string) error {
	ctx, cancel := context.WithTimeout(n.ctx, n.opts.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.URL, bytes.NewReader(d.payload))
	if err != nil {
		return &permanentError{status: 0, err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(deliveryIDHeader, deliveryID)
	if d.cfg.Token != "" {
		req.Header.Set(tokenHeader, d.cfg.Token)
	}
	if auth := d.cfg.Authentication; auth != nil && auth.Credentials != "" {
		req.Header.Set("Authorization", "Bearer "+auth.Credentials)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &permanentError{status: resp.StatusCode}
	default:
		return fmt.Errorf("callback returned status %d", resp.StatusCode)
	}
}

// Close stops all workers. In-flight deliveries are abandoned.
func (n *Notifier) Close() {
	n.cancel()
	n.wg.Wait()
}

type permanentError struct {
	status int
	err    error
}

func (e *permanentError) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("callback returned status %d", e.status)
}
