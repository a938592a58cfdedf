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

// Package workerpool bounds the concurrency of task execution. Jobs
// queue FIFO; when the queue stays full past the submit grace period the
// pool reports overload instead of blocking the caller indefinitely.
package workerpool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOverloaded reports a full queue that did not drain within the grace
// period.
var ErrOverloaded = errors.New("worker pool overloaded")

// ErrStopped reports a submit after shutdown.
var ErrStopped = errors.New("worker pool stopped")

// Job is one unit of work. The ctx passed in is the job's own context,
// canceled when the pool shuts down.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of workers.
type Pool struct {
	queue chan Job
	grace time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// New starts a pool with the given worker count and queue size. Workers
// default to 4, the queue to 256.
func New(workers, queueSize int, grace time.Duration) *Pool {
	if workers < 4 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan Job, queueSize),
		grace:  grace,
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(job)
		}
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker recovered from panic", "panic", r)
		}
	}()
	job(p.ctx)
}

// Submit enqueues a job, waiting up to the grace period for a slot.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	select {
	case p.queue <- job:
		return nil
	default:
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()

	select {
	case p.queue <- job:
		return nil
	case <-timer.C:
		return ErrOverloaded
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrStopped
	}
}

// Stop drains nothing: queued jobs not yet started are abandoned and
// running jobs see their context canceled. Blocks until workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
