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

// Package scanner turns device stream data into work. Each pass reads
// every device's new entries past the stored watermark, hands them to the
// handler, and advances the watermark per entry so a crash never loses
// or replays acknowledged data. Device failures are isolated per pass.
package scanner

import (
	"context"
	"log/slog"
	"time"

	"github.com/kadirpekel/devmesh/pkg/repository"
	"github.com/kadirpekel/devmesh/pkg/stream"
)

// Handler consumes one new stream entry. Returning an error halts the
// device's scan for this pass; the watermark stays put so the entry is
// retried next pass. Duplicate-origin task creation must be swallowed by
// the handler, it is the normal crash-replay case.
type Handler func(ctx context.Context, entry *stream.Entry) error

// Scanner drives the periodic scan loop.
type Scanner struct {
	stream     *stream.Stream
	watermarks repository.WatermarkStore
	devices    func() []string
	handler    Handler

	interval   time.Duration
	batchLimit int
	logger     *slog.Logger
}

func New(s *stream.Stream, watermarks repository.WatermarkStore, devices func() []string, handler Handler, interval time.Duration, batchLimit int) *Scanner {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchLimit <= 0 {
		batchLimit = 100
	}
	return &Scanner{
		stream:     s,
		watermarks: watermarks,
		devices:    devices,
		handler:    handler,
		interval:   interval,
		batchLimit: batchLimit,
		logger:     slog.Default().With("component", "scanner"),
	}
}

// Run scans until ctx is done. The first pass fires immediately.
func (s *Scanner) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Scan(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan performs one pass over all devices.
func (s *Scanner) Scan(ctx context.Context) {
	for _, deviceID := range s.devices() {
		if ctx.Err() != nil {
			return
		}
		if err := s.scanDevice(ctx, deviceID); err != nil {
			s.logger.Error("device scan failed", "device", deviceID, "error", err)
		}
	}
}

func (s *Scanner) scanDevice(ctx context.Context, deviceID string) error {
	watermark, err := s.watermarks.GetWatermark(ctx, deviceID)
	if err != nil {
		return err
	}

	entries, err := s.stream.ReadFrom(ctx, deviceID, watermark, s.batchLimit)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := s.handler(ctx, entry); err != nil {
			return err
		}
		if err := s.watermarks.SetWatermark(ctx, deviceID, entry.Seq); err != nil {
			return err
		}
	}

	if len(entries) > 0 {
		s.logger.Debug("scanned device entries", "device", deviceID, "count", len(entries))
	}
	return nil
}
