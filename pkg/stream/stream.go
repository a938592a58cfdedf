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

// Package stream stores the append-only per-device data streams. Each
// appended entry gets a sequence id that is strictly increasing within
// its device; readers page forward from a sequence watermark. Payloads
// over the inline limit spill to the content-addressed blob store and the
// entry carries the digest instead of the bytes.
package stream

import (
	"context"
	"log/slog"
	"time"
)

// Entry is one datum received from a device.
type Entry struct {
	DeviceID    string    `json:"deviceId"`
	Seq         string    `json:"seq"`
	Timestamp   time.Time `json:"timestamp"`
	ContentType string    `json:"contentType,omitempty"`

	// Inline payload; empty when spilled to the blob store.
	Data []byte `json:"data,omitempty"`

	// Sha256 hex digest of a spilled payload.
	BlobDigest string `json:"blobDigest,omitempty"`

	Size int64 `json:"size"`
}

// Backend persists entries for one process. Append assigns Seq.
type Backend interface {
	Append(ctx context.Context, entry *Entry) error
	// ReadFrom returns up to limit entries with Seq strictly greater than
	// after (empty after reads from the start), oldest first.
	ReadFrom(ctx context.Context, deviceID, after string, limit int) ([]*Entry, error)
	// Trim drops entries older than the cutoff, returning how many.
	Trim(ctx context.Context, deviceID string, olderThan time.Time) (int, error)
	Devices(ctx context.Context) ([]string, error)
	Close() error
}

// Stream combines a backend with blob spillover and retention.
type Stream struct {
	backend   Backend
	blobs     *BlobStore
	inlineMax int
	retention time.Duration
	logger    *slog.Logger
}

// New builds a stream. blobs may be nil, in which case oversized payloads
// stay inline.
func New(backend Backend, blobs *BlobStore, inlineMax int, retention time.Duration) *Stream {
	if inlineMax <= 0 {
		inlineMax = 1 << 20
	}
	return &Stream{
		backend:   backend,
		blobs:     blobs,
		inlineMax: inlineMax,
		retention: retention,
		logger:    slog.Default().With("component", "stream"),
	}
}

// Append stores one payload, spilling large ones to the blob store.
func (s *Stream) Append(ctx context.Context, deviceID, contentType string, payload []byte) (*Entry, error) {
	entry := &Entry{
		DeviceID:    deviceID,
		Timestamp:   time.Now().UTC(),
		ContentType: contentType,
		Size:        int64(len(payload)),
	}

	if s.blobs != nil && len(payload) > s.inlineMax {
		digest, err := s.blobs.Put(deviceID, payload)
		if err != nil {
			return nil, err
		}
		entry.BlobDigest = digest
	} else {
		entry.Data = payload
	}

	if err := s.backend.Append(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReadFrom pages entries after the given sequence, oldest first.
func (s *Stream) ReadFrom(ctx context.Context, deviceID, after string, limit int) ([]*Entry, error) {
	return s.backend.ReadFrom(ctx, deviceID, after, limit)
}

// OpenBlob loads a spilled payload by digest.
func (s *Stream) OpenBlob(deviceID, digest string) ([]byte, error) {
	if s.blobs == nil {
		return nil, ErrBlobNotFound
	}
	return s.blobs.Get(deviceID, digest)
}

// RunSweeper enforces retention until ctx is done.
func (s *Stream) RunSweeper(ctx context.Context, interval time.Duration) {
	if s.retention <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Stream) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	devices, err := s.backend.Devices(ctx)
	if err != nil {
		s.logger.Error("retention sweep failed to list devices", "error", err)
		return
	}
	for _, deviceID := range devices {
		removed, err := s.backend.Trim(ctx, deviceID, cutoff)
		if err != nil {
			s.logger.Error("retention trim failed", "device", deviceID, "error", err)
			continue
		}
		if removed > 0 {
			s.logger.Debug("trimmed expired entries", "device", deviceID, "removed", removed)
		}
	}
	if s.blobs != nil {
		if err := s.blobs.Sweep(cutoff); err != nil {
			s.logger.Error("blob sweep failed", "error", err)
		}
	}
}

func (s *Stream) Close() error {
	return s.backend.Close()
}
