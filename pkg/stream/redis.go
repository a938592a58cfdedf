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

package stream

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const streamKeyPrefix = "devmesh:stream:"
const deviceSetKey = "devmesh:stream:devices"

// RedisBackend persists streams as Redis streams, one per device. The
// Redis entry id doubles as the sequence watermark.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(addr, password string, db int) (*RedisBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisBackend{client: client}, nil
}

func streamKey(deviceID string) string {
	return streamKeyPrefix + deviceID
}

func (b *RedisBackend) Append(ctx context.Context, entry *Entry) error {
	values := map[string]interface{}{
		"ts":   entry.Timestamp.UnixMilli(),
		"ct":   entry.ContentType,
		"size": entry.Size,
	}
	if entry.BlobDigest != "" {
		values["blob"] = entry.BlobDigest
	} else {
		values["data"] = base64.StdEncoding.EncodeToString(entry.Data)
	}

	id, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(entry.DeviceID),
		Values: values,
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to append to stream for device %s: %w", entry.DeviceID, err)
	}
	entry.Seq = id

	return b.client.SAdd(ctx, deviceSetKey, entry.DeviceID).Err()
}

func (b *RedisBackend) ReadFrom(ctx context.Context, deviceID, after string, limit int) ([]*Entry, error) {
	start := "-"
	if after != "" {
		// Exclusive range, requires Redis 6.2+.
		start = "(" + after
	}
	if limit <= 0 {
		limit = 1000
	}

	msgs, err := b.client.XRangeN(ctx, streamKey(deviceID), start, "+", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream for device %s: %w", deviceID, err)
	}

	out := make([]*Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeMessage(deviceID, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func decodeMessage(deviceID string, msg redis.XMessage) (*Entry, error) {
	entry := &Entry{DeviceID: deviceID, Seq: msg.ID}

	if raw, ok := msg.Values["ts"].(string); ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt timestamp in stream entry %s: %w", msg.ID, err)
		}
		entry.Timestamp = time.UnixMilli(ms).UTC()
	}
	if ct, ok := msg.Values["ct"].(string); ok {
		entry.ContentType = ct
	}
	if raw, ok := msg.Values["size"].(string); ok {
		entry.Size, _ = strconv.ParseInt(raw, 10, 64)
	}
	if blob, ok := msg.Values["blob"].(string); ok {
		entry.BlobDigest = blob
		return entry, nil
	}
	if raw, ok := msg.Values["data"].(string); ok {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt payload in stream entry %s: %w", msg.ID, err)
		}
		entry.Data = data
	}
	return entry, nil
}

// Trim uses XTRIM MINID with a time-derived id; Redis stream ids embed the
// entry's arrival milliseconds.
func (b *RedisBackend) Trim(ctx context.Context, deviceID string, olderThan time.Time) (int, error) {
	minID := fmt.Sprintf("%d-0", olderThan.UnixMilli())
	removed, err := b.client.XTrimMinID(ctx, streamKey(deviceID), minID).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to trim stream for device %s: %w", deviceID, err)
	}
	return int(removed), nil
}

func (b *RedisBackend) Devices(ctx context.Context) ([]string, error) {
	return b.client.SMembers(ctx, deviceSetKey).Result()
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
