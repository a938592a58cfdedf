package stream

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendSequencing(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := b.Append(ctx, &Entry{DeviceID: "sensor-1", Data: []byte{byte(i)}, Timestamp: time.Now()})
		require.NoError(t, err)
	}
	require.NoError(t, b.Append(ctx, &Entry{DeviceID: "sensor-2", Data: []byte("other"), Timestamp: time.Now()}))

	entries, err := b.ReadFrom(ctx, "sensor-1", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, entries[0].Seq < entries[1].Seq)
	assert.True(t, entries[1].Seq < entries[2].Seq)

	// Paging resumes strictly after the watermark.
	rest, err := b.ReadFrom(ctx, "sensor-1", entries[0].Seq, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, entries[1].Seq, rest[0].Seq)

	// Limit caps the page.
	page, err := b.ReadFrom(ctx, "sensor-1", "", 2)
	require.NoError(t, err)
	assert.Len(t, page, 2)

	devices, err := b.Devices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sensor-1", "sensor-2"}, devices)
}

func TestMemoryBackendTrim(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 4; i++ {
		err := b.Append(ctx, &Entry{
			DeviceID:  "sensor-1",
			Data:      []byte{byte(i)},
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	removed, err := b.Trim(ctx, "sensor-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := b.ReadFrom(ctx, "sensor-1", "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestStreamSpillsLargePayloads(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)
	s := New(NewMemoryBackend(), blobs, 16, 0)
	ctx := context.Background()

	small, err := s.Append(ctx, "cam-1", "text/plain", []byte("tiny"))
	require.NoError(t, err)
	assert.Equal(t, []byte("tiny"), small.Data)
	assert.Empty(t, small.BlobDigest)

	big := bytes.Repeat([]byte("x"), 64)
	entry, err := s.Append(ctx, "cam-1", "application/octet-stream", big)
	require.NoError(t, err)
	assert.Empty(t, entry.Data)
	require.NotEmpty(t, entry.BlobDigest)
	assert.EqualValues(t, 64, entry.Size)

	loaded, err := s.OpenBlob("cam-1", entry.BlobDigest)
	require.NoError(t, err)
	assert.Equal(t, big, loaded)
}

func TestBlobStore(t *testing.T) {
	blobs, err := NewBlobStore(t.TempDir())
	require.NoError(t, err)

	digest, err := blobs.Put("dev", []byte("payload"))
	require.NoError(t, err)

	// Idempotent: same content, same digest.
	again, err := blobs.Put("dev", []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	data, err := blobs.Get("dev", digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = blobs.Get("dev", "deadbeef")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestSweepRemovesExpired(t *testing.T) {
	b := NewMemoryBackend()
	s := New(b, nil, 0, time.Hour)
	ctx := context.Background()

	old := &Entry{DeviceID: "sensor-1", Data: []byte("old"), Timestamp: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, b.Append(ctx, old))
	_, err := s.Append(ctx, "sensor-1", "", []byte("fresh"))
	require.NoError(t, err)

	s.sweep(ctx)

	entries, err := s.ReadFrom(ctx, "sensor-1", "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("fresh"), entries[0].Data)
}
