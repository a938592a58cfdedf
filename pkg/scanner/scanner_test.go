package scanner

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/repository"
	"github.com/kadirpekel/devmesh/pkg/stream"
)

func testStream(t *testing.T) *stream.Stream {
	t.Helper()
	return stream.New(stream.NewMemoryBackend(), nil, 0, 0)
}

func TestScanProcessesNewEntriesOnce(t *testing.T) {
	s := testStream(t)
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, "sensor-1", "text/plain", []byte(fmt.Sprintf("entry-%d", i)))
		require.NoError(t, err)
	}

	var seen []string
	sc := New(s, repo, func() []string { return []string{"sensor-1"} },
		func(_ context.Context, entry *stream.Entry) error {
			seen = append(seen, string(entry.Data))
			return nil
		}, time.Minute, 100)

	sc.Scan(ctx)
	assert.Equal(t, []string{"entry-0", "entry-1", "entry-2"}, seen)

	// Nothing new: second pass is a no-op.
	sc.Scan(ctx)
	assert.Len(t, seen, 3)

	// New data resumes past the watermark.
	_, err := s.Append(ctx, "sensor-1", "text/plain", []byte("entry-3"))
	require.NoError(t, err)
	sc.Scan(ctx)
	assert.Equal(t, "entry-3", seen[len(seen)-1])
}

func TestScanBatchLimit(t *testing.T) {
	s := testStream(t)
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Append(ctx, "sensor-1", "", []byte{byte(i)})
		require.NoError(t, err)
	}

	var count int
	sc := New(s, repo, func() []string { return []string{"sensor-1"} },
		func(context.Context, *stream.Entry) error { count++; return nil },
		time.Minute, 2)

	sc.Scan(ctx)
	assert.Equal(t, 2, count)
	sc.Scan(ctx)
	assert.Equal(t, 4, count)
	sc.Scan(ctx)
	assert.Equal(t, 5, count)
}

func TestScanHandlerErrorHoldsWatermark(t *testing.T) {
	s := testStream(t)
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	_, err := s.Append(ctx, "sensor-1", "", []byte("poison"))
	require.NoError(t, err)

	fail := true
	var processed int
	sc := New(s, repo, func() []string { return []string{"sensor-1"} },
		func(context.Context, *stream.Entry) error {
			if fail {
				return errors.New("downstream unavailable")
			}
			processed++
			return nil
		}, time.Minute, 100)

	sc.Scan(ctx)
	assert.Zero(t, processed)

	// The entry replays once the handler recovers.
	fail = false
	sc.Scan(ctx)
	assert.Equal(t, 1, processed)
}

func TestScanDeviceFailureIsIsolated(t *testing.T) {
	s := testStream(t)
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	_, err := s.Append(ctx, "bad", "", []byte("x"))
	require.NoError(t, err)
	_, err = s.Append(ctx, "good", "", []byte("y"))
	require.NoError(t, err)

	var goodSeen int
	sc := New(s, repo, func() []string { return []string{"bad", "good"} },
		func(_ context.Context, entry *stream.Entry) error {
			if entry.DeviceID == "bad" {
				return errors.New("boom")
			}
			goodSeen++
			return nil
		}, time.Minute, 100)

	sc.Scan(ctx)
	assert.Equal(t, 1, goodSeen)
}
