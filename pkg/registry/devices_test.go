package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/devices"
)

func newTestRegistry(t *testing.T) (*DeviceRegistry, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := NewDeviceRegistry(90*time.Second, 15*time.Second)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestLivenessClassification(t *testing.T) {
	r, now := newTestRegistry(t)
	require.NoError(t, r.Register(DeviceInfo{ID: "sensor-1"}, nil))

	snap, ok := r.Snapshot("sensor-1")
	require.True(t, ok)
	assert.Equal(t, LivenessOnline, snap.Liveness)

	// Within the window: still online.
	*now = now.Add(89 * time.Second)
	snap, _ = r.Snapshot("sensor-1")
	assert.Equal(t, LivenessOnline, snap.Liveness)

	// Past the window: unknown.
	*now = now.Add(2 * time.Second)
	snap, _ = r.Snapshot("sensor-1")
	assert.Equal(t, LivenessUnknown, snap.Liveness)

	// Past twice the window: offline.
	*now = now.Add(91 * time.Second)
	snap, _ = r.Snapshot("sensor-1")
	assert.Equal(t, LivenessOffline, snap.Liveness)

	// Heartbeat resurrects.
	require.NoError(t, r.Heartbeat("sensor-1"))
	snap, _ = r.Snapshot("sensor-1")
	assert.Equal(t, LivenessOnline, snap.Liveness)
}

func TestHeartbeatNotifiesOnResurface(t *testing.T) {
	r, now := newTestRegistry(t)
	require.NoError(t, r.Register(DeviceInfo{ID: "sensor-1"}, nil))

	var fired int
	r.OnChange(func() { fired++ })

	// Online heartbeat: no liveness change, no notification.
	require.NoError(t, r.Heartbeat("sensor-1"))
	assert.Equal(t, 0, fired)

	*now = now.Add(5 * time.Minute)
	assert.True(t, r.reclassify())
	require.NoError(t, r.Heartbeat("sensor-1"))
	assert.Equal(t, 1, fired)
}

func TestMatchByIntentOrdering(t *testing.T) {
	r, now := newTestRegistry(t)
	base := *now

	require.NoError(t, r.Register(DeviceInfo{ID: "thermo", Keywords: []string{"temperature", "thermostat"}}, nil))
	require.NoError(t, r.Register(DeviceInfo{ID: "weather", Keywords: []string{"temperature", "humidity", "weather"}}, nil))
	require.NoError(t, r.Register(DeviceInfo{ID: "lock", Keywords: []string{"door", "lock"}}, nil))

	// weather matches two keywords, thermo one.
	matches := r.MatchByIntent("what is the temperature and humidity outside?", 1)
	require.Len(t, matches, 2)
	assert.Equal(t, "weather", matches[0].ID)
	assert.Equal(t, "thermo", matches[1].ID)

	// Equal overlap: liveness decides. Age thermo into unknown.
	r.mu.Lock()
	r.devices["thermo"].lastHeartbeat = base.Add(-2 * time.Minute)
	r.mu.Unlock()

	matches = r.MatchByIntent("temperature please", 1)
	require.Len(t, matches, 2)
	assert.Equal(t, "weather", matches[0].ID)
	assert.Equal(t, LivenessUnknown, matches[1].Liveness)

	// Offline devices drop out of the candidate set entirely.
	r.mu.Lock()
	r.devices["thermo"].lastHeartbeat = base.Add(-10 * time.Minute)
	r.mu.Unlock()

	matches = r.MatchByIntent("temperature please", 1)
	require.Len(t, matches, 1)
	assert.Equal(t, "weather", matches[0].ID)

	// No overlap at all.
	assert.Empty(t, r.MatchByIntent("play some music", 1))

	// Higher threshold filters single-keyword matches.
	matches = r.MatchByIntent("temperature", 2)
	assert.Empty(t, matches)
}

func TestMatchByIntentHeartbeatTieBreak(t *testing.T) {
	r, now := newTestRegistry(t)
	base := *now

	require.NoError(t, r.Register(DeviceInfo{ID: "a", Keywords: []string{"camera"}}, nil))
	require.NoError(t, r.Register(DeviceInfo{ID: "b", Keywords: []string{"camera"}}, nil))

	r.mu.Lock()
	r.devices["a"].lastHeartbeat = base.Add(-30 * time.Second)
	r.devices["b"].lastHeartbeat = base.Add(-10 * time.Second)
	r.mu.Unlock()

	matches := r.MatchByIntent("show the camera", 1)
	require.Len(t, matches, 2)
	assert.Equal(t, "b", matches[0].ID)
	assert.Equal(t, "a", matches[1].ID)
}

func TestRecordTraffic(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(DeviceInfo{ID: "sensor-1"}, nil))

	r.RecordTraffic("sensor-1", 3, 512)
	r.RecordTraffic("sensor-1", 1, 128)

	snap, ok := r.Snapshot("sensor-1")
	require.True(t, ok)
	assert.EqualValues(t, 4, snap.EntriesReceived)
	assert.EqualValues(t, 640, snap.BytesReceived)
}

func TestRestoreStats(t *testing.T) {
	r, now := newTestRegistry(t)
	require.NoError(t, r.Register(DeviceInfo{ID: "sensor-1"}, nil))

	// A restored heartbeat replaces the registration stamp, so liveness
	// reflects the device's real last activity.
	seen := now.Add(-10 * time.Minute)
	require.NoError(t, r.RestoreStats("sensor-1", seen, 42, 4096))

	snap, ok := r.Snapshot("sensor-1")
	require.True(t, ok)
	assert.EqualValues(t, 42, snap.EntriesReceived)
	assert.EqualValues(t, 4096, snap.BytesReceived)
	assert.Equal(t, seen, snap.LastHeartbeat)
	assert.Equal(t, LivenessOffline, snap.Liveness)

	assert.Error(t, r.RestoreStats("missing", *now, 0, 0))
}

func TestSetToolsAndSnapshots(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(DeviceInfo{ID: "b"}, nil))
	require.NoError(t, r.Register(DeviceInfo{ID: "a"}, nil))

	require.NoError(t, r.SetTools("a", []devices.ToolInfo{{Name: "read"}}))

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "a", snaps[0].ID)
	require.Len(t, snaps[0].Tools, 1)
	assert.Equal(t, "read", snaps[0].Tools[0].Name)

	assert.Error(t, r.SetTools("missing", nil))
	assert.Error(t, r.Heartbeat("missing"))

	require.NoError(t, r.Remove("b"))
	assert.Len(t, r.Snapshots(), 1)

	require.NoError(t, r.Register(DeviceInfo{ID: "b"}, nil))
	assert.Error(t, r.Register(DeviceInfo{ID: "b"}, nil))
}
