package manifest

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/devices"
	"github.com/kadirpekel/devmesh/pkg/registry"
)

func testSettings() Settings {
	return Settings{
		Name:        "devmesh",
		Description: "device mesh broker",
		Version:     "1.0.0",
		BaseURL:     "http://localhost:8080",
		PushEnabled: true,
		BuiltinSkills: []a2a.AgentSkill{
			{ID: "chat", Name: "Chat", Description: "General conversation"},
		},
	}
}

func TestCardReflectsRegistry(t *testing.T) {
	reg := NewDeviceRegistryForTest()
	b := NewBuilder(testSettings(), reg)

	card := b.Card()
	require.NotNil(t, card)
	assert.Equal(t, a2a.ProtocolVersion, card.ProtocolVersion)
	assert.Equal(t, "jsonrpc", card.PreferredTransport)
	assert.True(t, card.Capabilities.Streaming)
	assert.True(t, card.Capabilities.PushNotifications)
	require.Len(t, card.Skills, 1)
	assert.Equal(t, "chat", card.Skills[0].ID)

	// Registering a device rebuilds the card via the change listener.
	require.NoError(t, reg.Register(registry.DeviceInfo{
		ID:       "sensor-1",
		Name:     "Temp Sensor",
		Keywords: []string{"temperature"},
	}, nil))
	require.NoError(t, reg.SetTools("sensor-1", []devices.ToolInfo{{Name: "read_temperature"}}))

	card = b.Card()
	require.Len(t, card.Skills, 2)
	assert.Equal(t, "chat", card.Skills[0].ID)
	assert.Equal(t, "device:sensor-1", card.Skills[1].ID)
	assert.Contains(t, card.Skills[1].Description, "read_temperature")
	assert.Contains(t, card.Skills[1].Tags, "temperature")
}

func TestCardIsImmutableSnapshot(t *testing.T) {
	reg := NewDeviceRegistryForTest()
	b := NewBuilder(testSettings(), reg)

	before := b.Card()
	require.NoError(t, reg.Register(registry.DeviceInfo{ID: "d1"}, nil))
	after := b.Card()

	assert.NotSame(t, before, after)
	assert.Len(t, before.Skills, 1)
	assert.Len(t, after.Skills, 2)
}

func TestSecuritySchemesFollowAuth(t *testing.T) {
	settings := testSettings()
	settings.AuthEnabled = true
	b := NewBuilder(settings, nil)

	card := b.Card()
	require.Contains(t, card.SecuritySchemes, "bearer")
	assert.Equal(t, "http", card.SecuritySchemes["bearer"].Type)

	b = NewBuilder(testSettings(), nil)
	assert.Empty(t, b.Card().SecuritySchemes)
}

func TestPushCapabilityFollowsSettings(t *testing.T) {
	settings := testSettings()
	settings.PushEnabled = false
	b := NewBuilder(settings, nil)
	assert.False(t, b.Card().Capabilities.PushNotifications)
}

func TestConcurrentInvalidate(t *testing.T) {
	reg := NewDeviceRegistryForTest()
	b := NewBuilder(testSettings(), reg)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Invalidate()
		}()
	}
	wg.Wait()

	require.NotNil(t, b.Card())
	assert.Len(t, b.Card().Skills, 1)
}

// NewDeviceRegistryForTest keeps test setup in one place.
func NewDeviceRegistryForTest() *registry.DeviceRegistry {
	return registry.NewDeviceRegistry(90*time.Second, time.Minute)
}
