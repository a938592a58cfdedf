package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/llms"
	"github.com/kadirpekel/devmesh/pkg/registry"
)

type fakeProvider struct {
	completion string
	err        error
}

func (f *fakeProvider) Generate(context.Context, []llms.Message) (string, int, error) {
	return f.completion, 10, f.err
}
func (f *fakeProvider) ModelName() string { return "fake" }
func (f *fakeProvider) Close() error      { return nil }

type fakeAgents struct{ options []AgentOption }

func (f *fakeAgents) Options() []AgentOption { return f.options }

func testDevices(t *testing.T) *registry.DeviceRegistry {
	t.Helper()
	reg := registry.NewDeviceRegistry(90*time.Second, time.Minute)
	require.NoError(t, reg.Register(registry.DeviceInfo{
		ID:       "thermo",
		Name:     "Thermostat",
		Keywords: []string{"temperature", "thermostat"},
	}, nil))
	return reg
}

func TestRouteDeviceDecision(t *testing.T) {
	provider := &fakeProvider{completion: `{
		"action": "device",
		"device_id": "thermo",
		"tool": "read_temperature",
		"parameters": {"unit": "celsius"},
		"confidence": 0.92,
		"reasoning": "user asks for temperature"
	}`}
	r := New(testDevices(t), nil, provider, 0.5, 1)

	d := r.Route(context.Background(), "what is the temperature?")
	assert.Equal(t, KindDevice, d.Kind)
	assert.Equal(t, "thermo", d.DeviceID)
	assert.Equal(t, "read_temperature", d.Tool)
	assert.Equal(t, "celsius", d.Parameters["unit"])
}

func TestRouteLowConfidenceAsksForInput(t *testing.T) {
	cases := []struct {
		name       string
		completion string
	}{
		{"device", `{"action": "device", "device_id": "thermo", "confidence": 0.3}`},
		{"delegate", `{"action": "delegate", "agent": "weather-bot", "confidence": 0.2}`},
		{"reject", `{"action": "reject", "confidence": 0.1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			provider := &fakeProvider{completion: tc.completion}
			r := New(testDevices(t), nil, provider, 0.5, 1)

			d := r.Route(context.Background(), "do the thing")
			assert.Equal(t, KindInputRequired, d.Kind)
		})
	}

	// A low-confidence local reply is harmless and goes through as-is.
	provider := &fakeProvider{completion: `{"action": "local", "confidence": 0.2}`}
	r := New(testDevices(t), nil, provider, 0.5, 1)
	d := r.Route(context.Background(), "hello there")
	assert.Equal(t, KindLocal, d.Kind)
}

func TestRouteUnknownDeviceFallsThrough(t *testing.T) {
	provider := &fakeProvider{completion: `{"action": "device", "device_id": "ghost", "confidence": 0.9}`}
	r := New(testDevices(t), nil, provider, 0.5, 1)

	// Unknown device from the model counts as a model failure; keyword
	// matching takes over.
	d := r.Route(context.Background(), "set the thermostat to 20")
	assert.Equal(t, KindDevice, d.Kind)
	assert.Equal(t, "thermo", d.DeviceID)
}

func TestRouteDelegate(t *testing.T) {
	provider := &fakeProvider{completion: `{"action": "delegate", "agent": "weather-bot", "confidence": 0.8}`}
	agents := &fakeAgents{options: []AgentOption{{Name: "weather-bot", Description: "forecasts"}}}
	r := New(testDevices(t), agents, provider, 0.5, 1)

	d := r.Route(context.Background(), "will it rain tomorrow?")
	assert.Equal(t, KindDelegate, d.Kind)
	assert.Equal(t, "weather-bot", d.AgentName)
}

func TestRouteModelErrorFallsBackToKeywords(t *testing.T) {
	provider := &fakeProvider{err: errors.New("rate limited")}
	r := New(testDevices(t), nil, provider, 0.5, 1)

	d := r.Route(context.Background(), "check the temperature please")
	assert.Equal(t, KindDevice, d.Kind)
	assert.Equal(t, "thermo", d.DeviceID)

	// No keyword overlap either: local reply.
	d = r.Route(context.Background(), "tell me a joke")
	assert.Equal(t, KindLocal, d.Kind)
}

func TestRouteWithoutProvider(t *testing.T) {
	r := New(testDevices(t), nil, nil, 0.5, 1)

	d := r.Route(context.Background(), "thermostat status")
	assert.Equal(t, KindDevice, d.Kind)
}

func TestRouteEmptyMessage(t *testing.T) {
	r := New(testDevices(t), nil, nil, 0.5, 1)
	d := r.Route(context.Background(), "   ")
	assert.Equal(t, KindInputRequired, d.Kind)
}

func TestRouteRejectsOfflineDevice(t *testing.T) {
	// A millisecond liveness window ages the device out immediately.
	reg := registry.NewDeviceRegistry(time.Millisecond, time.Minute)
	require.NoError(t, reg.Register(registry.DeviceInfo{ID: "thermo", Keywords: []string{"temperature"}}, nil))
	time.Sleep(10 * time.Millisecond)

	provider := &fakeProvider{completion: `{"action": "device", "device_id": "thermo", "confidence": 0.9}`}
	r := New(reg, nil, provider, 0.5, 1)

	d := r.Route(context.Background(), "temperature?")
	assert.Equal(t, KindReject, d.Kind)
}
