package agents

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/config"
	"github.com/kadirpekel/devmesh/pkg/repository"
)

func cardServer(t *testing.T, name string, fetches *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/agent-card.json", r.URL.Path)
		fetches.Add(1)
		json.NewEncoder(w).Encode(a2a.AgentCard{
			ProtocolVersion: a2a.ProtocolVersion,
			Name:            name,
			Description:     name + " does things",
		})
	}))
}

func TestCardFetchAndCache(t *testing.T) {
	var fetches atomic.Int64
	server := cardServer(t, "weather-bot", &fetches)
	defer server.Close()

	repo := repository.NewMemoryRepository()
	r := NewRegistry(a2a.NewClient(), repo, []config.AgentEndpointConfig{
		{Name: "weather-bot", URL: server.URL, CardTTLSeconds: 300},
	})

	ctx := context.Background()
	card, err := r.Card(ctx, "weather-bot")
	require.NoError(t, err)
	assert.Equal(t, "weather-bot", card.Name)
	assert.EqualValues(t, 1, fetches.Load())

	// Second read hits the cache.
	_, err = r.Card(ctx, "weather-bot")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fetches.Load())

	// The card also landed in the store.
	rec, err := repo.GetAgentCard(ctx, "weather-bot")
	require.NoError(t, err)
	assert.Equal(t, "weather-bot", rec.Card.Name)

	_, err = r.Card(ctx, "nobody")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestStaleCardServedOnFetchFailure(t *testing.T) {
	var fetches atomic.Int64
	server := cardServer(t, "weather-bot", &fetches)

	r := NewRegistry(a2a.NewClient(), nil, []config.AgentEndpointConfig{
		// 0 TTL falls back to the default, so force expiry with a negative
		// fetch time below instead; here use a 1-second TTL and a dead server.
		{Name: "weather-bot", URL: server.URL, CardTTLSeconds: 1},
	})

	ctx := context.Background()
	_, err := r.Card(ctx, "weather-bot")
	require.NoError(t, err)

	// Expire the cache and kill the server: stale card still served.
	server.Close()
	r.mu.Lock()
	r.endpoints["weather-bot"].FetchedAt = r.endpoints["weather-bot"].FetchedAt.Add(-time.Hour)
	r.mu.Unlock()

	card, err := r.Card(ctx, "weather-bot")
	require.NoError(t, err)
	assert.Equal(t, "weather-bot", card.Name)

	eps := r.Endpoints()
	require.Len(t, eps, 1)
	assert.False(t, eps[0].Healthy)
	assert.NotEmpty(t, eps[0].LastError)
}

func TestDisabledAgentsSkipped(t *testing.T) {
	disabled := false
	r := NewRegistry(a2a.NewClient(), nil, []config.AgentEndpointConfig{
		{Name: "off", URL: "http://example.com", Enabled: &disabled},
		{Name: "on", URL: "http://example.com"},
	})

	eps := r.Endpoints()
	require.Len(t, eps, 1)
	assert.Equal(t, "on", eps[0].Name)
}

func TestOptionsRequireKnownCard(t *testing.T) {
	var fetches atomic.Int64
	server := cardServer(t, "weather-bot", &fetches)
	defer server.Close()

	r := NewRegistry(a2a.NewClient(), nil, []config.AgentEndpointConfig{
		{Name: "weather-bot", URL: server.URL},
		{Name: "unreachable", URL: "http://127.0.0.1:1"},
	})

	assert.Empty(t, r.Options())

	_, err := r.Card(context.Background(), "weather-bot")
	require.NoError(t, err)

	opts := r.Options()
	require.Len(t, opts, 1)
	assert.Equal(t, "weather-bot", opts[0].Name)
	assert.Contains(t, opts[0].Description, "does things")
}
