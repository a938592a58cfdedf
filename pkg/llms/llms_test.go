package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/config"
)

func TestNewProvider(t *testing.T) {
	_, err := NewProvider(config.LLMConfig{Type: "openai", APIKey: "k", Model: "gpt-4o"})
	require.NoError(t, err)

	_, err = NewProvider(config.LLMConfig{Type: "anthropic", APIKey: "k", Model: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = NewProvider(config.LLMConfig{Type: "mistral"})
	assert.Error(t, err)

	_, err = NewProvider(config.LLMConfig{Type: "openai"})
	assert.Error(t, err, "missing api key")
}

func TestOpenAIGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req openAIRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hello back"}},
			},
			"usage": map[string]int{"total_tokens": 42},
		})
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(config.LLMConfig{
		Type: "openai", APIKey: "test-key", Model: "gpt-4o", Host: server.URL,
	})
	require.NoError(t, err)

	text, tokens, err := p.Generate(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", text)
	assert.Equal(t, 42, tokens)
}

func TestAnthropicGenerate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "be brief", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "hello back"}},
			"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	}))
	defer server.Close()

	p, err := NewAnthropicProvider(config.LLMConfig{
		Type: "anthropic", APIKey: "test-key", Model: "claude-sonnet-4-20250514", Host: server.URL,
	})
	require.NoError(t, err)

	text, tokens, err := p.Generate(context.Background(), []Message{
		{Role: "system", Content: "be brief"},
		{Role: "user", Content: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", text)
	assert.Equal(t, 15, tokens)
}

func TestGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"bad model"}}`))
	}))
	defer server.Close()

	p, err := NewOpenAIProvider(config.LLMConfig{Type: "openai", APIKey: "k", Model: "x", Host: server.URL})
	require.NoError(t, err)

	_, _, err = p.Generate(context.Background(), []Message{{Role: "user", Content: "hi"}})
	assert.ErrorContains(t, err, "status 400")
}

func TestDecodeJSON(t *testing.T) {
	type decision struct {
		NeedsTool  bool    `json:"needs_tool"`
		Confidence float64 `json:"confidence"`
	}

	cases := []struct {
		name  string
		input string
	}{
		{"bare", `{"needs_tool": true, "confidence": 0.9}`},
		{"fenced", "```json\n{\"needs_tool\": true, \"confidence\": 0.9}\n```"},
		{"prose", "Here is my analysis:\n{\"needs_tool\": true, \"confidence\": 0.9}\nHope that helps."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var d decision
			require.NoError(t, DecodeJSON(tc.input, &d))
			assert.True(t, d.NeedsTool)
			assert.InDelta(t, 0.9, d.Confidence, 1e-9)
		})
	}

	var d decision
	assert.Error(t, DecodeJSON("no json here", &d))
}
