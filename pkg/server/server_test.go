package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/devmesh/pkg/a2a"
	"github.com/kadirpekel/devmesh/pkg/registry"
	"github.com/kadirpekel/devmesh/pkg/stream"
)

type fakeService struct {
	sendResult   a2a.StreamEvent
	sendErr      error
	streamEvents []a2a.StreamEvent
	task         *a2a.Task
	taskErr      error
}

func (f *fakeService) SendMessage(context.Context, *a2a.MessageSendParams) (a2a.StreamEvent, error) {
	return f.sendResult, f.sendErr
}

func (f *fakeService) StreamMessage(context.Context, *a2a.MessageSendParams) (<-chan a2a.StreamEvent, error) {
	ch := make(chan a2a.StreamEvent, len(f.streamEvents))
	for _, ev := range f.streamEvents {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (f *fakeService) GetTask(context.Context, *a2a.TaskQueryParams) (*a2a.Task, error) {
	return f.task, f.taskErr
}

func (f *fakeService) ListTasks(context.Context, *a2a.ListTasksParams) ([]*a2a.Task, error) {
	if f.task == nil {
		return nil, nil
	}
	return []*a2a.Task{f.task}, nil
}

func (f *fakeService) CancelTask(context.Context, string) (*a2a.Task, error) {
	return f.task, f.taskErr
}

func (f *fakeService) Resubscribe(context.Context, string) (<-chan a2a.StreamEvent, error) {
	return f.StreamMessage(context.Background(), nil)
}

func (f *fakeService) SetPushConfig(_ context.Context, params *a2a.TaskPushNotificationConfig) (*a2a.TaskPushNotificationConfig, error) {
	return params, nil
}

func (f *fakeService) GetPushConfig(context.Context, *a2a.GetPushConfigParams) (*a2a.TaskPushNotificationConfig, error) {
	return nil, a2a.ErrTaskNotFound("x")
}

func (f *fakeService) ListPushConfigs(context.Context, string) ([]*a2a.TaskPushNotificationConfig, error) {
	return nil, nil
}

func (f *fakeService) DeletePushConfig(context.Context, *a2a.GetPushConfigParams) error {
	return nil
}

func (f *fakeService) AgentCard() *a2a.AgentCard {
	return &a2a.AgentCard{ProtocolVersion: a2a.ProtocolVersion, Name: "devmesh-test"}
}

type fakeGateway struct {
	stream *stream.Stream
	reg    *registry.DeviceRegistry
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	reg := registry.NewDeviceRegistry(90*time.Second, time.Minute)
	require.NoError(t, reg.Register(registry.DeviceInfo{ID: "sensor-1", Name: "Sensor"}, nil))
	return &fakeGateway{
		stream: stream.New(stream.NewMemoryBackend(), nil, 0, 0),
		reg:    reg,
	}
}

func (g *fakeGateway) IngestData(ctx context.Context, deviceID, contentType string, payload []byte) (*stream.Entry, error) {
	if _, ok := g.reg.Snapshot(deviceID); !ok {
		return nil, a2a.NewError(a2a.ErrCodeInvalidParams, "unknown device %s", deviceID)
	}
	return g.stream.Append(ctx, deviceID, contentType, payload)
}

func (g *fakeGateway) Heartbeat(deviceID string) error { return g.reg.Heartbeat(deviceID) }

func (g *fakeGateway) Devices() []registry.DeviceSnapshot { return g.reg.Snapshots() }

func (g *fakeGateway) RemoveDevice(_ context.Context, deviceID string) error {
	return g.reg.Remove(deviceID)
}

func (g *fakeGateway) ReadStream(ctx context.Context, deviceID, after string, limit int) ([]*stream.Entry, error) {
	return g.stream.ReadFrom(ctx, deviceID, after, limit)
}

func (g *fakeGateway) OpenBlob(deviceID, digest string) ([]byte, error) {
	return g.stream.OpenBlob(deviceID, digest)
}

func testServer(t *testing.T, svc Service) *Server {
	t.Helper()
	return New(svc, newFakeGateway(t), Options{})
}

func rpcCall(t *testing.T, s *Server, method string, params interface{}) *a2a.Response {
	t.Helper()
	body, err := json.Marshal(a2a.Request{JSONRPC: "2.0", ID: 1, Method: method, Params: mustRaw(t, params)})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp a2a.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp
}

func mustRaw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestAgentCardEndpoint(t *testing.T) {
	s := testServer(t, &fakeService{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/.well-known/agent-card.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var card a2a.AgentCard
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &card))
	assert.Equal(t, "devmesh-test", card.Name)
	assert.Equal(t, a2a.ProtocolVersion, card.ProtocolVersion)
}

func TestJSONRPCSendMessage(t *testing.T) {
	task := &a2a.Task{Kind: "task", ID: "t1", Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}}
	s := testServer(t, &fakeService{sendResult: a2a.StreamEvent{Task: task}})

	resp := rpcCall(t, s, "message/send", a2a.MessageSendParams{Message: a2a.NewUserMessage("hi")})
	require.Nil(t, resp.Error)

	result, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	var got a2a.Task
	require.NoError(t, json.Unmarshal(result, &got))
	assert.Equal(t, "t1", got.ID)
}

func TestJSONRPCValidation(t *testing.T) {
	s := testServer(t, &fakeService{})

	// Bad JSON.
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/", strings.NewReader("{nope")))
	var resp a2a.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.ErrCodeParseError, resp.Error.Code)

	// Wrong version.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/",
		strings.NewReader(`{"jsonrpc":"1.0","id":1,"method":"tasks/get"}`)))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.ErrCodeInvalidRequest, resp.Error.Code)

	// Unknown method.
	out := rpcCall(t, s, "tasks/explode", map[string]string{})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.ErrCodeMethodNotFound, out.Error.Code)

	// message/send without a message.
	out = rpcCall(t, s, "message/send", map[string]string{})
	require.NotNil(t, out.Error)
	assert.Equal(t, a2a.ErrCodeInvalidParams, out.Error.Code)
}

func TestJSONRPCErrorMapping(t *testing.T) {
	s := testServer(t, &fakeService{taskErr: a2a.ErrTaskNotFound("missing")})

	resp := rpcCall(t, s, "tasks/get", a2a.TaskQueryParams{ID: "missing"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, a2a.ErrCodeTaskNotFound, resp.Error.Code)
}

func TestStreamingOverSSE(t *testing.T) {
	events := []a2a.StreamEvent{
		{Task: &a2a.Task{Kind: "task", ID: "t1", Status: a2a.TaskStatus{State: a2a.TaskStateSubmitted}}},
		{StatusUpdate: &a2a.TaskStatusUpdateEvent{Kind: "status-update", TaskID: "t1",
			Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}},
		{StatusUpdate: &a2a.TaskStatusUpdateEvent{Kind: "status-update", TaskID: "t1",
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}, Final: true}},
	}
	s := testServer(t, &fakeService{streamEvents: events})

	body, err := json.Marshal(a2a.Request{JSONRPC: "2.0", ID: "s1", Method: "message/stream",
		Params: mustRaw(t, a2a.MessageSendParams{Message: a2a.NewUserMessage("go")})})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var kinds []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var resp a2a.Response
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &resp))
		payload, err := json.Marshal(resp.Result)
		require.NoError(t, err)
		var probe struct {
			Kind string `json:"kind"`
		}
		require.NoError(t, json.Unmarshal(payload, &probe))
		kinds = append(kinds, probe.Kind)
	}
	assert.Equal(t, []string{"task", "status-update", "status-update"}, kinds)
}

func TestRESTTaskEndpoints(t *testing.T) {
	task := &a2a.Task{Kind: "task", ID: "t1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
	s := testServer(t, &fakeService{task: task})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/t1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got a2a.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t1", got.ID)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"t1"`)
}

func TestRESTNotFoundMapping(t *testing.T) {
	s := testServer(t, &fakeService{taskErr: a2a.ErrTaskNotFound("t9")})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/t9", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceIngestAndRead(t *testing.T) {
	s := testServer(t, &fakeService{})

	// Ingest two payloads.
	var lastSeq string
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/devices/sensor-1/data",
			strings.NewReader(fmt.Sprintf("reading-%d", i)))
		req.Header.Set("Content-Type", "text/plain")
		s.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusAccepted, rec.Code)

		var resp struct {
			Seq string `json:"seq"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Seq)
		lastSeq = resp.Seq
	}

	// Unknown device rejected.
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/devices/ghost/data", strings.NewReader("x")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Read the whole stream.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/devices/sensor-1/stream", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Entries []*stream.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Entries, 2)

	// Resume after the last seq: empty page.
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/devices/sensor-1/stream?from="+lastSeq, nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Empty(t, page.Entries)
}

func TestDeviceListAndHeartbeat(t *testing.T) {
	s := testServer(t, &fakeService{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sensor-1"`)
	assert.Contains(t, rec.Body.String(), `"online"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/devices/sensor-1/heartbeat", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/devices/ghost/heartbeat", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRESTSubscribeStreamsEvents(t *testing.T) {
	events := []a2a.StreamEvent{
		{Task: &a2a.Task{Kind: "task", ID: "t1", Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}},
		{StatusUpdate: &a2a.TaskStatusUpdateEvent{Kind: "status-update", TaskID: "t1",
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted}, Final: true}},
	}
	s := testServer(t, &fakeService{streamEvents: events})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/tasks/t1:subscribe", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.Contains(t, rec.Body.String(), `"completed"`)
}

func TestRESTPushConfigEndpoints(t *testing.T) {
	s := testServer(t, &fakeService{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/tasks/t1/pushNotificationConfigs",
		strings.NewReader(`{"url": "https://callbacks.example.com/hook"}`))
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "callbacks.example.com")

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/t1/pushNotificationConfigs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"configs"`)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/tasks/t1/pushNotificationConfigs/cfg-1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/v1/tasks/t1/pushNotificationConfigs/cfg-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRESTRemoveDevice(t *testing.T) {
	s := testServer(t, &fakeService{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/v1/devices/sensor-1", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/v1/devices", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"sensor-1"`)
}

func TestHealth(t *testing.T) {
	s := testServer(t, &fakeService{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
