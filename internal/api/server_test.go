package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
	"github.com/t77yq/fleet-orchestrator/internal/monitor"
	"github.com/t77yq/fleet-orchestrator/internal/orchestrator"
	"github.com/t77yq/fleet-orchestrator/internal/scheduler"
	"github.com/t77yq/fleet-orchestrator/internal/telemetry"
	"github.com/t77yq/fleet-orchestrator/internal/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubHandler struct{}

func (stubHandler) HandleRaw(_ context.Context, action string, payload []byte) (any, error) {
	switch action {
	case "schedule_task":
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("%w: %v", orchestrator.ErrInvalidRequest, err)
		}
		return orchestrator.ScheduleResponse{Accepted: true, TaskID: req.ID}, nil
	case "cancel_task":
		return nil, scheduler.ErrTaskNotFound
	case "complete_task":
		return nil, scheduler.ErrDuplicateTask
	case "get_alerts":
		return []model.PredictiveAlert{}, nil
	}
	return nil, fmt.Errorf("%w: %q", orchestrator.ErrUnknownAction, action)
}

type stubStatus struct{}

func (stubStatus) Snapshot() model.StatusSnapshot {
	return model.StatusSnapshot{
		Timestamp: time.Now(),
		Agents:    []model.Agent{{Name: "initial"}},
	}
}

func newTestServer(t *testing.T) (*Server, *monitor.Broadcaster, *telemetry.PrometheusRecorder) {
	t.Helper()
	broadcaster := monitor.NewBroadcaster(zap.NewNop())
	recorder := telemetry.NewPrometheusRecorder()
	s := NewServer(Config{}, stubHandler{}, stubStatus{}, broadcaster, recorder.Handler(), zap.NewNop())
	return s, broadcaster, recorder
}

func TestServer_Actions(t *testing.T) {
	s, _, _ := newTestServer(t)

	tests := []struct {
		name   string
		action string
		body   string
		status int
		ok     bool
		code   transport.Code
	}{
		{"Accepted", "schedule_task", `{"id":"t1"}`, http.StatusOK, true, ""},
		{"InvalidPayload", "schedule_task", `{"id":`, http.StatusBadRequest, false, transport.CodeInvalidRequest},
		{"NotFound", "cancel_task", `{"task_id":"x"}`, http.StatusNotFound, false, transport.CodeNotFound},
		{"Conflict", "complete_task", `{}`, http.StatusConflict, false, transport.CodeConflict},
		{"UnknownAction", "drop_tables", ``, http.StatusNotFound, false, transport.CodeUnknownAction},
		{"EmptyBody", "get_alerts", ``, http.StatusOK, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/actions/"+tt.action, strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			var env transport.Envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.Equal(t, tt.ok, env.OK)
			assert.Equal(t, tt.code, env.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/actions/schedule_task", strings.NewReader(`{"id":"t9"}`))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.JSONEq(t, `{"ok":true,"data":{"accepted":true,"task_id":"t9"}}`, w.Body.String())
}

func TestServer_ListActionsAndStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/actions", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Actions []string `json:"actions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Contains(t, list.Actions, "trigger_recovery")
	assert.Len(t, list.Actions, 11)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"initial"`)

	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	s, _, recorder := newTestServer(t)
	recorder.QueueDepth("HIGH", 3)

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `fleet_scheduler_queue_depth{priority="HIGH"} 3`)
}

func TestServer_Stream(t *testing.T) {
	s, broadcaster, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))

	var snap model.StatusSnapshot
	require.NoError(t, ws.ReadJSON(&snap))
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "initial", snap.Agents[0].Name)

	require.Eventually(t, func() bool { return broadcaster.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	broadcaster.Publish(model.StatusSnapshot{Agents: []model.Agent{{Name: "pushed"}}})

	require.NoError(t, ws.ReadJSON(&snap))
	require.Len(t, snap.Agents, 1)
	assert.Equal(t, "pushed", snap.Agents[0].Name)

	// Closing the broadcaster ends the stream
	broadcaster.Close()
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "%v", err)

	require.Eventually(t, func() bool { return broadcaster.Subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServer_RunShutsDown(t *testing.T) {
	s, _, _ := newTestServer(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + listener.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
