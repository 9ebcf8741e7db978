package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/missionctl/missionctl/internal/common/config"
	"github.com/missionctl/missionctl/internal/common/logger"
	"github.com/missionctl/missionctl/internal/db"
	"github.com/missionctl/missionctl/internal/events/bus"
	"github.com/missionctl/missionctl/internal/mission"
	"github.com/missionctl/missionctl/internal/mission/runtime"
	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

// echoProvider completes every turn by echoing the user message.
type echoProvider struct{}

func (echoProvider) StartTurn(ctx context.Context, req runtime.TurnRequest) (<-chan runtime.Chunk, error) {
	ch := make(chan runtime.Chunk, 2)
	ch <- runtime.Chunk{Kind: runtime.ChunkTextDelta, Content: req.UserMessage}
	ch <- runtime.Chunk{Kind: runtime.ChunkComplete, Content: req.UserMessage, Success: true}
	close(ch)
	return ch, nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", Port: 0, ReadTimeout: 5, WriteTimeout: 5},
		Mission: config.MissionConfig{
			MaxParallelMissions: 3,
			MaxIterations:       10,
			SubscriptionBuffer:  256,
			StallWarnSeconds:    60,
			StallSevereSeconds:  180,
			EventPageLimit:      1000,
			KeepaliveSeconds:    15,
		},
	}

	pool, err := db.OpenSQLitePool(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	svc, err := mission.NewService(cfg, pool, memBus, echoProvider{}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})

	return New(cfg, svc, log)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func createMission(t *testing.T, h http.Handler, title, prompt string) v1.Mission {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/api/v1/missions", v1.CreateMissionRequest{Title: title, Prompt: prompt})
	require.Equal(t, http.StatusCreated, rec.Code, "body: %s", rec.Body.String())
	return decode[v1.Mission](t, rec)
}

func TestHealth(t *testing.T) {
	gw := newTestGateway(t)
	rec := doJSON(t, gw.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGetMission(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	m := createMission(t, h, "demo", "say hello")
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, v1.MissionStatusActive, m.Status)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/missions/"+m.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[v1.Mission](t, rec)
	assert.Equal(t, m.ID, got.ID)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/missions/no-such-mission", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateMissionValidation(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/missions", v1.CreateMissionRequest{Title: "no prompt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions", v1.CreateMissionRequest{Prompt: "no title"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReadEventsAfterTurn(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	m := createMission(t, h, "echo", "ping")

	// The echo provider completes the first turn shortly after creation.
	deadline := time.Now().Add(5 * time.Second)
	var events []v1.MissionEvent
	for time.Now().Before(deadline) {
		rec := doJSON(t, h, http.MethodGet, "/api/v1/missions/"+m.ID+"/events?types=assistant_message", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		body := decode[map[string][]v1.MissionEvent](t, rec)
		if events = body["events"]; len(events) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NotEmpty(t, events, "assistant_message never appeared")
	assert.Equal(t, "ping", events[0].Content)

	rec := doJSON(t, h, http.MethodGet, "/api/v1/missions/"+m.ID+"/events?since_sequence=-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusTransitions(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	m := createMission(t, h, "lifecycle", "work")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/status",
		map[string]string{"status": "completed", "reason": "done"})
	require.Equal(t, http.StatusOK, rec.Code, "body: %s", rec.Body.String())
	got := decode[v1.Mission](t, rec)
	assert.Equal(t, v1.MissionStatusCompleted, got.Status)

	// Returning to active goes through resume, not status.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/status",
		map[string]string{"status": "active"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/status",
		map[string]string{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/resume",
		v1.ResumeMissionRequest{SkipMessage: true})
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[v1.Mission](t, rec)
	assert.Equal(t, v1.MissionStatusActive, got.Status)

	// Cancel with no body is accepted.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[v1.Mission](t, rec)
	assert.Equal(t, v1.MissionStatusInterrupted, got.Status)

	// Cancelling again is a no-op.
	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[v1.Mission](t, rec)
	assert.Equal(t, v1.MissionStatusInterrupted, got.Status)
}

func TestQueueEndpoints(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/missions/no-such-mission/messages",
		v1.EnqueueMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/queue/no-such-message", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	m := createMission(t, h, "queued", "first")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/missions/"+m.ID+"/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/missions/"+m.ID+"/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestPostToolResultUnknownCall(t *testing.T) {
	gw := newTestGateway(t)
	h := gw.Handler()

	m := createMission(t, h, "tools", "work")

	rec := doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/tool-results",
		v1.ToolResultRequest{ToolCallID: "no-such-call", Content: "ok"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/missions/"+m.ID+"/tool-results",
		v1.ToolResultRequest{Content: "missing id"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
