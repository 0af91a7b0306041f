package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/dedup"
	"github.com/lab-platform/labhub/internal/dlq"
	"github.com/lab-platform/labhub/internal/engine"
	"github.com/lab-platform/labhub/internal/registry"
	"github.com/lab-platform/labhub/internal/scheduler"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/pkg/log"
)

type fakeBus struct {
	mu        sync.Mutex
	onPublish func(topic string, payload []byte)
}

func (f *fakeBus) Publish(_ context.Context, topic string, payload []byte, _ byte, _ bool) error {
	f.mu.Lock()
	hook := f.onPublish
	f.mu.Unlock()
	if hook != nil {
		hook(topic, payload)
	}
	return nil
}

func (f *fakeBus) Subscribe(string, byte, bus.Handler) error { return nil }
func (f *fakeBus) Connected() bool                           { return true }
func (f *fakeBus) Close()                                    {}

type testEnv struct {
	api      *httptest.Server
	bus      *fakeBus
	engine   *engine.Engine
	registry *registry.Registry
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	logs := log.InitLogs()
	s := store.NewStore(db, logs)
	require.NoError(t, s.InitialMigration())

	ctx, cancel := context.WithCancel(context.Background())

	b := &fakeBus{}
	reg := registry.New(s, nil, 5*time.Minute, logs)
	require.NoError(t, reg.Start(ctx, time.Minute))

	cache := dedup.New(1000, 5*time.Minute, logs)
	cache.Start()

	queue := dlq.New(s, b, 3, nil, logs)
	eng := engine.New(b, s, cache, reg, queue, nil, time.Second, logs)

	sched := scheduler.New(s, eng, logs)
	require.NoError(t, sched.Start(ctx))

	srv := New(":0", eng, reg, s, queue, sched, b, logs)
	api := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		api.Close()
		sched.Stop()
		cancel()
		reg.Stop()
		cache.Stop()
		_ = s.Close()
	})
	return &testEnv{api: api, bus: b, engine: eng, registry: reg}
}

func (env *testEnv) registerDevice(t *testing.T, deviceID string, modules ...string) {
	t.Helper()
	env.registry.ApplyMeta(context.Background(), &schema.DeviceMetaEnvelope{
		DeviceID: deviceID,
		Modules:  modules,
		TS:       schema.Timestamp(time.Now()),
	})
	require.Eventually(t, func() bool {
		return env.registry.IsOnline(deviceID)
	}, time.Second, 10*time.Millisecond)
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil
	}
	return out
}

func TestProbes(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)

	resp, body := getJSON(t, env.api.URL+"/healthz")
	require.Equal(http.StatusOK, resp.StatusCode)
	require.Equal("ok", body["status"])

	resp, body = getJSON(t, env.api.URL+"/readyz")
	require.Equal(http.StatusOK, resp.StatusCode)
	require.Equal(true, body["ready"])

	resp, body = getJSON(t, env.api.URL+"/api/v1/health")
	require.Equal(http.StatusOK, resp.StatusCode)
	require.NotNil(body["devices"])
	require.NotNil(body["runtime"])
}

func TestSubmitCommandEndpoint(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)
	env.registerDevice(t, "D1", "projector")

	env.bus.onPublish = func(topic string, payload []byte) {
		cmd, err := schema.ParseCommand(payload)
		if err != nil {
			return
		}
		go env.engine.HandleAck(context.Background(), "D1", "projector", &schema.AckEnvelope{
			ReqID:   cmd.ReqID,
			Success: true,
			Action:  cmd.Action,
			Actor:   "host:D1",
			Code:    schema.CodeOK,
			TS:      schema.Timestamp(time.Now()),
		})
	}

	resp, body := postJSON(t, env.api.URL+"/api/v1/commands", map[string]any{
		"device_id":   "D1",
		"module_name": "projector",
		"action":      "power_on",
		"req_id":      "r1",
	})
	require.Equal(http.StatusOK, resp.StatusCode)
	require.Equal(true, body["ok"])
	require.Equal("r1", body["req_id"])
	require.Equal(true, body["dispatched"])
	require.Equal("acked", body["status"])
	require.Equal("r1", resp.Header.Get("X-Request-ID"))
}

func TestSubmitCommandUnknownDevice(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)

	resp, body := postJSON(t, env.api.URL+"/api/v1/commands", map[string]any{
		"device_id": "ghost",
		"action":    "power_on",
	})
	require.Equal(http.StatusOK, resp.StatusCode)
	require.Equal(false, body["ok"])
	require.Equal("DEVICE_ERROR", body["code"])
}

func TestSubmitCommandValidation(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)

	resp, body := postJSON(t, env.api.URL+"/api/v1/commands", map[string]any{
		"device_id": "D1",
	})
	require.Equal(http.StatusBadRequest, resp.StatusCode)
	require.Equal(false, body["ok"])
}

func TestDeviceEndpoints(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)
	env.registerDevice(t, "D1", "projector", "lights")

	resp, err := http.Get(env.api.URL + "/api/v1/devices")
	require.NoError(err)
	var devices []map[string]any
	require.NoError(json.NewDecoder(resp.Body).Decode(&devices))
	resp.Body.Close()
	require.Len(devices, 1)
	require.Equal("D1", devices[0]["device_id"])

	resp, body := getJSON(t, env.api.URL+"/api/v1/devices/D1")
	require.Equal(http.StatusOK, resp.StatusCode)
	require.Equal(true, body["online"])

	resp, _ = getJSON(t, env.api.URL+"/api/v1/devices/ghost")
	require.Equal(http.StatusNotFound, resp.StatusCode)

	resp, _ = getJSON(t, env.api.URL+"/api/v1/devices/D1/modules/projector/status")
	require.Equal(http.StatusNotFound, resp.StatusCode)
}

func TestScheduleEndpoints(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)

	resp, body := postJSON(t, env.api.URL+"/api/v1/schedules", map[string]any{
		"name":          "evening shutdown",
		"schedule_type": "cron",
		"schedule_expr": "0 22 * * *",
		"active":        true,
		"commands": []map[string]any{
			{"device_id": "D1", "action": "power_off"},
		},
	})
	require.Equal(http.StatusCreated, resp.StatusCode)
	id, ok := body["id"].(string)
	require.True(ok)

	resp, _ = postJSON(t, env.api.URL+"/api/v1/schedules", map[string]any{
		"name":          "bad cron",
		"schedule_type": "cron",
		"schedule_expr": "not a cron",
		"commands": []map[string]any{
			{"device_id": "D1", "action": "power_off"},
		},
	})
	require.Equal(http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Get(env.api.URL + "/api/v1/schedules")
	require.NoError(err)
	var schedules []map[string]any
	require.NoError(json.NewDecoder(resp.Body).Decode(&schedules))
	resp.Body.Close()
	require.Len(schedules, 1)

	req, err := http.NewRequest(http.MethodDelete, env.api.URL+"/api/v1/schedules/"+id, nil)
	require.NoError(err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(err)
	resp.Body.Close()
	require.Equal(http.StatusNoContent, resp.StatusCode)
}

func TestDLQEndpoints(t *testing.T) {
	require := require.New(t)
	env := newTestServer(t)

	resp, body := getJSON(t, env.api.URL+"/api/v1/dlq/stats")
	require.Equal(http.StatusOK, resp.StatusCode)
	require.EqualValues(0, body["total_messages"])

	resp, err := http.Get(env.api.URL + "/api/v1/dlq")
	require.NoError(err)
	var records []map[string]any
	require.NoError(json.NewDecoder(resp.Body).Decode(&records))
	resp.Body.Close()
	require.Empty(records)
}
