package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
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
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
	"github.com/lab-platform/labhub/pkg/log"
)

// fakeBus records subscriptions and delivers injected messages through
// the matching handler, like a broker would.
type fakeBus struct {
	mu        sync.Mutex
	subs      map[string]bus.Handler
	published []string
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string]bus.Handler)}
}

func (f *fakeBus) Publish(_ context.Context, topic string, _ []byte, _ byte, _ bool) error {
	f.mu.Lock()
	f.published = append(f.published, topic)
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) Subscribe(topic string, _ byte, handler bus.Handler) error {
	f.mu.Lock()
	f.subs[topic] = handler
	f.mu.Unlock()
	return nil
}

func (f *fakeBus) Connected() bool { return true }
func (f *fakeBus) Close()          {}

func (f *fakeBus) inject(ctx context.Context, topic string, payload []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for pattern, handler := range f.subs {
		if topicMatches(pattern, topic) {
			handler(ctx, topic, payload)
			return true
		}
	}
	return false
}

// topicMatches implements single-level MQTT wildcard matching, enough
// for the patterns the hub subscribes to.
func topicMatches(pattern, topic string) bool {
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	if len(pp) != len(tp) {
		return false
	}
	for i := range pp {
		if pp[i] != "+" && pp[i] != tp[i] {
			return false
		}
	}
	return true
}

type testEnv struct {
	hub      *Hub
	bus      *fakeBus
	store    store.Store
	registry *registry.Registry
	engine   *engine.Engine
}

func newTestHub(t *testing.T) *testEnv {
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

	b := newFakeBus()
	reg := registry.New(s, nil, 5*time.Minute, logs)
	require.NoError(t, reg.Start(ctx, time.Minute))

	cache := dedup.New(1000, 5*time.Minute, logs)
	cache.Start()

	queue := dlq.New(s, b, 3, nil, logs)
	eng := engine.New(b, s, cache, reg, queue, nil, 5*time.Second, logs)

	h := New(b, eng, reg, queue, 4, logs)
	require.NoError(t, h.Start(ctx))

	t.Cleanup(func() {
		h.Stop()
		cancel()
		reg.Stop()
		cache.Stop()
		_ = s.Close()
	})
	return &testEnv{hub: h, bus: b, store: s, registry: reg, engine: eng}
}

func metaPayload(t *testing.T, deviceID string, modules ...string) []byte {
	t.Helper()
	data, err := json.Marshal(schema.DeviceMetaEnvelope{
		DeviceID: deviceID,
		Modules:  modules,
		Version:  "2.1.0",
		TS:       schema.Timestamp(time.Now()),
	})
	require.NoError(t, err)
	return data
}

func TestMetaMessageRegistersDevice(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	ok := env.bus.inject(ctx, "/lab/device/D1/meta", metaPayload(t, "D1", "projector"))
	require.True(ok)

	require.Eventually(func() bool {
		return env.registry.IsOnline("D1")
	}, time.Second, 10*time.Millisecond)

	device, found := env.registry.Lookup("D1")
	require.True(found)
	require.Equal([]string{"projector"}, device.Modules)
}

func TestMalformedEnvelopeDeadLettered(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	ok := env.bus.inject(ctx, "/lab/device/D1/meta", []byte(`{"device_id":""}`))
	require.True(ok)

	require.Eventually(func() bool {
		records, err := env.store.DeadLetter().List(ctx, store.DeadLetterFilter{})
		return err == nil && len(records) == 1 &&
			records[0].FailureReason == model.FailureSchemaViolation
	}, time.Second, 10*time.Millisecond)

	// the invalid envelope never reached the registry
	_, found := env.registry.Lookup("D1")
	require.False(found)
}

func TestMismatchedDeviceIDDeadLettered(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	env.bus.inject(ctx, "/lab/device/D1/meta", metaPayload(t, "D2", "m"))

	require.Eventually(func() bool {
		records, err := env.store.DeadLetter().List(ctx, store.DeadLetterFilter{})
		return err == nil && len(records) == 1
	}, time.Second, 10*time.Millisecond)

	_, found := env.registry.Lookup("D2")
	require.False(found)
}

func TestAckRoutedToEngine(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	env.bus.inject(ctx, "/lab/device/D1/meta", metaPayload(t, "D1", "m"))
	require.Eventually(func() bool {
		return env.registry.IsOnline("D1")
	}, time.Second, 10*time.Millisecond)

	done := make(chan *engine.Result, 1)
	go func() {
		result, _ := env.engine.Submit(ctx, engine.SubmitRequest{
			DeviceID: "D1", Module: "m", Actor: "api", Action: "start", ReqID: "r1",
		})
		done <- result
	}()
	require.Eventually(func() bool {
		return env.engine.PendingCount() == 1
	}, time.Second, 10*time.Millisecond)

	ack, err := json.Marshal(schema.AckEnvelope{
		ReqID:   "r1",
		Success: true,
		Action:  "start",
		Actor:   "host:D1",
		Code:    schema.CodeOK,
		TS:      schema.Timestamp(time.Now()),
	})
	require.NoError(err)
	env.bus.inject(ctx, "/lab/device/D1/m/ack", ack)

	select {
	case result := <-done:
		require.True(result.Success)
		require.Equal(model.CommandStatusAcked, result.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not complete after ack")
	}
}

func TestModuleStatusRouted(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	env.bus.inject(ctx, "/lab/device/D1/meta", metaPayload(t, "D1", "camera"))
	require.Eventually(func() bool {
		return env.registry.IsOnline("D1")
	}, time.Second, 10*time.Millisecond)

	status, err := json.Marshal(schema.ModuleStatusEnvelope{
		State:  "recording",
		Online: true,
		TS:     schema.Timestamp(time.Now()),
		Fields: map[string]any{"fps": 30.0},
	})
	require.NoError(err)
	env.bus.inject(ctx, "/lab/device/D1/camera/status", status)

	require.Eventually(func() bool {
		device, found := env.registry.Lookup("D1")
		if !found {
			return false
		}
		state, ok := device.ModuleStates["camera"]
		return ok && state.State == "recording"
	}, time.Second, 10*time.Millisecond)

	latest, err := env.store.Telemetry().GetLatestModuleStatus(ctx, "D1", "camera")
	require.NoError(err)
	require.Equal("recording", latest.State)
}

func TestStatusAndHeartbeatRouted(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	env.bus.inject(ctx, "/lab/device/D1/meta", metaPayload(t, "D1", "m"))
	require.Eventually(func() bool {
		return env.registry.IsOnline("D1")
	}, time.Second, 10*time.Millisecond)

	offline, err := json.Marshal(schema.DeviceStatusEnvelope{
		DeviceID: "D1",
		Online:   false,
		TS:       schema.Timestamp(time.Now()),
	})
	require.NoError(err)
	env.bus.inject(ctx, "/lab/device/D1/status", offline)
	require.Eventually(func() bool {
		return !env.registry.IsOnline("D1")
	}, time.Second, 10*time.Millisecond)

	heartbeat, err := json.Marshal(schema.HeartbeatEnvelope{
		Online: true,
		TS:     schema.Timestamp(time.Now()),
	})
	require.NoError(err)
	env.bus.inject(ctx, "/lab/device/D1/heartbeat", heartbeat)
	require.Eventually(func() bool {
		return env.registry.IsOnline("D1")
	}, time.Second, 10*time.Millisecond)
}

func TestDLQCommandRouted(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	cmd, err := json.Marshal(map[string]any{
		"action": "stats",
		"req_id": "op1",
	})
	require.NoError(err)
	env.bus.inject(ctx, "/lab/dlq/cmd", cmd)

	require.Eventually(func() bool {
		env.bus.mu.Lock()
		defer env.bus.mu.Unlock()
		for _, topic := range env.bus.published {
			if topic == bus.TopicDLQResponse {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestUnknownTopicIgnored(t *testing.T) {
	require := require.New(t)
	env := newTestHub(t)
	ctx := context.Background()

	// no subscription matches, nothing handled, nothing dead lettered
	handled := env.bus.inject(ctx, "/lab/device/D1/unrelated/extra/deep", []byte("{}"))
	require.False(handled)

	records, err := env.store.DeadLetter().List(ctx, store.DeadLetterFilter{})
	require.NoError(err)
	require.Empty(records)
}
