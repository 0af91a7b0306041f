package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/pkg/log"
)

func newTestRegistry(t *testing.T, staleness, sweepInterval time.Duration) (*Registry, store.Store) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s := store.NewStore(db, log.InitLogs())
	require.NoError(t, s.InitialMigration())

	r := New(s, nil, staleness, log.InitLogs())
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx, sweepInterval))
	t.Cleanup(func() {
		r.Stop()
		cancel()
		_ = s.Close()
	})
	return r, s
}

func meta(deviceID string, modules ...string) *schema.DeviceMetaEnvelope {
	return &schema.DeviceMetaEnvelope{
		DeviceID: deviceID,
		Modules:  modules,
		Version:  "1.0.0",
		TS:       schema.Timestamp(time.Now()),
	}
}

func TestApplyMetaRegistersDevice(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, s := newTestRegistry(t, 5*time.Minute, time.Hour)

	r.ApplyMeta(ctx, meta("lab-projector-1", "projector", "ndi"))

	require.Eventually(func() bool {
		d, ok := r.Lookup("lab-projector-1")
		return ok && d.Online
	}, time.Second, 10*time.Millisecond)

	d, ok := r.Lookup("lab-projector-1")
	require.True(ok)
	require.ElementsMatch([]string{"projector", "ndi"}, d.Modules)
	require.Equal("1.0.0", d.Version)

	// the actor persisted the device and a connected event
	require.Eventually(func() bool {
		persisted, err := s.Device().Get(ctx, "lab-projector-1")
		return err == nil && persisted.Online
	}, time.Second, 10*time.Millisecond)
}

func TestCheckTarget(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newTestRegistry(t, 5*time.Minute, time.Hour)

	r.ApplyMeta(ctx, meta("lab-projector-1", "projector"))
	require.Eventually(func() bool {
		_, ok := r.Lookup("lab-projector-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	require.NoError(r.CheckTarget("lab-projector-1", "projector"))
	// the bare device scope is always addressable
	require.NoError(r.CheckTarget("lab-projector-1", ""))
	require.NoError(r.CheckTarget("lab-projector-1", "device"))

	require.ErrorIs(r.CheckTarget("lab-projector-1", "ndi"), lherrors.ErrUnknownModule)
	require.ErrorIs(r.CheckTarget("missing", "projector"), lherrors.ErrUnknownDevice)
}

func TestStatusTransitions(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newTestRegistry(t, 5*time.Minute, time.Hour)

	r.ApplyMeta(ctx, meta("lab-ndi-2", "ndi"))
	require.Eventually(func() bool {
		d, ok := r.Lookup("lab-ndi-2")
		return ok && d.Online
	}, time.Second, 10*time.Millisecond)

	r.ApplyStatus(ctx, &schema.DeviceStatusEnvelope{
		DeviceID: "lab-ndi-2",
		Online:   false,
		TS:       schema.Timestamp(time.Now()),
	})
	require.Eventually(func() bool {
		d, _ := r.Lookup("lab-ndi-2")
		return d != nil && !d.Online
	}, time.Second, 10*time.Millisecond)

	r.ApplyStatus(ctx, &schema.DeviceStatusEnvelope{
		DeviceID: "lab-ndi-2",
		Online:   true,
		TS:       schema.Timestamp(time.Now()),
	})
	require.Eventually(func() bool {
		d, _ := r.Lookup("lab-ndi-2")
		return d != nil && d.Online
	}, time.Second, 10*time.Millisecond)
}

func TestModuleStatusSnapshot(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, s := newTestRegistry(t, 5*time.Minute, time.Hour)

	r.ApplyMeta(ctx, meta("lab-projector-1", "projector"))
	require.Eventually(func() bool {
		_, ok := r.Lookup("lab-projector-1")
		return ok
	}, time.Second, 10*time.Millisecond)

	r.ApplyModuleStatus(ctx, "lab-projector-1", "projector", &schema.ModuleStatusEnvelope{
		State:  "on",
		Online: true,
		Fields: map[string]any{"lamp_hours": float64(812)},
		TS:     schema.Timestamp(time.Now()),
	})

	require.Eventually(func() bool {
		d, _ := r.Lookup("lab-projector-1")
		if d == nil {
			return false
		}
		ms, ok := d.ModuleStates["projector"]
		return ok && ms.State == "on"
	}, time.Second, 10*time.Millisecond)

	require.Eventually(func() bool {
		latest, err := s.Telemetry().GetLatestModuleStatus(ctx, "lab-projector-1", "projector")
		return err == nil && latest.State == "on"
	}, time.Second, 10*time.Millisecond)
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newTestRegistry(t, 5*time.Minute, time.Hour)

	r.ApplyMeta(ctx, meta("lab-projector-1", "projector"))
	r.ApplyStatus(ctx, &schema.DeviceStatusEnvelope{
		DeviceID: "lab-projector-1",
		Online:   false,
		TS:       schema.Timestamp(time.Now()),
	})
	require.Eventually(func() bool {
		d, _ := r.Lookup("lab-projector-1")
		return d != nil && !d.Online
	}, time.Second, 10*time.Millisecond)

	// an online heartbeat brings the device back
	r.ApplyHeartbeat(ctx, "lab-projector-1", &schema.HeartbeatEnvelope{
		Online: true,
		TS:     schema.Timestamp(time.Now()),
	})
	require.Eventually(func() bool {
		d, _ := r.Lookup("lab-projector-1")
		return d != nil && d.Online
	}, time.Second, 10*time.Millisecond)
}

func TestStalenessSweep(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newTestRegistry(t, 100*time.Millisecond, 50*time.Millisecond)

	stale := meta("lab-projector-1", "projector")
	stale.TS = schema.Timestamp(time.Now().Add(-time.Minute))
	r.ApplyMeta(ctx, stale)

	require.Eventually(func() bool {
		d, ok := r.Lookup("lab-projector-1")
		return ok && !d.Online
	}, 2*time.Second, 20*time.Millisecond)
}

func TestListSorted(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	r, _ := newTestRegistry(t, 5*time.Minute, time.Hour)

	for _, id := range []string{"zeta", "alpha", "mid"} {
		r.ApplyMeta(ctx, meta(id, "device_module"))
	}
	require.Eventually(func() bool {
		return len(r.List()) == 3
	}, time.Second, 10*time.Millisecond)

	devices := r.List()
	require.Equal("alpha", devices[0].DeviceID)
	require.Equal("mid", devices[1].DeviceID)
	require.Equal("zeta", devices[2].DeviceID)
}
