package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lab-platform/labhub/internal/engine"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
	"github.com/lab-platform/labhub/pkg/log"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []engine.SubmitRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req engine.SubmitRequest) (*engine.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return &engine.Result{ReqID: req.ReqID, Success: true, Status: model.CommandStatusAcked}, nil
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeSubmitter, store.Store) {
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

	submitter := &fakeSubmitter{}
	sched := New(s, submitter, logs)
	require.NoError(t, sched.Start(context.Background()))
	t.Cleanup(func() {
		sched.Stop()
		_ = s.Close()
	})
	return sched, submitter, s
}

func TestCreateValidatesSpec(t *testing.T) {
	require := require.New(t)
	sched, _, _ := newTestScheduler(t)
	ctx := context.Background()

	// 4-part cron rejected
	_, err := sched.Create(ctx, &schema.ScheduleSpec{
		Name:         "bad-cron",
		ScheduleType: schema.ScheduleCron,
		ScheduleExpr: "0 22 * *",
		Commands:     []schema.ScheduleCommand{{DeviceID: "D1", Action: "power_off"}},
	})
	require.Error(err)

	created, err := sched.Create(ctx, &schema.ScheduleSpec{
		Name:         "nightly-shutdown",
		DeviceID:     "D1",
		ModuleName:   "projector",
		ScheduleType: schema.ScheduleCron,
		ScheduleExpr: "0 22 * * *",
		Commands:     []schema.ScheduleCommand{{DeviceID: "D1", Action: "power_off"}},
		Active:       true,
	})
	require.NoError(err)
	require.Equal("scheduler", created.Actor)
	require.NotNil(created.NextRun)
}

func TestOnceScheduleFires(t *testing.T) {
	require := require.New(t)
	sched, submitter, s := newTestScheduler(t)
	ctx := context.Background()

	created, err := sched.Create(ctx, &schema.ScheduleSpec{
		Name:         "soon",
		DeviceID:     "D1",
		ScheduleType: schema.ScheduleOnce,
		ScheduleExpr: schema.Timestamp(time.Now().Add(50 * time.Millisecond)),
		Commands: []schema.ScheduleCommand{
			{DeviceID: "D1", Action: "power_on"},
			{DeviceID: "D1", Action: "set_input", Params: map[string]any{"input": "HDMI1"}},
		},
		Active: true,
	})
	require.NoError(err)

	require.Eventually(func() bool {
		return submitter.count() == 2
	}, 3*time.Second, 20*time.Millisecond)

	submitter.mu.Lock()
	require.Equal("scheduler", submitter.requests[0].Actor)
	require.Equal("power_on", submitter.requests[0].Action)
	submitter.mu.Unlock()

	// run recorded, one-shot deactivated
	require.Eventually(func() bool {
		got, err := s.Schedule().Get(ctx, created.ID)
		return err == nil && got.RunCount == 1 && !got.Active
	}, 3*time.Second, 20*time.Millisecond)

	events, err := s.Event().List(ctx, model.EventScheduleExecuted, 10)
	require.NoError(err)
	require.Len(events, 1)
}

func TestPastOnceScheduleSkipped(t *testing.T) {
	require := require.New(t)
	sched, submitter, _ := newTestScheduler(t)

	_, err := sched.Create(context.Background(), &schema.ScheduleSpec{
		Name:         "long-gone",
		ScheduleType: schema.ScheduleOnce,
		ScheduleExpr: schema.Timestamp(time.Now().Add(-time.Hour)),
		Commands:     []schema.ScheduleCommand{{DeviceID: "D1", Action: "power_on"}},
		Active:       true,
	})
	require.NoError(err)

	time.Sleep(100 * time.Millisecond)
	require.Zero(submitter.count())
}

func TestSetActiveDisarms(t *testing.T) {
	require := require.New(t)
	sched, submitter, s := newTestScheduler(t)
	ctx := context.Background()

	created, err := sched.Create(ctx, &schema.ScheduleSpec{
		Name:         "toggled",
		ScheduleType: schema.ScheduleOnce,
		ScheduleExpr: schema.Timestamp(time.Now().Add(100 * time.Millisecond)),
		Commands:     []schema.ScheduleCommand{{DeviceID: "D1", Action: "power_on"}},
		Active:       true,
	})
	require.NoError(err)

	require.NoError(sched.SetActive(ctx, created.ID, false))

	time.Sleep(250 * time.Millisecond)
	require.Zero(submitter.count())

	got, err := s.Schedule().Get(ctx, created.ID)
	require.NoError(err)
	require.False(got.Active)
}

func TestDeleteDisarms(t *testing.T) {
	require := require.New(t)
	sched, submitter, s := newTestScheduler(t)
	ctx := context.Background()

	created, err := sched.Create(ctx, &schema.ScheduleSpec{
		Name:         "deleted",
		ScheduleType: schema.ScheduleOnce,
		ScheduleExpr: schema.Timestamp(time.Now().Add(100 * time.Millisecond)),
		Commands:     []schema.ScheduleCommand{{DeviceID: "D1", Action: "power_on"}},
		Active:       true,
	})
	require.NoError(err)

	require.NoError(sched.Delete(ctx, created.ID))

	time.Sleep(250 * time.Millisecond)
	require.Zero(submitter.count())

	_, err = s.Schedule().Get(ctx, created.ID)
	require.Error(err)
}
