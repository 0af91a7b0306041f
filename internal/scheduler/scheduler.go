// Package scheduler fires stored schedules: cron expressions through a
// shared cron runner, one-shot schedules through timers. Each firing
// submits the schedule's command list to the engine as actor "scheduler".
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/engine"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
)

// Submitter is the engine surface the scheduler dispatches through.
type Submitter interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (*engine.Result, error)
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

type Scheduler struct {
	store     store.Store
	submitter Submitter
	log       logrus.FieldLogger

	cron *cron.Cron

	mu      sync.Mutex
	entries map[uuid.UUID]cron.EntryID
	timers  map[uuid.UUID]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

func New(s store.Store, submitter Submitter, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		store:     s,
		submitter: submitter,
		log:       log,
		cron:      cron.New(cron.WithParser(cronParser)),
		entries:   make(map[uuid.UUID]cron.EntryID),
		timers:    make(map[uuid.UUID]*time.Timer),
	}
}

// Start loads active schedules from the store and arms them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	schedules, err := s.store.Schedule().List(ctx, true)
	if err != nil {
		return err
	}
	for i := range schedules {
		if err := s.arm(&schedules[i]); err != nil {
			s.log.WithError(err).WithField("schedule", schedules[i].Name).Error("arming schedule")
		}
	}
	s.cron.Start()
	s.log.WithField("schedules", len(schedules)).Info("scheduler started")
	return nil
}

func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.cron.Stop().Done()

	s.mu.Lock()
	for _, timer := range s.timers {
		timer.Stop()
	}
	s.timers = make(map[uuid.UUID]*time.Timer)
	s.mu.Unlock()
}

// Create validates, persists and arms a new schedule.
func (s *Scheduler) Create(ctx context.Context, spec *schema.ScheduleSpec) (*model.Schedule, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	schedule := &model.Schedule{
		Name:         spec.Name,
		DeviceID:     spec.DeviceID,
		ModuleName:   spec.ModuleName,
		Actor:        spec.Actor,
		ScheduleType: string(spec.ScheduleType),
		ScheduleExpr: spec.ScheduleExpr,
		Commands:     spec.Commands,
		Active:       spec.Active,
	}
	if next := s.nextRun(schedule); next != nil {
		schedule.NextRun = next
	}
	if err := s.store.Schedule().Create(ctx, schedule); err != nil {
		return nil, err
	}

	if schedule.Active {
		if err := s.arm(schedule); err != nil {
			s.log.WithError(err).WithField("schedule", schedule.Name).Error("arming schedule")
		}
	}
	return schedule, nil
}

// Delete disarms and removes a schedule.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.disarm(id)
	return s.store.Schedule().Delete(ctx, id)
}

// SetActive toggles a schedule, arming or disarming it.
func (s *Scheduler) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	schedule, err := s.store.Schedule().Get(ctx, id)
	if err != nil {
		return err
	}
	schedule.Active = active
	if err := s.store.Schedule().Update(ctx, schedule); err != nil {
		return err
	}

	s.disarm(id)
	if active {
		return s.arm(schedule)
	}
	return nil
}

// List returns schedules for the HTTP edge.
func (s *Scheduler) List(ctx context.Context, activeOnly bool) ([]model.Schedule, error) {
	return s.store.Schedule().List(ctx, activeOnly)
}

func (s *Scheduler) arm(schedule *model.Schedule) error {
	id := schedule.ID
	switch schedule.ScheduleType {
	case string(schema.ScheduleCron):
		entryID, err := s.cron.AddFunc(schedule.ScheduleExpr, func() {
			s.fire(id)
		})
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.entries[id] = entryID
		s.mu.Unlock()
	case string(schema.ScheduleOnce):
		at, err := schema.ParseTimestamp(schedule.ScheduleExpr)
		if err != nil {
			return err
		}
		delay := time.Until(at)
		if delay < 0 {
			s.log.WithField("schedule", schedule.Name).Warn("once schedule is in the past, skipping")
			return nil
		}
		timer := time.AfterFunc(delay, func() {
			s.fire(id)
		})
		s.mu.Lock()
		s.timers[id] = timer
		s.mu.Unlock()
	}
	return nil
}

func (s *Scheduler) disarm(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

// fire executes one schedule: submit every command, then record the run.
func (s *Scheduler) fire(id uuid.UUID) {
	ctx := s.ctx
	if ctx == nil || ctx.Err() != nil {
		return
	}

	schedule, err := s.store.Schedule().Get(ctx, id)
	if err != nil {
		s.log.WithError(err).WithField("schedule_id", id).Error("loading schedule to fire")
		s.disarm(id)
		return
	}
	if !schedule.Active {
		s.disarm(id)
		return
	}
	log := s.log.WithField("schedule", schedule.Name)
	log.Info("schedule fired")

	succeeded := 0
	for _, cmd := range schedule.Commands {
		moduleName := schedule.ModuleName
		result, err := s.submitter.Submit(ctx, engine.SubmitRequest{
			DeviceID: cmd.DeviceID,
			Module:   moduleName,
			Actor:    schedule.Actor,
			Action:   cmd.Action,
			Params:   cmd.Params,
		})
		if err != nil {
			log.WithError(err).WithField("action", cmd.Action).Error("scheduled command failed to submit")
			continue
		}
		if result.Success {
			succeeded++
		} else {
			log.WithFields(logrus.Fields{
				"action": cmd.Action,
				"code":   result.Code,
			}).Warn("scheduled command did not succeed")
		}
	}

	now := time.Now().UTC()
	if err := s.store.Schedule().MarkRun(ctx, id, now, s.nextRun(schedule)); err != nil {
		log.WithError(err).Error("recording schedule run")
	}
	if err := s.store.Event().Record(ctx, &model.Event{
		EventType:  model.EventScheduleExecuted,
		DeviceID:   schedule.DeviceID,
		ModuleName: schedule.ModuleName,
		Actor:      schedule.Actor,
		Meta: model.JSONMap[string, any]{
			"schedule":  schedule.Name,
			"commands":  len(schedule.Commands),
			"succeeded": succeeded,
		},
	}); err != nil {
		log.WithError(err).Error("recording schedule event")
	}

	// one-shots fire once and deactivate
	if schedule.ScheduleType == string(schema.ScheduleOnce) {
		s.disarm(id)
		schedule.Active = false
		if err := s.store.Schedule().Update(ctx, schedule); err != nil {
			log.WithError(err).Error("deactivating once schedule")
		}
	}
}

func (s *Scheduler) nextRun(schedule *model.Schedule) *time.Time {
	switch schedule.ScheduleType {
	case string(schema.ScheduleCron):
		sched, err := cronParser.Parse(schedule.ScheduleExpr)
		if err != nil {
			return nil
		}
		next := sched.Next(time.Now().UTC())
		return &next
	case string(schema.ScheduleOnce):
		at, err := schema.ParseTimestamp(schedule.ScheduleExpr)
		if err != nil || at.Before(time.Now()) {
			return nil
		}
		at = at.UTC()
		return &at
	}
	return nil
}
