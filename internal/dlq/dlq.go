// Package dlq implements the dead letter queue: a persisted record of
// every message the orchestrator could not process or complete, published
// on a scope-derived topic and retryable by an operator.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
)

// Failure describes one irrecoverable failure to be dead-lettered.
type Failure struct {
	Topic    string
	Payload  map[string]any
	Reason   string
	Error    string
	DeviceID string
	Module   string
	ReqID    string
	Meta     map[string]any
}

// Metrics is the gauge surface the queue feeds.
type Metrics interface {
	SetDLQEntries(n int)
}

type Queue struct {
	store      store.Store
	bus        bus.Client
	maxRetries int
	metrics    Metrics
	log        logrus.FieldLogger
}

func New(s store.Store, b bus.Client, maxRetries int, metrics Metrics, log logrus.FieldLogger) *Queue {
	return &Queue{
		store:      s,
		bus:        b,
		maxRetries: maxRetries,
		metrics:    metrics,
		log:        log,
	}
}

// DeadLetter persists the failure and publishes a copy on the topic
// derived from its scope. Persistence is best-effort on top of the audit
// event; a failed write is logged, never propagated, so dead-lettering
// can be called from any error path without recursion.
func (q *Queue) DeadLetter(ctx context.Context, f Failure) {
	record := &model.DeadLetter{
		OriginalTopic: f.Topic,
		Payload:       f.Payload,
		FailureReason: f.Reason,
		ErrorMessage:  f.Error,
		DeviceID:      f.DeviceID,
		ModuleName:    f.Module,
		ReqID:         f.ReqID,
		Meta:          f.Meta,
	}
	if err := q.store.DeadLetter().Create(ctx, record); err != nil {
		q.log.WithError(err).WithFields(logrus.Fields{
			"topic":  f.Topic,
			"reason": f.Reason,
		}).Error("persisting dead letter")
	}

	if err := q.store.Event().Record(ctx, &model.Event{
		EventType:   model.EventMessageDeadLetter,
		DeviceID:    f.DeviceID,
		ModuleName:  f.Module,
		Description: f.Error,
		Meta:        model.JSONMap[string, any]{"reason": f.Reason, "req_id": f.ReqID},
	}); err != nil {
		q.log.WithError(err).Error("recording dead letter event")
	}

	payload, err := json.Marshal(map[string]any{
		"id":             record.ID.String(),
		"original_topic": f.Topic,
		"payload":        f.Payload,
		"failure_reason": f.Reason,
		"error":          f.Error,
		"device_id":      f.DeviceID,
		"module_name":    f.Module,
		"req_id":         f.ReqID,
		"ts":             time.Now().UTC().Format(time.RFC3339),
	})
	if err == nil {
		topic := bus.TopicDLQ(f.DeviceID, f.Module)
		if err := q.bus.Publish(ctx, topic, payload, 1, false); err != nil {
			q.log.WithError(err).WithField("topic", topic).Warn("publishing dead letter copy")
		}
	}

	q.publishGauge(ctx)
	q.log.WithFields(logrus.Fields{
		"topic":  f.Topic,
		"reason": f.Reason,
		"req_id": f.ReqID,
	}).Warn("message dead lettered")
}

func (q *Queue) publishGauge(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	if count, err := q.store.DeadLetter().Count(ctx); err == nil {
		q.metrics.SetDLQEntries(int(count))
	}
}
