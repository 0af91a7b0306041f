// Package engine implements the command lifecycle: dedup, routing,
// dispatch, ack correlation, timeouts and finalization. It is the only
// writer of command rows and the only owner of pending correlations.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/dedup"
	"github.com/lab-platform/labhub/internal/dlq"
	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
	"github.com/lab-platform/labhub/pkg/reqid"
)

// Directory is the routing view the engine consults before dispatch.
type Directory interface {
	CheckTarget(deviceID, moduleName string) error
	IsOnline(deviceID string) bool
}

// FailureSink receives irrecoverable failures.
type FailureSink interface {
	DeadLetter(ctx context.Context, f dlq.Failure)
}

// Metrics is the instrumentation surface the engine feeds.
type Metrics interface {
	CommandFinished(deviceID, moduleName, action, status string, d time.Duration)
	SetPendingCorrelations(n int)
}

// SubmitRequest is one command submission.
type SubmitRequest struct {
	DeviceID string
	Module   string
	Actor    string
	Action   string
	Params   map[string]any
	// ReqID is the caller's correlation key; generated when empty.
	ReqID string
	// Timeout bounds the wait for an ack; the engine default applies
	// when zero.
	Timeout time.Duration
}

// Result is the outcome returned to the submitter.
type Result struct {
	ReqID    string
	Status   string
	Success  bool
	Code     schema.ResponseCode
	Error    string
	Details  map[string]any
	Cached   bool
	Duration time.Duration
}

// StatusProcessing is returned for a req_id that is already in flight.
const StatusProcessing = "processing"

type pending struct {
	reqID        string
	deviceID     string
	moduleName   string
	action       string
	wasOffline   bool
	dispatchedAt time.Time
	result       chan *Result
}

type Engine struct {
	bus       bus.Client
	store     store.Store
	dedup     *dedup.Cache
	directory Directory
	sink      FailureSink
	metrics   Metrics
	log       logrus.FieldLogger

	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending

	shuttingDown atomic.Bool
}

func New(b bus.Client, s store.Store, d *dedup.Cache, dir Directory, sink FailureSink,
	metrics Metrics, defaultTimeout time.Duration, log logrus.FieldLogger) *Engine {
	return &Engine{
		bus:            b,
		store:          s,
		dedup:          d,
		directory:      dir,
		sink:           sink,
		metrics:        metrics,
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pending),
		log:            log,
	}
}

// Submit runs one command through the state machine and blocks until a
// terminal result, a dedup response, or the timeout.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	if e.shuttingDown.Load() {
		return nil, lherrors.ErrShuttingDown
	}
	if req.ReqID == "" {
		req.ReqID = reqid.NextRequestID()
	}
	if req.Timeout <= 0 {
		req.Timeout = e.defaultTimeout
	}
	envelope := schema.CommandEnvelope{
		ReqID:  req.ReqID,
		Actor:  req.Actor,
		TS:     schema.Timestamp(time.Now().UTC()),
		Action: req.Action,
		Params: req.Params,
	}
	if err := envelope.Validate(); err != nil {
		e.rejectInvalid(ctx, &req, err)
		return nil, err
	}
	if err := schema.ValidateActionParams(req.Action, req.Params); err != nil {
		e.rejectInvalid(ctx, &req, err)
		return nil, err
	}
	log := e.log.WithFields(logrus.Fields{
		"req_id": req.ReqID,
		"device": req.DeviceID,
		"module": req.Module,
		"action": req.Action,
	})

	fingerprint := dedup.Fingerprint(req.DeviceID, req.Module, req.Action, req.Params)
	switch state, cached := e.dedup.Begin(req.ReqID, fingerprint); state {
	case dedup.StateFresh:
		// claimed, continue
	case dedup.StateProcessing:
		log.Info("duplicate submission while in flight")
		return &Result{ReqID: req.ReqID, Status: StatusProcessing, Code: schema.CodeDispatched, Cached: true}, nil
	case dedup.StateCompleted, dedup.StateFailed:
		log.Info("duplicate submission, replaying cached result")
		return resultFromCached(req.ReqID, cached), nil
	case dedup.StateConflict:
		return nil, lherrors.ErrReqIDConflict
	}

	result, err := e.dispatch(ctx, &req, log)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *Engine) dispatch(ctx context.Context, req *SubmitRequest, log logrus.FieldLogger) (*Result, error) {
	if err := e.directory.CheckTarget(req.DeviceID, req.Module); err != nil {
		return e.failRouting(ctx, req, err, log), nil
	}

	wasOffline := !e.directory.IsOnline(req.DeviceID)
	if wasOffline {
		// dispatch anyway; the device may be asleep with a retained will
		log.Warn("target device is offline, dispatching regardless")
	}

	dispatchedAt := time.Now().UTC()
	if err := e.store.Command().RecordDispatch(ctx, &model.Command{
		ReqID:        req.ReqID,
		DeviceID:     req.DeviceID,
		ModuleName:   req.Module,
		Actor:        req.Actor,
		Action:       req.Action,
		Params:       req.Params,
		DispatchedAt: dispatchedAt,
	}); err != nil {
		if errors.Is(err, lherrors.ErrDuplicateReqID) {
			// the dedup window expired but the row survives; replay it
			e.dedup.Forget(req.ReqID)
			return e.replayStored(ctx, req.ReqID)
		}
		e.rollback(ctx, req, fmt.Errorf("recording dispatch: %w", err), log)
		return nil, err
	}

	p := &pending{
		reqID:        req.ReqID,
		deviceID:     req.DeviceID,
		moduleName:   req.Module,
		action:       req.Action,
		wasOffline:   wasOffline,
		dispatchedAt: dispatchedAt,
		result:       make(chan *Result, 1),
	}
	e.addPending(p)

	envelope, err := json.Marshal(schema.CommandEnvelope{
		ReqID:  req.ReqID,
		Actor:  req.Actor,
		TS:     schema.Timestamp(dispatchedAt),
		Action: req.Action,
		Params: req.Params,
	})
	if err != nil {
		e.take(req.ReqID)
		e.rollback(ctx, req, fmt.Errorf("encoding command envelope: %w", err), log)
		return nil, err
	}

	topic := bus.TopicCommand(req.DeviceID, req.Module)
	if err := e.bus.Publish(ctx, topic, envelope, 1, false); err != nil {
		e.take(req.ReqID)
		// the dispatch row exists; close it out before rolling back dedup
		if _, ackErr := e.store.Command().RecordAck(ctx, req.ReqID, store.AckUpdate{
			Status:       model.CommandStatusFailed,
			Success:      false,
			ErrorMessage: fmt.Sprintf("publish failed: %v", err),
		}); ackErr != nil {
			log.WithError(ackErr).Error("closing command after publish failure")
		}
		e.rollback(ctx, req, fmt.Errorf("publishing to %s: %w", topic, err), log)
		return nil, err
	}
	log.Infof("command dispatched to %s", topic)

	return e.await(ctx, p, req.Timeout, log), nil
}

// await blocks until the ack handler resolves the pending entry or the
// deadline fires; whichever takes the entry first decides.
func (e *Engine) await(ctx context.Context, p *pending, timeout time.Duration, log logrus.FieldLogger) *Result {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-p.result:
		return result
	case <-timer.C:
		if e.take(p.reqID) == nil {
			// the ack won the race; its result is imminent
			return <-p.result
		}
		return e.finalizeTimeout(ctx, p, "no ack within deadline", log)
	case <-ctx.Done():
		if e.take(p.reqID) == nil {
			return <-p.result
		}
		return e.finalizeTimeout(ctx, p, fmt.Sprintf("caller canceled: %v", ctx.Err()), log)
	}
}

func (e *Engine) finalizeTimeout(ctx context.Context, p *pending, reason string, log logrus.FieldLogger) *Result {
	// persistence must not be short-circuited by the canceled caller ctx
	ctx = context.WithoutCancel(ctx)

	if _, err := e.store.Command().RecordAck(ctx, p.reqID, store.AckUpdate{
		Status:       model.CommandStatusTimeout,
		Success:      false,
		ErrorMessage: reason,
	}); err != nil {
		log.WithError(err).Error("recording command timeout")
	}

	e.dedup.FinishErr(p.reqID, &dedup.Result{
		Success: false,
		Code:    string(schema.CodeTimeout),
		Error:   reason,
	})

	dlqReason := model.FailureTimeout
	if p.wasOffline {
		dlqReason = model.FailureDeviceUnreachable
	}
	e.sink.DeadLetter(ctx, dlq.Failure{
		Topic:    bus.TopicCommand(p.deviceID, p.moduleName),
		Payload:  map[string]any{"req_id": p.reqID, "action": p.action},
		Reason:   dlqReason,
		Error:    reason,
		DeviceID: p.deviceID,
		Module:   p.moduleName,
		ReqID:    p.reqID,
	})
	e.recordEvent(ctx, &model.Event{
		EventType:  model.EventCommandTimeout,
		DeviceID:   p.deviceID,
		ModuleName: p.moduleName,
		Meta:       model.JSONMap[string, any]{"req_id": p.reqID, "action": p.action},
	})
	e.observe(p, model.CommandStatusTimeout)
	log.Warn("command timed out")

	return &Result{
		ReqID:   p.reqID,
		Status:  model.CommandStatusTimeout,
		Success: false,
		Code:    schema.CodeTimeout,
		Error:   reason,
	}
}

// HandleAck correlates an inbound acknowledgment. The winner of the
// pending take finalizes; a late ack is persisted idempotently and wakes
// nobody.
func (e *Engine) HandleAck(ctx context.Context, deviceID, moduleName string, ack *schema.AckEnvelope) {
	log := e.log.WithFields(logrus.Fields{
		"req_id": ack.ReqID,
		"device": deviceID,
		"module": moduleName,
	})

	status := model.CommandStatusAcked
	if !ack.Success {
		status = model.CommandStatusFailed
	}
	ackedAt, err := schema.ParseTimestamp(ack.TS)
	if err != nil {
		ackedAt = time.Now().UTC()
	}

	p := e.take(ack.ReqID)
	if p == nil {
		// late or unsolicited; persist if a row exists, never wake
		if _, err := e.store.Command().RecordAck(ctx, ack.ReqID, store.AckUpdate{
			Status:       status,
			Success:      ack.Success,
			ErrorMessage: ack.Error,
			Details:      ack.Details,
			AckedAt:      ackedAt.UTC(),
		}); err != nil {
			if errors.Is(err, lherrors.ErrNotFound) {
				log.Warn("ack for unknown req_id dropped")
			} else {
				log.WithError(err).Error("persisting late ack")
			}
			return
		}
		log.Info("late ack persisted")
		return
	}

	row, err := e.store.Command().RecordAck(ctx, ack.ReqID, store.AckUpdate{
		Status:       status,
		Success:      ack.Success,
		ErrorMessage: ack.Error,
		Details:      ack.Details,
		AckedAt:      ackedAt.UTC(),
	})
	if err != nil {
		log.WithError(err).Error("persisting ack")
	}

	cached := &dedup.Result{
		Success: ack.Success,
		Code:    string(ack.Code),
		Details: ack.Details,
		Error:   ack.Error,
	}
	if ack.Success {
		e.dedup.FinishOK(ack.ReqID, cached)
	} else {
		e.dedup.FinishErr(ack.ReqID, cached)
	}

	e.recordEvent(ctx, &model.Event{
		EventType:  model.EventCommandExecuted,
		DeviceID:   p.deviceID,
		ModuleName: p.moduleName,
		Actor:      ack.Actor,
		Meta: model.JSONMap[string, any]{
			"req_id":  ack.ReqID,
			"action":  p.action,
			"success": ack.Success,
			"code":    string(ack.Code),
		},
	})
	e.observe(p, status)

	result := &Result{
		ReqID:   ack.ReqID,
		Status:  status,
		Success: ack.Success,
		Code:    ack.Code,
		Error:   ack.Error,
		Details: ack.Details,
	}
	if row != nil && row.DurationMS != nil {
		result.Duration = time.Duration(*row.DurationMS) * time.Millisecond
	}
	p.result <- result
	log.Infof("command finalized: %s", status)
}

// failRouting synthesizes a local failed ack for an unroutable command.
// The command row is still written so the audit trail shows the attempt.
func (e *Engine) failRouting(ctx context.Context, req *SubmitRequest, routeErr error, log logrus.FieldLogger) *Result {
	code := schema.CodeDeviceError
	reason := model.FailureUnknownDevice
	if errors.Is(routeErr, lherrors.ErrUnknownModule) {
		code = schema.CodeModuleError
		reason = model.FailureUnknownModule
	}

	if err := e.store.Command().RecordDispatch(ctx, &model.Command{
		ReqID:      req.ReqID,
		DeviceID:   req.DeviceID,
		ModuleName: req.Module,
		Actor:      req.Actor,
		Action:     req.Action,
		Params:     req.Params,
	}); err != nil && !errors.Is(err, lherrors.ErrDuplicateReqID) {
		log.WithError(err).Error("recording unroutable command")
	}
	if _, err := e.store.Command().RecordAck(ctx, req.ReqID, store.AckUpdate{
		Status:       model.CommandStatusFailed,
		Success:      false,
		ErrorMessage: routeErr.Error(),
	}); err != nil {
		log.WithError(err).Error("closing unroutable command")
	}

	e.dedup.FinishErr(req.ReqID, &dedup.Result{
		Success: false,
		Code:    string(code),
		Error:   routeErr.Error(),
	})
	e.sink.DeadLetter(ctx, dlq.Failure{
		Topic:    bus.TopicCommand(req.DeviceID, req.Module),
		Payload:  map[string]any{"req_id": req.ReqID, "action": req.Action, "params": req.Params},
		Reason:   reason,
		Error:    routeErr.Error(),
		DeviceID: req.DeviceID,
		Module:   req.Module,
		ReqID:    req.ReqID,
	})
	if e.metrics != nil {
		e.metrics.CommandFinished(req.DeviceID, req.Module, req.Action, model.CommandStatusFailed, 0)
	}
	log.WithError(routeErr).Warn("command not routable")

	return &Result{
		ReqID:   req.ReqID,
		Status:  model.CommandStatusFailed,
		Success: false,
		Code:    code,
		Error:   routeErr.Error(),
	}
}

// rejectInvalid dead-letters a submission refused by envelope or
// parameter validation. Validation runs before the dedup claim and the
// dispatch row, so a corrected resubmission with the same req_id can
// proceed.
func (e *Engine) rejectInvalid(ctx context.Context, req *SubmitRequest, cause error) {
	e.sink.DeadLetter(ctx, dlq.Failure{
		Topic:    bus.TopicCommand(req.DeviceID, req.Module),
		Payload:  map[string]any{"req_id": req.ReqID, "action": req.Action},
		Reason:   model.FailureValidationError,
		Error:    cause.Error(),
		DeviceID: req.DeviceID,
		Module:   req.Module,
		ReqID:    req.ReqID,
	})
	e.log.WithError(cause).WithFields(logrus.Fields{
		"req_id": req.ReqID,
		"device": req.DeviceID,
		"action": req.Action,
	}).Warn("command rejected by validation")
}

// rollback clears the dedup claim and dead-letters a pre-publish failure
// so a resubmission with the same req_id can proceed.
func (e *Engine) rollback(ctx context.Context, req *SubmitRequest, cause error, log logrus.FieldLogger) {
	e.dedup.Forget(req.ReqID)
	e.sink.DeadLetter(ctx, dlq.Failure{
		Topic:    bus.TopicCommand(req.DeviceID, req.Module),
		Payload:  map[string]any{"req_id": req.ReqID, "action": req.Action, "params": req.Params},
		Reason:   model.FailureProcessingError,
		Error:    cause.Error(),
		DeviceID: req.DeviceID,
		Module:   req.Module,
		ReqID:    req.ReqID,
	})
	log.WithError(cause).Error("command dispatch failed")
}

// replayStored rebuilds a result from the persisted command row.
func (e *Engine) replayStored(ctx context.Context, reqID string) (*Result, error) {
	row, err := e.store.Command().GetByReqID(ctx, reqID)
	if err != nil {
		return nil, err
	}
	if !row.IsTerminal() {
		return &Result{ReqID: reqID, Status: StatusProcessing, Code: schema.CodeDispatched, Cached: true}, nil
	}
	result := &Result{
		ReqID:   reqID,
		Status:  row.Status,
		Success: row.Success != nil && *row.Success,
		Error:   row.ErrorMessage,
		Details: row.ResponseDetails,
		Cached:  true,
	}
	if result.Success {
		result.Code = schema.CodeOK
	} else if row.Status == model.CommandStatusTimeout {
		result.Code = schema.CodeTimeout
	} else {
		result.Code = schema.CodeDeviceError
	}
	if row.DurationMS != nil {
		result.Duration = time.Duration(*row.DurationMS) * time.Millisecond
	}
	return result, nil
}

// Shutdown refuses new submissions and drains pending correlations,
// failing each with processing_error.
func (e *Engine) Shutdown(ctx context.Context) {
	e.shuttingDown.Store(true)

	e.mu.Lock()
	drained := make([]*pending, 0, len(e.pending))
	for _, p := range e.pending {
		drained = append(drained, p)
	}
	e.pending = make(map[string]*pending)
	e.mu.Unlock()
	e.publishPendingGauge()

	for _, p := range drained {
		if _, err := e.store.Command().RecordAck(ctx, p.reqID, store.AckUpdate{
			Status:       model.CommandStatusFailed,
			Success:      false,
			ErrorMessage: lherrors.ErrShuttingDown.Error(),
		}); err != nil {
			e.log.WithError(err).WithField("req_id", p.reqID).Error("closing pending command on shutdown")
		}
		e.dedup.FinishErr(p.reqID, &dedup.Result{
			Success: false,
			Code:    string(schema.CodeException),
			Error:   lherrors.ErrShuttingDown.Error(),
		})
		e.sink.DeadLetter(ctx, dlq.Failure{
			Topic:    bus.TopicCommand(p.deviceID, p.moduleName),
			Payload:  map[string]any{"req_id": p.reqID, "action": p.action},
			Reason:   model.FailureProcessingError,
			Error:    lherrors.ErrShuttingDown.Error(),
			DeviceID: p.deviceID,
			Module:   p.moduleName,
			ReqID:    p.reqID,
		})
		p.result <- &Result{
			ReqID:   p.reqID,
			Status:  model.CommandStatusFailed,
			Success: false,
			Code:    schema.CodeException,
			Error:   lherrors.ErrShuttingDown.Error(),
		}
	}
	if len(drained) > 0 {
		e.log.WithField("count", len(drained)).Warn("drained pending correlations on shutdown")
	}
}

// PendingCount reports the number of in-flight correlations.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) addPending(p *pending) {
	e.mu.Lock()
	e.pending[p.reqID] = p
	e.mu.Unlock()
	e.publishPendingGauge()
}

// take removes and returns the pending entry; exactly one caller gets it.
func (e *Engine) take(reqID string) *pending {
	e.mu.Lock()
	p, ok := e.pending[reqID]
	if ok {
		delete(e.pending, reqID)
	}
	e.mu.Unlock()
	if ok {
		e.publishPendingGauge()
		return p
	}
	return nil
}

func (e *Engine) publishPendingGauge() {
	if e.metrics == nil {
		return
	}
	e.metrics.SetPendingCorrelations(e.PendingCount())
}

func (e *Engine) observe(p *pending, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.CommandFinished(p.deviceID, p.moduleName, p.action, status, time.Since(p.dispatchedAt))
}

func (e *Engine) recordEvent(ctx context.Context, event *model.Event) {
	if err := e.store.Event().Record(ctx, event); err != nil {
		e.log.WithError(err).WithField("event_type", event.EventType).Error("recording event")
	}
}

func resultFromCached(reqID string, cached *dedup.Result) *Result {
	result := &Result{ReqID: reqID, Cached: true}
	if cached == nil {
		result.Status = StatusProcessing
		result.Code = schema.CodeDispatched
		return result
	}
	result.Success = cached.Success
	result.Code = schema.ResponseCode(cached.Code)
	result.Details = cached.Details
	result.Error = cached.Error
	if cached.Success {
		result.Status = model.CommandStatusAcked
	} else if cached.Code == string(schema.CodeTimeout) {
		result.Status = model.CommandStatusTimeout
	} else {
		result.Status = model.CommandStatusFailed
	}
	return result
}
