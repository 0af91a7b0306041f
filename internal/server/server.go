// Package server is the HTTP edge: a thin chi router translating requests
// into engine, registry, dlq and scheduler calls. Authentication is
// assumed to be enforced in front of this service.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/dlq"
	"github.com/lab-platform/labhub/internal/engine"
	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/registry"
	"github.com/lab-platform/labhub/internal/scheduler"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/pkg/log"
)

const gracefulShutdownTimeout = 5 * time.Second

type Server struct {
	address   string
	log       logrus.FieldLogger
	engine    *engine.Engine
	registry  *registry.Registry
	store     store.Store
	dlq       *dlq.Queue
	scheduler *scheduler.Scheduler
	health    *Health
}

func New(address string, e *engine.Engine, r *registry.Registry, s store.Store,
	q *dlq.Queue, sched *scheduler.Scheduler, b bus.Client, logger logrus.FieldLogger) *Server {
	return &Server{
		address:   address,
		log:       logger,
		engine:    e,
		registry:  r,
		store:     s,
		dlq:       q,
		scheduler: sched,
		health:    NewHealth(b, s, r),
	}
}

func (s *Server) Router() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.health.Liveness)
	router.Get("/readyz", s.health.Readiness)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.health.Full)

		r.Post("/commands", s.submitCommand)

		r.Get("/devices", s.listDevices)
		r.Get("/devices/{deviceID}", s.getDevice)
		r.Get("/devices/{deviceID}/modules/{moduleName}/status", s.getModuleStatus)

		r.Get("/dlq", s.listDeadLetters)
		r.Get("/dlq/stats", s.deadLetterStats)

		r.Get("/schedules", s.listSchedules)
		r.Post("/schedules", s.createSchedule)
		r.Patch("/schedules/{scheduleID}", s.patchSchedule)
		r.Delete("/schedules/{scheduleID}", s.deleteSchedule)
	})
	return router
}

// Run serves the API until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.address,
		Handler: s.Router(),
	}

	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctxTimeout); err != nil {
			s.log.WithError(err).Warn("api server shutdown error")
		}
	}()

	s.log.Infof("api server listening on %s", s.address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type submitPayload struct {
	DeviceID       string         `json:"device_id"`
	ModuleName     string         `json:"module_name,omitempty"`
	Actor          string         `json:"actor,omitempty"`
	Action         string         `json:"action"`
	Params         map[string]any `json:"params,omitempty"`
	ReqID          string         `json:"req_id,omitempty"`
	TimeoutSeconds float64        `json:"timeout_seconds,omitempty"`
}

type submitResponse struct {
	OK         bool           `json:"ok"`
	ReqID      string         `json:"req_id"`
	Dispatched bool           `json:"dispatched"`
	DeviceID   string         `json:"device_id"`
	Action     string         `json:"action"`
	TS         string         `json:"ts"`
	Status     string         `json:"status,omitempty"`
	Code       string         `json:"code,omitempty"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	Cached     bool           `json:"cached,omitempty"`
}

func (s *Server) submitCommand(w http.ResponseWriter, r *http.Request) {
	var payload submitPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if payload.DeviceID == "" || payload.Action == "" {
		writeError(w, http.StatusBadRequest, "device_id and action are required")
		return
	}
	if payload.Actor == "" {
		payload.Actor = "api"
	}

	result, err := s.engine.Submit(r.Context(), engine.SubmitRequest{
		DeviceID: payload.DeviceID,
		Module:   payload.ModuleName,
		Actor:    payload.Actor,
		Action:   payload.Action,
		Params:   payload.Params,
		ReqID:    payload.ReqID,
		Timeout:  time.Duration(payload.TimeoutSeconds * float64(time.Second)),
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, lherrors.ErrReqIDConflict):
			status = http.StatusConflict
		case errors.Is(err, lherrors.ErrShuttingDown):
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	log.WithReqID(result.ReqID, s.log).WithFields(logrus.Fields{
		"device": payload.DeviceID,
		"action": payload.Action,
		"status": result.Status,
	}).Info("command submitted via api")

	w.Header().Set("X-Request-ID", result.ReqID)
	writeJSON(w, http.StatusOK, submitResponse{
		OK:         result.Success,
		ReqID:      result.ReqID,
		Dispatched: result.Status != engine.StatusProcessing,
		DeviceID:   payload.DeviceID,
		Action:     payload.Action,
		TS:         schema.Timestamp(time.Now()),
		Status:     result.Status,
		Code:       string(result.Code),
		Error:      result.Error,
		Details:    result.Details,
		Cached:     result.Cached,
	})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	onlineOnly := r.URL.Query().Get("online_only") == "true"
	devices := s.registry.List()

	out := make([]map[string]any, 0, len(devices))
	for i := range devices {
		if onlineOnly && !devices[i].Online {
			continue
		}
		out = append(out, deviceJSON(&devices[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	device, ok := s.registry.Lookup(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, lherrors.ErrUnknownDevice.Error())
		return
	}
	writeJSON(w, http.StatusOK, deviceJSON(device))
}

func (s *Server) getModuleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	moduleName := chi.URLParam(r, "moduleName")

	status, err := s.store.Telemetry().GetLatestModuleStatus(r.Context(), deviceID, moduleName)
	if err != nil {
		if errors.Is(err, lherrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no status recorded for this module")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":   status.DeviceID,
		"module_name": status.ModuleName,
		"state":       status.State,
		"online":      status.Online,
		"fields":      status.Fields,
		"ts":          schema.Timestamp(status.Timestamp),
	})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.DeadLetterFilter{
		DeviceID:      query.Get("device_id"),
		ModuleName:    query.Get("module_name"),
		FailureReason: query.Get("failure_reason"),
	}
	if v, err := strconv.Atoi(query.Get("limit")); err == nil {
		filter.Limit = v
	}

	records, err := s.dlq.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dlq.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active_only") == "true"
	schedules, err := s.scheduler.List(r.Context(), activeOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var spec schema.ScheduleSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	created, err := s.scheduler.Create(r.Context(), &spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) patchSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	var patch struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil || patch.Active == nil {
		writeError(w, http.StatusBadRequest, "body must carry an active flag")
		return
	}
	if err := s.scheduler.SetActive(r.Context(), id, *patch.Active); err != nil {
		if errors.Is(err, lherrors.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "scheduleID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := s.scheduler.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func deviceJSON(d *registry.DeviceInfo) map[string]any {
	moduleStates := make(map[string]any, len(d.ModuleStates))
	for name, ms := range d.ModuleStates {
		moduleStates[name] = map[string]any{
			"state":      ms.State,
			"online":     ms.Online,
			"fields":     ms.Fields,
			"updated_at": schema.Timestamp(ms.UpdatedAt),
		}
	}
	return map[string]any{
		"device_id":     d.DeviceID,
		"modules":       d.Modules,
		"capabilities":  d.Capabilities,
		"labels":        d.Labels,
		"version":       d.Version,
		"online":        d.Online,
		"last_seen":     schema.Timestamp(d.LastSeen),
		"module_states": moduleStates,
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}
