package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/registry"
	"github.com/lab-platform/labhub/internal/store"
)

const healthCheckTimeout = 2 * time.Second

// Health serves the three probes: liveness, readiness, and the full
// health report.
type Health struct {
	bus      bus.Client
	store    store.Store
	registry *registry.Registry
	started  time.Time
}

func NewHealth(b bus.Client, s store.Store, r *registry.Registry) *Health {
	return &Health{
		bus:      b,
		store:    s,
		registry: r,
		started:  time.Now().UTC(),
	}
}

// Liveness always answers while the process runs.
func (h *Health) Liveness(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(h.started).Seconds(),
	})
}

// Readiness requires a connected bus and a reachable store.
func (h *Health) Readiness(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.checks(r.Context())
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":  ready,
		"checks": checks,
	})
}

// Full reports the probe checks plus device fleet and runtime detail.
func (h *Health) Full(w http.ResponseWriter, r *http.Request) {
	checks, ready := h.checks(r.Context())

	devices := h.registry.List()
	online := 0
	for i := range devices {
		if devices[i].Online {
			online++
		}
	}
	ratio := 0.0
	if len(devices) > 0 {
		ratio = float64(online) / float64(len(devices))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":          ready,
		"checks":         checks,
		"uptime_seconds": time.Since(h.started).Seconds(),
		"devices": map[string]any{
			"total":        len(devices),
			"online":       online,
			"online_ratio": ratio,
		},
		"runtime": map[string]any{
			"goroutines":      runtime.NumGoroutine(),
			"heap_alloc_mb":   float64(mem.HeapAlloc) / (1 << 20),
			"heap_objects":    mem.HeapObjects,
			"gc_cycles_total": mem.NumGC,
		},
	})
}

func (h *Health) checks(ctx context.Context) (map[string]bool, bool) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	busUp := h.bus.Connected()
	storeUp := h.store.CheckHealth(ctx) == nil

	return map[string]bool{
		"bus":   busUp,
		"store": storeUp,
	}, busUp && storeUp
}
