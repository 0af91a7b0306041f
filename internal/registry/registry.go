// Package registry tracks live device and module state in memory, backed
// by the store. All mutations flow through a single writer goroutine;
// reads take a shared lock on the current view.
package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/lherrors"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store"
	"github.com/lab-platform/labhub/internal/store/model"
	"github.com/lab-platform/labhub/pkg/thread"
)

// ModuleState is the latest reported snapshot for one module.
type ModuleState struct {
	State     string
	Online    bool
	Fields    map[string]any
	UpdatedAt time.Time
}

// DeviceInfo is the registry's view of one device.
type DeviceInfo struct {
	DeviceID     string
	Modules      []string
	Capabilities map[string]map[string]any
	Labels       []string
	Version      string
	LastSeen     time.Time
	Online       bool
	ModuleStates map[string]ModuleState
}

// HasModule reports whether the device announced the named module. The
// bare device scope is always addressable.
func (d *DeviceInfo) HasModule(name string) bool {
	if name == "" || name == "device" {
		return true
	}
	return lo.Contains(d.Modules, name)
}

func (d *DeviceInfo) clone() *DeviceInfo {
	out := *d
	out.Modules = append([]string(nil), d.Modules...)
	out.Labels = append([]string(nil), d.Labels...)
	out.ModuleStates = make(map[string]ModuleState, len(d.ModuleStates))
	for k, v := range d.ModuleStates {
		out.ModuleStates[k] = v
	}
	return &out
}

// Metrics is the gauge surface the registry feeds.
type Metrics interface {
	SetConnectedDevices(n int)
	SetLoadedModules(n int)
}

type mutation func(ctx context.Context)

// Registry is the in-memory device registry. Handlers enqueue mutations;
// one goroutine applies them and forwards to the store, so store write
// ordering matches bus arrival ordering per device.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceInfo

	mutations chan mutation
	store     store.Store
	metrics   Metrics
	log       logrus.FieldLogger

	staleness time.Duration
	sweeper   *thread.Thread

	stopOnce sync.Once
	done     chan struct{}
}

func New(s store.Store, metrics Metrics, staleness time.Duration, log logrus.FieldLogger) *Registry {
	r := &Registry{
		devices:   make(map[string]*DeviceInfo),
		mutations: make(chan mutation, 1024),
		store:     s,
		metrics:   metrics,
		log:       log,
		staleness: staleness,
		done:      make(chan struct{}),
	}
	return r
}

// Start loads the persisted device set, then runs the writer loop and
// staleness sweeper until ctx is canceled or Stop is called.
func (r *Registry) Start(ctx context.Context, sweepInterval time.Duration) error {
	devices, err := r.store.Device().List(ctx, false)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for i := range devices {
		d := devices[i]
		r.devices[d.DeviceID] = &DeviceInfo{
			DeviceID:     d.DeviceID,
			Modules:      d.Modules,
			Capabilities: d.Capabilities,
			Labels:       d.Labels,
			Version:      d.Version,
			LastSeen:     d.LastSeen,
			Online:       d.Online,
			ModuleStates: make(map[string]ModuleState),
		}
	}
	r.mu.Unlock()
	r.log.WithField("devices", len(devices)).Info("registry loaded from store")

	go r.run(ctx)

	r.sweeper = thread.New(ctx, r.log, "staleness sweeper", sweepInterval, r.sweep)
	r.sweeper.Start()
	return nil
}

func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.sweeper != nil {
			r.sweeper.Stop()
		}
		close(r.done)
	})
}

func (r *Registry) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case m := <-r.mutations:
			m(ctx)
		}
	}
}

func (r *Registry) enqueue(ctx context.Context, m mutation) {
	select {
	case r.mutations <- m:
	case <-ctx.Done():
	case <-r.done:
	}
}

func (r *Registry) publishGauges() {
	if r.metrics == nil {
		return
	}
	r.mu.RLock()
	devices := 0
	modules := 0
	for _, d := range r.devices {
		if d.Online {
			devices++
			modules += len(d.Modules)
		}
	}
	r.mu.RUnlock()
	r.metrics.SetConnectedDevices(devices)
	r.metrics.SetLoadedModules(modules)
}

// ApplyMeta registers or refreshes a device from its metadata announcement.
func (r *Registry) ApplyMeta(ctx context.Context, env *schema.DeviceMetaEnvelope) {
	seen := parseTS(env.TS)
	r.enqueue(ctx, func(ctx context.Context) {
		r.mu.Lock()
		d, known := r.devices[env.DeviceID]
		if !known {
			d = &DeviceInfo{DeviceID: env.DeviceID, ModuleStates: make(map[string]ModuleState)}
			r.devices[env.DeviceID] = d
		}
		wasOnline := d.Online
		d.Modules = append([]string(nil), env.Modules...)
		d.Capabilities = env.Capabilities
		d.Labels = append([]string(nil), env.Labels...)
		d.Version = env.Version
		d.LastSeen = seen
		d.Online = true
		r.mu.Unlock()

		if err := r.store.Device().Upsert(ctx, &model.Device{
			DeviceID:     env.DeviceID,
			Modules:      env.Modules,
			Capabilities: env.Capabilities,
			Labels:       env.Labels,
			Version:      env.Version,
			LastSeen:     seen,
			Online:       true,
		}); err != nil {
			r.log.WithError(err).WithField("device", env.DeviceID).Error("persisting device meta")
		}

		if !known || !wasOnline {
			r.recordEvent(ctx, &model.Event{
				EventType:   model.EventDeviceConnected,
				DeviceID:    env.DeviceID,
				Description: "device announced metadata",
				Meta:        model.JSONMap[string, any]{"modules": env.Modules, "version": env.Version},
			})
		}
		r.publishGauges()
	})
}

// ApplyStatus applies a device online/offline transition.
func (r *Registry) ApplyStatus(ctx context.Context, env *schema.DeviceStatusEnvelope) {
	seen := parseTS(env.TS)
	r.enqueue(ctx, func(ctx context.Context) {
		r.mu.Lock()
		d, known := r.devices[env.DeviceID]
		if !known {
			d = &DeviceInfo{DeviceID: env.DeviceID, ModuleStates: make(map[string]ModuleState)}
			r.devices[env.DeviceID] = d
		}
		wasOnline := d.Online
		d.Online = env.Online
		d.LastSeen = seen
		r.mu.Unlock()

		if err := r.persistOnline(ctx, env.DeviceID, env.Online, seen); err != nil {
			r.log.WithError(err).WithField("device", env.DeviceID).Error("persisting device status")
		}

		if wasOnline && !env.Online {
			r.recordEvent(ctx, &model.Event{
				EventType:   model.EventDeviceOffline,
				DeviceID:    env.DeviceID,
				Description: "device reported offline",
			})
		} else if !wasOnline && env.Online {
			r.recordEvent(ctx, &model.Event{
				EventType:   model.EventDeviceConnected,
				DeviceID:    env.DeviceID,
				Description: "device reported online",
			})
		}
		r.publishGauges()
	})
}

// ApplyHeartbeat refreshes device liveness and appends to the heartbeat
// stream.
func (r *Registry) ApplyHeartbeat(ctx context.Context, deviceID string, env *schema.HeartbeatEnvelope) {
	seen := parseTS(env.TS)
	r.enqueue(ctx, func(ctx context.Context) {
		r.mu.Lock()
		d, known := r.devices[deviceID]
		if known {
			d.LastSeen = seen
			if env.Online && !d.Online {
				d.Online = true
			}
		}
		r.mu.Unlock()

		if known {
			if err := r.persistOnline(ctx, deviceID, env.Online, seen); err != nil {
				r.log.WithError(err).WithField("device", deviceID).Error("persisting heartbeat liveness")
			}
		}

		if err := r.store.Telemetry().RecordHeartbeat(ctx, &model.Heartbeat{
			DeviceID:  deviceID,
			Online:    env.Online,
			Timestamp: seen,
			Meta:      env.Metadata,
		}); err != nil {
			r.log.WithError(err).WithField("device", deviceID).Error("persisting heartbeat")
		}
		r.publishGauges()
	})
}

// ApplyModuleStatus records a module's state snapshot.
func (r *Registry) ApplyModuleStatus(ctx context.Context, deviceID, moduleName string, env *schema.ModuleStatusEnvelope) {
	seen := parseTS(env.TS)
	r.enqueue(ctx, func(ctx context.Context) {
		r.mu.Lock()
		if d, known := r.devices[deviceID]; known {
			d.ModuleStates[moduleName] = ModuleState{
				State:     env.State,
				Online:    env.Online,
				Fields:    env.Fields,
				UpdatedAt: seen,
			}
			d.LastSeen = seen
		}
		r.mu.Unlock()

		if err := r.store.Telemetry().RecordModuleStatus(ctx, &model.ModuleStatus{
			DeviceID:   deviceID,
			ModuleName: moduleName,
			State:      env.State,
			Fields:     env.Fields,
			Online:     env.Online,
			Timestamp:  seen,
		}); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"device": deviceID,
				"module": moduleName,
			}).Error("persisting module status")
		}
	})
}

func (r *Registry) persistOnline(ctx context.Context, deviceID string, online bool, seen time.Time) error {
	err := r.store.Device().SetOnline(ctx, deviceID, online, seen)
	if errors.Is(err, lherrors.ErrNotFound) {
		// first sign of life arrived before any meta announcement
		return r.store.Device().Upsert(ctx, &model.Device{
			DeviceID: deviceID,
			LastSeen: seen,
			Online:   online,
		})
	}
	return err
}

func (r *Registry) recordEvent(ctx context.Context, event *model.Event) {
	if err := r.store.Event().Record(ctx, event); err != nil {
		r.log.WithError(err).WithField("event_type", event.EventType).Error("recording event")
	}
}

// sweep marks devices offline when nothing has been heard within the
// staleness threshold.
func (r *Registry) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.staleness)

	r.mu.RLock()
	var stale []string
	for id, d := range r.devices {
		if d.Online && d.LastSeen.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, deviceID := range stale {
		deviceID := deviceID
		r.enqueue(ctx, func(ctx context.Context) {
			r.mu.Lock()
			d, known := r.devices[deviceID]
			// re-check under the writer; a heartbeat may have landed since
			if !known || !d.Online || !d.LastSeen.Before(cutoff) {
				r.mu.Unlock()
				return
			}
			d.Online = false
			lastSeen := d.LastSeen
			r.mu.Unlock()

			r.log.WithFields(logrus.Fields{
				"device":    deviceID,
				"last_seen": lastSeen,
			}).Warn("device stale, marking offline")

			if err := r.store.Device().SetOnline(ctx, deviceID, false, lastSeen); err != nil {
				r.log.WithError(err).WithField("device", deviceID).Error("persisting staleness")
			}
			r.recordEvent(ctx, &model.Event{
				EventType:   model.EventDeviceOffline,
				DeviceID:    deviceID,
				Description: "no message within staleness threshold",
			})
			r.publishGauges()
		})
	}
}

// Lookup returns a copy of the device's registry entry.
func (r *Registry) Lookup(deviceID string) (*DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	return d.clone(), true
}

// IsOnline reports the device's current liveness; unknown devices are
// offline.
func (r *Registry) IsOnline(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	return ok && d.Online
}

// CheckTarget verifies a command target: the device must be known and
// the module announced.
func (r *Registry) CheckTarget(deviceID, moduleName string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return lherrors.ErrUnknownDevice
	}
	if !d.HasModule(moduleName) {
		return lherrors.ErrUnknownModule
	}
	return nil
}

// List returns a snapshot of all devices, sorted by device id.
func (r *Registry) List() []DeviceInfo {
	r.mu.RLock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

func parseTS(ts string) time.Time {
	t, err := schema.ParseTimestamp(ts)
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
