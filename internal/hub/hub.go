// Package hub wires bus subscriptions to handlers: inbound messages are
// queued into a dispatch channel and drained by a worker pool, each
// worker validating the envelope and running its handler to completion.
// Envelopes that fail validation are dead-lettered and never reach a
// handler.
package hub

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/internal/bus"
	"github.com/lab-platform/labhub/internal/dlq"
	"github.com/lab-platform/labhub/internal/engine"
	"github.com/lab-platform/labhub/internal/registry"
	"github.com/lab-platform/labhub/internal/schema"
	"github.com/lab-platform/labhub/internal/store/model"
)

const dispatchQueueCapacity = 10000

// subscribed topic QoS; commands and acks must survive broker restarts.
const subscribeQoS = 1

type inbound struct {
	topic   string
	payload []byte
}

type Hub struct {
	bus      bus.Client
	engine   *engine.Engine
	registry *registry.Registry
	dlq      *dlq.Queue
	log      logrus.FieldLogger

	workers int
	queue   chan inbound
	done    chan struct{}
	wg      sync.WaitGroup
}

func New(b bus.Client, e *engine.Engine, r *registry.Registry, q *dlq.Queue,
	workers int, log logrus.FieldLogger) *Hub {
	return &Hub{
		bus:      b,
		engine:   e,
		registry: r,
		dlq:      q,
		log:      log,
		workers:  workers,
		queue:    make(chan inbound, dispatchQueueCapacity),
		done:     make(chan struct{}),
	}
}

// Start subscribes to all inbound topic patterns and runs the worker
// pool until ctx is canceled.
func (h *Hub) Start(ctx context.Context) error {
	for i := 0; i < h.workers; i++ {
		h.wg.Add(1)
		go h.worker(ctx)
	}

	subscriptions := []string{
		bus.SubDeviceMeta,
		bus.SubDeviceStatus,
		bus.SubHeartbeat,
		bus.SubModuleStatus,
		bus.SubAck,
		bus.TopicDLQCmd,
	}
	for _, pattern := range subscriptions {
		if err := h.bus.Subscribe(pattern, subscribeQoS, h.enqueue); err != nil {
			return err
		}
	}
	h.log.WithField("workers", h.workers).Info("hub started")
	return nil
}

// Stop stops accepting inbound messages and waits for the in-flight
// handlers to finish. Queued-but-unstarted messages are dropped; devices
// republish meta and heartbeats, and commands are retried by callers.
func (h *Hub) Stop() {
	close(h.done)
	h.wg.Wait()
}

func (h *Hub) enqueue(ctx context.Context, topic string, payload []byte) {
	select {
	case <-h.done:
	case <-ctx.Done():
	case h.queue <- inbound{topic: topic, payload: payload}:
	}
}

func (h *Hub) worker(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			return
		case msg := <-h.queue:
			h.dispatch(ctx, msg.topic, msg.payload)
		}
	}
}

// dispatch routes one inbound message by topic shape.
func (h *Hub) dispatch(ctx context.Context, topic string, payload []byte) {
	if topic == bus.TopicDLQCmd {
		h.dlq.HandleCommand(ctx, payload)
		return
	}

	if deviceID, moduleName, leaf, err := bus.ParseModuleTopic(topic); err == nil {
		switch leaf {
		case "ack":
			ack, err := schema.ParseAck(payload)
			if err != nil {
				h.schemaViolation(ctx, topic, payload, deviceID, moduleName, err)
				return
			}
			h.engine.HandleAck(ctx, deviceID, moduleName, ack)
		case "status":
			env, err := schema.ParseModuleStatus(payload)
			if err != nil {
				h.schemaViolation(ctx, topic, payload, deviceID, moduleName, err)
				return
			}
			h.registry.ApplyModuleStatus(ctx, deviceID, moduleName, env)
		default:
			h.log.WithField("topic", topic).Debug("unhandled module topic")
		}
		return
	}

	deviceID, leaf, err := bus.ParseDeviceTopic(topic)
	if err != nil {
		h.log.WithField("topic", topic).Debug("unhandled topic")
		return
	}
	switch leaf {
	case "meta":
		env, err := schema.ParseDeviceMeta(payload)
		if err != nil {
			h.schemaViolation(ctx, topic, payload, deviceID, "", err)
			return
		}
		if env.DeviceID != deviceID {
			h.schemaViolation(ctx, topic, payload, deviceID, "",
				errMismatchedDevice(deviceID, env.DeviceID))
			return
		}
		h.registry.ApplyMeta(ctx, env)
	case "status":
		env, err := schema.ParseDeviceStatus(payload)
		if err != nil {
			h.schemaViolation(ctx, topic, payload, deviceID, "", err)
			return
		}
		h.registry.ApplyStatus(ctx, env)
	case "heartbeat":
		env, err := schema.ParseHeartbeat(payload)
		if err != nil {
			h.schemaViolation(ctx, topic, payload, deviceID, "", err)
			return
		}
		h.registry.ApplyHeartbeat(ctx, deviceID, env)
	default:
		h.log.WithField("topic", topic).Debug("unhandled device topic")
	}
}

func (h *Hub) schemaViolation(ctx context.Context, topic string, payload []byte, deviceID, moduleName string, cause error) {
	h.dlq.DeadLetter(ctx, dlq.Failure{
		Topic:    topic,
		Payload:  map[string]any{"raw": string(payload)},
		Reason:   model.FailureSchemaViolation,
		Error:    cause.Error(),
		DeviceID: deviceID,
		Module:   moduleName,
	})
}

type mismatchedDeviceError struct {
	topic, envelope string
}

func (e *mismatchedDeviceError) Error() string {
	return "device_id " + e.envelope + " does not match topic device " + e.topic
}

func errMismatchedDevice(topicDevice, envelopeDevice string) error {
	return &mismatchedDeviceError{topic: topicDevice, envelope: envelopeDevice}
}
