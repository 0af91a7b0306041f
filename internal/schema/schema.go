// Package schema defines the bus message envelopes and their strict
// validation. An envelope that fails validation is never delivered to a
// handler; the caller routes it to the dead letter queue instead.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Serialized size caps for opaque maps.
const (
	MaxParamsBytes  = 64 * 1024
	MaxDetailsBytes = 32 * 1024
	MaxFieldsBytes  = 16 * 1024

	MaxLabels      = 20
	MaxLabelLength = 50
)

// ResponseCode enumerates acknowledgment codes.
type ResponseCode string

const (
	CodeOK          ResponseCode = "OK"
	CodeBadJSON     ResponseCode = "BAD_JSON"
	CodeBadRequest  ResponseCode = "BAD_REQUEST"
	CodeDeviceError ResponseCode = "DEVICE_ERROR"
	CodeModuleError ResponseCode = "MODULE_ERROR"
	CodeException   ResponseCode = "EXCEPTION"
	CodeTimeout     ResponseCode = "TIMEOUT"
	CodeDispatched  ResponseCode = "DISPATCHED"
	CodeScheduled   ResponseCode = "SCHEDULED"
	CodeInUse       ResponseCode = "IN_USE"
	CodeNotOwner    ResponseCode = "NOT_OWNER"
	CodeBadAction   ResponseCode = "BAD_ACTION"
)

var validCodes = map[ResponseCode]struct{}{
	CodeOK: {}, CodeBadJSON: {}, CodeBadRequest: {}, CodeDeviceError: {},
	CodeModuleError: {}, CodeException: {}, CodeTimeout: {}, CodeDispatched: {},
	CodeScheduled: {}, CodeInUse: {}, CodeNotOwner: {}, CodeBadAction: {},
}

// CommandStatus enumerates command lifecycle states.
type CommandStatus string

const (
	StatusDispatched CommandStatus = "dispatched"
	StatusAcked      CommandStatus = "acked"
	StatusFailed     CommandStatus = "failed"
	StatusTimeout    CommandStatus = "timeout"
)

// CommandEnvelope is the outbound command message published on a device's
// ingress topic.
type CommandEnvelope struct {
	ReqID  string         `json:"req_id" validate:"required,min=1,max=255"`
	Actor  string         `json:"actor" validate:"required,actor"`
	TS     string         `json:"ts" validate:"required,isots"`
	Action string         `json:"action" validate:"required,min=1,max=100"`
	Params map[string]any `json:"params"`
}

// AckEnvelope is the inbound acknowledgment carrying a command's terminal
// outcome.
type AckEnvelope struct {
	ReqID   string         `json:"req_id" validate:"required,min=1,max=255"`
	Success bool           `json:"success"`
	Action  string         `json:"action" validate:"required,min=1,max=100"`
	Actor   string         `json:"actor" validate:"required,min=1,max=100"`
	Code    ResponseCode   `json:"code"`
	Error   string         `json:"error,omitempty" validate:"max=1000"`
	Details map[string]any `json:"details,omitempty"`
	TS      string         `json:"ts" validate:"required,isots"`
}

// DeviceMetaEnvelope announces a device and its modules.
type DeviceMetaEnvelope struct {
	DeviceID     string                    `json:"device_id" validate:"required,min=1,max=255,deviceid"`
	Modules      []string                  `json:"modules" validate:"dive,modulename"`
	Capabilities map[string]map[string]any `json:"capabilities,omitempty"`
	Labels       []string                  `json:"labels,omitempty" validate:"max=20,dive,max=50"`
	Version      string                    `json:"version,omitempty" validate:"max=100"`
	TS           string                    `json:"ts" validate:"required,isots"`
}

// DeviceStatusEnvelope reports a device's online state.
type DeviceStatusEnvelope struct {
	DeviceID      string         `json:"device_id" validate:"required,min=1,max=255,deviceid"`
	Online        bool           `json:"online"`
	TS            string         `json:"ts" validate:"required,isots"`
	UptimeSeconds *float64       `json:"uptime_seconds,omitempty" validate:"omitempty,gte=0"`
	MemoryUsage   map[string]any `json:"memory_usage,omitempty"`
}

// ModuleStatusEnvelope reports one module's state snapshot.
type ModuleStatusEnvelope struct {
	State  string         `json:"state" validate:"required,min=1,max=50"`
	Online bool           `json:"online"`
	TS     string         `json:"ts" validate:"required,isots"`
	Fields map[string]any `json:"fields,omitempty"`
}

// HeartbeatEnvelope is the periodic liveness message; the device id comes
// from the topic.
type HeartbeatEnvelope struct {
	Online   bool           `json:"online"`
	TS       string         `json:"ts" validate:"required,isots"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

var (
	deviceIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	moduleNamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("actor", func(fl validator.FieldLevel) bool {
		return validActor(fl.Field().String())
	})
	_ = v.RegisterValidation("isots", func(fl validator.FieldLevel) bool {
		_, err := ParseTimestamp(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("deviceid", func(fl validator.FieldLevel) bool {
		return deviceIDPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("modulename", func(fl validator.FieldLevel) bool {
		return moduleNamePattern.MatchString(fl.Field().String())
	})
	return v
}

func validActor(actor string) bool {
	switch actor {
	case "api", "orchestrator", "user", "scheduler":
		return true
	}
	return strings.HasPrefix(actor, "host:") && len(actor) > len("host:")
}

// Timestamp renders t in the wire format: ISO-8601 UTC with trailing Z.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseTimestamp accepts ISO-8601 with or without sub-second precision.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q, must be ISO-8601", s)
}

func serializedSize(m map[string]any) (int, error) {
	if len(m) == 0 {
		return 2, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return 0, fmt.Errorf("value is not JSON serializable: %w", err)
	}
	return len(b), nil
}

func checkMapSize(name string, m map[string]any, limit int) error {
	n, err := serializedSize(m)
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("%s too large: %d bytes serialized, limit is %d", name, n, limit)
	}
	return nil
}

// ParseCommand decodes and validates a command envelope.
func ParseCommand(data []byte) (*CommandEnvelope, error) {
	var env CommandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding command envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *CommandEnvelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid command envelope: %w", err)
	}
	if strings.TrimSpace(e.Action) == "" {
		return fmt.Errorf("invalid command envelope: action is blank")
	}
	return checkMapSize("params", e.Params, MaxParamsBytes)
}

// ParseAck decodes and validates an acknowledgment envelope.
func ParseAck(data []byte) (*AckEnvelope, error) {
	var env AckEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding ack envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (e *AckEnvelope) Validate() error {
	if e.Code == "" {
		e.Code = CodeOK
	}
	if _, ok := validCodes[e.Code]; !ok {
		return fmt.Errorf("invalid ack envelope: unknown code %q", e.Code)
	}
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid ack envelope: %w", err)
	}
	return checkMapSize("details", e.Details, MaxDetailsBytes)
}

// ParseDeviceMeta decodes and validates a device metadata envelope.
func ParseDeviceMeta(data []byte) (*DeviceMetaEnvelope, error) {
	var env DeviceMetaEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding device meta envelope: %w", err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("invalid device meta envelope: %w", err)
	}
	if env.Version == "" {
		env.Version = "unknown"
	}
	return &env, nil
}

// ParseDeviceStatus decodes and validates a device status envelope.
func ParseDeviceStatus(data []byte) (*DeviceStatusEnvelope, error) {
	var env DeviceStatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding device status envelope: %w", err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("invalid device status envelope: %w", err)
	}
	return &env, nil
}

// ParseModuleStatus decodes and validates a module status envelope.
func ParseModuleStatus(data []byte) (*ModuleStatusEnvelope, error) {
	var env ModuleStatusEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding module status envelope: %w", err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("invalid module status envelope: %w", err)
	}
	if err := checkMapSize("fields", env.Fields, MaxFieldsBytes); err != nil {
		return nil, err
	}
	return &env, nil
}

// ParseHeartbeat decodes and validates a heartbeat envelope.
func ParseHeartbeat(data []byte) (*HeartbeatEnvelope, error) {
	var env HeartbeatEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding heartbeat envelope: %w", err)
	}
	if err := validate.Struct(&env); err != nil {
		return nil, fmt.Errorf("invalid heartbeat envelope: %w", err)
	}
	return &env, nil
}
