package bus

import (
	"fmt"
	"strings"
)

// Topic namespace. Inbound device topics carry the device id (and module
// name) as path segments; subscriptions use single-level wildcards.
const (
	Namespace = "/lab"

	SubDeviceMeta   = Namespace + "/device/+/meta"
	SubDeviceStatus = Namespace + "/device/+/status"
	SubHeartbeat    = Namespace + "/device/+/heartbeat"
	SubModuleStatus = Namespace + "/device/+/+/status"
	SubAck          = Namespace + "/device/+/+/ack"

	TopicDLQCmd      = Namespace + "/dlq/cmd"
	TopicDLQResponse = Namespace + "/dlq/response"
	TopicHealthTest  = Namespace + "/orchestrator/health/test"
)

// DeviceModuleFallback is the module segment used when a command targets a
// device without naming a module.
const DeviceModuleFallback = "device"

func TopicCommand(deviceID, module string) string {
	if module == "" {
		module = DeviceModuleFallback
	}
	return fmt.Sprintf("%s/device/%s/%s/cmd", Namespace, deviceID, module)
}

func TopicAck(deviceID, module string) string {
	if module == "" {
		module = DeviceModuleFallback
	}
	return fmt.Sprintf("%s/device/%s/%s/ack", Namespace, deviceID, module)
}

func TopicDeviceMeta(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/meta", Namespace, deviceID)
}

func TopicDeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/status", Namespace, deviceID)
}

func TopicHeartbeat(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/heartbeat", Namespace, deviceID)
}

func TopicModuleStatus(deviceID, module string) string {
	return fmt.Sprintf("%s/device/%s/%s/status", Namespace, deviceID, module)
}

// TopicDLQ derives the dead letter topic from the failure's scope.
func TopicDLQ(deviceID, module string) string {
	switch {
	case deviceID != "" && module != "":
		return fmt.Sprintf("%s/dlq/%s/%s", Namespace, deviceID, module)
	case deviceID != "":
		return fmt.Sprintf("%s/dlq/%s/device", Namespace, deviceID)
	default:
		return Namespace + "/dlq/orchestrator"
	}
}

// ParseDeviceTopic extracts the device id from a 4-segment device topic
// such as /lab/device/{id}/meta.
func ParseDeviceTopic(topic string) (deviceID, leaf string, err error) {
	parts := splitTopic(topic)
	if len(parts) != 4 || parts[0] != "lab" || parts[1] != "device" {
		return "", "", fmt.Errorf("not a device topic: %s", topic)
	}
	return parts[2], parts[3], nil
}

// ParseModuleTopic extracts device id and module name from a 5-segment
// module topic such as /lab/device/{id}/{module}/ack.
func ParseModuleTopic(topic string) (deviceID, module, leaf string, err error) {
	parts := splitTopic(topic)
	if len(parts) != 5 || parts[0] != "lab" || parts[1] != "device" {
		return "", "", "", fmt.Errorf("not a module topic: %s", topic)
	}
	return parts[2], parts[3], parts[4], nil
}

func splitTopic(topic string) []string {
	return strings.Split(strings.TrimPrefix(topic, "/"), "/")
}
