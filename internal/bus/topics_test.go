package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTopicBuilders(t *testing.T) {
	require := require.New(t)

	require.Equal("/lab/device/D1/ndi/cmd", TopicCommand("D1", "ndi"))
	require.Equal("/lab/device/D1/device/cmd", TopicCommand("D1", ""))
	require.Equal("/lab/device/D1/ndi/ack", TopicAck("D1", "ndi"))
	require.Equal("/lab/device/D1/meta", TopicDeviceMeta("D1"))
	require.Equal("/lab/device/D1/heartbeat", TopicHeartbeat("D1"))
	require.Equal("/lab/device/D1/projector/status", TopicModuleStatus("D1", "projector"))

	require.Equal("/lab/dlq/D1/ndi", TopicDLQ("D1", "ndi"))
	require.Equal("/lab/dlq/D1/device", TopicDLQ("D1", ""))
	require.Equal("/lab/dlq/orchestrator", TopicDLQ("", ""))
}

func TestParseDeviceTopic(t *testing.T) {
	require := require.New(t)

	device, leaf, err := ParseDeviceTopic("/lab/device/lab-pi_01/meta")
	require.NoError(err)
	require.Equal("lab-pi_01", device)
	require.Equal("meta", leaf)

	_, _, err = ParseDeviceTopic("/lab/device/D1/ndi/status")
	require.Error(err, "module topics have five segments")

	_, _, err = ParseDeviceTopic("/other/device/D1/meta")
	require.Error(err)
}

func TestParseModuleTopic(t *testing.T) {
	require := require.New(t)

	device, module, leaf, err := ParseModuleTopic("/lab/device/D1/ndi/ack")
	require.NoError(err)
	require.Equal("D1", device)
	require.Equal("ndi", module)
	require.Equal("ack", leaf)

	_, _, _, err = ParseModuleTopic("/lab/device/D1/status")
	require.Error(err)
}

func TestTopicRoundTrip(t *testing.T) {
	require := require.New(t)

	device, module, leaf, err := ParseModuleTopic(TopicCommand("D9", "cam"))
	require.NoError(err)
	require.Equal("D9", device)
	require.Equal("cam", module)
	require.Equal("cmd", leaf)

	device, leaf, err = ParseDeviceTopic(TopicDeviceStatus("D9"))
	require.NoError(err)
	require.Equal("D9", device)
	require.Equal("status", leaf)
}
