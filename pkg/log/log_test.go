package log

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestSetLevel(t *testing.T) {
	require := require.New(t)

	logger := InitLogs()
	SetLevel(logger, "debug")
	require.Equal(logrus.DebugLevel, logger.GetLevel())

	SetLevel(logger, "not-a-level")
	require.Equal(logrus.InfoLevel, logger.GetLevel())
}
