package logger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	for _, format := range []string{"json", "console", "JSON"} {
		l, err := Init("debug", format)
		require.NoError(t, err, format)
		require.True(t, l.Core().Enabled(zapcore.DebugLevel))
		require.Same(t, l, L())
	}

	l, err := Init("WARN", "json")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
	require.True(t, l.Core().Enabled(zapcore.WarnLevel))
}

func TestInitRejectsBadInput(t *testing.T) {
	_, err := Init("loud", "json")
	require.ErrorContains(t, err, "invalid log level")

	_, err = Init("info", "xml")
	require.ErrorContains(t, err, "invalid log format")
}
