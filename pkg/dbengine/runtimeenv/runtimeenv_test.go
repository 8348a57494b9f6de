package runtimeenv

import (
	"os"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyGCPercentHonoursEnvironmentOverride(t *testing.T) {
	os.Setenv("GOGC", "50")
	defer os.Unsetenv("GOGC")

	before := debug.SetGCPercent(100)
	defer debug.SetGCPercent(before)

	ApplyGCPercent(200)
	require.Equal(t, 100, debug.SetGCPercent(100))
}

func TestApplyGCPercentIgnoresNonPositive(t *testing.T) {
	os.Unsetenv("GOGC")

	before := debug.SetGCPercent(77)
	defer debug.SetGCPercent(before)

	ApplyGCPercent(0)
	require.Equal(t, 77, debug.SetGCPercent(77))
}

func TestWithLoweredGCRestoresPrevious(t *testing.T) {
	before := debug.SetGCPercent(100)
	defer debug.SetGCPercent(before)

	var sawLowered int
	WithLoweredGC(20, func() {
		sawLowered = debug.SetGCPercent(20)
	})
	require.Equal(t, 100, sawLowered)
	require.Equal(t, 20, debug.SetGCPercent(20))
}

func TestStartGopsNoopWhenDisabled(t *testing.T) {
	require.NoError(t, StartGops(false))
}

func TestSystemdNotifyNoopWithoutSocket(t *testing.T) {
	os.Unsetenv("NOTIFY_SOCKET")
	SystemdNotify(true, "ready")
}
