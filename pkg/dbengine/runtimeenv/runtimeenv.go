// Package runtimeenv adapts the teacher's pkg/runtimeEnv/setup.go and
// the GC-tuning snippets from pkg/metricstore/metricstore.go and
// cmd/cc-backend/main.go into a small process-lifecycle helper for the
// engine: GC percent tuning, an optional google/gops debug agent, and
// systemd readiness notification.
package runtimeenv

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"runtime/debug"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/google/gops/agent"
)

// ApplyGCPercent sets GOGC to percent unless the GOGC environment
// variable is already set, mirroring main.go's startup check. A
// percent of 0 or less leaves the runtime default untouched.
func ApplyGCPercent(percent int) {
	if os.Getenv("GOGC") != "" {
		cclog.ComponentInfo("runtimeenv", "GOGC set in environment, ignoring configured gc_percent")
		return
	}
	if percent <= 0 {
		return
	}
	debug.SetGCPercent(percent)
	cclog.ComponentInfo("runtimeenv", "GC percent applied", "percent", percent)
}

// WithLoweredGC runs fn with a temporarily lowered GC target, the way
// metricstore.go tightens GOGC during checkpoint restore to keep a
// rapidly growing heap from doubling the GC's target repeatedly. The
// previous percent is restored and a collection forced afterward to
// set a tight baseline.
func WithLoweredGC(percent int, fn func()) {
	old := debug.SetGCPercent(percent)
	defer func() {
		debug.SetGCPercent(old)
		runtime.GC()
	}()
	fn()
}

// StartGops starts the google/gops debug agent if enabled, the way
// main.go gates it behind the -gops flag. Runtime overhead is
// negligible when not actively queried.
func StartGops(enabled bool) error {
	if !enabled {
		return nil
	}
	if err := agent.Listen(agent.Options{}); err != nil {
		return fmt.Errorf("runtimeenv: gops/agent.Listen: %w", err)
	}
	cclog.ComponentInfo("runtimeenv", "gops agent listening")
	return nil
}

// SystemdNotify informs systemd of a readiness/status transition via
// sd_notify, ported from pkg/runtimeEnv/setup.go unchanged: a no-op
// outside a systemd-managed process (NOTIFY_SOCKET unset).
func SystemdNotify(ready bool, status string) {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		return
	}

	args := []string{fmt.Sprintf("--pid=%d", os.Getpid())}
	if ready {
		args = append(args, "--ready")
	}
	if status != "" {
		args = append(args, fmt.Sprintf("--status=%s", status))
	}

	if err := exec.Command("systemd-notify", args...).Run(); err != nil {
		cclog.ComponentWarn("runtimeenv", "systemd-notify failed", "error", err.Error())
	}
}
