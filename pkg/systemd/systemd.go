// Package systemd wires the daemon into systemd's service lifecycle:
// Type=notify readiness, stopping notification, and the optional
// watchdog keep-alive. Every call is a no-op when NOTIFY_SOCKET is
// absent, so the binary runs unchanged outside systemd.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// NotifyReady reports startup completion (READY=1). Returns false when
// not running under systemd.
func NotifyReady() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyReady)
	return ok
}

// NotifyStopping reports that shutdown has begun (STOPPING=1).
func NotifyStopping() bool {
	ok, _ := daemon.SdNotify(false, daemon.SdNotifyStopping)
	return ok
}

// WatchdogInterval returns the keep-alive interval to ping at, half the
// unit's WatchdogSec. Zero means no watchdog is configured.
func WatchdogInterval() time.Duration {
	iv, err := daemon.SdWatchdogEnabled(false)
	if err != nil || iv <= 0 {
		return 0
	}
	return iv / 2
}

// Watchdog pings WATCHDOG=1 every interval until ctx is done. Run it in
// a supervised goroutine with the interval from WatchdogInterval.
func Watchdog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
