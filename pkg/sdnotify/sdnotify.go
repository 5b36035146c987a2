// Package sdnotify speaks the systemd readiness protocol. Every call is a
// no-op when the process is not running under a systemd unit (NOTIFY_SOCKET
// unset), so callers never need to guard.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nudgebot/pkg/logx"
)

// Ready tells the service manager that startup is complete.
func Ready(log logx.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		log.Warn("sd_notify READY failed", logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify READY sent")
	}
}

// Stopping tells the service manager that shutdown has begun.
func Stopping() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
}

// Watchdog feeds the systemd watchdog until ctx is done. Returns
// immediately when the unit has no watchdog configured, so it is safe to
// run unconditionally as a background goroutine.
func Watchdog(ctx context.Context, log logx.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		log.Warn("sd_watchdog probe failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}

	// Half the timeout is the conventional feed cadence.
	tick := interval / 2
	if tick < time.Second {
		tick = time.Second
	}
	log.Debug("sd_watchdog enabled", logx.Duration("interval", tick))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("sd_notify WATCHDOG failed", logx.Err(err))
			}
		}
	}
}
