// Package sdnotify reports service state to systemd through the notify
// socket. Every call is a no-op when the process is not started by systemd
// with Type=notify.
package sdnotify

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"cadence/pkg/logx"
)

const stateReloading = "RELOADING=1"

// Ready tells systemd startup finished.
func Ready() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyReady) }

// Stopping tells systemd shutdown began.
func Stopping() (bool, error) { return daemon.SdNotify(false, daemon.SdNotifyStopping) }

// Reloading marks a config reload. Ready must follow once it is applied.
func Reloading() (bool, error) { return daemon.SdNotify(false, stateReloading) }

// Status sets the free-form status line shown by systemctl status.
func Status(s string) (bool, error) { return daemon.SdNotify(false, "STATUS="+s) }

// WatchdogInterval is how often Watchdog pings, or zero when WatchdogSec is
// not configured for this process.
func WatchdogInterval() time.Duration {
	d, err := daemon.SdWatchdogEnabled(false)
	if err != nil || d <= 0 {
		return 0
	}
	return d / 2
}

// Watchdog pings systemd until ctx ends. It returns immediately when the
// watchdog is off.
func Watchdog(ctx context.Context, log logx.Logger) error {
	every := WatchdogInterval()
	if every <= 0 {
		return nil
	}
	log.Debug("systemd watchdog enabled", logx.Duration("every", every))
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				log.Warn("systemd watchdog ping failed", logx.Err(err))
			}
		}
	}
}
