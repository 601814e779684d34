// Package systemd speaks the sd_notify protocol. Every call is a no-op when
// the process was not started by systemd with NOTIFY_SOCKET set.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends state changes to the service manager.
type Notifier struct {
	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func NewNotifier() *Notifier {
	return &Notifier{
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// Ready reports startup completion (Type=notify units).
func (n *Notifier) Ready() error { return n.send(daemon.SdNotifyReady) }

// Stopping reports that shutdown began.
func (n *Notifier) Stopping() error { return n.send(daemon.SdNotifyStopping) }

// Reloading brackets a config reload; call Ready when it is done.
func (n *Notifier) Reloading() error { return n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) error { return n.send("STATUS=" + s) }

func (n *Notifier) send(state string) error {
	_, err := n.notify(state)
	return err
}

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec while
// healthy returns nil. It returns immediately when no watchdog is configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() error) error {
	interval, err := n.watchdog()
	if err != nil || interval <= 0 {
		return err
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && healthy() != nil {
				// Missing pings lets systemd restart a wedged process.
				continue
			}
			if err := n.send(daemon.SdNotifyWatchdog); err != nil {
				return err
			}
		}
	}
}
