package daemon

import (
	"log"
	"time"

	sddaemon "github.com/coreos/go-systemd/v22/daemon"
)

func notify(state string) {
	if _, err := sddaemon.SdNotify(false, state); err != nil {
		log.Println("daemon: systemd notify:", err)
	}
}

// watchdog pings systemd at half the configured watchdog interval until
// quit is closed. It returns at once when no watchdog is configured.
func watchdog(quit <-chan struct{}) {
	interval, err := sddaemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			notify(sddaemon.SdNotifyWatchdog)
		}
	}
}
