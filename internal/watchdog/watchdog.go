// Package watchdog drives the hardware watchdog. Once armed, the
// device resets the board unless it is pet within its timeout; that is
// the node's last line of defense against a wedged loop.
package watchdog

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type Watchdog struct {
	mu sync.Mutex
	f  *os.File
}

// Arm opens the watchdog device and sets its timeout. A board without
// one (or a dev machine) gets a disarmed watchdog whose Pet is a no-op,
// so the rest of the node runs unchanged.
func Arm(device string, timeout time.Duration) *Watchdog {
	f, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		log.Warn().Err(err).Str("device", device).Msg("hardware watchdog unavailable, running without it")
		return &Watchdog{}
	}

	secs := int(timeout / time.Second)
	if err := unix.IoctlSetPointerInt(int(f.Fd()), unix.WDIOC_SETTIMEOUT, secs); err != nil {
		log.Warn().Err(err).Int("seconds", secs).Msg("failed to set watchdog timeout, keeping driver default")
	}

	log.Info().Str("device", device).Int("seconds", secs).Msg("hardware watchdog armed")
	return &Watchdog{f: f}
}

// Pet resets the hardware countdown. Safe on a disarmed watchdog.
func (w *Watchdog) Pet() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return
	}
	if _, err := w.f.Write([]byte{0}); err != nil {
		log.Warn().Err(err).Msg("failed to pet watchdog")
	}
}
