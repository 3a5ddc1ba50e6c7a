// Package netlink supervises the WiFi association: detect loss, run a
// bounded reconnect, and keep the hardware watchdog fed while waiting
// for the link to come back.
package netlink

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MouJieQin/aihome/internal/metrics"
)

const (
	attemptTimeout  = 30 * time.Second
	pollInterval    = 500 * time.Millisecond
	disconnectPause = time.Second
)

// Link abstracts the WiFi association primitives so the supervisor's
// policy is testable without a radio.
type Link interface {
	IsUp() bool
	Disconnect() error
	Join(ssid, password string) error
}

// Supervisor owns reconnect policy: tear down, re-join with the
// compiled-in credentials, poll for up to 30 s with 500 ms yields.
type Supervisor struct {
	link     Link
	ssid     string
	password string
	pet      func() // watchdog, fed on every poll

	sleep func(time.Duration)
	now   func() time.Time
}

func New(link Link, ssid, password string, pet func()) *Supervisor {
	return &Supervisor{
		link:     link,
		ssid:     ssid,
		password: password,
		pet:      pet,
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// IsUp reports whether the link is associated and operational.
func (s *Supervisor) IsUp() bool {
	return s.link.IsUp()
}

// Reconnect tears down the current association and re-joins, polling
// until the link comes up or the 30 s attempt budget runs out. It pets
// the watchdog on every poll, so a full attempt never trips the 5 s
// hardware deadline. Returns whether the link is up.
func (s *Supervisor) Reconnect() bool {
	if s.link.IsUp() {
		return true
	}
	log.Warn().Str("ssid", s.ssid).Msg("wifi down, attempting to reconnect")
	metrics.Count("wifi.reconnect_attempts", 1)

	if err := s.link.Disconnect(); err != nil {
		log.Debug().Err(err).Msg("wifi disconnect before rejoin failed")
	}
	s.pet()
	s.sleep(disconnectPause)

	if err := s.link.Join(s.ssid, s.password); err != nil {
		log.Error().Err(err).Msg("wifi join failed")
		return false
	}

	start := s.now()
	for !s.link.IsUp() {
		if s.now().Sub(start) >= attemptTimeout {
			log.Error().Str("ssid", s.ssid).Msg("wifi reconnect timed out")
			metrics.Count("wifi.reconnect_failures", 1)
			return false
		}
		s.pet()
		s.sleep(pollInterval)
	}

	log.Info().Str("ssid", s.ssid).Msg("wifi reconnected")
	return true
}

// NMCli drives the link through NetworkManager, reading the interface
// operstate from sysfs and shelling out to nmcli for state changes.
type NMCli struct {
	Iface string
}

func (l *NMCli) IsUp() bool {
	raw, err := os.ReadFile(filepath.Join("/sys/class/net", l.Iface, "operstate"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(raw)) == "up"
}

func (l *NMCli) Disconnect() error {
	return l.run("device", "disconnect", l.Iface)
}

func (l *NMCli) Join(ssid, password string) error {
	// Not routed through run() so the password stays out of error text.
	cmd := exec.Command("nmcli", "device", "wifi", "connect", ssid, "password", password, "ifname", l.Iface)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("nmcli wifi connect %s failed: %w (output: %s)",
			ssid, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *NMCli) run(args ...string) error {
	out, err := exec.Command("nmcli", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("nmcli %s failed: %w (output: %s)",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
