// Package scheduler is the node's single cooperative loop. Every pass
// pets the watchdog, prunes websocket clients, gives the publisher a
// tick, supervises the wifi link and checks the daily reboot deadline,
// never blocking long enough to starve any of those.
package scheduler

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MouJieQin/aihome/internal/timer"
	"github.com/MouJieQin/aihome/system/reboot"
)

const (
	tickPeriod       = 10 * time.Millisecond
	reconnectBackoff = 5 * time.Second
)

// Petter feeds the hardware watchdog.
type Petter interface {
	Pet()
}

// Cleaner prunes dead websocket sessions.
type Cleaner interface {
	CleanupClients()
}

// Pusher runs one interval-gated publish tick.
type Pusher interface {
	PushTick()
}

// LinkSupervisor watches and restores the wifi link.
type LinkSupervisor interface {
	IsUp() bool
	Reconnect() bool
}

// Scheduler drives the loop. The clock is the process millisecond
// counter, compared with unsigned subtraction so the daily reboot check
// stays correct across counter wrap.
type Scheduler struct {
	watchdog Petter
	ws       Cleaner
	pub      Pusher
	link     LinkSupervisor

	rebootAfter time.Duration

	millis func() uint32
	sleep  func(time.Duration)
	reboot func()

	bootAt uint32
}

func New(watchdog Petter, ws Cleaner, pub Pusher, link LinkSupervisor, rebootAfter time.Duration) *Scheduler {
	return &Scheduler{
		watchdog:    watchdog,
		ws:          ws,
		pub:         pub,
		link:        link,
		rebootAfter: rebootAfter,
		millis:      timer.Millis,
		sleep:       time.Sleep,
		reboot:      reboot.Reboot,
	}
}

// Run executes the loop until the scheduled reboot fires.
func (s *Scheduler) Run() {
	s.bootAt = s.millis()
	log.Info().Dur("reboot_after", s.rebootAfter).Msg("scheduler running")
	for s.step() {
	}
}

// step is one scheduler pass; it returns false once the reboot fired.
// The wifi backoff path returns early so the watchdog is pet again
// before any further work.
func (s *Scheduler) step() bool {
	s.watchdog.Pet()
	s.ws.CleanupClients()
	s.pub.PushTick()

	if !s.link.IsUp() {
		log.Warn().Msg("wifi link down")
		if !s.link.Reconnect() {
			s.sleep(reconnectBackoff)
			return true
		}
	}

	if s.millis()-s.bootAt >= uint32(s.rebootAfter.Milliseconds()) {
		s.reboot()
		return false
	}

	s.sleep(tickPeriod)
	return true
}
