package dht

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// settleDelay is the cooperative pause before each read, respecting the
// DHT22's minimum sampling interval.
const settleDelay = 20 * time.Millisecond

// minReadInterval is the DHT22's hardware re-read limit: conversions
// started closer together than this come back as bus errors, so samples
// inside the window are served from the last reading instead.
const minReadInterval = 2 * time.Second

// Reading is one temperature/humidity sample. A NaN field means the
// probe had no valid value; consumers must skip it.
type Reading struct {
	Temperature float64
	Humidity    float64
}

// Probe supplies raw samples from the hardware driver.
type Probe interface {
	Temperature() (float64, error)
	Humidity() (float64, error)
}

// Sensor wraps a Probe with the sampling policy: a short settle pause,
// no retries, NaN on failure.
type Sensor struct {
	mu    sync.Mutex
	probe Probe
	pause func(time.Duration)
	now   func() time.Time

	last   Reading
	lastAt time.Time
}

func New(probe Probe) *Sensor {
	return &Sensor{probe: probe, pause: time.Sleep, now: time.Now}
}

// Sample reads both values once. Failures are logged at debug level and
// surface as NaN; the next sample retries from scratch. A sample landing
// within minReadInterval of the last good reading returns that reading
// without touching the probe, so a query right after a publish tick does
// not trip the hardware re-read limit.
func (s *Sensor) Sample() Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastAt.IsZero() && s.now().Sub(s.lastAt) < minReadInterval {
		return s.last
	}
	s.pause(settleDelay)

	r := Reading{Temperature: math.NaN(), Humidity: math.NaN()}
	if t, err := s.probe.Temperature(); err == nil {
		r.Temperature = t
	} else {
		log.Debug().Err(err).Msg("dht22 temperature read failed")
	}
	if h, err := s.probe.Humidity(); err == nil {
		r.Humidity = h
	} else {
		log.Debug().Err(err).Msg("dht22 humidity read failed")
	}
	if !math.IsNaN(r.Temperature) || !math.IsNaN(r.Humidity) {
		s.last = r
		s.lastAt = s.now()
	}
	return r
}

// IIOProbe reads the kernel dht11 iio driver's sysfs files, which
// report milli-degrees and milli-percent.
type IIOProbe struct {
	Dir string // e.g. /sys/bus/iio/devices/iio:device0
}

func (p *IIOProbe) Temperature() (float64, error) {
	return p.readMilli("in_temp_input")
}

func (p *IIOProbe) Humidity() (float64, error) {
	return p.readMilli("in_humidityrelative_input")
}

func (p *IIOProbe) readMilli(name string) (float64, error) {
	raw, err := os.ReadFile(filepath.Join(p.Dir, name))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return v / 1000.0, nil
}
