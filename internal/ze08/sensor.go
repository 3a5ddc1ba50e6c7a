package ze08

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// Mode selects how the probe emits frames.
type Mode int

const (
	// Active mode: the probe reports spontaneously about once per second.
	Active Mode = iota
	// Passive mode: the probe answers one frame per request.
	Passive
)

// DefaultReadTimeout bounds ReadUntil when the caller passes zero.
const DefaultReadTimeout = time.Second

// mg/m³ per ppb for formaldehyde at the probe's reference conditions.
const mgm3PerPPB = 0.00125

const (
	pollInterval = 20 * time.Millisecond
	readTimeout  = 20 * time.Millisecond
)

// Reading is one validated sample from the probe.
type Reading struct {
	PPB  uint16
	MgM3 float64
}

// PPBToMgM3 converts a raw concentration to mg/m³.
func PPBToMgM3(ppb uint16) float64 {
	return float64(ppb) * mgm3PerPPB
}

// Port is the slice of the serial port the sensor uses.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
}

// Sensor owns the probe's UART. Reads from the publish loop and the
// websocket handlers are serialized by an internal mutex, so a Sensor
// is safe for concurrent use.
type Sensor struct {
	mu   sync.Mutex
	port Port
	mode Mode
	dec  Decoder
}

// Open opens the probe's serial device (9600 8N1) and puts it in the
// requested mode. The short read timeout keeps Read non-blocking: it
// only drains what the port already buffered.
func Open(device string, mode Mode) (*Sensor, error) {
	port, err := serial.Open(device, &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", device, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", device, err)
	}
	return NewSensor(port, mode)
}

// NewSensor wraps an already-open port and sets the probe mode.
func NewSensor(port Port, mode Mode) (*Sensor, error) {
	s := &Sensor{port: port, mode: mode}
	var err error
	if mode == Passive {
		err = s.SetPassive()
	} else {
		err = s.SetActive()
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Mode returns the current operating mode.
func (s *Sensor) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetActive tells the probe to report spontaneously.
func (s *Sensor) SetActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(cmdSetActive); err != nil {
		return err
	}
	s.mode = Active
	return nil
}

// SetPassive tells the probe to report only on request.
func (s *Sensor) SetPassive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.write(cmdSetPassive); err != nil {
		return err
	}
	s.mode = Passive
	return nil
}

// RequestRead asks a passive-mode probe for one frame.
func (s *Sensor) RequestRead() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(cmdRequestRead)
}

func (s *Sensor) write(cmd []byte) error {
	if _, err := s.port.Write(cmd); err != nil {
		return fmt.Errorf("failed to write probe command 0x%02x: %w", cmd[2], err)
	}
	return nil
}

// Read drains whatever the port has buffered and reports the first
// frame that validates. It never waits for the probe; when no complete
// frame is available it returns false and the caller retries later.
// In passive mode a read request is issued first.
func (s *Sensor) Read() (Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == Passive {
		if err := s.write(cmdRequestRead); err != nil {
			log.Warn().Err(err).Msg("ch2o read request failed")
			return Reading{}, false
		}
	}
	return s.readFrame()
}

// ReadUntil polls for a validated frame until timeout elapses, yielding
// between polls. A timeout of zero means DefaultReadTimeout.
func (s *Sensor) ReadUntil(timeout time.Duration) (Reading, bool) {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == Passive {
		if err := s.write(cmdRequestRead); err != nil {
			log.Warn().Err(err).Msg("ch2o read request failed")
			return Reading{}, false
		}
	}
	deadline := time.Now().Add(timeout)
	for {
		if r, ok := s.readFrame(); ok {
			return r, true
		}
		if time.Now().After(deadline) {
			return Reading{}, false
		}
		time.Sleep(pollInterval)
	}
}

// readFrame feeds buffered port bytes through the decoder. Callers hold
// the mutex. Bytes after the first validated frame stay in the decoder
// for the next call.
func (s *Sensor) readFrame() (Reading, bool) {
	var buf [FrameSize]byte
	for {
		n, err := s.port.Read(buf[:])
		if err != nil || n == 0 {
			return Reading{}, false
		}
		var reading Reading
		got := false
		for _, b := range buf[:n] {
			if ppb, ok := s.dec.Feed(b); ok && !got {
				reading = Reading{PPB: ppb, MgM3: PPBToMgM3(ppb)}
				got = true
			}
		}
		if got {
			return reading, true
		}
	}
}
