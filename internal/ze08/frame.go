package ze08

// Wire framing for the Winsen ZE08-CH2O formaldehyde probe. Every frame
// on the UART, in either direction, is nine bytes: a 0xFF start
// sentinel, a command byte, a payload, and a trailing checksum that is
// the two's complement of the sum of bytes 1..7.

// FrameSize is the fixed length of every ZE08 frame.
const FrameSize = 9

const (
	startByte = 0xFF

	// Command bytes the probe sends back to us.
	cmdActiveReport = 0x17 // spontaneous report in active mode
	cmdPassiveReply = 0x86 // reply to a requestRead in passive mode
)

// Host-to-probe command frames, checksummed.
var (
	cmdSetActive   = []byte{0xFF, 0x01, 0x78, 0x40, 0x00, 0x00, 0x00, 0x00, 0x47}
	cmdSetPassive  = []byte{0xFF, 0x01, 0x78, 0x41, 0x00, 0x00, 0x00, 0x00, 0x46}
	cmdRequestRead = []byte{0xFF, 0x01, 0x86, 0x00, 0x00, 0x00, 0x00, 0x00, 0x79}
)

// Checksum computes the trailing byte of a frame: (0x100 - sum(bytes
// 1..7) mod 0x100) mod 0x100. Equivalently, a frame checks out iff the
// sum of bytes 1..8 is zero mod 0x100.
func Checksum(frame []byte) byte {
	var sum byte
	for _, b := range frame[1 : FrameSize-1] {
		sum += b
	}
	return ^sum + 1
}

// ValidFrame reports whether frame is a complete probe report: start
// sentinel, a report command byte, and a matching checksum.
func ValidFrame(frame []byte) bool {
	if len(frame) != FrameSize || frame[0] != startByte {
		return false
	}
	if frame[1] != cmdActiveReport && frame[1] != cmdPassiveReply {
		return false
	}
	return frame[FrameSize-1] == Checksum(frame)
}

// Decoder reassembles probe frames from a UART byte stream. Partial
// frames are carried between feeds, and the decoder resynchronizes on
// the next start sentinel after corrupt input, so a frame split across
// reads or preceded by line noise still decodes.
type Decoder struct {
	buf []byte
}

// Feed advances the decoder by one byte. When the byte completes a
// validated frame it returns the HCHO concentration in ppb and true.
// Corrupt frames are dropped silently: the sentinel byte is discarded
// and scanning resumes at the next 0xFF in the residue.
func (d *Decoder) Feed(b byte) (ppb uint16, ok bool) {
	if len(d.buf) == 0 {
		if b != startByte {
			return 0, false
		}
		if d.buf == nil {
			d.buf = make([]byte, 0, FrameSize)
		}
	}
	d.buf = append(d.buf, b)
	if len(d.buf) < FrameSize {
		return 0, false
	}
	if ValidFrame(d.buf) {
		ppb = uint16(d.buf[2])<<8 | uint16(d.buf[3])
		d.buf = d.buf[:0]
		return ppb, true
	}
	d.resync()
	return 0, false
}

// resync drops the current sentinel and shifts the buffer to the next
// one, if any.
func (d *Decoder) resync() {
	rest := d.buf[1:]
	for i, b := range rest {
		if b == startByte {
			d.buf = append(d.buf[:0], rest[i:]...)
			return
		}
	}
	d.buf = d.buf[:0]
}
