package inverter

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/juju/errors"
)

const (
	HeaderLen       = 6
	DefaultMaxFrame = 1024
)

type Tag uint16

const (
	TagCommandEcho Tag = 0x0001
	TagStatus      Tag = 0x0925
)

func (t Tag) String() string {
	switch t {
	case TagCommandEcho:
		return "command-echo"
	case TagStatus:
		return "status"
	}
	return fmt.Sprintf("unknown(%04x)", uint16(t))
}

type Kind int

const (
	KindUnknown Kind = iota
	KindStatus
	KindCommandEcho
)

func (k Kind) String() string {
	switch k {
	case KindStatus:
		return "status"
	case KindCommandEcho:
		return "command-echo"
	}
	return "unknown"
}

// Frame is one complete message as received from the device.
// Treat as immutable, Framer hands out private copies.
type Frame []byte

func (f Frame) Len() int { return len(f) }

// Tag returns type tag at offsets 2 and 3. ok=false for frames shorter than 4 bytes.
func (f Frame) Tag() (Tag, bool) {
	if len(f) < 4 {
		return 0, false
	}
	return Tag(uint16(f[2])<<8 | uint16(f[3])), true
}

// Kind classifies frame by type tag.
func (f Frame) Kind() Kind {
	tag, ok := f.Tag()
	if !ok {
		return KindUnknown
	}
	switch tag {
	case TagStatus:
		return KindStatus
	case TagCommandEcho:
		return KindCommandEcho
	}
	return KindUnknown
}

// Hex is lowercase hex, same as sent in aggregate payload raw_data.
func (f Frame) Hex() string { return hex.EncodeToString(f) }

func (f Frame) String() string {
	tag, _ := f.Tag()
	return fmt.Sprintf("<Frame len=%d tag=%s %x>", len(f), tag.String(), []byte(f))
}

func (f Frame) Copy() Frame {
	c := make(Frame, len(f))
	copy(c, f)
	return c
}

func ParseHex(s string) (Frame, error) {
	// mosquitto_sub and humans tend to lose leading zero
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.NotValidf("hex frame %q", s)
	}
	return Frame(b), nil
}

func MustHex(s string) Frame {
	f, err := ParseHex(s)
	if err != nil {
		panic("code error " + err.Error())
	}
	return f
}

// Framer reassembles frames from stream reads using header length field.
// Zero or many frames may come from one read.
type Framer struct {
	buf []byte
	max int
}

func NewFramer(max int) *Framer {
	if max < HeaderLen {
		max = DefaultMaxFrame
	}
	return &Framer{max: max, buf: make([]byte, 0, max)}
}

func (fr *Framer) Buffered() int { return len(fr.buf) }

func (fr *Framer) Reset() { fr.buf = fr.buf[:0] }

// Feed appends stream bytes and returns complete frames.
// On header announcing frame larger than limit, buffered bytes are discarded
// and error returned together with frames completed before the bad header.
func (fr *Framer) Feed(b []byte) ([]Frame, error) {
	fr.buf = append(fr.buf, b...)
	var frames []Frame
	for len(fr.buf) >= HeaderLen {
		total := HeaderLen + int(binary.BigEndian.Uint16(fr.buf[4:6]))
		if total > fr.max {
			err := errors.NotValidf("frame header=%x length=%d limit=%d", fr.buf[:HeaderLen], total, fr.max)
			fr.Reset()
			return frames, err
		}
		if len(fr.buf) < total {
			break
		}
		frames = append(frames, Frame(fr.buf[:total]).Copy())
		fr.buf = append(fr.buf[:0], fr.buf[total:]...)
	}
	return frames, nil
}
