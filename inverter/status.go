package inverter

import (
	"encoding/binary"
	"math"
	"strconv"

	"github.com/juju/errors"
)

// Field is one 16-bit little-endian unsigned value of status frame.
// Scale 1 fields are integers, Scale 10 fields carry one decimal digit.
type Field struct {
	Name   string
	Offset int
	Scale  uint16
}

var statusFields = [...]Field{
	{"mode", 14, 1},
	{"acVoltage", 16, 10},
	{"acFrequency", 18, 10},
	{"pvVoltage", 20, 10},
	{"pvPower", 22, 1},
	{"batteryVoltage", 24, 10},
	{"batteryCharged", 26, 1},
	{"batteryChargingCurr", 28, 10},
	{"batteryDischargingCurr", 30, 10},
	{"outputVoltage", 32, 10},
	{"outputFrequency", 34, 10},
	{"outputPower", 38, 1},
	{"outputLoad", 40, 1},
	{"chargeState", 84, 1},
	{"loadState", 86, 1},
}

const (
	FieldChargeState = "chargeState"
	FieldLoadState   = "loadState"
)

// StatusFields returns copy of status frame layout table.
func StatusFields() []Field {
	fs := make([]Field, len(statusFields))
	copy(fs, statusFields[:])
	return fs
}

func StatusField(name string) (Field, bool) {
	for _, f := range statusFields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Value keeps raw register and scale, so integer vs rational type is never lost.
type Value struct {
	Raw   uint16
	Scale uint16
}

func (v Value) IsScaled() bool { return v.Scale > 1 }

func (v Value) Int() int { return int(v.Raw) }

func (v Value) Float() float64 {
	if !v.IsScaled() {
		return float64(v.Raw)
	}
	return float64(v.Raw) / float64(v.Scale)
}

// String is the form published on the bus: "225.4", "0.0", "66".
func (v Value) String() string {
	if !v.IsScaled() {
		return strconv.Itoa(v.Int())
	}
	digits := int(math.Round(math.Log10(float64(v.Scale))))
	return strconv.FormatFloat(v.Float(), 'f', digits, 64)
}

type Reading struct {
	Name  string
	Value Value
}

// Telemetry is decoded status frame in layout table order.
type Telemetry []Reading

func (t Telemetry) Get(name string) (Value, bool) {
	for _, r := range t {
		if r.Name == name {
			return r.Value, true
		}
	}
	return Value{}, false
}

func DecodeField(f Frame, fd Field) (Value, error) {
	if fd.Offset < 0 || fd.Offset+2 > len(f) {
		return Value{}, errors.NotValidf("status field=%s offset=%d frame length=%d", fd.Name, fd.Offset, len(f))
	}
	scale := fd.Scale
	if scale == 0 {
		scale = 1
	}
	return Value{Raw: binary.LittleEndian.Uint16(f[fd.Offset:]), Scale: scale}, nil
}

// DecodeStatus rejects whole frame if any field is out of bounds, partial readings are never returned.
func DecodeStatus(f Frame) (Telemetry, error) {
	if kind := f.Kind(); kind != KindStatus {
		return nil, errors.NotValidf("status frame kind=%s", kind.String())
	}
	t := make(Telemetry, 0, len(statusFields))
	for _, fd := range statusFields {
		v, err := DecodeField(f, fd)
		if err != nil {
			return nil, err
		}
		t = append(t, Reading{Name: fd.Name, Value: v})
	}
	return t, nil
}

// EncodeField writes value at field offset, rounding to scale resolution.
func EncodeField(buf []byte, fd Field, x float64) error {
	if fd.Offset < 0 || fd.Offset+2 > len(buf) {
		return errors.NotValidf("status field=%s offset=%d buffer length=%d", fd.Name, fd.Offset, len(buf))
	}
	scale := fd.Scale
	if scale == 0 {
		scale = 1
	}
	raw := math.Round(x * float64(scale))
	if raw < 0 || raw > math.MaxUint16 {
		return errors.NotValidf("status field=%s value=%v", fd.Name, x)
	}
	binary.LittleEndian.PutUint16(buf[fd.Offset:], uint16(raw))
	return nil
}
