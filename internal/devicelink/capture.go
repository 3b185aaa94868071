package devicelink

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/inverter"
)

// CaptureRecord is one received frame in capture file.
// File is plain concatenation of CBOR encoded records.
type CaptureRecord struct {
	T   int64  `cbor:"t"` // unix nanoseconds
	Raw []byte `cbor:"raw"`
}

func (r CaptureRecord) Time() time.Time { return time.Unix(0, r.T) }
func (r CaptureRecord) Frame() inverter.Frame { return inverter.Frame(r.Raw) }

type CaptureWriter struct {
	mu  sync.Mutex
	w   io.Writer
	c   io.Closer
	enc *cbor.Encoder
}

func NewCaptureWriter(w io.Writer) *CaptureWriter {
	cw := &CaptureWriter{w: w, enc: cbor.NewEncoder(w)}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw
}

// OpenCapture appends to existing file.
func OpenCapture(path string) (*CaptureWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "capture open path=%s", path)
	}
	return NewCaptureWriter(f), nil
}

func (cw *CaptureWriter) Write(t time.Time, f inverter.Frame) error {
	if cw == nil {
		return nil
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return errors.Annotate(cw.enc.Encode(CaptureRecord{T: t.UnixNano(), Raw: f}), "capture write")
}

// Close is safe to call more than once.
func (cw *CaptureWriter) Close() error {
	if cw == nil {
		return nil
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()
	c := cw.c
	cw.c = nil
	if c == nil {
		return nil
	}
	return c.Close()
}

type CaptureReader struct {
	dec *cbor.Decoder
}

func NewCaptureReader(r io.Reader) *CaptureReader {
	return &CaptureReader{dec: cbor.NewDecoder(r)}
}

// Next returns io.EOF after last record.
func (cr *CaptureReader) Next() (CaptureRecord, error) {
	var rec CaptureRecord
	err := cr.dec.Decode(&rec)
	if err == io.EOF {
		return rec, err
	}
	if err != nil {
		return rec, errors.Annotate(err, "capture read")
	}
	return rec, nil
}

// ReadCapture loads all records of a capture file.
func ReadCapture(path string) ([]CaptureRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "capture open path=%s", path)
	}
	defer f.Close()
	cr := NewCaptureReader(f)
	var rs []CaptureRecord
	for {
		rec, err := cr.Next()
		if err == io.EOF {
			return rs, nil
		}
		if err != nil {
			return rs, errors.Annotatef(err, "path=%s record=%d", path, len(rs))
		}
		rs = append(rs, rec)
	}
}
