package helpers

import (
	"expvar"
	"io"
)

// CountReader adds number of bytes read to counter, including reads that return error.
func CountReader(r io.Reader, counter *expvar.Int) io.Reader {
	return &countReader{r: r, v: counter}
}

// CountWriter adds number of bytes written to counter.
func CountWriter(w io.Writer, counter *expvar.Int) io.Writer {
	return &countWriter{w: w, v: counter}
}

type countReader struct {
	r io.Reader
	v *expvar.Int
}

func (cr *countReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.v.Add(int64(n))
	}
	return n, err
}

type countWriter struct {
	w io.Writer
	v *expvar.Int
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.v.Add(int64(n))
	}
	return n, err
}
