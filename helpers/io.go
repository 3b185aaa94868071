package helpers

import (
	"io"
)

// WriteAll repeats short writes until b is written.
// Writer returning n=0 without error yields io.ErrShortWrite instead of spinning.
func WriteAll(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		b = b[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
