package devicelink

import (
	"encoding/json"
	"expvar"
)

// Stat counters are expvar values so command line can publish them as-is.
type Stat struct {
	BytesIn       expvar.Int
	BytesOut      expvar.Int
	Frames        expvar.Int
	FramingErrors expvar.Int
	Connects      expvar.Int
	AcceptErrors  expvar.Int
	Displaced     expvar.Int
	Sends         expvar.Int
	SendErrors    expvar.Int
}

var _ expvar.Var = &Stat{}

func (s *Stat) String() string {
	m := map[string]int64{
		"bytes_in":       s.BytesIn.Value(),
		"bytes_out":      s.BytesOut.Value(),
		"frames":         s.Frames.Value(),
		"framing_errors": s.FramingErrors.Value(),
		"connects":       s.Connects.Value(),
		"accept_errors":  s.AcceptErrors.Value(),
		"displaced":      s.Displaced.Value(),
		"sends":          s.Sends.Value(),
		"send_errors":    s.SendErrors.Value(),
	}
	b, _ := json.Marshal(m)
	return string(b)
}
