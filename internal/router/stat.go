package router

import (
	"encoding/json"
	"expvar"
)

type Stat struct {
	Status        expvar.Int
	Echo          expvar.Int
	EchoUnmatched expvar.Int
	Unknown       expvar.Int
	DecodeErrors  expvar.Int
	PublishErrors expvar.Int
}

var _ expvar.Var = &Stat{}

func (s *Stat) String() string {
	m := map[string]int64{
		"status":         s.Status.Value(),
		"echo":           s.Echo.Value(),
		"echo_unmatched": s.EchoUnmatched.Value(),
		"unknown":        s.Unknown.Value(),
		"decode_errors":  s.DecodeErrors.Value(),
		"publish_errors": s.PublishErrors.Value(),
	}
	b, _ := json.Marshal(m)
	return string(b)
}
