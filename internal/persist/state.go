package persist

import (
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/inverter"
)

const CommandStateTag = "command-state"

// CommandState is last known charge and load state of inverter.
type CommandState struct {
	mu sync.Mutex
	v  commandStateV1
}

type commandStateV1 struct {
	HasCharge   bool   `cbor:"hc"`
	ChargeState uint16 `cbor:"c"`
	HasLoad     bool   `cbor:"hl"`
	LoadState   uint16 `cbor:"l"`
	Updated     int64  `cbor:"t"`
}

var _ Stater = &CommandState{}

// Update merges known parts of r, returns true when anything changed.
func (s *CommandState) Update(r inverter.CommandResult, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	if r.HasCharge && (!s.v.HasCharge || s.v.ChargeState != r.ChargeState) {
		s.v.HasCharge, s.v.ChargeState = true, r.ChargeState
		changed = true
	}
	if r.HasLoad && (!s.v.HasLoad || s.v.LoadState != r.LoadState) {
		s.v.HasLoad, s.v.LoadState = true, r.LoadState
		changed = true
	}
	if changed {
		s.v.Updated = now.UnixNano()
	}
	return changed
}

func (s *CommandState) Result() inverter.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return inverter.CommandResult{
		HasCharge:   s.v.HasCharge,
		ChargeState: s.v.ChargeState,
		HasLoad:     s.v.HasLoad,
		LoadState:   s.v.LoadState,
	}
}

func (s *CommandState) Updated() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v.Updated == 0 {
		return time.Time{}
	}
	return time.Unix(0, s.v.Updated)
}

func (s *CommandState) MarshalBinary() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cbor.Marshal(s.v)
}

func (s *CommandState) UnmarshalBinary(b []byte) error {
	var v commandStateV1
	if err := cbor.Unmarshal(b, &v); err != nil {
		return errors.Annotate(err, "command state")
	}
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
	return nil
}
