package inverter

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/juju/errors"
)

// CommandResult is what command echo tells about inverter state.
type CommandResult struct {
	HasCharge   bool
	ChargeState uint16
	HasLoad     bool
	LoadState   uint16
}

func (r CommandResult) String() string {
	parts := make([]string, 0, 2)
	if r.HasCharge {
		parts = append(parts, fmt.Sprintf("chargeState=%d", r.ChargeState))
	}
	if r.HasLoad {
		parts = append(parts, fmt.Sprintf("loadState=%d", r.LoadState))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

type Command struct {
	Name   string
	Frame  Frame
	Result CommandResult
}

func (c Command) String() string { return fmt.Sprintf("%s(%x)", c.Name, []byte(c.Frame)) }

const (
	CmdChargeSolarOnly    = "chargeSolarOnly"
	CmdChargeSolarUtility = "chargeSolarUtility"
	CmdLoadSBU            = "loadSBU"
	CmdLoadUtility        = "loadUtility"
)

var catalog = [...]Command{
	{CmdChargeSolarOnly, MustHex("3D0A0001000EFF020102030405080C0E191A2041"), CommandResult{HasCharge: true, ChargeState: 3}},
	{CmdChargeSolarUtility, MustHex("3D0B0001000AFF011609190F00350023"), CommandResult{HasCharge: true, ChargeState: 2}},
	{CmdLoadSBU, MustHex("3D0C00010003001100"), CommandResult{HasLoad: true, LoadState: 2}},
	{CmdLoadUtility, MustHex("3D0D00010003001000"), CommandResult{HasLoad: true, LoadState: 0}},
}

// Poller requests, byte-exact with the vendor cloud traffic.
// Note data request bytes equal load SBU template.
var (
	PollConfig      = MustHex("3D0A0001000EFF020102030405080C0E191A2041")
	PollRequestData = MustHex("3D0C00010003001100")
)

// Commands returns catalog copy, frames are copied too.
func Commands() []Command {
	cs := make([]Command, len(catalog))
	for i, c := range catalog {
		c.Frame = c.Frame.Copy()
		cs[i] = c
	}
	return cs
}

// LookupEcho matches whole frame exactly against catalog templates.
// No prefix or partial matching.
func LookupEcho(f Frame) (CommandResult, bool) {
	for _, c := range catalog {
		if bytes.Equal(c.Frame, f) {
			return c.Result, true
		}
	}
	return CommandResult{}, false
}

func CommandByName(name string) (Command, bool) {
	for _, c := range catalog {
		if strings.EqualFold(c.Name, name) {
			c.Frame = c.Frame.Copy()
			return c, true
		}
	}
	return Command{}, false
}

// ParseCommand accepts command name or hex frame equal to one of templates.
func ParseCommand(s string) (Command, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Command{}, errors.NotValidf("empty command")
	}
	if c, ok := CommandByName(s); ok {
		return c, nil
	}
	f, err := ParseHex(s)
	if err != nil {
		return Command{}, errors.NotFoundf("command %q", s)
	}
	for _, c := range catalog {
		if bytes.Equal(c.Frame, f) {
			c.Frame = c.Frame.Copy()
			return c, nil
		}
	}
	return Command{}, errors.NotFoundf("command frame %x", []byte(f))
}
