// Package device drives the inverter over DeviceLink.
// Poller actively requests data like the vendor cloud does; Passive only relays commands.
package device

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/internal/devicelink"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
)

type Driver interface {
	Run(ctx context.Context) error
	SendCommand(ctx context.Context, cmd inverter.Command) error
}

// Link is DeviceLink subset used by drivers.
type Link interface {
	WaitConnected(ctx context.Context) (devicelink.Session, error)
	Send(f inverter.Frame) error
}

type Options struct {
	Simulated bool
	Interval  time.Duration
	Log       *log2.Log
}

func New(link Link, opt Options) Driver {
	if opt.Simulated {
		return NewPoller(link, opt.Interval, opt.Log)
	}
	return NewPassive(link, opt.Log)
}

type Passive struct {
	link Link
	log  *log2.Log
}

func NewPassive(link Link, log *log2.Log) *Passive { return &Passive{link: link, log: log} }

// Run blocks until ctx is done, inverter talks on its own.
func (p *Passive) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (p *Passive) SendCommand(ctx context.Context, cmd inverter.Command) error {
	return sendCommand(ctx, p.link, p.log, cmd)
}

type Poller struct {
	link     Link
	log      *log2.Log
	interval time.Duration
}

func NewPoller(link Link, interval time.Duration, log *log2.Log) *Poller {
	if interval <= 0 {
		panic("code error poller interval must be positive")
	}
	return &Poller{link: link, log: log, interval: interval}
}

// Run serves each device connection in turn: configuration request once,
// data request right after it and then every interval, until connection is gone or send fails.
func (p *Poller) Run(ctx context.Context) error {
	for {
		s, err := p.link.WaitConnected(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "poller")
		}
		p.serve(ctx, s)
		select {
		case <-ctx.Done():
			return nil
		case <-s.Done:
		}
	}
}

func (p *Poller) serve(ctx context.Context, s devicelink.Session) {
	p.log.Debugf("poller session id=%d", s.ID)
	if err := p.link.Send(inverter.PollConfig); err != nil {
		p.log.Errorf("poller id=%d config request err=%v", s.ID, err)
		return
	}
	tmr := time.NewTicker(p.interval)
	defer tmr.Stop()
	for {
		if err := p.link.Send(inverter.PollRequestData); err != nil {
			p.log.Errorf("poller id=%d data request err=%v", s.ID, err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-s.Done:
			return
		case <-tmr.C:
		}
	}
}

func (p *Poller) SendCommand(ctx context.Context, cmd inverter.Command) error {
	return sendCommand(ctx, p.link, p.log, cmd)
}

func sendCommand(ctx context.Context, link Link, log *log2.Log, cmd inverter.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	log.Infof("device command %s", cmd.String())
	return errors.Annotatef(link.Send(cmd.Frame), "command %s", cmd.Name)
}
