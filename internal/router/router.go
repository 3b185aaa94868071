// Package router is the decode stage between device mailbox and telemetry bus.
// Single consumer: frames are handled one at a time in arrival order and
// publishing is synchronous, so a slow bus slows down the device reader.
package router

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/internal/persist"
	"github.com/paxyhome/smartess/internal/tele"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
)

type Source interface {
	Get(ctx context.Context) (inverter.Frame, error)
}

type Publisher interface {
	Publish(ctx context.Context, suffix string, qos byte, payload []byte) error
	PublishValue(ctx context.Context, name string, value string)
}

type Queue interface {
	Push(item *tele.OutboxItem) error
}

type Options struct {
	Log     *log2.Log
	Source  Source
	Pub     Publisher
	Outbox  Queue                 // optional, aggregate payloads go here instead of Pub
	State   *persist.CommandState // optional
	Persist *persist.Persist      // optional, stores State on change
	Now     func() time.Time
}

type Router struct {
	log  *log2.Log
	opt  Options
	stat Stat
}

func New(opt Options) *Router {
	if opt.Source == nil || opt.Pub == nil {
		panic("code error router.New requires Source and Pub")
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Router{log: opt.Log, opt: opt}
}

func (r *Router) Stat() *Stat { return &r.stat }

// Run consumes frames until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	for {
		f, err := r.opt.Source.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Annotate(err, "router source")
		}
		_ = r.Handle(ctx, f)
	}
}

// Handle classifies and dispatches one frame. Errors are logged and counted here,
// returned value is informational.
func (r *Router) Handle(ctx context.Context, f inverter.Frame) error {
	now := r.opt.Now()
	switch f.Kind() {
	case inverter.KindStatus:
		return r.handleStatus(ctx, f, now)
	case inverter.KindCommandEcho:
		return r.handleEcho(ctx, f, now)
	}
	r.stat.Unknown.Add(1)
	tag, _ := f.Tag()
	r.log.Debugf("router drop tag=%s len=%d", tag.String(), f.Len())
	return nil
}

func (r *Router) handleStatus(ctx context.Context, f inverter.Frame, now time.Time) error {
	t, err := inverter.DecodeStatus(f)
	if err != nil {
		r.stat.DecodeErrors.Add(1)
		r.log.Errorf("router decode frame=%s err=%v", f.Hex(), err)
		return err
	}
	r.stat.Status.Add(1)
	perr := r.publishData(ctx, f, now)
	for _, reading := range t {
		r.opt.Pub.PublishValue(ctx, reading.Name, reading.Value.String())
	}

	var res inverter.CommandResult
	if v, ok := t.Get(inverter.FieldChargeState); ok {
		res.HasCharge, res.ChargeState = true, v.Raw
	}
	if v, ok := t.Get(inverter.FieldLoadState); ok {
		res.HasLoad, res.LoadState = true, v.Raw
	}
	r.updateState(res, now)
	return perr
}

func (r *Router) handleEcho(ctx context.Context, f inverter.Frame, now time.Time) error {
	res, ok := inverter.LookupEcho(f)
	if !ok {
		r.stat.EchoUnmatched.Add(1)
		r.log.Debugf("router command echo without template frame=%s", f.Hex())
	} else {
		r.stat.Echo.Add(1)
		r.log.Infof("router command echo %s", res.String())
	}
	perr := r.publishData(ctx, f, now)
	if ok {
		PublishResult(ctx, r.opt.Pub, res)
		r.updateState(res, now)
	}
	return perr
}

func (r *Router) publishData(ctx context.Context, f inverter.Frame, now time.Time) error {
	b, err := tele.NewDataPayload(f, now).Marshal()
	if err != nil {
		return errors.Annotate(err, "router data payload")
	}
	if r.opt.Outbox != nil {
		err = r.opt.Outbox.Push(&tele.OutboxItem{
			Topic:   tele.TopicData,
			Payload: b,
			Qos:     uint32(tele.QosAtLeastOnce),
			Time:    now.UnixNano(),
		})
	} else {
		err = r.opt.Pub.Publish(ctx, tele.TopicData, tele.QosAtLeastOnce, b)
	}
	if err == nil {
		return nil
	}
	r.stat.PublishErrors.Add(1)
	switch {
	case ctx.Err() != nil:
	case errors.IsUnauthorized(err):
		r.log.Debugf("router data not published err=%v", err)
	default:
		r.log.Errorf("router data not published err=%v", err)
	}
	return err
}

func (r *Router) updateState(res inverter.CommandResult, now time.Time) {
	if r.opt.State == nil || !r.opt.State.Update(res, now) {
		return
	}
	if r.opt.Persist == nil {
		return
	}
	if err := r.opt.Persist.Store(); err != nil {
		r.log.Errorf("router persist command state err=%v", err)
	}
}

// PublishResult sends known parts of command result as named values.
func PublishResult(ctx context.Context, pub Publisher, res inverter.CommandResult) {
	if res.HasCharge {
		pub.PublishValue(ctx, inverter.FieldChargeState, strconv.Itoa(int(res.ChargeState)))
	}
	if res.HasLoad {
		pub.PublishValue(ctx, inverter.FieldLoadState, strconv.Itoa(int(res.LoadState)))
	}
}
