// Package bridge wires device link, decode stage and telemetry publisher
// into one process lifecycle.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/internal/config"
	"github.com/paxyhome/smartess/internal/device"
	"github.com/paxyhome/smartess/internal/devicelink"
	"github.com/paxyhome/smartess/internal/persist"
	"github.com/paxyhome/smartess/internal/router"
	"github.com/paxyhome/smartess/internal/tele"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
	"github.com/temoto/alive/v2"
)

type Bridge struct {
	Alive     *alive.Alive
	Config    *config.Config
	Log       *log2.Log
	Bus       tele.BusClient // default paho client from Config.Mqtt
	Mailbox   *devicelink.Mailbox
	Link      *devicelink.Link
	Driver    device.Driver
	Publisher *tele.Publisher
	Outbox    *tele.Outbox // nil unless mqtt.outbox_path is set
	Router    *router.Router
	State     persist.CommandState
	Persist   persist.Persist

	capture *devicelink.CaptureWriter
}

func New(log *log2.Log) *Bridge {
	return &Bridge{
		Alive: alive.NewAlive(),
		Log:   log,
	}
}

// If `Init` fails, consider `Bridge` is in broken state, only Close is allowed.
func (b *Bridge) Init(ctx context.Context, cfg *config.Config) error {
	b.Config = cfg

	const initTasks = 3
	wg := sync.WaitGroup{}
	wg.Add(initTasks)
	errch := make(chan error, initTasks)
	go helpers.WrapErrChan(&wg, errch, b.initPersist) // storage read
	go helpers.WrapErrChan(&wg, errch, b.initOutbox)
	go helpers.WrapErrChan(&wg, errch, b.initCapture)
	wg.Wait()
	close(errch)
	if err := helpers.FoldErrChan(errch); err != nil {
		return errors.Annotate(err, "bridge init")
	}

	b.Mailbox = devicelink.NewMailbox(cfg.Device.QueueSize)
	b.Link = devicelink.New(devicelink.Options{
		Listen:   cfg.Device.Listen,
		MaxFrame: cfg.Device.MaxFrame,
		FrameGap: cfg.Device.FrameGap(),
		Mailbox:  b.Mailbox,
		Capture:  b.capture,
		Log:      b.Log,
	})
	b.Driver = device.New(b.Link, device.Options{
		Simulated: cfg.Device.Simulated,
		Interval:  cfg.UpdateInterval(),
		Log:       b.Log,
	})

	if b.Bus == nil {
		b.Bus = tele.NewTransportMqtt(b.Log, &cfg.Mqtt)
	}
	b.Publisher = tele.NewPublisher(b.Bus, tele.Options{
		Log:          b.Log,
		Prefix:       cfg.Mqtt.Topic,
		CommandTopic: cfg.Mqtt.CommandTopic,
		BackoffUnit:  cfg.Mqtt.BackoffUnit(),
		BackoffMax:   cfg.Mqtt.BackoffMax,
		OnCommand:    tele.CommandHandler(b.Log, b.Driver.SendCommand),
		OnConnect:    b.onBusConnect,
	})

	ropt := router.Options{
		Log:     b.Log,
		Source:  b.Mailbox,
		Pub:     b.Publisher,
		State:   &b.State,
		Persist: &b.Persist,
	}
	if b.Outbox != nil {
		ropt.Outbox = b.Outbox
	}
	b.Router = router.New(ropt)
	return nil
}

func (b *Bridge) MustInit(ctx context.Context, cfg *config.Config) {
	if err := b.Init(ctx, cfg); err != nil {
		_ = b.Close()
		b.Log.Fatal(errors.ErrorStack(err))
	}
}

// Run starts device listener and all tasks, blocks until ctx is done or Stop.
// Tasks observe one shared context, shutdown order is: tasks, device link, outbox.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.Link.Listen(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()

	type task struct {
		name string
		fun  func(context.Context) error
	}
	tasks := []task{
		{"driver", b.Driver.Run},
		{"router", b.Router.Run},
		{"tele", b.Publisher.Run},
	}
	if b.Outbox != nil {
		tasks = append(tasks, task{"outbox", b.runOutbox})
	}
	wg := sync.WaitGroup{}
	errch := make(chan error, len(tasks))
	for _, t := range tasks {
		t := t
		if !b.Alive.Add(1) {
			break
		}
		wg.Add(1)
		go func() {
			defer b.Alive.Done()
			defer wg.Done()
			if err := t.fun(ctx); err != nil {
				b.Log.Errorf("bridge task=%s err=%v", t.name, err)
				errch <- errors.Annotatef(err, "bridge task=%s", t.name)
			}
		}()
	}
	b.Log.Infof("bridge running device=%s bus=%s", b.Link.Addr(), b.Config.Mqtt.Broker)

	<-ctx.Done()
	b.Alive.Stop()
	wg.Wait()
	close(errch)
	errs := []error{helpers.FoldErrChan(errch), b.Close()}
	return helpers.FoldErrors(errs)
}

func (b *Bridge) Stop() { b.Alive.Stop() }

// Close releases device link, frames left in mailbox are discarded.
func (b *Bridge) Close() error {
	errs := make([]error, 0, 3)
	if b.Link != nil {
		errs = append(errs, b.Link.Close())
	} else if b.capture != nil {
		errs = append(errs, b.capture.Close())
	}
	if b.Mailbox != nil {
		if n := b.Mailbox.Discard(); n != 0 {
			b.Log.Infof("bridge shutdown discarded frames=%d", n)
		}
	}
	if b.Outbox != nil {
		errs = append(errs, b.Outbox.Close())
	}
	return helpers.FoldErrors(errs)
}

// Fatal is closed when bus rejected credentials.
func (b *Bridge) Fatal() <-chan struct{} { return b.Publisher.Fatal() }

func (b *Bridge) SendCommand(ctx context.Context, cmd inverter.Command) error {
	return b.Driver.SendCommand(ctx, cmd)
}

// StopWait returns false on timeout.
func (b *Bridge) StopWait(timeout time.Duration) bool {
	b.Alive.Stop()
	select {
	case <-b.Alive.WaitChan():
		return true
	case <-time.After(timeout):
		return false
	}
}

func (b *Bridge) initPersist() error {
	err := b.Persist.Init(persist.CommandStateTag, &b.State, b.Config.Persist.Root, b.Log)
	if err == nil {
		err = b.Persist.Load()
	}
	if err == nil && b.Persist.Enabled() {
		b.Log.Infof("bridge loaded command state %s", b.State.Result().String())
	}
	return errors.Annotate(err, "initPersist")
}

func (b *Bridge) initOutbox() error {
	c := &b.Config.Mqtt
	if c.OutboxPath == "" {
		return nil
	}
	ob, err := tele.OpenOutbox(c.OutboxPath, c.OutboxLimit, b.Log)
	if err != nil {
		return errors.Annotate(err, "initOutbox")
	}
	b.Outbox = ob
	return nil
}

func (b *Bridge) initCapture() error {
	path := b.Config.Device.CapturePath
	if path == "" {
		return nil
	}
	cw, err := devicelink.OpenCapture(path)
	if err != nil {
		return errors.Annotate(err, "initCapture")
	}
	b.capture = cw
	return nil
}

func (b *Bridge) onBusConnect(ctx context.Context) {
	res := b.State.Result()
	if !res.HasCharge && !res.HasLoad {
		return
	}
	b.Log.Debugf("bridge republish command state %s", res.String())
	router.PublishResult(ctx, b.Publisher, res)
}

func (b *Bridge) runOutbox(ctx context.Context) error {
	send := func(ctx context.Context, item *tele.OutboxItem) error {
		return b.Publisher.Publish(ctx, item.Topic, byte(item.Qos), item.Payload)
	}
	err := b.Outbox.Run(ctx, send, b.Publisher.ConnectWithRetry)
	if errors.IsUnauthorized(err) {
		// already reported by publisher, entries stay on disk for next start
		return nil
	}
	return err
}
