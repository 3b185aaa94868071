// Package tele publishes inverter telemetry to MQTT.
package tele

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/log2"
)

const (
	DefaultBackoffUnit = time.Second
	DefaultBackoffMax  = 60
)

var ErrFatalAuth = errors.Unauthorizedf("bus credentials rejected, publisher stopped")

type Options struct {
	Log          *log2.Log
	Prefix       string        // topic prefix, e.g. "paxyhome/Inverter/"
	CommandTopic string        // suffix, empty disables subscription
	BackoffUnit  time.Duration // backoff time unit
	BackoffMax   int           // in units
	OnCommand    func(ctx context.Context, payload []byte)
	OnConnect    func(ctx context.Context)
}

// Publisher is resilient bus client.
// State and backoff are mutated only under mu.
// Connect attempts are serialized by connectmu.
type Publisher struct { //nolint:maligned
	log  *log2.Log
	bus  BusClient
	opt  Options
	lost chan struct{}

	mu      sync.Mutex
	state   State
	backoff *helpers.Backoff
	fatal   chan struct{}

	connectmu sync.Mutex
	attempts  uint32 // atomic
	sleep     func(context.Context, time.Duration) error
}

func NewPublisher(bus BusClient, opt Options) *Publisher {
	if bus == nil {
		panic("code error tele.NewPublisher bus=nil")
	}
	if opt.BackoffUnit <= 0 {
		opt.BackoffUnit = DefaultBackoffUnit
	}
	if opt.BackoffMax <= 0 {
		opt.BackoffMax = DefaultBackoffMax
	}
	p := &Publisher{
		log:     opt.Log,
		bus:     bus,
		opt:     opt,
		lost:    make(chan struct{}, 1),
		state:   StateDisconnected,
		backoff: helpers.NewBackoff(opt.BackoffUnit, time.Duration(opt.BackoffMax)*opt.BackoffUnit, 2),
		fatal:   make(chan struct{}),
		sleep:   sleepCtx,
	}
	bus.SetLostHandler(p.onLost)
	return p
}

func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Fatal is closed on entering FatalAuthFailure.
func (p *Publisher) Fatal() <-chan struct{} { return p.fatal }

// Attempts is number of connect attempts made so far.
func (p *Publisher) Attempts() uint32 { return atomic.LoadUint32(&p.attempts) }

// BackoffUnits is delay before next retry in backoff units, within [1, BackoffMax].
func (p *Publisher) BackoffUnits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int(p.backoff.Next() / p.opt.BackoffUnit)
}

func (p *Publisher) Topic(suffix string) string { return p.opt.Prefix + suffix }

// ConnectWithRetry attempts connect until success, fatal auth rejection or ctx done.
// Delay between failed attempts follows backoff 1,2,4..max units.
func (p *Publisher) ConnectWithRetry(ctx context.Context) error {
	p.connectmu.Lock()
	defer p.connectmu.Unlock()
	for {
		switch p.State() {
		case StateConnected:
			return nil
		case StateFatalAuthFailure:
			return ErrFatalAuth
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		p.transition(StateConnecting, nil)
		atomic.AddUint32(&p.attempts, 1)
		err := p.bus.Connect(ctx)
		if err == nil {
			p.onConnected(ctx)
			return nil
		}
		if errors.IsUnauthorized(err) {
			p.enterFatal(err)
			return ErrFatalAuth
		}
		delay := p.onFailure(err)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Run keeps connection up until ctx is done. In FatalAuthFailure Run waits for ctx without retrying.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		err := p.ConnectWithRetry(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			p.Close()
			return nil
		case errors.IsUnauthorized(err):
			<-ctx.Done()
			return nil
		default:
			p.log.Errorf("tele connect err=%v", err)
			continue
		}

		select {
		case <-ctx.Done():
			p.Close()
			return nil
		case <-p.lost:
		}
	}
}

// Close disconnects from broker. Fatal state is kept.
func (p *Publisher) Close() {
	p.bus.Disconnect()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateConnected || p.state == StateConnecting {
		p.transitionLocked(StateDisconnected, nil)
	}
}

// Publish delivers payload to prefix+suffix. When not connected, one connect-with-retry
// cycle is performed first. Payload is not buffered on failure.
func (p *Publisher) Publish(ctx context.Context, suffix string, qos byte, payload []byte) error {
	if p.State() != StateConnected {
		if err := p.ConnectWithRetry(ctx); err != nil {
			return errors.Annotatef(err, "tele publish topic=%s", p.Topic(suffix))
		}
	}
	topic := p.Topic(suffix)
	if err := p.bus.Publish(ctx, topic, qos, payload); err != nil {
		return errors.Annotatef(err, "tele publish topic=%s", topic)
	}
	p.log.Debugf("tele published topic=%s qos=%d len=%d", topic, qos, len(payload))
	return nil
}

// PublishValue is best-effort: QoS 0, dropped when not connected, errors only logged.
func (p *Publisher) PublishValue(ctx context.Context, name string, value string) {
	if p.State() != StateConnected {
		p.log.Debugf("tele drop value %s=%s state=%s", name, value, p.State())
		return
	}
	topic := p.Topic(name)
	if err := p.bus.Publish(ctx, topic, QosAtMostOnce, []byte(value)); err != nil {
		p.log.Debugf("tele publish value topic=%s err=%v", topic, err)
	}
}

func (p *Publisher) onConnected(ctx context.Context) {
	p.mu.Lock()
	p.backoff.Reset()
	p.transitionLocked(StateConnected, nil)
	p.mu.Unlock()
	// stale loss signal from previous connection
	select {
	case <-p.lost:
	default:
	}

	if p.opt.CommandTopic != "" && p.opt.OnCommand != nil {
		topic := p.Topic(p.opt.CommandTopic)
		err := p.bus.Subscribe(ctx, topic, QosAtLeastOnce, func(m Message) {
			p.log.Debugf("tele command topic=%s payload=%q", m.Topic, m.Payload)
			p.opt.OnCommand(ctx, m.Payload)
		})
		if err != nil {
			p.log.Errorf("tele subscribe topic=%s err=%v", topic, err)
		}
	}
	if p.opt.OnConnect != nil {
		p.opt.OnConnect(ctx)
	}
}

func (p *Publisher) onFailure(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay := p.backoff.Failure()
	p.transitionLocked(StateDisconnected, err)
	p.log.Infof("tele retry in %v", delay)
	return delay
}

func (p *Publisher) onLost(err error) {
	p.mu.Lock()
	if p.state != StateConnected {
		p.mu.Unlock()
		return
	}
	p.transitionLocked(StateDisconnected, err)
	p.mu.Unlock()
	select {
	case p.lost <- struct{}{}:
	default:
	}
}

func (p *Publisher) enterFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitionLocked(StateFatalAuthFailure, err)
	p.log.Criticalf("tele bus authorization rejected, no further connect attempts err=%v", err)
	close(p.fatal)
}

func (p *Publisher) transition(to State, err error) {
	p.mu.Lock()
	p.transitionLocked(to, err)
	p.mu.Unlock()
}

func (p *Publisher) transitionLocked(to State, err error) {
	from := p.state
	if from == StateFatalAuthFailure {
		panic("code error tele transition from terminal state")
	}
	p.state = to
	if err != nil {
		p.log.Infof("tele state %s -> %s err=%v", from, to, err)
	} else {
		p.log.Infof("tele state %s -> %s", from, to)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
