package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/internal/devicelink"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLink struct {
	sync.Mutex
	sessions chan devicelink.Session
	sent     []inverter.Frame
	sentCh   chan inverter.Frame
	fail     error
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		sessions: make(chan devicelink.Session, 4),
		sentCh:   make(chan inverter.Frame, 64),
	}
}

func (fl *fakeLink) WaitConnected(ctx context.Context) (devicelink.Session, error) {
	select {
	case s := <-fl.sessions:
		return s, nil
	case <-ctx.Done():
		return devicelink.Session{}, ctx.Err()
	}
}

func (fl *fakeLink) Send(f inverter.Frame) error {
	fl.Lock()
	defer fl.Unlock()
	if fl.fail != nil {
		return fl.fail
	}
	fl.sent = append(fl.sent, f)
	fl.sentCh <- f
	return nil
}

func (fl *fakeLink) expect(t testing.TB, f inverter.Frame) {
	select {
	case got := <-fl.sentCh:
		assert.Equal(t, []byte(f), []byte(got))
	case <-time.After(5 * time.Second):
		t.Fatalf("timeout waiting for frame=%x", []byte(f))
	}
}

func (fl *fakeLink) skipUntil(t testing.TB, f inverter.Frame) {
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-fl.sentCh:
			if got.Hex() == f.Hex() {
				return
			}
		case <-deadline:
			t.Fatalf("timeout waiting for frame=%x", []byte(f))
		}
	}
}

func TestPoller(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fl := newFakeLink()
	p := NewPoller(fl, 10*time.Millisecond, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	d1 := make(chan struct{})
	fl.sessions <- devicelink.Session{ID: 1, Done: d1}
	fl.expect(t, inverter.PollConfig)
	fl.expect(t, inverter.PollRequestData)
	fl.expect(t, inverter.PollRequestData)

	// new connection gets configuration request again
	close(d1)
	fl.sessions <- devicelink.Session{ID: 2, Done: make(chan struct{})}
	fl.skipUntil(t, inverter.PollConfig)
	fl.expect(t, inverter.PollRequestData)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run must return on cancel")
	}
}

func TestPollerFirstDataWithoutDelay(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fl := newFakeLink()
	p := NewPoller(fl, time.Hour, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	fl.sessions <- devicelink.Session{ID: 1, Done: make(chan struct{})}
	fl.expect(t, inverter.PollConfig)
	fl.expect(t, inverter.PollRequestData)
	select {
	case f := <-fl.sentCh:
		t.Errorf("unexpected frame=%x before interval", []byte(f))
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	require.NoError(t, <-done)
}

func TestPollerSendFailWaitsNextSession(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fl := newFakeLink()
	fl.fail = devicelink.ErrNotConnected
	p := NewPoller(fl, time.Millisecond, log)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()

	d1 := make(chan struct{})
	fl.sessions <- devicelink.Session{ID: 1, Done: d1}
	time.Sleep(20 * time.Millisecond)
	fl.Lock()
	assert.Len(t, fl.sent, 0)
	fl.fail = nil
	fl.Unlock()
	close(d1)
	fl.sessions <- devicelink.Session{ID: 2, Done: make(chan struct{})}
	fl.expect(t, inverter.PollConfig)
	cancel()
	require.NoError(t, <-done)
}

func TestPassive(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	fl := newFakeLink()
	d := New(fl, Options{Simulated: false, Log: log})
	_, ok := d.(*Passive)
	require.True(t, ok)

	cmd, ok := inverter.CommandByName(inverter.CmdLoadUtility)
	require.True(t, ok)
	require.NoError(t, d.SendCommand(context.Background(), cmd))
	fl.expect(t, cmd.Frame)

	fl.fail = devicelink.ErrNotConnected
	err := d.SendCommand(context.Background(), cmd)
	assert.True(t, errors.IsNotFound(err), "err=%v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, d.Run(ctx))
	assert.Equal(t, context.Canceled, d.SendCommand(ctx, cmd))
}

func TestNewSimulated(t *testing.T) {
	t.Parallel()
	d := New(newFakeLink(), Options{Simulated: true, Interval: time.Second})
	_, ok := d.(*Poller)
	assert.True(t, ok)
}
