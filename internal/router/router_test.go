package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/internal/devicelink"
	"github.com/paxyhome/smartess/internal/persist"
	"github.com/paxyhome/smartess/internal/tele"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/spq"
)

const sampleStatusHex = "2B270925008205110000119511D10400CE08F301B90001007C00420000000000CE08F301100000000100010072B20000C1A200000100DC05DC05E60006007800E600F401060000000000F9231601D70F72006501020001000000020000003C00E6001E00740087007E007D0064008D003C0078001E0062ECE90E010000004A000000000000000000"

type published struct {
	Topic   string
	Qos     byte
	Payload string
}

type fakePub struct {
	sync.Mutex
	err    error
	data   []published
	values map[string]string
	order  []string
}

func newFakePub() *fakePub { return &fakePub{values: make(map[string]string)} }

func (p *fakePub) Publish(ctx context.Context, suffix string, qos byte, payload []byte) error {
	p.Lock()
	defer p.Unlock()
	if p.err != nil {
		return p.err
	}
	p.data = append(p.data, published{Topic: suffix, Qos: qos, Payload: string(payload)})
	return nil
}

func (p *fakePub) PublishValue(ctx context.Context, name string, value string) {
	p.Lock()
	defer p.Unlock()
	p.values[name] = value
	p.order = append(p.order, name)
}

func (p *fakePub) rawData(t testing.TB) []string {
	p.Lock()
	defer p.Unlock()
	ss := make([]string, len(p.data))
	for i, d := range p.data {
		var dp tele.DataPayload
		require.NoError(t, json.Unmarshal([]byte(d.Payload), &dp))
		ss[i] = dp.RawData
	}
	return ss
}

var testNow = time.Unix(1700000000, 500000000)

func newTestRouter(t testing.TB, pub Publisher) *Router {
	return New(Options{
		Log:    log2.NewTest(t, log2.LDebug),
		Source: devicelink.NewMailbox(1),
		Pub:    pub,
		State:  &persist.CommandState{},
		Now:    func() time.Time { return testNow },
	})
}

func TestHandle(t *testing.T) {
	t.Parallel()

	type Case struct {
		name      string
		frame     string
		expectErr string
		data      bool
		values    map[string]string
		check     func(t testing.TB, r *Router)
	}
	cases := []Case{
		{"status", sampleStatusHex, "", true, map[string]string{
			"mode":        "4",
			"acVoltage":   "225.4",
			"acFrequency": "49.9",
			"outputLoad":  "1",
			"chargeState": "2",
			"loadState":   "1",
		}, func(t testing.TB, r *Router) {
			assert.Equal(t, int64(1), r.Stat().Status.Value())
			assert.Equal(t, inverter.CommandResult{HasCharge: true, ChargeState: 2, HasLoad: true, LoadState: 1}, r.opt.State.Result())
		}},
		{"echo-load-sbu", "3D0C00010003001100", "", true, map[string]string{
			inverter.FieldLoadState: "2",
		}, func(t testing.TB, r *Router) {
			assert.Equal(t, int64(1), r.Stat().Echo.Value())
			assert.Equal(t, inverter.CommandResult{HasLoad: true, LoadState: 2}, r.opt.State.Result())
		}},
		{"echo-charge-solar-only", "3D0A0001000EFF020102030405080C0E191A2041", "", true, map[string]string{
			inverter.FieldChargeState: "3",
		}, nil},
		{"echo-unmatched", "3D0C00010003001101", "", true, map[string]string{}, func(t testing.TB, r *Router) {
			assert.Equal(t, int64(1), r.Stat().EchoUnmatched.Value())
			assert.Equal(t, "none", r.opt.State.Result().String())
		}},
		{"unknown-tag", "3D0C00020003001100", "", false, map[string]string{}, func(t testing.TB, r *Router) {
			assert.Equal(t, int64(1), r.Stat().Unknown.Value())
		}},
		{"short", "3D0C", "", false, map[string]string{}, func(t testing.TB, r *Router) {
			assert.Equal(t, int64(1), r.Stat().Unknown.Value())
		}},
		{"status-undersized", sampleStatusHex[:2*80], "status field=chargeState", false, map[string]string{}, func(t testing.TB, r *Router) {
			assert.Equal(t, int64(1), r.Stat().DecodeErrors.Value())
			assert.Equal(t, int64(0), r.Stat().Status.Value())
			assert.Equal(t, "none", r.opt.State.Result().String())
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			pub := newFakePub()
			r := newTestRouter(t, pub)
			f := inverter.MustHex(c.frame)

			err := r.Handle(context.Background(), f)
			if c.expectErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), c.expectErr)
			}
			if c.data {
				require.Len(t, pub.data, 1)
				assert.Equal(t, tele.TopicData, pub.data[0].Topic)
				assert.Equal(t, tele.QosAtLeastOnce, pub.data[0].Qos)
				assert.JSONEq(t, fmt.Sprintf(`{"raw_data":"%s","timestamp":1700000000.5}`, f.Hex()), pub.data[0].Payload)
			} else {
				assert.Len(t, pub.data, 0)
			}
			for k, v := range c.values {
				assert.Equal(t, v, pub.values[k], "value %s", k)
			}
			if len(c.values) == 0 {
				assert.Len(t, pub.values, 0)
			}
			if c.check != nil {
				c.check(t, r)
			}
		})
	}
}

func TestHandleStatusAllFields(t *testing.T) {
	t.Parallel()

	pub := newFakePub()
	r := newTestRouter(t, pub)
	require.NoError(t, r.Handle(context.Background(), inverter.MustHex(sampleStatusHex)))
	expect := make([]string, 0, 15)
	for _, fd := range inverter.StatusFields() {
		expect = append(expect, fd.Name)
	}
	assert.Equal(t, expect, pub.order)
}

func TestHandlePublishError(t *testing.T) {
	t.Parallel()

	pub := newFakePub()
	pub.err = errors.Timeoutf("bus")
	r := newTestRouter(t, pub)
	err := r.Handle(context.Background(), inverter.MustHex(sampleStatusHex))
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
	assert.Equal(t, int64(1), r.Stat().PublishErrors.Value())
	// named values and state are independent of aggregate delivery
	assert.Len(t, pub.values, 15)
	assert.True(t, r.opt.State.Result().HasCharge)
}

func TestHandleOutbox(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	ob, err := tele.OpenOutbox(spq.OnlyForTesting, 10, log)
	require.NoError(t, err)
	defer ob.Close()
	pub := newFakePub()
	r := New(Options{Log: log, Source: devicelink.NewMailbox(1), Pub: pub, Outbox: ob})

	require.NoError(t, r.Handle(context.Background(), inverter.MustHex("3D0D00010003001000")))
	assert.Equal(t, 1, ob.Pending())
	assert.Len(t, pub.data, 0)
	assert.Equal(t, "0", pub.values[inverter.FieldLoadState])
}

func TestHandlePersist(t *testing.T) {
	t.Parallel()

	root, cleanup := helpers.TempDir(t, "smartess-router")
	defer cleanup()
	log := log2.NewTest(t, log2.LDebug)

	var state persist.CommandState
	var p persist.Persist
	require.NoError(t, p.Init(persist.CommandStateTag, &state, root, log))
	r := New(Options{Log: log, Source: devicelink.NewMailbox(1), Pub: newFakePub(), State: &state, Persist: &p})
	require.NoError(t, r.Handle(context.Background(), inverter.MustHex("3D0B0001000AFF011609190F00350023")))

	var restored persist.CommandState
	var p2 persist.Persist
	require.NoError(t, p2.Init(persist.CommandStateTag, &restored, root, log))
	require.NoError(t, p2.Load())
	assert.Equal(t, inverter.CommandResult{HasCharge: true, ChargeState: 2}, restored.Result())
}

func TestRunOrder(t *testing.T) {
	t.Parallel()

	const N = 200
	mb := devicelink.NewMailbox(4)
	pub := newFakePub()
	r := New(Options{Log: log2.NewTest(t, log2.LError), Source: mb, Pub: pub})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	expect := make([]string, N)
	for i := 0; i < N; i++ {
		f := inverter.Frame{byte(i >> 8), byte(i), 0x00, 0x01, 0x00, 0x00}
		expect[i] = f.Hex()
		require.True(t, mb.Put(nil, f))
	}
	require.Eventually(t, func() bool { return r.Stat().EchoUnmatched.Value() == N }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, expect, pub.rawData(t))
}
