package broker_test

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/paxyhome/smartess/broker"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = time.Second

type closed struct {
	id    string
	clean bool
	err   error
}

type fixture struct {
	t      testing.TB
	ctx    context.Context
	log    *log2.Log
	rand   *rand.Rand
	s      *broker.Server
	addr   string
	o      broker.Options
	lopt   broker.ListenOptions
	closed chan closed
}

// client is raw MQTT connection speaking to server under test.
type client struct {
	f    *fixture
	id   string
	conn transport.Conn
}

func TestServer(t *testing.T) {
	t.Parallel()

	type Case struct {
		name  string
		tweak func(*fixture)
		check func(*fixture)
	}
	cases := []Case{
		{name: "wrong-password", check: func(f *fixture) {
			c := f.dial()
			connect := packet.NewConnect()
			connect.ClientID = "inverter"
			connect.Username = "inverter"
			connect.Password = "guess"
			require.NoError(f.t, c.conn.Send(connect, false))
			ack := c.receive().(*packet.Connack)
			assert.Equal(f.t, packet.NotAuthorized, ack.ReturnCode)
		}},
		{name: "empty-clientid", check: func(f *fixture) {
			c := f.dial()
			connect := packet.NewConnect()
			connect.Username = "inverter"
			connect.Password = "secret"
			require.NoError(f.t, c.conn.Send(connect, false))
			ack := c.receive().(*packet.Connack)
			assert.Equal(f.t, packet.IdentifierRejected, ack.ReturnCode)
		}},
		{name: "value-qos0", check: func(f *fixture) {
			c := f.connect("", nil)
			c.subscribe(packet.Subscription{Topic: "paxyhome/Inverter/+", QOS: packet.QOSAtMostOnce})
			c.publish(packet.Message{Topic: "paxyhome/Inverter/acVoltage", Payload: []byte("225.4")})
			got := c.receive().(*packet.Publish)
			assert.Equal(f.t, "paxyhome/Inverter/acVoltage", got.Message.Topic)
			assert.Equal(f.t, "225.4", string(got.Message.Payload))
		}},
		{name: "downgrade-to-publish-qos", check: func(f *fixture) {
			c := f.connect("", nil)
			c.subscribe(packet.Subscription{Topic: "paxyhome/#", QOS: packet.QOSAtLeastOnce})
			c.publish(packet.Message{Topic: "paxyhome/Inverter/mode", Payload: []byte("4")})
			got := c.receive().(*packet.Publish)
			assert.Equal(f.t, packet.QOSAtMostOnce, got.Message.QOS)
		}},
		{name: "data-qos1", check: func(f *fixture) {
			sub := f.connect("", nil)
			sub.subscribe(packet.Subscription{Topic: "paxyhome/Inverter/data", QOS: packet.QOSAtLeastOnce})
			pub := f.connect("", nil)
			msg := packet.Message{Topic: "paxyhome/Inverter/data", QOS: packet.QOSAtLeastOnce, Payload: []byte(`{"raw_data":"0001"}`)}
			acked := make(chan struct{})
			go func() {
				defer close(acked)
				pub.publish(msg)
			}()

			got := sub.receive().(*packet.Publish)
			require.Equal(f.t, packet.QOSAtLeastOnce, got.Message.QOS)
			assert.Equal(f.t, msg.Payload, got.Message.Payload)
			assert.NotEqual(f.t, packet.ID(0), got.ID)
			sub.puback(got.ID)
			<-acked
		}},
		{name: "qos1-ack-timeout", tweak: func(f *fixture) {
			f.lopt.AckTimeout = 100 * time.Millisecond
		}, check: func(f *fixture) {
			sub := f.connect("silent", nil)
			sub.subscribe(packet.Subscription{Topic: "x", QOS: packet.QOSAtLeastOnce})
			err := f.s.Publish(f.ctx, &packet.Message{Topic: "x", QOS: packet.QOSAtLeastOnce, Payload: []byte("1")})
			require.Error(f.t, err)
			assert.Contains(f.t, err.Error(), "expect puback")
			gone := f.waitClosed()
			assert.Equal(f.t, "silent", gone.id)
			assert.False(f.t, gone.clean)
		}},
		{name: "unsubscribe", check: func(f *fixture) {
			c := f.connect("", nil)
			c.subscribe(packet.Subscription{Topic: "paxyhome/#", QOS: packet.QOSAtMostOnce})
			unsub := packet.NewUnsubscribe()
			unsub.ID = 7
			unsub.Topics = []string{"paxyhome/#"}
			require.NoError(f.t, c.conn.Send(unsub, false))
			ack := c.receive().(*packet.Unsuback)
			assert.Equal(f.t, packet.ID(7), ack.ID)
			err := f.s.Publish(f.ctx, &packet.Message{Topic: "paxyhome/Inverter/mode", Payload: []byte("4")})
			assert.Equal(f.t, broker.ErrNoSubscribers, err)
		}},
		{name: "will-on-lost-connection", check: func(f *fixture) {
			watch := f.connect("", nil)
			watch.subscribe(packet.Subscription{Topic: "paxyhome/Inverter/online", QOS: packet.QOSAtMostOnce})
			bridge := f.connect("bridge", &packet.Message{Topic: "paxyhome/Inverter/online", Payload: []byte("0")})
			require.NoError(f.t, bridge.conn.Close())

			got := watch.receive().(*packet.Publish)
			assert.Equal(f.t, "0", string(got.Message.Payload))
			gone := f.waitClosed()
			assert.Equal(f.t, "bridge", gone.id)
			assert.False(f.t, gone.clean)
		}},
		{name: "will-skipped-on-disconnect", check: func(f *fixture) {
			bridge := f.connect("bridge", &packet.Message{Topic: "paxyhome/Inverter/online", Payload: []byte("0"), Retain: true})
			require.NoError(f.t, bridge.conn.Send(packet.NewDisconnect(), false))
			gone := f.waitClosed()
			assert.Equal(f.t, closed{id: "bridge", clean: true}, gone)
			assert.Len(f.t, f.s.Retain(), 0)
		}},
		{name: "retained-state", check: func(f *fixture) {
			err := f.s.Publish(f.ctx, &packet.Message{Topic: "paxyhome/Inverter/loadState", Payload: []byte("2"), Retain: true})
			require.Equal(f.t, broker.ErrNoSubscribers, err)
			c := f.connect("", nil)
			c.subscribe(packet.Subscription{Topic: "paxyhome/Inverter/+", QOS: packet.QOSAtMostOnce})
			got := c.receive().(*packet.Publish)
			assert.Equal(f.t, "paxyhome/Inverter/loadState", got.Message.Topic)
			assert.Equal(f.t, "2", string(got.Message.Payload))
		}},
		{name: "forced-command-subscription", tweak: func(f *fixture) {
			f.o.ForceSubs = []packet.Subscription{{Topic: "%c/command", QOS: packet.QOSAtLeastOnce}}
		}, check: func(f *fixture) {
			c := f.connect("", nil)
			msg := packet.Message{Topic: c.id + "/command", Payload: []byte("loadSBU")}
			sent := make(chan error, 1)
			go func() { sent <- f.s.Publish(f.ctx, &msg) }()
			got := c.receive().(*packet.Publish)
			assert.Equal(f.t, msg.Topic, got.Message.Topic)
			assert.Equal(f.t, "loadSBU", string(got.Message.Payload))
			assert.NoError(f.t, <-sent)
		}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			if c.tweak != nil {
				c.tweak(f)
			}
			f.start()
			defer func() { assert.NoError(t, f.s.Close()) }()
			c.check(f)
		})
	}
}

func TestServerCloseListen(t *testing.T) {
	t.Parallel()

	s := broker.NewServer(broker.Options{OnPublish: func(ctx context.Context, msg *packet.Message, ack *future.Future) error {
		t.Error("unexpected OnPublish")
		return nil
	}})
	require.NoError(t, s.Close())
	err := s.Listen(context.Background(), []*broker.ListenOptions{{URL: "tcp://127.0.0.1:"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Listen after Close")
}

func TestServerListenInvalid(t *testing.T) {
	t.Parallel()

	s := broker.NewServer(broker.Options{Log: log2.NewTest(t, log2.LDebug)})
	defer s.Close()
	err := s.Listen(context.Background(), []*broker.ListenOptions{{URL: "ws://127.0.0.1:"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func newFixture(t testing.TB) *fixture {
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		log:    log2.NewTest(t, log2.LDebug),
		rand:   helpers.RandUnix(),
		lopt:   broker.ListenOptions{URL: "tcp://127.0.0.1:", NetworkTimeout: testTimeout},
		closed: make(chan closed, 8),
	}
	if os.Getenv("smartess_test_log_stderr") == "1" {
		f.log = log2.NewStderr(log2.LDebug)
	}
	return f
}

func (f *fixture) start() {
	f.o.Log = f.log
	f.o.OnConnect = broker.AuthFromMap(map[string]string{"inverter": "secret"})
	f.o.OnClose = func(id string, clean bool, e error) { f.closed <- closed{id, clean, e} }
	f.s = broker.NewServer(f.o)
	require.NoError(f.t, f.s.Listen(f.ctx, []*broker.ListenOptions{&f.lopt}))
	addrs := f.s.Addrs()
	require.Len(f.t, addrs, 1)
	f.addr = addrs[0]
}

func (f *fixture) waitClosed() closed {
	select {
	case c := <-f.closed:
		return c
	case <-time.After(testTimeout):
		f.t.Fatal("timeout waiting for OnClose")
	}
	return closed{}
}

func (f *fixture) dial() *client {
	conn, err := transport.Dial("tcp://" + f.addr)
	require.NoError(f.t, err)
	conn.SetReadTimeout(testTimeout)
	return &client{f: f, conn: conn}
}

// connect dials and completes handshake, empty id is replaced with random.
func (f *fixture) connect(id string, will *packet.Message) *client {
	c := f.dial()
	if id == "" {
		id = fmt.Sprintf("cli%d", f.rand.Int31())
	}
	c.id = id
	pkt := packet.NewConnect()
	pkt.CleanSession = true
	pkt.ClientID = id
	pkt.Username = "inverter"
	pkt.Password = "secret"
	pkt.Will = will
	require.NoError(f.t, c.conn.Send(pkt, false))
	ack := c.receive().(*packet.Connack)
	require.Equal(f.t, packet.ConnectionAccepted, ack.ReturnCode)
	assert.False(f.t, ack.SessionPresent)
	return c
}

func (c *client) nextID() packet.ID { return packet.ID(1 + c.f.rand.Intn(1<<16-1)) }

func (c *client) receive() packet.Generic {
	pkt, err := c.conn.Receive()
	c.f.log.Debugf("test client=%s recv pkt=%s err=%v", c.id, broker.PacketString(pkt), err)
	require.NoError(c.f.t, err)
	return pkt
}

// publish waits for PUBACK on QoS 1.
func (c *client) publish(msg packet.Message) {
	pkt := packet.NewPublish()
	pkt.ID = c.nextID()
	pkt.Message = msg
	require.NoError(c.f.t, c.conn.Send(pkt, false))
	if msg.QOS == packet.QOSAtLeastOnce {
		ack := c.receive().(*packet.Puback)
		assert.Equal(c.f.t, pkt.ID, ack.ID)
	}
}

func (c *client) puback(id packet.ID) {
	pkt := packet.NewPuback()
	pkt.ID = id
	require.NoError(c.f.t, c.conn.Send(pkt, false))
}

func (c *client) subscribe(subs ...packet.Subscription) {
	pkt := packet.NewSubscribe()
	pkt.ID = c.nextID()
	pkt.Subscriptions = subs
	require.NoError(c.f.t, c.conn.Send(pkt, false))
	ack := c.receive().(*packet.Suback)
	codes := make([]packet.QOS, len(subs))
	for i, sub := range subs {
		codes[i] = sub.QOS
	}
	assert.Equal(c.f.t, codes, ack.ReturnCodes)
}
