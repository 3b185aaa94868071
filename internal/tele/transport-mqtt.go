package tele

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/internal/config"
	"github.com/paxyhome/smartess/log2"
)

const DefaultNetworkTimeout = 30 * time.Second

var pahoLogOnce sync.Once

// paho logs via package globals with Println/Printf.
type pahoLogger struct {
	log   *log2.Log
	level log2.Level
	tag   string
}

func (p pahoLogger) Println(v ...interface{}) {
	p.log.Log(p.level, p.tag+fmt.Sprintln(v...))
}
func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.log.Logf(p.level, p.tag+format, v...)
}

// transportMqtt implements BusClient with paho.
// Auto reconnect is disabled, Publisher owns retry policy.
type transportMqtt struct {
	log     *log2.Log
	m       mqtt.Client
	mopt    *mqtt.ClientOptions
	timeout time.Duration

	lostmu sync.Mutex
	lost   func(error)
}

var _ BusClient = &transportMqtt{}

func DefaultClientID() string { return "smartess-" + uuid.NewString() }

func NewTransportMqtt(log *log2.Log, c *config.MqttConfig) *transportMqtt {
	pahoLogOnce.Do(func() {
		mqtt.ERROR = pahoLogger{log: log, level: log2.LError, tag: "mqtt error: "}
		mqtt.CRITICAL = pahoLogger{log: log, level: log2.LError, tag: "mqtt CRITICAL: "}
		mqtt.WARN = pahoLogger{log: log, level: log2.LInfo, tag: "mqtt warn: "}
		if c.LogDebug {
			mqtt.DEBUG = pahoLogger{log: log, level: log2.LDebug, tag: "mqtt "}
		}
	})

	self := &transportMqtt{log: log, timeout: c.NetworkTimeout()}
	clientID := c.ClientID
	if clientID == "" {
		clientID = DefaultClientID()
	}
	self.mopt = mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetKeepAlive(c.KeepAlive()).
		SetPingTimeout(self.timeout).
		SetConnectTimeout(self.timeout).
		SetWriteTimeout(self.timeout).
		SetOrderMatters(false).
		SetConnectionLostHandler(self.connectLostHandler)
	if username, password := c.Credentials(); username != "" {
		self.mopt.SetUsername(username).SetPassword(password)
	}
	self.m = mqtt.NewClient(self.mopt)
	log.Debugf("mqtt broker=%s client=%s", c.Broker, clientID)
	return self
}

func (self *transportMqtt) SetLostHandler(f func(error)) {
	self.lostmu.Lock()
	self.lost = f
	self.lostmu.Unlock()
}

func (self *transportMqtt) Connect(ctx context.Context) error {
	token := self.m.Connect()
	if err := self.wait(ctx, token, "connect"); err != nil {
		return err
	}
	if err := token.Error(); err != nil {
		rc := byte(packets.Accepted)
		if ct, ok := token.(*mqtt.ConnectToken); ok {
			rc = ct.ReturnCode()
		}
		if isAuthRejected(rc, err) {
			return errors.Unauthorizedf("mqtt connect rc=%d err=%v", rc, err)
		}
		return errors.Annotatef(err, "mqtt connect rc=%d", rc)
	}
	return nil
}

func (self *transportMqtt) Disconnect() {
	if self.m.IsConnected() {
		self.m.Disconnect(uint(self.timeout / time.Millisecond / 10))
	}
}

func (self *transportMqtt) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	token := self.m.Publish(topic, qos, false, payload)
	if qos == QosAtMostOnce {
		return nil
	}
	if err := self.wait(ctx, token, "publish topic="+topic); err != nil {
		return err
	}
	return errors.Annotatef(token.Error(), "mqtt publish topic=%s", topic)
}

func (self *transportMqtt) Subscribe(ctx context.Context, topic string, qos byte, h MessageHandler) error {
	token := self.m.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{Topic: msg.Topic(), Payload: msg.Payload()})
	})
	if err := self.wait(ctx, token, "subscribe topic="+topic); err != nil {
		return err
	}
	return errors.Annotatef(token.Error(), "mqtt subscribe topic=%s", topic)
}

func (self *transportMqtt) wait(ctx context.Context, token mqtt.Token, what string) error {
	done := make(chan bool, 1)
	go func() { done <- token.WaitTimeout(self.timeout) }()
	select {
	case ok := <-done:
		if !ok {
			return errors.Timeoutf("mqtt %s timeout=%v", what, self.timeout)
		}
		return nil
	case <-ctx.Done():
		return errors.Annotatef(ctx.Err(), "mqtt %s", what)
	}
}

func (self *transportMqtt) connectLostHandler(c mqtt.Client, err error) {
	self.log.Infof("mqtt connection lost err=%v", err)
	self.lostmu.Lock()
	f := self.lost
	self.lostmu.Unlock()
	if f != nil {
		f(err)
	}
}

func isAuthRejected(rc byte, err error) bool {
	switch rc {
	case packets.ErrRefusedBadUsernameOrPassword, packets.ErrRefusedNotAuthorised:
		return true
	}
	return err == packets.ConnErrors[packets.ErrRefusedBadUsernameOrPassword] ||
		err == packets.ConnErrors[packets.ErrRefusedNotAuthorised]
}
