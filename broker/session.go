package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/log2"
	"github.com/temoto/alive/v2"
)

type ListenOptions struct {
	URL string // tcp://host:port, unix://path or tls://host:port
	TLS *tls.Config

	AckTimeout     time.Duration
	NetworkTimeout time.Duration // conn receive timeout
	ReadLimit      int64
}

// session is server side state of one client connection.
type session struct {
	alive    *alive.Alive
	acks     *future.Store
	conn     transport.Conn
	connmu   sync.RWMutex
	clean    uint32 // atomic, DISCONNECT received
	ctx      context.Context
	err      helpers.FirstError
	id       string
	opt      *ListenOptions
	log      *log2.Log
	username string
	will     *packet.Message
	willmu   sync.Mutex
}

func newSession(ctx context.Context, conn transport.Conn, opt *ListenOptions, log *log2.Log, pkt *packet.Connect) *session {
	s := &session{
		alive:    alive.NewAlive(),
		acks:     future.NewStore(),
		conn:     conn,
		ctx:      ctx,
		id:       pkt.ClientID,
		opt:      opt,
		log:      log,
		username: pkt.Username,
	}
	if pkt.Will != nil {
		s.will = pkt.Will.Copy()
	}
	return s
}

func (s *session) expectAck(id packet.ID) *future.Future {
	f := future.New()
	if !s.alive.Add(1) {
		f.Cancel(ErrClosing)
		return f
	}
	go func() {
		defer s.alive.Done()
		if err := f.Wait(s.opt.AckTimeout); err == future.ErrTimeout {
			f.Cancel(err)
		}
		s.acks.Delete(id)
	}()

	if ex := s.acks.Get(id); ex != nil {
		err := errors.Errorf("broker id=%s ack overwrite packet=%d", s.id, id)
		s.log.Error(err)
		ex.Cancel(err)
		f.Cancel(err)
		return f
	}
	s.acks.Put(id, f)
	return f
}

// deliver sends message to client, waits for PUBACK on QoS 1.
func (s *session) deliver(id packet.ID, msg *packet.Message) error {
	if !s.alive.Add(1) {
		return ErrClosing
	}
	defer s.alive.Done()

	pub := packet.NewPublish()
	pub.Message = *msg
	switch msg.QOS {
	case packet.QOSAtMostOnce:
		return s.send(pub)

	case packet.QOSAtLeastOnce:
		if id == 0 {
			return errors.Errorf("code error QOS=1 requires packet id message=%s", MessageString(msg))
		}
		pub.ID = id
		f := s.expectAck(id)
		if err := s.send(pub); err != nil {
			f.Cancel(err)
		}
		err := f.Wait(s.opt.AckTimeout)
		if err == nil {
			return nil
		}
		if err == future.ErrCanceled {
			if err, _ = f.Result().(error); err == nil {
				err = errors.Errorf("code error ack future canceled with nil")
			}
		}
		return s.die(errors.Annotatef(err, "expect puback id=%d", id))
	}
	return errors.NotSupportedf("QOS=%d", msg.QOS)
}

func (s *session) receive() (packet.Generic, error) {
	conn := s.getConn()
	if conn == nil {
		return nil, ErrClosing
	}
	pkt, err := conn.Receive()
	s.log.Debugf("broker recv id=%s pkt=%s err=%v", s.id, PacketString(pkt), err)
	switch {
	case err == nil:
		return pkt, nil
	case err == io.EOF:
		_ = s.die(err)
		return nil, err
	case !s.alive.IsRunning() && isClosedConn(err):
		// conn.Close was used to interrupt Receive
		return nil, ErrClosing
	}
	_ = s.die(err)
	return nil, err
}

func (s *session) send(pkt packet.Generic) error {
	conn := s.getConn()
	if conn == nil {
		return ErrClosing
	}
	s.log.Debugf("broker send id=%s pkt=%s", s.id, PacketString(pkt))
	if err := conn.Send(pkt, false); err != nil {
		if !s.alive.IsRunning() && isClosedConn(err) {
			return ErrClosing
		}
		return s.die(errors.Annotatef(err, "clientid=%s", s.id))
	}
	return nil
}

func (s *session) fulfillAck(id packet.ID) error {
	f := s.acks.Get(id)
	if f == nil {
		return fmt.Errorf("unexpected ack for packet id=%d", id)
	}
	if !f.Complete(nil) {
		return future.ErrCanceled
	}
	return nil
}

func (s *session) remoteAddr() string {
	if conn := s.getConn(); conn != nil {
		return addrString(conn.RemoteAddr())
	}
	return ""
}

// die records first error and closes connection. Returns first recorded error.
func (s *session) die(e error) error {
	err, first := s.err.Keep(e)
	if !first {
		return err
	}
	s.log.Debugf("broker die id=%s e=%v", s.id, e)
	s.alive.Stop()
	helpers.WithLock(&s.connmu, func() {
		if s.conn != nil {
			_ = s.conn.Close()
			s.conn = nil
		}
	})
	return err
}

func (s *session) getConn() transport.Conn {
	s.connmu.RLock()
	defer s.connmu.RUnlock()
	return s.conn
}

// takeWill returns will message unless client disconnected cleanly.
func (s *session) takeWill() (*packet.Message, bool) {
	s.willmu.Lock()
	defer s.willmu.Unlock()
	clean := atomic.LoadUint32(&s.clean) == 1
	if clean || s.will == nil {
		return nil, clean
	}
	m := s.will
	s.will = nil
	return m, clean
}

func (s *session) onDisconnect() {
	atomic.StoreUint32(&s.clean, 1)
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
}
