// Package broker is small MQTT 3.1.1 broker for development and integration tests
// of the smartess bridge. QoS 0 and 1 only, no persistent sessions.
package broker

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gbroker "github.com/256dpi/gomqtt/broker"
	"github.com/256dpi/gomqtt/client/future"
	"github.com/256dpi/gomqtt/packet"
	"github.com/256dpi/gomqtt/topic"
	"github.com/256dpi/gomqtt/transport"
	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/log2"
	"github.com/temoto/alive/v2"
)

const (
	defaultReadLimit      = 1 << 20
	DefaultNetworkTimeout = 30 * time.Second
)

var (
	ErrSameClient    = fmt.Errorf("clientid overtake")
	ErrClosing       = fmt.Errorf("server is closing")
	ErrNoSubscribers = fmt.Errorf("no subscribers")
)

type ConnectFunc = func(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error)
type MessageFunc = func(ctx context.Context, msg *packet.Message, ack *future.Future) error
type CloseFunc = func(clientID string, clean bool, e error)

type Options struct {
	Log       *log2.Log
	ForceSubs []packet.Subscription // %c is replaced with client id, %u with username
	OnConnect ConnectFunc           // default deny all
	OnPublish MessageFunc           // default route to subscribers
	OnClose   CloseFunc             // e is nil after normal disconnect
}

type subscription struct {
	pattern string
	client  string
	qos     packet.QOS
}

type Server struct { //nolint:maligned
	sync.RWMutex

	alive    *alive.Alive
	sessions struct {
		sync.RWMutex
		m map[string]*session
	}
	ctx       context.Context
	listens   map[string]*transport.NetServer
	log       *log2.Log
	nextid    uint32 // atomic packet.ID
	opt       Options
	published uint64      // atomic
	retain    *topic.Tree // *packet.Message
	subs      *topic.Tree // *subscription
}

func NewServer(opt Options) *Server {
	s := &Server{
		alive:  alive.NewAlive(),
		log:    opt.Log,
		retain: topic.NewStandardTree(),
		subs:   topic.NewStandardTree(),
	}
	if opt.OnConnect == nil {
		opt.OnConnect = denyAll
	}
	if opt.OnPublish == nil {
		opt.OnPublish = s.route
	}
	s.opt = opt
	s.sessions.m = make(map[string]*session)
	return s
}

// AuthFromMap accepts username with matching password. Empty map accepts everyone.
func AuthFromMap(m map[string]string) ConnectFunc {
	return func(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error) {
		if len(m) == 0 {
			return true, nil
		}
		secret, ok := m[pkt.Username]
		return ok && pkt.Password == secret, nil
	}
}

func denyAll(ctx context.Context, opt *ListenOptions, pkt *packet.Connect) (bool, error) {
	return false, nil
}

func (s *Server) Addrs() []string {
	s.RLock()
	defer s.RUnlock()
	addrs := make([]string, 0, len(s.listens))
	for _, l := range s.listens {
		addrs = append(addrs, l.Addr().String())
	}
	return addrs
}

func (s *Server) Published() uint64 { return atomic.LoadUint64(&s.published) }

func (s *Server) Close() error {
	s.alive.Stop()
	errs := make([]error, 0)
	helpers.WithLock(s, func() {
		for key, ns := range s.listens {
			if err := ns.Close(); err != nil {
				errs = append(errs, err)
			}
			delete(s.listens, key)
		}
	})
	helpers.WithLock(s.sessions.RLocker(), func() {
		for _, ss := range s.sessions.m {
			switch err := ss.die(nil); err {
			case nil, ErrClosing, io.EOF:
			default:
				errs = append(errs, err)
			}
		}
	})
	s.alive.Wait()
	return helpers.FoldErrors(errs)
}

func (s *Server) Listen(ctx context.Context, lopts []*ListenOptions) error {
	s.Lock()
	defer s.Unlock()

	s.ctx = ctx
	s.listens = make(map[string]*transport.NetServer, len(lopts))
	errs := make([]error, 0)
	for _, opt := range lopts {
		if opt.NetworkTimeout == 0 {
			opt.NetworkTimeout = DefaultNetworkTimeout
		}
		if opt.AckTimeout == 0 {
			opt.AckTimeout = 2 * opt.NetworkTimeout
		}
		if opt.ReadLimit == 0 {
			opt.ReadLimit = defaultReadLimit
		}
		s.log.Debugf("broker listen url=%s timeout=%v", opt.URL, opt.NetworkTimeout)

		ns, err := listen(opt)
		if err != nil {
			errs = append(errs, errors.Annotatef(err, "broker listen url=%s", opt.URL))
			continue
		}
		if !s.alive.Add(1) {
			_ = ns.Close()
			errs = append(errs, errors.Errorf("Listen after Close"))
			break
		}
		s.listens[opt.URL] = ns
		go s.acceptLoop(ns, opt)
	}
	return helpers.FoldErrors(errs)
}

func (s *Server) nextID() packet.ID {
	for {
		if id := packet.ID(atomic.AddUint32(&s.nextid, 1) % (1 << 16)); id != 0 {
			return id
		}
	}
}

// Publish routes message to all matching subscribers.
func (s *Server) Publish(ctx context.Context, msg *packet.Message) error {
	atomic.AddUint64(&s.published, 1)
	if msg.Retain {
		if len(msg.Payload) != 0 {
			s.retain.Set(msg.Topic, msg.Copy())
		} else {
			s.retain.Empty(msg.Topic)
		}
	}

	uniq := make(map[string]*subscription)
	for _, x := range s.subs.Match(msg.Topic) {
		sub := x.(*subscription)
		if ex, ok := uniq[sub.client]; !ok || sub.qos > ex.qos {
			uniq[sub.client] = sub
		}
	}
	s.log.Debugf("broker publish msg=%s subs=%d", MessageString(msg), len(uniq))
	if len(uniq) == 0 {
		return ErrNoSubscribers
	}

	errch := make(chan error, len(uniq))
	wg := sync.WaitGroup{}
	helpers.WithLock(s.sessions.RLocker(), func() {
		for _, sub := range uniq {
			ss, ok := s.sessions.m[sub.client]
			if !ok {
				continue
			}
			m := msg.Copy()
			m.QOS = sub.qos
			if m.QOS > msg.QOS {
				m.QOS = msg.QOS
			}
			var id packet.ID
			if m.QOS != packet.QOSAtMostOnce {
				id = s.nextID()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := ss.deliver(id, m); err != nil {
					errch <- err
				}
			}()
		}
	})
	wg.Wait()
	close(errch)
	return helpers.FoldErrChan(errch)
}

func (s *Server) Retain() []*packet.Message {
	xs := s.retain.All()
	ms := make([]*packet.Message, len(xs))
	for i, x := range xs {
		ms[i] = x.(*packet.Message)
	}
	return ms
}

// default OnPublish
func (s *Server) route(ctx context.Context, msg *packet.Message, ack *future.Future) error {
	ack.Complete(nil)
	if err := s.Publish(ctx, msg); err != nil && err != ErrNoSubscribers {
		return err
	}
	return nil
}

func listen(opt *ListenOptions) (*transport.NetServer, error) {
	u, err := url.ParseRequestURI(opt.URL)
	if err != nil {
		return nil, errors.Annotate(err, "parse url")
	}
	switch u.Scheme {
	case "tls":
		ns, err := transport.CreateSecureNetServer(u.Host, opt.TLS)
		return ns, errors.Annotate(err, "CreateSecureNetServer")

	case "tcp", "unix":
		address := u.Host
		if u.Scheme == "unix" {
			address = u.Path
		}
		l, err := net.Listen(u.Scheme, address)
		if err != nil {
			return nil, errors.Annotatef(err, "net.Listen network=%s address=%s", u.Scheme, address)
		}
		return transport.NewNetServer(l), nil
	}
	return nil, errors.NotSupportedf("listen url=%s", opt.URL)
}

func (s *Server) acceptLoop(ns *transport.NetServer, opt *ListenOptions) {
	defer s.alive.Done()
	for {
		conn, err := ns.Accept()
		if !s.alive.IsRunning() {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.log.Error(errors.Annotatef(err, "broker accept listen=%s", opt.URL))
			s.alive.Stop()
			return
		}
		if !s.alive.Add(1) {
			_ = conn.Close()
			return
		}
		go s.serve(conn, opt)
	}
}

// handshake reads CONNECT, authorizes and replies CONNACK.
func (s *Server) handshake(conn transport.Conn, opt *ListenOptions) (*session, error) {
	pkt, err := conn.Receive()
	if err != nil {
		return nil, errors.Trace(err)
	}
	pktConnect, ok := pkt.(*packet.Connect)
	if !ok {
		return nil, errors.Trace(gbroker.ErrUnexpectedPacket)
	}

	connack := packet.NewConnack()
	if pktConnect.ClientID == "" {
		connack.ReturnCode = packet.IdentifierRejected
		_ = conn.Send(connack, false)
		return nil, errors.Annotate(gbroker.ErrNotAuthorized, "empty clientid")
	}
	ok, err = s.opt.OnConnect(s.ctx, opt, pktConnect)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if !ok {
		connack.ReturnCode = packet.NotAuthorized
		_ = conn.Send(connack, false)
		return nil, errors.Annotatef(gbroker.ErrNotAuthorized, "username=%s", pktConnect.Username)
	}
	s.log.Debugf("broker CONNECT addr=%s client=%s username=%s keepalive=%d",
		addrString(conn.RemoteAddr()), pktConnect.ClientID, pktConnect.Username, pktConnect.KeepAlive)

	keepalive := time.Duration(pktConnect.KeepAlive) * time.Second
	if keepalive == 0 || keepalive > opt.NetworkTimeout {
		keepalive = opt.NetworkTimeout
	}
	conn.SetReadTimeout(keepalive + keepalive/2)
	connack.ReturnCode = packet.ConnectionAccepted
	if err = conn.Send(connack, false); err != nil {
		return nil, errors.Trace(err)
	}
	return newSession(s.ctx, conn, opt, s.log, pktConnect), nil
}

func (s *Server) serve(conn transport.Conn, opt *ListenOptions) {
	defer s.alive.Done()

	addr := addrString(conn.RemoteAddr())
	conn.SetMaxWriteDelay(0)
	conn.SetReadLimit(opt.ReadLimit)
	conn.SetReadTimeout(opt.NetworkTimeout)
	ss, err := s.handshake(conn, opt)
	if err != nil {
		s.log.Infof("broker handshake addr=%s err=%v", addr, err)
		_ = conn.Close()
		return
	}
	s.register(ss)

	wg := sync.WaitGroup{}
	for {
		pkt, err := ss.receive()
		if !ss.alive.IsRunning() || !s.alive.IsRunning() {
			_ = ss.die(ErrClosing)
			break
		}
		if err != nil {
			break
		}
		wg.Add(1)
		go s.handle(ss, pkt, &wg)
	}
	wg.Wait()
	_ = ss.acks.Await(ss.opt.NetworkTimeout)
	ss.acks.Clear()
	ss.alive.WaitTasks()
	s.unregister(ss)
}

func (s *Server) register(ss *session) {
	helpers.WithLock(&s.sessions, func() {
		if ex, ok := s.sessions.m[ss.id]; ok {
			s.log.Infof("broker client overtake id=%s ex=%s new=%s", ss.id, ex.remoteAddr(), ss.remoteAddr())
			_ = ex.die(ErrSameClient)
		}
		s.sessions.m[ss.id] = ss
	})
	s.subscribe(ss, s.opt.ForceSubs, nil)
}

func (s *Server) unregister(ss *session) {
	closeErr := ss.die(ErrClosing)
	if closeErr == ErrClosing {
		closeErr = nil
	}
	will, clean := ss.takeWill()
	helpers.WithLock(&s.sessions, func() {
		if ex := s.sessions.m[ss.id]; ex == ss {
			delete(s.sessions.m, ss.id)
		}
		for _, value := range s.subs.All() {
			if sub := value.(*subscription); sub.client == ss.id {
				s.subs.Remove(sub.pattern, value)
			}
		}
	})
	s.log.Debugf("broker gone id=%s clean=%t will=%t", ss.id, clean, will != nil)
	if will != nil {
		_ = s.Publish(s.ctx, will)
	}
	if s.opt.OnClose != nil {
		s.opt.OnClose(ss.id, clean, closeErr)
	}
}

func (s *Server) handle(ss *session, pkt packet.Generic, wg *sync.WaitGroup) {
	defer wg.Done()
	detached := false
	helpers.WithLock(s.sessions.RLocker(), func() { detached = s.sessions.m[ss.id] != ss })
	if detached {
		s.log.Errorf("broker ignore packet from detached id=%s pkt=%s", ss.id, PacketString(pkt))
		_ = ss.die(ErrSameClient)
		return
	}

	var err error
	switch pt := pkt.(type) {
	case *packet.Pingreq:
		err = ss.send(packet.NewPingresp())

	case *packet.Publish:
		err = s.onPublish(ss, pt)

	case *packet.Puback:
		err = ss.fulfillAck(pt.ID)

	case *packet.Subscribe:
		err = s.onSubscribe(ss, pt)

	case *packet.Unsubscribe:
		err = s.onUnsubscribe(ss, pt)

	case *packet.Pubrec, *packet.Pubrel, *packet.Pubcomp:
		err = errors.NotSupportedf("QOS=2")

	case *packet.Disconnect:
		ss.onDisconnect()
		_ = ss.die(nil)
		return

	default:
		err = errors.Errorf("code error packet is not handled pkt=%s", pkt.String())
	}
	if err != nil {
		s.log.Errorf("broker id=%s pkt=%s err=%v", ss.id, PacketString(pkt), err)
		_ = ss.die(err)
	}
}

func (s *Server) onPublish(ss *session, pt *packet.Publish) error {
	ack := future.New()
	if err := s.opt.OnPublish(ss.ctx, &pt.Message, ack); err != nil {
		return errors.Annotatef(err, "onPublish msg=%s", MessageString(&pt.Message))
	}
	switch pt.Message.QOS {
	case packet.QOSAtMostOnce:
		return nil

	case packet.QOSAtLeastOnce:
		switch ack.Wait(ss.opt.AckTimeout) {
		case nil:
			puback := packet.NewPuback()
			puback.ID = pt.ID
			return ss.send(puback)
		case future.ErrCanceled:
			return errors.Errorf("publish rejected client=%s id=%d topic=%s", ss.id, pt.ID, pt.Message.Topic)
		}
		return errors.Timeoutf("publish ack client=%s id=%d", ss.id, pt.ID)
	}
	return errors.NotSupportedf("QOS=%d", pt.Message.QOS)
}

func (s *Server) onSubscribe(ss *session, pkt *packet.Subscribe) error {
	// SUBSCRIBE without topic filters is protocol violation [MQTT-3.8.3-3]
	if len(pkt.Subscriptions) == 0 {
		return errors.NotValidf("subscribe with empty list")
	}
	suback := packet.NewSuback()
	suback.ID = pkt.ID
	suback.ReturnCodes = make([]packet.QOS, 0, len(pkt.Subscriptions))
	s.subscribe(ss, pkt.Subscriptions, suback)
	return errors.Annotate(ss.send(suback), "onSubscribe")
}

func (s *Server) onUnsubscribe(ss *session, pkt *packet.Unsubscribe) error {
	drop := make(map[string]struct{}, len(pkt.Topics))
	for _, pattern := range pkt.Topics {
		drop[pattern] = struct{}{}
	}
	for _, value := range s.subs.All() {
		sub := value.(*subscription)
		if _, ok := drop[sub.pattern]; ok && sub.client == ss.id {
			s.subs.Remove(sub.pattern, value)
		}
	}
	unsuback := packet.NewUnsuback()
	unsuback.ID = pkt.ID
	return ss.send(unsuback)
}

func (s *Server) subscribe(ss *session, subs []packet.Subscription, suback *packet.Suback) {
	for _, sub := range subs {
		pattern := strings.NewReplacer("%c", ss.id, "%u", ss.username).Replace(sub.Topic)
		x := &subscription{pattern: pattern, client: ss.id, qos: sub.QOS}
		if x.qos > packet.QOSAtLeastOnce {
			x.qos = packet.QOSAtLeastOnce
		}
		s.subs.Add(pattern, x)
		if suback != nil {
			suback.ReturnCodes = append(suback.ReturnCodes, x.qos)
		}

		for _, v := range s.retain.Search(pattern) {
			msg := v.(*packet.Message).Copy()
			if msg.QOS > x.qos {
				msg.QOS = x.qos
			}
			var id packet.ID
			if msg.QOS != packet.QOSAtMostOnce {
				id = s.nextID()
			}
			go func() { _ = ss.deliver(id, msg) }()
		}
	}
}
