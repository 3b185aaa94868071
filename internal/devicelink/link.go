// Package devicelink owns inverter TCP listener and the single active device connection.
package devicelink

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/helpers"
	"github.com/paxyhome/smartess/helpers/atomic_clock"
	"github.com/paxyhome/smartess/inverter"
	"github.com/paxyhome/smartess/log2"
	"github.com/temoto/alive/v2"
)

const (
	DefaultListen       = ":8899"
	DefaultWriteTimeout = 10 * time.Second
	DefaultFrameGap     = 2 * time.Second
	readBufferSize      = 4096
)

var (
	ErrNotConnected = errors.NotFoundf("device connection")
	ErrClosing      = errors.New("device link is closing")
)

type Options struct {
	Listen       string
	Listener     net.Listener // optional, used instead of Listen address
	MaxFrame     int
	FrameGap     time.Duration // partial frame is dropped after this much silence
	WriteTimeout time.Duration
	Mailbox      *Mailbox
	Capture      *CaptureWriter // optional
	Log          *log2.Log
}

// Session identifies one accepted device connection.
// Done is closed when connection is released.
type Session struct {
	ID     uint32
	Remote string
	Done   <-chan struct{}
}

// ConnectionSlot holder. At most one conn is installed at any time.
type conn struct {
	id     uint32
	nc     net.Conn
	remote string
	done   chan struct{}
	once   sync.Once
}

func (c *conn) close() error {
	var err error
	c.once.Do(func() {
		err = c.nc.Close()
		close(c.done)
	})
	return err
}

func (c *conn) session() Session { return Session{ID: c.id, Remote: c.remote, Done: c.done} }

type Link struct {
	alive   *alive.Alive
	log     *log2.Log
	opt     Options
	mailbox *Mailbox
	stat    Stat
	nextid  uint32
	lastrx  atomic_clock.Clock

	mu       sync.Mutex // guards listener, slot, changed
	listener net.Listener
	slot     *conn
	changed  chan struct{} // closed on each slot change
	writemu  sync.Mutex
}

func New(opt Options) *Link {
	if opt.Mailbox == nil {
		panic("code error devicelink.Options.Mailbox is mandatory")
	}
	if opt.Listen == "" {
		opt.Listen = DefaultListen
	}
	if opt.MaxFrame == 0 {
		opt.MaxFrame = inverter.DefaultMaxFrame
	}
	if opt.WriteTimeout == 0 {
		opt.WriteTimeout = DefaultWriteTimeout
	}
	if opt.FrameGap == 0 {
		opt.FrameGap = DefaultFrameGap
	}
	return &Link{
		alive:   alive.NewAlive(),
		log:     opt.Log,
		opt:     opt,
		mailbox: opt.Mailbox,
		changed: make(chan struct{}),
	}
}

func (l *Link) Stat() *Stat       { return &l.stat }
func (l *Link) Mailbox() *Mailbox { return l.mailbox }

// LastFrame is receive time of most recent frame from any connection, zero if none yet.
func (l *Link) LastFrame() time.Time { return l.lastrx.Time() }

func (l *Link) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Listen binds socket and starts accept loop in background.
func (l *Link) Listen() error {
	listener := l.opt.Listener
	if listener == nil {
		var err error
		if listener, err = net.Listen("tcp", l.opt.Listen); err != nil {
			return errors.Annotatef(err, "device listen=%s", l.opt.Listen)
		}
	}
	if !l.alive.Add(1) {
		_ = listener.Close()
		return errors.Errorf("Listen after Close")
	}
	helpers.WithLock(&l.mu, func() { l.listener = listener })
	l.log.Infof("device listen addr=%s", listener.Addr())
	go l.acceptLoop(listener)
	return nil
}

// Close stops accepting, releases active connection and waits for all loops.
func (l *Link) Close() error {
	l.alive.Stop()
	errs := make([]error, 0, 2)
	helpers.WithLock(&l.mu, func() {
		if l.listener != nil {
			if err := l.listener.Close(); err != nil && !isClosedConn(err) {
				errs = append(errs, err)
			}
		}
		if l.slot != nil {
			if err := l.slot.close(); err != nil && !isClosedConn(err) {
				errs = append(errs, err)
			}
			l.slot = nil
			l.notifyLocked()
		}
	})
	l.alive.Wait()
	if l.opt.Capture != nil {
		if err := l.opt.Capture.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return helpers.FoldErrors(errs)
}

// Active returns current session, ok=false when no device is connected.
func (l *Link) Active() (Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slot == nil {
		return Session{}, false
	}
	return l.slot.session(), true
}

// WaitConnected blocks until a device connection is installed.
func (l *Link) WaitConnected(ctx context.Context) (Session, error) {
	for {
		var s Session
		var ok bool
		var ch <-chan struct{}
		helpers.WithLock(&l.mu, func() {
			if l.slot != nil {
				s, ok = l.slot.session(), true
			}
			ch = l.changed
		})
		if ok {
			return s, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return Session{}, ctx.Err()
		case <-l.alive.StopChan():
			return Session{}, ErrClosing
		}
	}
}

// Send writes one command frame to active connection.
// Errors: ErrNotConnected (errors.IsNotFound) or annotated IO error.
func (l *Link) Send(f inverter.Frame) error {
	var c *conn
	helpers.WithLock(&l.mu, func() { c = l.slot })
	if c == nil {
		return ErrNotConnected
	}

	l.writemu.Lock()
	defer l.writemu.Unlock()
	l.stat.Sends.Add(1)
	if err := c.nc.SetWriteDeadline(time.Now().Add(l.opt.WriteTimeout)); err != nil {
		l.stat.SendErrors.Add(1)
		return errors.Annotatef(err, "device send id=%d", c.id)
	}
	w := helpers.CountWriter(c.nc, &l.stat.BytesOut)
	if err := helpers.WriteAll(w, f); err != nil {
		l.stat.SendErrors.Add(1)
		return errors.Annotatef(err, "device send id=%d frame=%x", c.id, []byte(f))
	}
	l.log.Debugf("device send id=%d frame=%x", c.id, []byte(f))
	return nil
}

// acceptLoop retries failed Accept with backoff until Close.
func (l *Link) acceptLoop(listener net.Listener) {
	defer l.alive.Done()
	retry := helpers.NewBackoff(10*time.Millisecond, 5*time.Second, 2)
	for {
		nc, err := listener.Accept()
		if !l.alive.IsRunning() {
			if nc != nil {
				_ = nc.Close()
			}
			return
		}
		if err != nil {
			l.stat.AcceptErrors.Add(1)
			delay := retry.Failure()
			l.log.Errorf("device accept err=%v retry in %v", err, delay)
			select {
			case <-time.After(delay):
				continue
			case <-l.alive.StopChan():
				return
			}
		}
		retry.Reset()
		if !l.alive.Add(1) {
			_ = nc.Close()
			return
		}
		c := &conn{
			id:     atomic.AddUint32(&l.nextid, 1),
			nc:     nc,
			remote: addrString(nc.RemoteAddr()),
			done:   make(chan struct{}),
		}
		l.install(c)
		go l.receiveLoop(c)
	}
}

// install closes previous connection before new one becomes active.
func (l *Link) install(c *conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if old := l.slot; old != nil {
		l.log.Infof("device connection displaced id=%d addr=%s by id=%d addr=%s", old.id, old.remote, c.id, c.remote)
		_ = old.close()
		l.stat.Displaced.Add(1)
	}
	l.slot = c
	l.notifyLocked()
	l.stat.Connects.Add(1)
	l.log.Infof("device connected id=%d addr=%s", c.id, c.remote)
}

func (l *Link) release(c *conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = c.close()
	if l.slot == c {
		l.slot = nil
		l.notifyLocked()
	}
}

func (l *Link) notifyLocked() {
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Link) receiveLoop(c *conn) {
	defer l.alive.Done()
	defer l.release(c)

	framer := inverter.NewFramer(l.opt.MaxFrame)
	r := helpers.CountReader(c.nc, &l.stat.BytesIn)
	buf := make([]byte, readBufferSize)
	for {
		// started frame must complete within FrameGap
		var deadline time.Time
		if framer.Buffered() != 0 {
			deadline = time.Now().Add(l.opt.FrameGap)
		}
		if err := c.nc.SetReadDeadline(deadline); err != nil {
			l.log.Errorf("device id=%d set deadline err=%v", c.id, err)
			return
		}
		n, err := r.Read(buf)
		if n > 0 {
			frames, ferr := framer.Feed(buf[:n])
			if ferr != nil {
				l.stat.FramingErrors.Add(1)
				l.log.Errorf("device id=%d framing err=%v", c.id, ferr)
			}
			now := time.Now()
			if len(frames) != 0 {
				l.lastrx.SetTime(now)
			}
			for _, f := range frames {
				l.stat.Frames.Add(1)
				l.log.Debugf("device recv id=%d frame=%s", c.id, f.String())
				if err := l.opt.Capture.Write(now, f); err != nil {
					l.log.Error(err)
				}
				if !l.mailbox.Put(l.alive.StopChan(), f) {
					return
				}
			}
		}
		switch {
		case err == nil:
		case isTimeout(err) && framer.Buffered() != 0:
			l.stat.FramingErrors.Add(1)
			l.log.Errorf("device id=%d partial frame dropped len=%d after silence=%v", c.id, framer.Buffered(), l.opt.FrameGap)
			framer.Reset()
		case err == io.EOF:
			l.log.Infof("device disconnected id=%d addr=%s", c.id, c.remote)
			return
		case isClosedConn(err):
			l.log.Debugf("device id=%d closed locally", c.id)
			return
		default:
			l.log.Errorf("device id=%d addr=%s read err=%v", c.id, c.remote, err)
			return
		}
	}
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func isTimeout(e error) bool {
	ne, ok := e.(net.Error)
	return ok && ne.Timeout()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}
