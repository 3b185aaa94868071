package devicelink

import (
	"context"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/inverter"
)

var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is bounded FIFO handoff between receive loops and the decode stage.
// Put blocks when full, frames are never overwritten or dropped.
type Mailbox struct {
	ch chan inverter.Frame
}

func NewMailbox(size int) *Mailbox {
	if size <= 0 {
		panic("code error mailbox size must be positive")
	}
	return &Mailbox{ch: make(chan inverter.Frame, size)}
}

// Put waits for free space. Returns false when stop is closed first.
func (m *Mailbox) Put(stop <-chan struct{}, f inverter.Frame) bool {
	select {
	case m.ch <- f:
		return true
	case <-stop:
		return false
	}
}

func (m *Mailbox) Get(ctx context.Context) (inverter.Frame, error) {
	select {
	case f := <-m.ch:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Mailbox) Len() int { return len(m.ch) }
func (m *Mailbox) Cap() int { return cap(m.ch) }

// Discard empties mailbox without blocking and returns number of dropped frames.
func (m *Mailbox) Discard() int {
	n := 0
	for {
		select {
		case <-m.ch:
			n++
		default:
			return n
		}
	}
}
