package helpers

import (
	"sync"
)

func WithLock(l sync.Locker, f func()) {
	l.Lock()
	defer l.Unlock()
	f()
}

// FirstError remembers only the first of errors from several goroutines
// tearing down same thing. Nil counts as an error too, meaning clean close.
type FirstError struct {
	mu   sync.Mutex
	err  error
	done bool
}

// Keep records e unless something is already recorded.
// Returns recorded error and whether this call recorded it.
func (f *FirstError) Keep(e error) (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return f.err, false
	}
	f.err, f.done = e, true
	return e, true
}

func (f *FirstError) Get() (error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err, f.done
}
