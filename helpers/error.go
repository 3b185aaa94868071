package helpers

import (
	"strings"
	"sync"

	"github.com/juju/errors"
)

// FoldErrors skips nil entries. Single error is returned as is,
// so errors.Is* checks keep working. Several are joined by newline.
func FoldErrors(errs []error) error {
	var first error
	var b strings.Builder
	n := 0
	for _, e := range errs {
		if e == nil {
			continue
		}
		if n == 0 {
			first = e
		} else {
			b.WriteByte('\n')
		}
		b.WriteString(e.Error())
		n++
	}
	if n <= 1 {
		return first
	}
	return errors.New(b.String())
}

// FoldErrChan reads closed channel until empty.
func FoldErrChan(ch <-chan error) error {
	errs := make([]error, 0, len(ch))
	for e := range ch {
		errs = append(errs, e)
	}
	return FoldErrors(errs)
}

func WrapErrChan(wg *sync.WaitGroup, ch chan<- error, fun func() error) {
	defer wg.Done()
	if err := fun(); err != nil {
		ch <- err
	}
}
