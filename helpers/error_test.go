package helpers

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	single := fmt.Errorf("listen :8899")
	assert.Equal(t, single, FoldErrors([]error{nil, single}))
	err := FoldErrors([]error{fmt.Errorf("a"), nil, fmt.Errorf("b")})
	assert.EqualError(t, err, "a\nb")
}

func TestWrapErrChan(t *testing.T) {
	t.Parallel()

	wg := sync.WaitGroup{}
	ch := make(chan error, 3)
	wg.Add(3)
	go WrapErrChan(&wg, ch, func() error { return nil })
	go WrapErrChan(&wg, ch, func() error { return fmt.Errorf("one") })
	go WrapErrChan(&wg, ch, func() error { return nil })
	wg.Wait()
	close(ch)
	assert.EqualError(t, FoldErrChan(ch), "one")
}
