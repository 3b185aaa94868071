package log2

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	t.Parallel()

	type Case struct {
		name   string
		level  Level
		expect string
	}
	cases := []Case{
		{"error", LError, "error: publish failed\nCRITICAL: auth rejected\n"},
		{"info", LInfo, "error: publish failed\nCRITICAL: auth rejected\ndevice connected id=1\n"},
		{"debug", LDebug, "error: publish failed\nCRITICAL: auth rejected\ndevice connected id=1\ndebug: frame=0925\n"},
		{"all", LAll, "error: publish failed\nCRITICAL: auth rejected\ndevice connected id=1\ndebug: frame=0925\n"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			buf := bytes.NewBuffer(nil)
			l := NewWriter(buf, c.level)
			l.SetFlags(0)
			l.Errorf("publish %s", "failed")
			l.Critical("auth rejected")
			l.Infof("device connected id=%d", 1)
			l.Debugf("frame=%x", []byte{0x09, 0x25})
			assert.Equal(t, c.expect, buf.String())
		})
	}
}

func TestCaller(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LDebug)
	l.SetFlags(Lshortfile)
	_, file, line, _ := runtime.Caller(0)
	l.Debug("here")
	assert.Equal(t, fmt.Sprintf("%s:%d: debug: here\n", filepath.Base(file), line+1), buf.String())
}

func TestErrorFunc(t *testing.T) {
	t.Parallel()

	exact := fmt.Errorf("mailbox closed")
	var got []error
	l := NewWriter(ioutil.Discard, LAll)
	require.Nil(t, l)
	l = NewWriter(bytes.NewBuffer(nil), LError)
	l.SetErrorFunc(func(e error) { got = append(got, e) })
	l.Error(exact)
	l.Error("bus", " down")
	l.Errorf("decode len=%d", 7)
	l.Criticalf("broker code=%d", 5)
	l.Infof("not an error")
	require.Len(t, got, 4)
	assert.Equal(t, exact, got[0])
	assert.Equal(t, "bus down", got[1].Error())
	assert.Equal(t, "decode len=7", got[2].Error())
	assert.Equal(t, "broker code=5", got[3].Error())
}

func TestNil(t *testing.T) {
	t.Parallel()

	var l *Log
	assert.False(t, l.Enabled(LError))
	assert.Nil(t, l.Clone(LDebug))
	l.SetLevel(LDebug)
	l.SetFlags(0)
	l.SetPrefix("x ")
	l.SetErrorFunc(func(error) { t.Error("must not be called") })
	l.Debugf("a=%d", 1)
	l.Info("b")
	l.Error("c")
	l.Criticalf("d")
}

func TestClone(t *testing.T) {
	t.Parallel()

	buf := bytes.NewBuffer(nil)
	l := NewWriter(buf, LInfo)
	l.SetFlags(0)
	l.SetPrefix("link ")
	d := l.Clone(LDebug)
	l.Debug("parent hidden")
	d.Debug("child shown")
	assert.Equal(t, "link debug: child shown\n", buf.String())
	assert.True(t, d.Enabled(LDebug))
	assert.False(t, l.Enabled(LDebug))
}

func TestRotateFile(t *testing.T) {
	t.Parallel()

	dir, err := ioutil.TempDir("", "log2-")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "smartess.log")

	l := NewRotateFile(path, 1, 2, LInfo)
	l.SetFlags(0)
	l.Infof("started version=%s", "test")
	b, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "started version=test\n", string(b))
}

func TestNewTest(t *testing.T) {
	t.Parallel()

	l := NewTest(t, LDebug)
	assert.True(t, l.Enabled(LDebug))
	l.Debugf("goes to t.Logf")
}

func BenchmarkSkipLevel(b *testing.B) {
	l := NewWriter(bytes.NewBuffer(nil), LError)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		l.Debugf("frame id=%d len=%d", i, 136)
	}
}
