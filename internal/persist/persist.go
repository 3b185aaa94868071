// Package persist keeps small bridge state across restarts.
// Each value lives in own extremofile directory root/tag,
// which survives torn writes by keeping a checksummed copy.
package persist

import (
	"encoding"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	"github.com/paxyhome/smartess/log2"
	"github.com/temoto/extremofile"
)

type Stater interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type readWriter interface {
	Read() ([]byte, error)
	Write([]byte) (int, error)
}

// Persist binds Stater to directory root/tag.
// Empty root disables persistence, Load and Store become no-op.
// Zero value is not usable until Init.
type Persist struct {
	mu     sync.Mutex
	log    *log2.Log
	tag    string
	path   string
	target Stater
	file   readWriter
	writes uint32 // atomic
}

func (p *Persist) Init(tag string, target Stater, root string, log *log2.Log) error {
	if tag == "" || target == nil {
		panic("code error persist.Init tag and target required")
	}
	p.tag, p.target, p.log = tag, target, log
	if root == "" {
		p.log.Debugf("persist tag=%s disabled", tag)
		return nil
	}
	p.path = filepath.Join(root, tag)
	p.file = extremofile.New(extremofile.Config{
		Dir:      p.path,
		DirPerm:  0755,
		FilePerm: 0644,
	})
	return nil
}

func (p *Persist) Enabled() bool { return p.file != nil }

// Path is storage directory, empty when disabled.
func (p *Persist) Path() string { return p.path }

// Writes counts successful Store calls since Init.
func (p *Persist) Writes() uint32 { return atomic.LoadUint32(&p.writes) }

// Load replaces target with stored value. Missing storage is not an error.
// A damaged copy is logged and the intact one is used.
func (p *Persist) Load() error {
	if !p.ready() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	t := time.Now()
	b, err := p.file.Read()
	p.log.Debugf("persist tag=%s read len=%d duration=%v", p.tag, len(b), time.Since(t))
	if b == nil {
		return errors.Annotatef(err, "persist tag=%s load", p.tag)
	}
	if err != nil {
		p.log.Errorf("persist tag=%s recovered from damaged copy err=%v", p.tag, err)
	}
	return errors.Annotatef(p.target.UnmarshalBinary(b), "persist tag=%s decode", p.tag)
}

func (p *Persist) Store() error {
	if !p.ready() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	b, err := p.target.MarshalBinary()
	if err != nil {
		return errors.Annotatef(err, "persist tag=%s encode", p.tag)
	}
	t := time.Now()
	if _, err = p.file.Write(b); err != nil {
		return errors.Annotatef(err, "persist tag=%s store", p.tag)
	}
	atomic.AddUint32(&p.writes, 1)
	p.log.Debugf("persist tag=%s write len=%d duration=%v", p.tag, len(b), time.Since(t))
	return nil
}

func (p *Persist) ready() bool {
	if p.tag == "" {
		panic("code error persist used before Init")
	}
	return p.file != nil
}
