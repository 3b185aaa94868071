package config

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

// Loader resolves config source names and fetches their contents.
type Loader interface {
	// Resolve returns canonical key used for include loop detection.
	Resolve(name string) string
	// Load returns nil,nil when source does not exist.
	Load(key string) ([]byte, error)
}

// DirLoader reads files, relative names are resolved against Dir.
type DirLoader struct{ Dir string }

func (d DirLoader) Resolve(name string) string {
	if !filepath.IsAbs(name) {
		name = filepath.Join(d.Dir, name)
	}
	if abs, err := filepath.Abs(name); err == nil {
		return abs
	}
	return filepath.Clean(name)
}

func (DirLoader) Load(path string) ([]byte, error) {
	b, err := ioutil.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, errors.Annotatef(err, "config path=%s", path)
	}
	return b, nil
}

// MapLoader serves sources from memory, for tests.
type MapLoader map[string]string

func (MapLoader) Resolve(name string) string { return filepath.Clean(name) }

func (m MapLoader) Load(name string) ([]byte, error) {
	if s, ok := m[name]; ok {
		return []byte(s), nil
	}
	return nil, nil
}
