package helpers

import (
	"io/ioutil"
	"math/rand"
	"os"
	"time"
)

// Fataler is satisfied by *testing.T, helpers stay free of testing import.
type Fataler interface {
	Fatal(...interface{})
}

// RandUnix is math/rand seeded with current time, for unique test ids.
func RandUnix() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// TempDir creates directory and returns func that removes it.
func TempDir(f Fataler, prefix string) (string, func()) {
	dir, err := ioutil.TempDir("", prefix)
	if err != nil {
		f.Fatal(err)
	}
	return dir, func() { _ = os.RemoveAll(dir) }
}
