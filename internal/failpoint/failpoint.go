// Package failpoint provides named fault-injection checkpoints. A checkpoint
// is a call to Hit; it returns nil unless a test enabled it. With nothing
// enabled Hit costs one atomic load.
package failpoint

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrInjected is returned by checkpoints enabled without a specific error.
var ErrInjected = errors.New("injected failure")

var (
	active atomic.Int32

	mu     sync.RWMutex
	points = map[string]func() error{}
)

// Enable makes checkpoint name return err (ErrInjected if err is nil).
func Enable(name string, err error) {
	if err == nil {
		err = ErrInjected
	}
	EnableFunc(name, func() error { return err })
}

// EnableFunc runs fn every time checkpoint name is hit.
func EnableFunc(name string, fn func() error) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := points[name]; !ok {
		active.Add(1)
	}
	points[name] = fn
}

func Disable(name string) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := points[name]; ok {
		delete(points, name)
		active.Add(-1)
	}
}

func DisableAll() {
	mu.Lock()
	defer mu.Unlock()
	clear(points)
	active.Store(0)
}

// Hit evaluates checkpoint name.
func Hit(name string) error {
	if active.Load() == 0 {
		return nil
	}
	mu.RLock()
	fn, ok := points[name]
	mu.RUnlock()
	if !ok {
		return nil
	}
	return fn()
}
