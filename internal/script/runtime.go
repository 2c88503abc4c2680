// Package script runs request transports written in JavaScript. Objects
// created by the script are reached through a Forwarder whose method table is
// resolved once per object, so callers see the same contract as the native
// strategy.
package script

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dop251/goja"
)

// FactoryName is the global function a script must define. It returns a new
// transport object each time it is called.
const FactoryName = "createTransport"

// ErrNoFactory is returned when the script does not define FactoryName.
var ErrNoFactory = errors.New("script: createTransport is not defined")

// Runtime owns one goja VM. The VM is not safe for concurrent use, so every
// access goes through do.
type Runtime struct {
	name string
	vm   *goja.Runtime

	mu      sync.Mutex
	factory goja.Callable
	pending []func()
}

// Load reads and runs the script at path.
func Load(path string) (*Runtime, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script: read %s: %w", path, err)
	}
	return New(path, string(src))
}

// New runs src and resolves its transport factory.
func New(name, src string) (*Runtime, error) {
	vm := goja.New()

	if _, err := vm.RunScript(name, src); err != nil {
		return nil, fmt.Errorf("script: run %s: %w", name, err)
	}

	factory, ok := goja.AssertFunction(vm.Get(FactoryName))
	if !ok {
		return nil, fmt.Errorf("%w in %s", ErrNoFactory, name)
	}

	return &Runtime{name: name, vm: vm, factory: factory}, nil
}

// Name returns the script name given at load time.
func (r *Runtime) Name() string { return r.name }

// NewForwarder creates a transport object and returns its Forwarder.
func (r *Runtime) NewForwarder() (*Forwarder, error) {
	var f *Forwarder
	err := r.do(func() error {
		v, err := r.factory(goja.Undefined())
		if err != nil {
			return fmt.Errorf("script: %s(): %w", FactoryName, err)
		}
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return fmt.Errorf("script: %s() returned no object", FactoryName)
		}
		f = newForwarder(r, v.ToObject(r.vm))
		return nil
	})
	return f, err
}

// do runs fn with exclusive access to the VM, then dispatches the events the
// script fired meanwhile. Listeners therefore run without the VM held and may
// call back into any forwarder of this runtime.
func (r *Runtime) do(fn func() error) error {
	r.mu.Lock()
	err := fn()
	events := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, ev := range events {
		ev()
	}
	return err
}

// post queues an event for dispatch. Called only from inside do.
func (r *Runtime) post(ev func()) {
	r.pending = append(r.pending, ev)
}
