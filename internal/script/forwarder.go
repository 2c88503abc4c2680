package script

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"xhr-adaptor-go/internal/xhr"
)

// Forwarder forwards to one script object. Members are looked up by name on
// the object; methods are resolved into a dispatch table when the forwarder
// is created.
type Forwarder struct {
	xhr.Unimplemented

	rt      *Runtime
	obj     *goja.Object
	methods map[xhr.Method]goja.Callable

	// snap holds the response state captured when the event being
	// dispatched was fired. Get serves it until the next Set or Invoke.
	smu  sync.Mutex
	snap *snapshot
}

// snapshotProps are the properties that change while a request progresses.
var snapshotProps = []xhr.Property{
	xhr.PropReadyState,
	xhr.PropStatus,
	xhr.PropStatusText,
	xhr.PropResponseText,
	xhr.PropResponse,
}

type snapshot struct {
	values map[xhr.Property]any
}

var _ xhr.Forwarder = (*Forwarder)(nil)

func newForwarder(rt *Runtime, obj *goja.Object) *Forwarder {
	f := &Forwarder{
		rt:      rt,
		obj:     obj,
		methods: make(map[xhr.Method]goja.Callable, len(xhr.Methods)),
	}
	for _, m := range xhr.Methods {
		if fn, ok := goja.AssertFunction(obj.Get(string(m))); ok {
			f.methods[m] = fn
		}
	}
	return f
}

// Supports reports whether the object defines method m.
func (f *Forwarder) Supports(m xhr.Method) bool {
	_, ok := f.methods[m]
	return ok
}

func (f *Forwarder) Get(p xhr.Property) (any, error) {
	f.smu.Lock()
	if f.snap != nil {
		if v, ok := f.snap.values[p]; ok {
			f.smu.Unlock()
			return v, nil
		}
	}
	f.smu.Unlock()

	var out any
	err := f.rt.do(func() error {
		v := f.obj.Get(string(p))
		if v == nil {
			return fmt.Errorf("%w: property %s", xhr.ErrUnsupportedMember, p)
		}
		out = export(v)
		return nil
	})
	return out, err
}

func (f *Forwarder) Set(p xhr.Property, v any) error {
	f.invalidate()
	return f.rt.do(func() error {
		var val goja.Value
		if xhr.IsEvent(p) {
			l, ok := v.(xhr.Listener)
			if v != nil && !ok {
				return fmt.Errorf("%w: %s wants Listener, got %T", xhr.ErrInvalidArgument, p, v)
			}
			val = f.listener(l)
		} else {
			val = f.rt.vm.ToValue(toJS(v))
		}
		if err := f.obj.Set(string(p), val); err != nil {
			return fmt.Errorf("script: set %s: %w", p, err)
		}
		return nil
	})
}

func (f *Forwarder) Invoke(m xhr.Method, args ...any) (any, error) {
	fn, ok := f.methods[m]
	if !ok {
		return nil, fmt.Errorf("%w: method %s", xhr.ErrUnsupportedMember, m)
	}

	f.invalidate()
	var out any
	err := f.rt.do(func() error {
		vals := make([]goja.Value, len(args))
		for i, a := range args {
			vals[i] = f.rt.vm.ToValue(toJS(a))
		}
		res, err := fn(f.obj, vals...)
		if err != nil {
			return fmt.Errorf("script: %s: %w", m, err)
		}
		out = export(res)
		return nil
	})
	return out, err
}

// listener exposes l to the script. Calls made by the script are queued and
// run once the VM is released, each seeing the object as it was when fired.
func (f *Forwarder) listener(l xhr.Listener) goja.Value {
	if l == nil {
		return goja.Null()
	}
	return f.rt.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		args := make([]any, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = export(a)
		}
		snap := f.capture()
		f.rt.post(func() { f.dispatch(snap, l, args) })
		return goja.Undefined()
	})
}

// capture reads snapshotProps. Called with the VM held.
func (f *Forwarder) capture() *snapshot {
	s := &snapshot{values: make(map[xhr.Property]any, len(snapshotProps))}
	for _, p := range snapshotProps {
		if v := f.obj.Get(string(p)); v != nil {
			s.values[p] = export(v)
		}
	}
	return s
}

// dispatch runs l with snap in effect. A Set or Invoke made by l drops the
// snapshot for the rest of the call.
func (f *Forwarder) dispatch(snap *snapshot, l xhr.Listener, args []any) {
	f.smu.Lock()
	prev := f.snap
	f.snap = snap
	f.smu.Unlock()

	defer func() {
		f.smu.Lock()
		if f.snap == snap {
			f.snap = prev
		}
		f.smu.Unlock()
	}()

	l(args...)
}

func (f *Forwarder) invalidate() {
	f.smu.Lock()
	f.snap = nil
	f.smu.Unlock()
}

// toJS converts Go values the script cannot use as-is.
func toJS(v any) any {
	switch t := v.(type) {
	case []byte:
		if t == nil {
			return nil
		}
		return string(t)
	case time.Duration:
		return t.Milliseconds()
	case xhr.ReadyState:
		return int(t)
	}
	return v
}

func export(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}
