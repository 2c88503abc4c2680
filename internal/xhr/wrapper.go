package xhr

import (
	"fmt"
	"sync"
	"time"
)

// Handler is a caller-supplied event handler. x is the outermost wrapper the
// handler was assigned on, never the raw transport.
type Handler func(x XHR, args ...any)

// Delegate intercepts an event before the real handler. It decides if and
// when the real handler runs through ec.
type Delegate func(ec *EventContext, args ...any)

// Delegates maps event slots to their delegate for one wrapper variant. It is
// built once per variant and shared read-only by every instance.
type Delegates map[Event]Delegate

// XHR is the surface every wrapper variant presents. A wrapper is itself a
// Transport, so wrappers can wrap wrappers.
type XHR interface {
	Transport

	// SetHandler assigns h to the event slot ev through the delegate table.
	SetHandler(ev Event, h Handler) error
	// Handler returns the handler last assigned to ev.
	Handler(ev Event) Handler
}

// EventContext is handed to a delegate each time an event fires.
type EventContext struct {
	owner XHR
	real  Handler
}

// Owner returns the wrapper the handler was assigned on.
func (ec *EventContext) Owner() XHR { return ec.owner }

// RealHandler returns the handler the caller assigned. It may be nil.
func (ec *EventContext) RealHandler() Handler { return ec.real }

// Apply invokes the real handler with an argument list.
func (ec *EventContext) Apply(args []any) {
	if ec.real != nil {
		ec.real(ec.owner, args...)
	}
}

// Call invokes the real handler with variadic arguments.
func (ec *EventContext) Call(args ...any) {
	ec.Apply(args)
}

func applyRealHandler(ec *EventContext, args ...any) {
	ec.Apply(args)
}

// Option configures a Wrapper.
type Option func(*Wrapper)

// WithDelegates sets the delegate table of the wrapper variant.
func WithDelegates(d Delegates) Option {
	return func(w *Wrapper) { w.delegates = d }
}

// WithOwner sets the value passed to real handlers. Variants that embed a
// Wrapper pass themselves so handlers see the derived type.
func WithOwner(owner XHR) Option {
	return func(w *Wrapper) { w.owner = owner }
}

// Wrapper is the base proxy handle. It owns its forwarder and forwards every
// member through it.
type Wrapper struct {
	fwd       Forwarder
	owner     XHR
	delegates Delegates

	mu       sync.Mutex
	handlers map[Event]Handler
}

var _ XHR = (*Wrapper)(nil)

// New returns a Wrapper forwarding through fwd.
func New(fwd Forwarder, opts ...Option) (*Wrapper, error) {
	if fwd == nil {
		return nil, fmt.Errorf("%w: wrapped transport is required", ErrInvalidArgument)
	}
	w := &Wrapper{
		fwd:      fwd,
		handlers: make(map[Event]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.owner == nil {
		w.owner = w
	}
	return w, nil
}

// Wrap returns a Wrapper over a Go transport using native forwarding.
func Wrap(t Transport, opts ...Option) (*Wrapper, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: wrapped transport is required", ErrInvalidArgument)
	}
	return New(NewNative(t), opts...)
}

// Forwarder returns the forwarding strategy.
func (w *Wrapper) Forwarder() Forwarder { return w.fwd }

// Invoke forwards an arbitrary method, including optional ones.
func (w *Wrapper) Invoke(m Method, args ...any) (any, error) {
	return w.fwd.Invoke(m, args...)
}

// Get forwards an arbitrary property read.
func (w *Wrapper) Get(p Property) (any, error) {
	return w.fwd.Get(p)
}

// Set forwards an arbitrary property write. Event slots go through SetHandler.
func (w *Wrapper) Set(p Property, v any) error {
	if IsEvent(p) {
		switch h := v.(type) {
		case nil:
			return w.SetHandler(p, nil)
		case Handler:
			return w.SetHandler(p, h)
		case func(x XHR, args ...any):
			return w.SetHandler(p, h)
		}
		return fmt.Errorf("%w: %s wants Handler, got %T", ErrInvalidArgument, p, v)
	}
	return w.fwd.Set(p, v)
}

func (w *Wrapper) Open(method, url string, async bool) error {
	_, err := w.fwd.Invoke(MethodOpen, method, url, async)
	return err
}

func (w *Wrapper) Send(body []byte) error {
	_, err := w.fwd.Invoke(MethodSend, body)
	return err
}

func (w *Wrapper) Abort() {
	_, _ = w.fwd.Invoke(MethodAbort)
}

func (w *Wrapper) SetRequestHeader(name, value string) error {
	_, err := w.fwd.Invoke(MethodSetRequestHeader, name, value)
	return err
}

func (w *Wrapper) GetResponseHeader(name string) string {
	v, _ := w.fwd.Invoke(MethodGetResponseHeader, name)
	s, _ := v.(string)
	return s
}

func (w *Wrapper) GetAllResponseHeaders() string {
	v, _ := w.fwd.Invoke(MethodGetAllResponseHeaders)
	s, _ := v.(string)
	return s
}

// OverrideMimeType is forwarded only if the transport supports it.
func (w *Wrapper) OverrideMimeType(mime string) error {
	_, err := w.fwd.Invoke(MethodOverrideMimeType, mime)
	return err
}

// SendAsBinary is forwarded only if the transport supports it.
func (w *Wrapper) SendAsBinary(body []byte) error {
	_, err := w.fwd.Invoke(MethodSendAsBinary, body)
	return err
}

func (w *Wrapper) ReadyState() ReadyState {
	v, _ := w.fwd.Get(PropReadyState)
	return toReadyState(v)
}

func (w *Wrapper) Status() int {
	v, _ := w.fwd.Get(PropStatus)
	return toInt(v)
}

func (w *Wrapper) StatusText() string {
	v, _ := w.fwd.Get(PropStatusText)
	s, _ := v.(string)
	return s
}

func (w *Wrapper) ResponseText() string {
	v, _ := w.fwd.Get(PropResponseText)
	s, _ := v.(string)
	return s
}

func (w *Wrapper) Response() []byte {
	v, _ := w.fwd.Get(PropResponse)
	switch b := v.(type) {
	case []byte:
		return b
	case string:
		return []byte(b)
	}
	return nil
}

func (w *Wrapper) Timeout() time.Duration {
	v, _ := w.fwd.Get(PropTimeout)
	switch d := v.(type) {
	case time.Duration:
		return d
	case nil:
		return 0
	}
	// Non-native strategies report milliseconds.
	return time.Duration(toInt(v)) * time.Millisecond
}

func (w *Wrapper) SetTimeout(d time.Duration) {
	_ = w.fwd.Set(PropTimeout, d)
}

func (w *Wrapper) WithCredentials() bool {
	v, _ := w.fwd.Get(PropWithCredentials)
	b, _ := v.(bool)
	return b
}

func (w *Wrapper) SetWithCredentials(v bool) {
	_ = w.fwd.Set(PropWithCredentials, v)
}

func (w *Wrapper) ResponseType() string {
	v, _ := w.fwd.Get(PropResponseType)
	s, _ := v.(string)
	return s
}

func (w *Wrapper) SetResponseType(t string) {
	_ = w.fwd.Set(PropResponseType, t)
}

// On adapts a plain listener into a handler, which keeps wrappers chainable.
func (w *Wrapper) On(ev Event, l Listener) error {
	if l == nil {
		return w.SetHandler(ev, nil)
	}
	return w.SetHandler(ev, func(_ XHR, args ...any) { l(args...) })
}

// SetHandler never installs h on the transport directly: the transport gets
// a closure that runs the variant's delegate with a fresh EventContext.
func (w *Wrapper) SetHandler(ev Event, h Handler) error {
	if !IsEvent(ev) {
		return fmt.Errorf("%w: %s is not an event", ErrInvalidArgument, ev)
	}

	w.mu.Lock()
	w.handlers[ev] = h
	w.mu.Unlock()

	if h == nil {
		return w.fwd.Set(ev, nil)
	}

	d, ok := w.delegates[ev]
	if !ok || d == nil {
		d = applyRealHandler
	}
	ec := &EventContext{owner: w.owner, real: h}

	return w.fwd.Set(ev, Listener(func(args ...any) {
		d(ec, args...)
	}))
}

func (w *Wrapper) Handler(ev Event) Handler {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handlers[ev]
}

func toReadyState(v any) ReadyState {
	if rs, ok := v.(ReadyState); ok {
		return rs
	}
	return ReadyState(toInt(v))
}

// toInt normalises numbers coming from non-native strategies.
func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	case float64:
		return int(n)
	case ReadyState:
		return int(n)
	}
	return 0
}
