package xhr

import (
	"fmt"
	"log/slog"
	"time"
)

// Forwarder performs the three forwarding primitives against one transport.
//
// Implementations must agree on the contract: for the same transport state the
// same inputs give the same result and the same error.
type Forwarder interface {
	Get(p Property) (any, error)
	Set(p Property, v any) error
	Invoke(m Method, args ...any) (any, error)
}

// Unimplemented is the abstract forwarding strategy. Concrete strategies embed
// it and override all three primitives; any primitive left in place panics
// the first time it is reached.
type Unimplemented struct{}

func (Unimplemented) Get(p Property) (any, error) {
	panic(fmt.Errorf("%w: Get(%s)", ErrNotImplemented, p))
}

func (Unimplemented) Set(p Property, _ any) error {
	panic(fmt.Errorf("%w: Set(%s)", ErrNotImplemented, p))
}

func (Unimplemented) Invoke(m Method, _ ...any) (any, error) {
	panic(fmt.Errorf("%w: Invoke(%s)", ErrNotImplemented, m))
}

// Native forwards by direct interface dispatch on a Go transport.
type Native struct {
	Unimplemented
	t Transport
}

var _ Forwarder = (*Native)(nil)

// NewNative returns a Forwarder for t.
func NewNative(t Transport) *Native {
	return &Native{t: t}
}

// Transport returns the forwarded transport.
func (n *Native) Transport() Transport { return n.t }

// Get reads property p.
func (n *Native) Get(p Property) (any, error) {
	switch p {
	case PropReadyState:
		return n.t.ReadyState(), nil
	case PropResponse:
		return n.t.Response(), nil
	case PropResponseText:
		return n.t.ResponseText(), nil
	case PropStatus:
		return n.t.Status(), nil
	case PropStatusText:
		return n.t.StatusText(), nil
	case PropTimeout:
		return n.t.Timeout(), nil
	case PropWithCredentials:
		return n.t.WithCredentials(), nil
	case PropResponseType:
		return n.t.ResponseType(), nil
	}
	return nil, fmt.Errorf("%w: property %s", ErrUnsupportedMember, p)
}

// Set writes property p. Event slots accept a Listener or nil.
func (n *Native) Set(p Property, v any) error {
	if IsEvent(p) {
		l, err := asListener(p, v)
		if err != nil {
			return err
		}
		return n.t.On(p, l)
	}

	switch p {
	case PropTimeout:
		d, ok := v.(time.Duration)
		if !ok {
			return fmt.Errorf("%w: %s wants time.Duration, got %T", ErrInvalidArgument, p, v)
		}
		n.t.SetTimeout(d)
		return nil
	case PropWithCredentials:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants bool, got %T", ErrInvalidArgument, p, v)
		}
		n.t.SetWithCredentials(b)
		return nil
	case PropResponseType:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("%w: %s wants string, got %T", ErrInvalidArgument, p, v)
		}
		n.t.SetResponseType(s)
		return nil
	}
	return fmt.Errorf("%w: property %s is not writable", ErrUnsupportedMember, p)
}

// Invoke calls method m with positional args and returns its result.
func (n *Native) Invoke(m Method, args ...any) (any, error) {
	a := argList{method: m, args: args}

	switch m {
	case MethodOpen:
		method, url, async := a.string(0), a.string(1), a.boolOr(2, true)
		if a.err != nil {
			return nil, a.err
		}
		return nil, n.t.Open(method, url, async)
	case MethodSend:
		body := a.bytes(0)
		if a.err != nil {
			return nil, a.err
		}
		return nil, n.t.Send(body)
	case MethodAbort:
		n.t.Abort()
		return nil, nil
	case MethodSetRequestHeader:
		name, value := a.string(0), a.string(1)
		if a.err != nil {
			return nil, a.err
		}
		return nil, n.t.SetRequestHeader(name, value)
	case MethodGetResponseHeader:
		name := a.string(0)
		if a.err != nil {
			return nil, a.err
		}
		return n.t.GetResponseHeader(name), nil
	case MethodGetAllResponseHeaders:
		return n.t.GetAllResponseHeaders(), nil
	case MethodOverrideMimeType:
		mo, ok := n.t.(MimeOverrider)
		if !ok {
			return nil, fmt.Errorf("%w: method %s", ErrUnsupportedMember, m)
		}
		mime := a.string(0)
		if a.err != nil {
			return nil, a.err
		}
		return nil, mo.OverrideMimeType(mime)
	case MethodSendAsBinary:
		bs, ok := n.t.(BinarySender)
		if !ok {
			return nil, fmt.Errorf("%w: method %s", ErrUnsupportedMember, m)
		}
		body := a.bytes(0)
		if a.err != nil {
			return nil, a.err
		}
		return nil, bs.SendAsBinary(body)
	}
	return nil, fmt.Errorf("%w: method %s", ErrUnsupportedMember, m)
}

func asListener(p Property, v any) (Listener, error) {
	switch l := v.(type) {
	case nil:
		return nil, nil
	case Listener:
		return l, nil
	case func(args ...any):
		return l, nil
	}
	return nil, fmt.Errorf("%w: %s wants Listener, got %T", ErrInvalidArgument, p, v)
}

// argList decodes positional arguments, remembering the first failure.
type argList struct {
	method Method
	args   []any
	err    error
}

func (a *argList) fail(i int, want string) {
	if a.err == nil {
		a.err = fmt.Errorf("%w: %s argument %d wants %s", ErrInvalidArgument, a.method, i, want)
	}
}

func (a *argList) string(i int) string {
	if i >= len(a.args) {
		a.fail(i, "string")
		return ""
	}
	s, ok := a.args[i].(string)
	if !ok {
		a.fail(i, "string")
	}
	return s
}

func (a *argList) boolOr(i int, def bool) bool {
	if i >= len(a.args) || a.args[i] == nil {
		return def
	}
	b, ok := a.args[i].(bool)
	if !ok {
		a.fail(i, "bool")
	}
	return b
}

// bytes accepts nil, []byte or string; a missing argument is an empty body.
func (a *argList) bytes(i int) []byte {
	if i >= len(a.args) {
		return nil
	}
	switch v := a.args[i].(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	a.fail(i, "[]byte")
	return nil
}

// Debug decorates a Forwarder with debug records before and after every
// primitive. Results and errors pass through untouched.
type Debug struct {
	next   Forwarder
	logger *slog.Logger
}

var _ Forwarder = (*Debug)(nil)

// NewDebug wraps next.
func NewDebug(next Forwarder, logger *slog.Logger) *Debug {
	return &Debug{next: next, logger: logger.With("component", "xhr_forwarder")}
}

func (d *Debug) Get(p Property) (any, error) {
	d.logger.Debug("get", "property", p)
	v, err := d.next.Get(p)
	d.logger.Debug("got", "property", p, "value", v, "err", err)
	return v, err
}

func (d *Debug) Set(p Property, v any) error {
	if IsEvent(p) {
		d.logger.Debug("set event", "event", p, "listener", v != nil)
	} else {
		d.logger.Debug("set", "property", p, "value", v)
	}
	err := d.next.Set(p, v)
	d.logger.Debug("set done", "property", p, "err", err)
	return err
}

func (d *Debug) Invoke(m Method, args ...any) (any, error) {
	d.logger.Debug("invoke", "method", m, "args", len(args))
	v, err := d.next.Invoke(m, args...)
	d.logger.Debug("invoked", "method", m, "result", v, "err", err)
	return v, err
}
