// Package xhr implements a forwarding proxy around an XMLHttpRequest-shaped
// transport. Every method, property and event slot of the transport is reached
// through a Forwarder, and every event handler assignment is routed through a
// per-variant delegate table before it reaches the transport.
package xhr

import (
	"errors"
	"time"
)

var (
	// ErrInvalidArgument is returned when a wrapper is constructed without a transport.
	ErrInvalidArgument = errors.New("xhr: invalid argument")

	// ErrNotImplemented is the panic value of the abstract forwarding primitives.
	ErrNotImplemented = errors.New("xhr: forwarding primitive not implemented")

	// ErrUnsupportedMember is returned when the transport does not expose the
	// requested method or property.
	ErrUnsupportedMember = errors.New("xhr: unsupported member")
)

// ReadyState is the numeric lifecycle state of a request.
type ReadyState int

const (
	Unsent ReadyState = iota
	Opened
	HeadersReceived
	Loading
	Done
)

func (s ReadyState) String() string {
	switch s {
	case Unsent:
		return "UNSENT"
	case Opened:
		return "OPENED"
	case HeadersReceived:
		return "HEADERS_RECEIVED"
	case Loading:
		return "LOADING"
	case Done:
		return "DONE"
	}
	return "UNKNOWN"
}

// Method names a forwardable operation.
type Method string

const (
	MethodAbort                 Method = "abort"
	MethodGetAllResponseHeaders Method = "getAllResponseHeaders"
	MethodGetResponseHeader     Method = "getResponseHeader"
	MethodOpen                  Method = "open"
	MethodOverrideMimeType      Method = "overrideMimeType"
	MethodSend                  Method = "send"
	MethodSendAsBinary          Method = "sendAsBinary"
	MethodSetRequestHeader      Method = "setRequestHeader"
)

// Methods lists every forwardable operation.
var Methods = []Method{
	MethodAbort,
	MethodGetAllResponseHeaders,
	MethodGetResponseHeader,
	MethodOpen,
	MethodOverrideMimeType,
	MethodSend,
	MethodSendAsBinary,
	MethodSetRequestHeader,
}

// Property names a forwardable property. Event slots are properties too.
type Property string

const (
	// read-write
	PropResponseType    Property = "responseType"
	PropTimeout         Property = "timeout"
	PropWithCredentials Property = "withCredentials"

	// read-only
	PropReadyState   Property = "readyState"
	PropResponse     Property = "response"
	PropResponseText Property = "responseText"
	PropStatus       Property = "status"
	PropStatusText   Property = "statusText"
)

// Event names an assignable notification slot.
type Event = Property

const (
	EventReadyStateChange Event = "onreadystatechange"
	EventTimeout          Event = "ontimeout"
	EventLoadStart        Event = "onloadstart"
	EventProgress         Event = "onprogress"
	EventAbort            Event = "onabort"
	EventError            Event = "onerror"
	EventLoad             Event = "onload"
	EventLoadEnd          Event = "onloadend"
)

// Events lists every event slot.
var Events = []Event{
	EventReadyStateChange,
	EventTimeout,
	EventLoadStart,
	EventProgress,
	EventAbort,
	EventError,
	EventLoad,
	EventLoadEnd,
}

// IsEvent reports whether p is an event slot.
func IsEvent(p Property) bool {
	for _, ev := range Events {
		if ev == p {
			return true
		}
	}
	return false
}

// Listener is what a transport invokes when an event fires.
type Listener func(args ...any)

// Transport is the request capability set being wrapped.
type Transport interface {
	Open(method, url string, async bool) error
	Send(body []byte) error
	Abort()

	SetRequestHeader(name, value string) error
	GetResponseHeader(name string) string
	GetAllResponseHeaders() string

	ReadyState() ReadyState
	Status() int
	StatusText() string
	ResponseText() string
	Response() []byte

	Timeout() time.Duration
	SetTimeout(d time.Duration)
	WithCredentials() bool
	SetWithCredentials(v bool)
	ResponseType() string
	SetResponseType(t string)

	// On installs l in the event slot ev, replacing any previous listener.
	// A nil listener clears the slot.
	On(ev Event, l Listener) error
}

// MimeOverrider is implemented by transports that support overrideMimeType.
type MimeOverrider interface {
	OverrideMimeType(mime string) error
}

// BinarySender is implemented by transports that support sendAsBinary.
type BinarySender interface {
	SendAsBinary(body []byte) error
}
