// Package xhrtest provides an in-memory transport for tests.
package xhrtest

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"xhr-adaptor-go/internal/xhr"
)

// ErrNotOpened is returned by Send before Open.
var ErrNotOpened = errors.New("xhrtest: send before open")

// Sent records one Send call.
type Sent struct {
	Method string
	URL    string
	Body   []byte
}

// Transport is a scriptable in-memory xhr.Transport. Sends are recorded and
// completed explicitly with Respond; listeners fire synchronously on the
// calling goroutine.
type Transport struct {
	mu sync.Mutex

	method  string
	url     string
	header  http.Header
	state   xhr.ReadyState
	status  int
	text    string
	resHdr  http.Header
	timeout time.Duration
	creds   bool
	rtype   string
	aborted bool

	sent      []Sent
	listeners map[xhr.Event]xhr.Listener

	// OnSend, when set, runs after a send is recorded, outside the lock.
	OnSend func(t *Transport, s Sent)
}

var _ xhr.Transport = (*Transport)(nil)

// New returns an unsent transport.
func New() *Transport {
	return &Transport{
		header:    make(http.Header),
		resHdr:    make(http.Header),
		listeners: make(map[xhr.Event]xhr.Listener),
	}
}

func (t *Transport) Open(method, url string, _ bool) error {
	t.mu.Lock()
	t.method, t.url = method, url
	t.state = xhr.Opened
	t.aborted = false
	t.mu.Unlock()
	t.fire(xhr.EventReadyStateChange)
	return nil
}

func (t *Transport) Send(body []byte) error {
	t.mu.Lock()
	if t.state == xhr.Unsent {
		t.mu.Unlock()
		return ErrNotOpened
	}
	s := Sent{Method: t.method, URL: t.url, Body: body}
	t.sent = append(t.sent, s)
	hook := t.OnSend
	t.mu.Unlock()

	t.fire(xhr.EventLoadStart)
	if hook != nil {
		hook(t, s)
	}
	return nil
}

func (t *Transport) Abort() {
	t.mu.Lock()
	t.aborted = true
	t.state = xhr.Unsent
	t.mu.Unlock()
	t.fire(xhr.EventAbort)
}

// Respond walks the transport through HeadersReceived, Loading and Done,
// firing readystatechange at each step, then load and loadend. args are
// passed with the final readystatechange.
func (t *Transport) Respond(status int, text string, args ...any) {
	t.mu.Lock()
	t.status = status
	t.state = xhr.HeadersReceived
	t.mu.Unlock()
	t.fire(xhr.EventReadyStateChange)

	t.mu.Lock()
	t.state = xhr.Loading
	t.mu.Unlock()
	t.fire(xhr.EventReadyStateChange)

	t.mu.Lock()
	t.text = text
	t.state = xhr.Done
	t.mu.Unlock()
	t.fire(xhr.EventReadyStateChange, args...)
	t.fire(xhr.EventLoad)
	t.fire(xhr.EventLoadEnd)
}

// Fail completes the request with status 0 and fires ev (onerror or ontimeout).
func (t *Transport) Fail(ev xhr.Event) {
	t.mu.Lock()
	t.status = 0
	t.state = xhr.Done
	t.mu.Unlock()
	t.fire(xhr.EventReadyStateChange)
	t.fire(ev)
	t.fire(xhr.EventLoadEnd)
}

// Fire invokes the listener in slot ev with args.
func (t *Transport) Fire(ev xhr.Event, args ...any) {
	t.fire(ev, args...)
}

func (t *Transport) fire(ev xhr.Event, args ...any) {
	t.mu.Lock()
	l := t.listeners[ev]
	t.mu.Unlock()
	if l != nil {
		l(args...)
	}
}

// Sent returns the recorded sends.
func (t *Transport) Sent() []Sent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Sent(nil), t.sent...)
}

// Listener returns the raw listener installed in slot ev.
func (t *Transport) Listener(ev xhr.Event) xhr.Listener {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.listeners[ev]
}

// Aborted reports whether Abort was called since the last Open.
func (t *Transport) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// SetResponseHeader sets a header returned by the response accessors.
func (t *Transport) SetResponseHeader(name, value string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resHdr.Set(name, value)
}

// RequestHeader returns a header set with SetRequestHeader.
func (t *Transport) RequestHeader(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.header.Get(name)
}

func (t *Transport) SetRequestHeader(name, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != xhr.Opened {
		return fmt.Errorf("xhrtest: set header in state %s", t.state)
	}
	t.header.Add(name, value)
	return nil
}

func (t *Transport) GetResponseHeader(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resHdr.Get(name)
}

func (t *Transport) GetAllResponseHeaders() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return xhr.FormatHeaders(t.resHdr)
}

func (t *Transport) ReadyState() xhr.ReadyState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Status() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transport) StatusText() string {
	return http.StatusText(t.Status())
}

func (t *Transport) ResponseText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.text
}

func (t *Transport) Response() []byte {
	return []byte(t.ResponseText())
}

func (t *Transport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *Transport) SetTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timeout = d
}

func (t *Transport) WithCredentials() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creds
}

func (t *Transport) SetWithCredentials(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.creds = v
}

func (t *Transport) ResponseType() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rtype
}

func (t *Transport) SetResponseType(v string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rtype = v
}

func (t *Transport) On(ev xhr.Event, l xhr.Listener) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l == nil {
		delete(t.listeners, ev)
		return nil
	}
	t.listeners[ev] = l
	return nil
}
