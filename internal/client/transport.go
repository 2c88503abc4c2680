package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"xhr-adaptor-go/internal/xhr"
)

// ErrInvalidState is returned when a transport method is called in a ready
// state that does not allow it.
var ErrInvalidState = errors.New("client: invalid state")

// Transport is an XHR-shaped request object backed by Client. Listeners run on
// the goroutine that advances the request: the caller's for synchronous sends,
// a dedicated goroutine for asynchronous ones.
type Transport struct {
	c *Client

	mu         sync.Mutex
	method     string
	url        string
	async      bool
	header     http.Header
	state      xhr.ReadyState
	status     int
	statusText string
	resHeader  http.Header
	body       []byte
	mime       string
	timeout    time.Duration
	creds      bool
	rtype      string
	sending    bool
	cancel     context.CancelFunc
	gen        uint64 // bumped by Open, Send and Abort; stale sends stop advancing
	listeners  map[xhr.Event]xhr.Listener
}

var (
	_ xhr.Transport     = (*Transport)(nil)
	_ xhr.MimeOverrider = (*Transport)(nil)
)

// NewTransport returns an unsent transport.
func (c *Client) NewTransport() *Transport {
	return &Transport{
		c:         c,
		header:    make(http.Header),
		listeners: make(map[xhr.Event]xhr.Listener),
	}
}

// Open resets the transport for a new request. An in-flight send is cancelled
// without firing events.
func (t *Transport) Open(method, rawURL string, async bool) error {
	if method == "" {
		return fmt.Errorf("%w: empty method", xhr.ErrInvalidArgument)
	}
	if _, err := url.Parse(rawURL); err != nil {
		return fmt.Errorf("%w: %w", xhr.ErrInvalidArgument, err)
	}

	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	t.method = strings.ToUpper(method)
	t.url = rawURL
	t.async = async
	t.header = make(http.Header)
	t.mime = ""
	t.sending = false
	t.resetResponseLocked()
	t.state = xhr.Opened
	t.mu.Unlock()

	t.fire(xhr.EventReadyStateChange)
	return nil
}

// Send starts the request opened by Open. A transport in the Done state may
// be sent again with the same method, URL and headers.
func (t *Transport) Send(body []byte) error {
	t.mu.Lock()
	switch {
	case t.sending:
		t.mu.Unlock()
		return fmt.Errorf("%w: send already in progress", ErrInvalidState)
	case t.state == xhr.Done:
		t.resetResponseLocked()
		t.state = xhr.Opened
	case t.state != xhr.Opened:
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: send in state %s", ErrInvalidState, state)
	}

	var rdr io.Reader
	if len(body) > 0 && t.method != http.MethodGet && t.method != http.MethodHead {
		rdr = bytes.NewReader(body)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), t.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	req, err := http.NewRequestWithContext(ctx, t.method, t.url, rdr)
	if err != nil {
		cancel()
		t.mu.Unlock()
		return fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = t.header.Clone()

	t.gen++
	gen := t.gen
	t.sending = true
	t.cancel = cancel
	async := t.async
	t.mu.Unlock()

	t.fire(xhr.EventLoadStart)
	if async {
		go t.run(req, gen, cancel)
		return nil
	}
	t.run(req, gen, cancel)
	return nil
}

func (t *Transport) run(req *http.Request, gen uint64, cancel context.CancelFunc) {
	defer cancel()

	resp, err := t.c.Do(req)
	if err != nil {
		t.fail(gen, req, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if !t.advance(gen, func() {
		t.status = resp.StatusCode
		t.statusText = statusText(resp)
		t.resHeader = resp.Header.Clone()
		t.state = xhr.HeadersReceived
	}) {
		return
	}
	t.fire(xhr.EventReadyStateChange)

	if !t.advance(gen, func() { t.state = xhr.Loading }) {
		return
	}
	t.fire(xhr.EventReadyStateChange)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.fail(gen, req, err)
		return
	}

	if !t.advance(gen, func() {
		t.body = data
		t.finishLocked()
	}) {
		return
	}
	t.fire(xhr.EventReadyStateChange)
	t.fire(xhr.EventLoad)
	t.fire(xhr.EventLoadEnd)
}

// fail completes the send with status 0 and fires onerror, or ontimeout when
// the deadline passed.
func (t *Transport) fail(gen uint64, req *http.Request, err error) {
	if !t.advance(gen, func() {
		t.resetResponseLocked()
		t.finishLocked()
	}) {
		return
	}

	ev := xhr.EventError
	if isTimeout(err) {
		ev = xhr.EventTimeout
	}
	t.c.logger.Warn("upstream request failed",
		"method", req.Method,
		"path", req.URL.Path,
		"event", string(ev),
		"err", err,
	)

	t.fire(xhr.EventReadyStateChange)
	t.fire(ev)
	t.fire(xhr.EventLoadEnd)
}

// advance runs fn under the lock unless the send identified by gen has been
// superseded by Open, Send or Abort.
func (t *Transport) advance(gen uint64, fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.gen != gen {
		return false
	}
	fn()
	return true
}

func (t *Transport) finishLocked() {
	t.state = xhr.Done
	t.sending = false
	t.cancel = nil
}

func (t *Transport) resetResponseLocked() {
	t.status = 0
	t.statusText = ""
	t.resHeader = nil
	t.body = nil
}

// Abort cancels an in-flight send, returns the transport to Unsent and fires
// onabort then onloadend. Aborting an idle transport fires nothing.
func (t *Transport) Abort() {
	t.mu.Lock()
	inFlight := t.sending
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.gen++
	t.sending = false
	t.resetResponseLocked()
	t.state = xhr.Unsent
	t.mu.Unlock()

	if inFlight {
		t.fire(xhr.EventAbort)
		t.fire(xhr.EventLoadEnd)
	}
}

func (t *Transport) SetRequestHeader(name, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != xhr.Opened || t.sending {
		return fmt.Errorf("%w: set header in state %s", ErrInvalidState, t.state)
	}
	t.header.Add(name, value)
	return nil
}

// OverrideMimeType replaces the Content-Type reported for the response.
func (t *Transport) OverrideMimeType(mime string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == xhr.Loading || t.state == xhr.Done {
		return fmt.Errorf("%w: override mime type in state %s", ErrInvalidState, t.state)
	}
	t.mime = mime
	return nil
}

func (t *Transport) GetResponseHeader(name string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state < xhr.HeadersReceived {
		return ""
	}
	if t.mime != "" && http.CanonicalHeaderKey(name) == "Content-Type" {
		return t.mime
	}
	return t.resHeader.Get(name)
}

func (t *Transport) GetAllResponseHeaders() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state < xhr.HeadersReceived {
		return ""
	}
	h := t.resHeader
	if t.mime != "" {
		h = h.Clone()
		h.Set("Content-Type", t.mime)
	}
	return xhr.FormatHeaders(h)
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
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusText
}

func (t *Transport) ResponseText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.body)
}

// Response returns a copy of the response body.
func (t *Transport) Response() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Clone(t.body)
}

func (t *Transport) Timeout() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

// SetTimeout bounds subsequent sends; zero means no per-request deadline
// beyond the client's own timeout.
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
	if !xhr.IsEvent(ev) {
		return fmt.Errorf("%w: %s is not an event", xhr.ErrUnsupportedMember, ev)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if l == nil {
		delete(t.listeners, ev)
		return nil
	}
	t.listeners[ev] = l
	return nil
}

func (t *Transport) fire(ev xhr.Event) {
	t.mu.Lock()
	l := t.listeners[ev]
	t.mu.Unlock()
	if l != nil {
		l()
	}
}

func statusText(resp *http.Response) string {
	if text := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); text != "" && text != resp.Status {
		return text
	}
	return http.StatusText(resp.StatusCode)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
