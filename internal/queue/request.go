package queue

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"xhr-adaptor-go/internal/xhr"
)

// Request is a wrapper variant that takes part in the queue. It records the
// URL given to Open, holds sends against blocked patterns, and routes
// completed responses through matching response handlers.
type Request struct {
	*xhr.Wrapper

	q  *Queue
	id string

	mu     sync.Mutex
	method string
	url    string
	body   []byte
}

var _ xhr.XHR = (*Request)(nil)

// NewRequest wraps fwd.
func (q *Queue) NewRequest(fwd xhr.Forwarder) (*Request, error) {
	r := &Request{q: q, id: uuid.NewString()}
	w, err := xhr.New(fwd,
		xhr.WithOwner(r),
		xhr.WithDelegates(xhr.Delegates{
			xhr.EventReadyStateChange: r.onReadyStateChange,
		}),
	)
	if err != nil {
		return nil, err
	}
	r.Wrapper = w
	return r, nil
}

// Wrap wraps a transport with native forwarding. Its signature fits
// manager.WrapperFunc.
func (q *Queue) Wrap(t xhr.Transport) (xhr.Transport, error) {
	if t == nil {
		return nil, xhr.ErrInvalidArgument
	}
	r, err := q.NewRequest(xhr.NewNative(t))
	if err != nil {
		return nil, err
	}
	return r, nil
}

// ID returns a unique id for log correlation.
func (r *Request) ID() string { return r.id }

// URL returns the URL recorded by Open.
func (r *Request) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// Method returns the method recorded by Open.
func (r *Request) Method() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.method
}

// Open records method and url as the matching key, then opens the transport.
func (r *Request) Open(method, url string, async bool) error {
	r.mu.Lock()
	r.method, r.url = method, url
	r.mu.Unlock()
	return r.Wrapper.Open(method, url, async)
}

// Send forwards immediately unless the first pattern matching the recorded
// URL is blocked, in which case the send is queued and Send returns nil.
// Errors from a queued send are logged when it finally runs.
func (r *Request) Send(body []byte) error {
	r.mu.Lock()
	r.body = body
	url := r.url
	r.mu.Unlock()

	if r.q.hold(url, r.sendDeferred(body)) {
		return nil
	}
	return r.Wrapper.Send(body)
}

// sendDeferred is the queued form of Send; it runs from a drain.
func (r *Request) sendDeferred(body []byte) func() {
	return func() {
		if err := r.Wrapper.Send(body); err != nil {
			r.q.logger.Error("deferred send failed", "request_id", r.id, "url", r.URL(), "err", err)
		}
	}
}

func (r *Request) onReadyStateChange(ec *xhr.EventContext, args ...any) {
	// Earlier states always pass through: some transports stop notifying if
	// intermediate states are swallowed.
	if r.ReadyState() != xhr.Done {
		ec.Apply(args)
		return
	}
	r.processResponse(ec, args)
}

func (r *Request) processResponse(ec *xhr.EventContext, args []any) {
	q := r.q
	url := r.URL()

	e := q.match(url)
	if e == nil {
		ec.Apply(args)
		return
	}

	if !q.activate(e) {
		r.lateResponse(e)
		return
	}

	q.logger.Debug("response intercepted", "pattern", e.pattern, "url", url, "request_id", r.id, "status", r.Status())
	if q.metrics != nil {
		q.metrics.HandlerActivations.WithLabelValues(e.pattern).Inc()
	}

	var done atomic.Bool
	cont := func(relay bool) {
		if !done.CompareAndSwap(false, true) {
			return
		}
		if relay {
			ec.Apply(args)
		}
		q.release(e)
	}
	e.handler(cont, r)
}

func (r *Request) lateResponse(e *entry) {
	q := r.q
	if q.metrics != nil {
		q.metrics.LateResponses.WithLabelValues(e.pattern, string(q.late)).Inc()
	}

	switch q.late {
	case LateResend:
		r.mu.Lock()
		body := r.body
		r.mu.Unlock()
		q.logger.Warn("response for blocked pattern; resending after release",
			"pattern", e.pattern, "url", r.URL(), "request_id", r.id)
		q.enqueue(e.pattern, r.sendDeferred(body))
	default:
		q.logger.Warn("response for blocked pattern dropped",
			"pattern", e.pattern, "url", r.URL(), "request_id", r.id)
	}
}
