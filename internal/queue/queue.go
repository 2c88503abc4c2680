// Package queue implements the blocking request queue: responses whose URL
// matches a registered pattern are routed to a handler, and further sends
// against any blocked pattern are held in one shared FIFO until the handler
// calls its continuation.
package queue

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sync"

	"xhr-adaptor-go/internal/metrics"
)

var (
	// ErrDuplicateRegistration is returned when a pattern is registered twice.
	// The original handler stays active.
	ErrDuplicateRegistration = errors.New("queue: pattern already registered")

	// ErrInvalidPattern is returned when a pattern is not a valid regular expression.
	ErrInvalidPattern = errors.New("queue: invalid pattern")
)

// LatePolicy decides what happens to a response that completes for a pattern
// that is already blocked.
type LatePolicy string

const (
	// LateDrop logs a warning and drops the notification.
	LateDrop LatePolicy = "drop"
	// LateResend queues a fresh send of the same request behind the block.
	LateResend LatePolicy = "resend"
)

// ParseLatePolicy maps a config value to a LatePolicy. Empty means LateDrop.
func ParseLatePolicy(s string) (LatePolicy, error) {
	switch LatePolicy(s) {
	case "", LateDrop:
		return LateDrop, nil
	case LateResend:
		return LateResend, nil
	}
	return "", fmt.Errorf("queue: unknown late response policy %q", s)
}

// Continue releases the block taken for one response. With relay true the
// caller's readystatechange handler receives the original event first; with
// relay false it never sees this response. Only the first call has effect.
//
// Holding and suppression apply to onreadystatechange alone. onload,
// onloadend and the other events reach the caller as soon as the transport
// fires them, whether or not the pattern is blocked.
type Continue func(relay bool)

// ResponseHandler is invoked once per intercepted response. It must call
// cont eventually, on any goroutine, or every matching send stays queued.
type ResponseHandler func(cont Continue, r *Request)

// entry is one registered interception rule.
type entry struct {
	pattern string
	re      *regexp.Regexp
	handler ResponseHandler
	blocked bool
}

// Queue owns the pattern registry and the shared deferred-send FIFO. One
// Queue is shared by every Request created from it.
type Queue struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	late    LatePolicy

	mu       sync.Mutex
	entries  []*entry // registration order
	pending  []deferred
	draining bool
}

type deferred struct {
	pattern string
	run     func()
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithMetrics enables queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithLatePolicy sets the late response policy. The default is LateDrop.
func WithLatePolicy(p LatePolicy) Option {
	return func(q *Queue) { q.late = p }
}

// New returns an empty Queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		late:   LateDrop,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "request_queue")
	return q
}

// RegisterResponseHandler adds a rule. Patterns are matched against the URL
// given to Open, in registration order; the first match wins. A duplicate
// pattern is rejected and logged; the existing handler is kept.
func (q *Queue) RegisterResponseHandler(pattern string, h ResponseHandler) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidPattern, pattern, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.pattern == pattern {
			q.logger.Error("response handler already registered", "pattern", pattern)
			return fmt.Errorf("%w: %q", ErrDuplicateRegistration, pattern)
		}
	}
	q.entries = append(q.entries, &entry{pattern: pattern, re: re, handler: h})
	q.logger.Debug("response handler registered", "pattern", pattern)
	return nil
}

// UnregisterResponseHandler removes the rule for pattern. Sends already held
// for it stay queued until some other continuation drains the queue.
func (q *Queue) UnregisterResponseHandler(pattern string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.pattern == pattern {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			if e.blocked {
				q.logger.Warn("unregistered a blocked pattern; its queued sends stay queued",
					"pattern", pattern,
					"pending", len(q.pending),
				)
				q.setBlockedGauge(pattern, false)
			}
			return
		}
	}
}

// ClearResponseHandlers removes every rule. Queued sends are kept.
func (q *Queue) ClearResponseHandlers() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, e := range q.entries {
		if e.blocked {
			q.setBlockedGauge(e.pattern, false)
		}
	}
	q.entries = nil
}

// EntryStatus describes one registered rule.
type EntryStatus struct {
	Pattern string `json:"pattern"`
	Blocked bool   `json:"blocked"`
}

// Status is a point-in-time view of the queue.
type Status struct {
	Entries []EntryStatus `json:"entries"`
	Pending int           `json:"pending"`
}

// Snapshot returns the registered rules in registration order and the number
// of queued sends.
func (q *Queue) Snapshot() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Status{Entries: make([]EntryStatus, 0, len(q.entries)), Pending: len(q.pending)}
	for _, e := range q.entries {
		s.Entries = append(s.Entries, EntryStatus{Pattern: e.pattern, Blocked: e.blocked})
	}
	return s
}

// Pending returns the number of queued sends.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// matchLocked returns the first entry whose pattern matches url.
func (q *Queue) matchLocked(url string) *entry {
	for _, e := range q.entries {
		if e.re.MatchString(url) {
			return e
		}
	}
	return nil
}

// hold queues run when the first entry matching url is blocked, or when a
// drain is in progress and url matches any entry, so a send cannot overtake
// sends queued before it. It reports whether run was queued.
func (q *Queue) hold(url string, run func()) bool {
	q.mu.Lock()
	e := q.matchLocked(url)
	if e == nil || !(e.blocked || q.draining) {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, deferred{pattern: e.pattern, run: run})
	depth := len(q.pending)
	q.mu.Unlock()

	q.logger.Debug("send deferred", "pattern", e.pattern, "url", url, "pending", depth)
	if q.metrics != nil {
		q.metrics.QueueDeferred.WithLabelValues(e.pattern).Inc()
		q.metrics.QueueDepth.Set(float64(depth))
	}
	return true
}

// enqueue appends run unconditionally.
func (q *Queue) enqueue(pattern string, run func()) {
	q.mu.Lock()
	q.pending = append(q.pending, deferred{pattern: pattern, run: run})
	depth := len(q.pending)
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.QueueDepth.Set(float64(depth))
	}
}

// release clears the block on e and drains the queue. A release that happens
// while another drain is running leaves the draining to it.
func (q *Queue) release(e *entry) {
	q.mu.Lock()
	e.blocked = false
	q.setBlockedGauge(e.pattern, false)
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()
}

// drain runs every queued send in enqueue order until the queue is empty.
// Sends queued while draining are run by the same loop.
func (q *Queue) drain() {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.draining = false
			q.mu.Unlock()
			break
		}
		d := q.pending[0]
		q.pending[0] = deferred{}
		q.pending = q.pending[1:]
		q.mu.Unlock()

		d.run()
		n++
	}

	if n > 0 {
		q.logger.Debug("queue drained", "sends", n)
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.Set(0)
		q.metrics.QueueReplayed.Add(float64(n))
	}
}

// activate moves e to blocked. It reports false if e was already blocked.
func (q *Queue) activate(e *entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if e.blocked {
		return false
	}
	e.blocked = true
	q.setBlockedGauge(e.pattern, true)
	return true
}

// match returns the first matching entry for url.
func (q *Queue) match(url string) *entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.matchLocked(url)
}

func (q *Queue) setBlockedGauge(pattern string, blocked bool) {
	if q.metrics == nil {
		return
	}
	v := 0.0
	if blocked {
		v = 1
	}
	q.metrics.QueueBlocked.WithLabelValues(pattern).Set(v)
}
