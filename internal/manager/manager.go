// Package manager chooses how request transports are constructed and lets
// wrapper variants be injected in front of every new transport.
package manager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"xhr-adaptor-go/internal/xhr"
)

// ErrUnsupportedEnvironment is returned when no candidate can construct a transport.
var ErrUnsupportedEnvironment = errors.New("manager: no usable transport constructor")

// Constructor creates a new transport.
type Constructor func() (xhr.Transport, error)

// WrapperFunc wraps a freshly constructed transport, e.g. queue.Queue.Wrap.
type WrapperFunc func(xhr.Transport) (xhr.Transport, error)

type candidate struct {
	name string
	ctor Constructor
}

// Manager is safe for concurrent use.
type Manager struct {
	logger *slog.Logger

	mu         sync.RWMutex
	candidates []candidate
	current    Constructor // nil until the first injection
	injected   int
}

// New returns a Manager with no candidates.
func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Manager{logger: logger.With("component", "transport_manager")}
}

// Register appends a named constructor to the fallback list. Candidates are
// tried in registration order.
func (m *Manager) Register(name string, ctor Constructor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candidates = append(m.candidates, candidate{name: name, ctor: ctor})
}

// TransportConstructor returns the constructor new transports should come
// from: the injected chain if there is one, otherwise the candidate fallback.
func (m *Manager) TransportConstructor() (Constructor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current != nil {
		return m.current, nil
	}
	return m.baseLocked()
}

func (m *Manager) baseLocked() (Constructor, error) {
	if len(m.candidates) == 0 {
		return nil, ErrUnsupportedEnvironment
	}
	cands := append([]candidate(nil), m.candidates...)

	return func() (xhr.Transport, error) {
		var errs []error
		for _, c := range cands {
			t, err := c.ctor()
			if err == nil && t != nil {
				return t, nil
			}
			if err == nil {
				err = errors.New("constructor returned no transport")
			}
			m.logger.Debug("transport candidate unavailable", "candidate", c.name, "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedEnvironment, errors.Join(errs...))
	}, nil
}

// InjectWrapper makes every subsequent transport the result of wrap applied
// to a transport from the previous constructor. Calls chain: the last
// injected wrapper is outermost.
func (m *Manager) InjectWrapper(wrap WrapperFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.current
	if prev == nil {
		base, err := m.baseLocked()
		if err != nil {
			return err
		}
		prev = base
	}

	m.current = func() (xhr.Transport, error) {
		t, err := prev()
		if err != nil {
			return nil, err
		}
		return wrap(t)
	}
	m.injected++
	m.logger.Debug("wrapper injected", "depth", m.injected)
	return nil
}

// Reset drops every injected wrapper so transports come straight from the
// candidates again.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.injected > 0 {
		m.logger.Debug("wrappers reset", "depth", m.injected)
	}
	m.current = nil
	m.injected = 0
}

// Depth returns the number of injected wrappers.
func (m *Manager) Depth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.injected
}

// New constructs a transport with the current constructor.
func (m *Manager) New() (xhr.Transport, error) {
	ctor, err := m.TransportConstructor()
	if err != nil {
		return nil, err
	}
	return ctor()
}
