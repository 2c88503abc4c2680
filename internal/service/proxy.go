// Package service forwards inbound requests upstream through the transport
// chain built by the manager.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"xhr-adaptor-go/internal/config"
	"xhr-adaptor-go/internal/manager"
	"xhr-adaptor-go/internal/model"
	"xhr-adaptor-go/internal/xhr"
)

var (
	// ErrUpstreamFailed is returned when the transport reports onerror.
	ErrUpstreamFailed = errors.New("upstream request failed")
	// ErrUpstreamTimeout is returned when the transport reports ontimeout.
	ErrUpstreamTimeout = errors.New("upstream request timed out")
	// ErrUpstreamAborted is returned when the transport reports onabort.
	ErrUpstreamAborted = errors.New("upstream request aborted")
)

// forwardableRequestHeaders are the only request headers forwarded upstream.
var forwardableRequestHeaders = []string{
	"Accept",
	"Accept-Encoding",
	"Accept-Language",
	"Authorization",
	"Content-Type",
}

// forwardableResponseHeaders are the only response headers forwarded to the client.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":     true,
	"Content-Length":   true,
	"Content-Encoding": true,
	"Cache-Control":    true,
	"Date":             true,
	"Etag":             true,
	"Last-Modified":    true,
	"X-Request-Id":     true,
}

const userAgent = "xhr-adaptor-go/1.0"

// ProxyService replays inbound requests on transports from the manager, so
// every injected wrapper sees them.
type ProxyService struct {
	manager *manager.Manager
	logger  *slog.Logger
	baseURL *url.URL
	timeout time.Duration
}

// NewProxyService creates a ProxyService.
func NewProxyService(m *manager.Manager, cfg *config.Config, logger *slog.Logger) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not absolute", cfg.Upstream.BaseURL)
	}

	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	return &ProxyService{
		manager: m,
		logger:  logger.With("component", "proxy_service"),
		baseURL: u,
		timeout: timeout,
	}, nil
}

// Forward sends a ProxyRequest upstream and waits for the transport to reach
// DONE. The wait ends early when the request context is cancelled or the
// upstream timeout passes; the transport is aborted in that case.
//
// Some responses are never delivered, so Forward returns once the timeout
// passes: one withheld by a response handler (continued with relay=false),
// and one that completes while its pattern is blocked by another response
// when the queue drops late responses.
func (s *ProxyService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var body []byte
	if pr.Body != nil {
		b, err := io.ReadAll(pr.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	t, err := s.manager.New()
	if err != nil {
		return nil, fmt.Errorf("construct transport: %w", err)
	}

	ctx, cancel := context.WithTimeout(pr.Ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	finish := func(err error) {
		select {
		case done <- err:
		default:
		}
	}
	listeners := map[xhr.Event]xhr.Listener{
		xhr.EventReadyStateChange: func(...any) {
			// Status 0 at DONE is a failure; onerror or ontimeout follows.
			if t.ReadyState() == xhr.Done && t.Status() != 0 {
				finish(nil)
			}
		},
		xhr.EventError:   func(...any) { finish(ErrUpstreamFailed) },
		xhr.EventTimeout: func(...any) { finish(ErrUpstreamTimeout) },
		xhr.EventAbort:   func(...any) { finish(ErrUpstreamAborted) },
	}
	for ev, l := range listeners {
		if err := t.On(ev, l); err != nil {
			return nil, fmt.Errorf("install %s listener: %w", ev, err)
		}
	}

	upstreamURL := s.buildUpstreamURL(pr.Path, pr.Query)
	if err := t.Open(pr.Method, upstreamURL, true); err != nil {
		return nil, fmt.Errorf("open upstream request: %w", err)
	}
	for key, vals := range s.filterRequestHeaders(pr.Header, pr.RequestID) {
		for _, v := range vals {
			if err := t.SetRequestHeader(key, v); err != nil {
				return nil, fmt.Errorf("set header %s: %w", key, err)
			}
		}
	}
	t.SetTimeout(s.timeout)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
		"request_id", pr.RequestID,
	)

	if err := t.Send(body); err != nil {
		return nil, fmt.Errorf("send upstream request: %w", err)
	}

	select {
	case err := <-done:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		t.Abort()
		return nil, fmt.Errorf("wait for upstream: %w", ctx.Err())
	}

	return &model.ProxyResponse{
		StatusCode: t.Status(),
		StatusText: t.StatusText(),
		Header:     s.filterResponseHeaders(xhr.ParseHeaders(t.GetAllResponseHeaders())),
		Body:       io.NopCloser(bytes.NewReader(t.Response())),
	}, nil
}

func (s *ProxyService) buildUpstreamURL(path string, query url.Values) string {
	u := *s.baseURL
	u.Path = strings.TrimRight(s.baseURL.Path, "/") + path
	u.RawPath = ""
	u.RawQuery = query.Encode()
	return u.String()
}

func (s *ProxyService) filterRequestHeaders(src http.Header, requestID string) http.Header {
	dst := make(http.Header)
	for _, key := range forwardableRequestHeaders {
		if vals := src.Values(key); len(vals) > 0 {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	if requestID != "" {
		dst.Set("X-Request-Id", requestID)
	}
	dst.Set("User-Agent", userAgent)
	return dst
}

func (s *ProxyService) filterResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
