package handler

import (
	"io"
	"log/slog"
	"testing"

	"xhr-adaptor-go/internal/client"
	"xhr-adaptor-go/internal/config"
	"xhr-adaptor-go/internal/manager"
	"xhr-adaptor-go/internal/queue"
	"xhr-adaptor-go/internal/service"
	"xhr-adaptor-go/internal/xhr"
)

// stack is a fully wired proxy over the HTTP transport with the queue injected.
type stack struct {
	cfg     *config.Config
	manager *manager.Manager
	queue   *queue.Queue
	svc     *service.ProxyService
	logger  *slog.Logger
}

func newStack(t *testing.T, upstreamURL string) *stack {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         upstreamURL,
			Transports:      []string{config.TransportHTTP},
			TimeoutSeconds:  10,
			IdleConnections: 10,
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	c := client.NewClient(cfg, logger, nil)
	m := manager.New(logger)
	m.Register(config.TransportHTTP, func() (xhr.Transport, error) { return c.NewTransport(), nil })

	q := queue.New(queue.WithLogger(logger))
	if err := m.InjectWrapper(q.Wrap); err != nil {
		t.Fatalf("InjectWrapper() error = %v", err)
	}

	svc, err := service.NewProxyService(m, cfg, logger)
	if err != nil {
		t.Fatalf("NewProxyService() error = %v", err)
	}
	return &stack{cfg: cfg, manager: m, queue: q, svc: svc, logger: logger}
}
