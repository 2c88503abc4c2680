package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"xhr-adaptor-go/internal/config"
	"xhr-adaptor-go/internal/manager"
	"xhr-adaptor-go/internal/queue"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	queue   *queue.Queue
	manager *manager.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, q *queue.Queue, m *manager.Manager) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, queue: q, manager: m}
}

type statusResponse struct {
	Status      string        `json:"status"`
	Version     string        `json:"version"`
	UpstreamURL string        `json:"upstream_url"`
	Transports  []string      `json:"transports"`
	Wrappers    int           `json:"wrappers"`
	Queue       *queue.Status `json:"queue,omitempty"`
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the upstream, the transport chain and a snapshot of the
// request queue.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.cfg.Upstream.BaseURL,
		Transports:  h.cfg.Upstream.Transports,
	}
	if h.manager != nil {
		resp.Wrappers = h.manager.Depth()
	}
	if h.queue != nil {
		s := h.queue.Snapshot()
		resp.Queue = &s
	}
	return c.JSON(http.StatusOK, resp)
}
