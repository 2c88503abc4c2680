// Package handler exposes the proxy over HTTP.
package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/labstack/echo/v4"

	"xhr-adaptor-go/internal/manager"
	"xhr-adaptor-go/internal/model"
	"xhr-adaptor-go/internal/service"
)

// secretParamPattern matches credential-like query parameters in URLs embedded in error messages.
var secretParamPattern = regexp.MustCompile(`(?i)((?:api_?key|token|password|secret)=)[^&\s"]+`)

// ProxyHandler forwards inbound requests through the transport chain.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle forwards the request and writes the transport's completed response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:       req.Context(),
		RequestID: c.Response().Header().Get(echo.HeaderXRequestID),
		Method:    req.Method,
		Path:      req.URL.Path,
		Query:     req.URL.Query(),
		Header:    req.Header,
		Body:      req.Body,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	switch {
	case errors.Is(err, manager.ErrUnsupportedEnvironment):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "no upstream transport available",
		})
	case errors.Is(err, service.ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	case errors.Is(err, context.Canceled):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	case errors.Is(err, service.ErrUpstreamAborted):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream request aborted",
		})
	case errors.Is(err, service.ErrUpstreamFailed):
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts credentials from error messages that may contain upstream URLs.
func sanitizeError(err error) string {
	return secretParamPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]")
}
