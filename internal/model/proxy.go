// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
	"net/url"
)

// ProxyRequest is an inbound request to be replayed upstream through a transport.
type ProxyRequest struct {
	Ctx       context.Context
	RequestID string
	Method    string
	Path      string
	Query     url.Values
	Header    http.Header
	Body      io.ReadCloser
}

// ProxyResponse is what the transport reported once it reached DONE.
type ProxyResponse struct {
	StatusCode int
	StatusText string
	Header     http.Header
	Body       io.ReadCloser
}
