// Package rules turns configured [[rules]] entries into queue response handlers.
package rules

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"xhr-adaptor-go/internal/client"
	"xhr-adaptor-go/internal/config"
	"xhr-adaptor-go/internal/queue"
)

// Doer performs an out-of-band HTTP call; *client.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Register installs one response handler per configured rule, in file order.
func Register(q *queue.Queue, cfg *config.Config, c *client.Client, logger *slog.Logger) error {
	logger = logger.With("component", "rules")
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second

	for i, rc := range cfg.Rules {
		h, err := Handler(rc, c, timeout, logger)
		if err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if err := q.RegisterResponseHandler(rc.Pattern, h); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		logger.Info("rule registered", "pattern", rc.Pattern, "action", rc.Action)
	}
	return nil
}

// Handler builds the response handler for a single rule. timeout bounds the
// auth call of an auth rule.
func Handler(rc config.RuleConfig, c Doer, timeout time.Duration, logger *slog.Logger) (queue.ResponseHandler, error) {
	switch rc.Action {
	case config.ActionLog:
		return logHandler(rc, logger), nil
	case config.ActionDelay:
		if rc.DelayMS <= 0 {
			return nil, fmt.Errorf("delay rule %q: delay_ms must be > 0", rc.Pattern)
		}
		return delayHandler(time.Duration(rc.DelayMS)*time.Millisecond), nil
	case config.ActionAuth:
		if c == nil || rc.AuthURL == "" {
			return nil, fmt.Errorf("auth rule %q: needs a client and auth_url", rc.Pattern)
		}
		return authHandler(rc, c, timeout, logger), nil
	}
	return nil, fmt.Errorf("unknown rule action %q", rc.Action)
}

func logHandler(rc config.RuleConfig, logger *slog.Logger) queue.ResponseHandler {
	return func(cont queue.Continue, r *queue.Request) {
		logger.Info("response intercepted",
			"pattern", rc.Pattern,
			"request_id", r.ID(),
			"method", r.Method(),
			"url", r.URL(),
			"status", r.Status(),
		)
		cont(true)
	}
}

func delayHandler(d time.Duration) queue.ResponseHandler {
	return func(cont queue.Continue, _ *queue.Request) {
		time.AfterFunc(d, func() { cont(true) })
	}
}

// authHandler calls auth_url when the response status is one of the rule's
// statuses. Matching sends stay queued until the call returns; the original
// response is relayed either way.
func authHandler(rc config.RuleConfig, c Doer, timeout time.Duration, logger *slog.Logger) queue.ResponseHandler {
	statuses := rc.Statuses
	if len(statuses) == 0 {
		statuses = []int{http.StatusUnauthorized}
	}

	return func(cont queue.Continue, r *queue.Request) {
		status := r.Status()
		if !slices.Contains(statuses, status) {
			cont(true)
			return
		}

		id := r.ID()
		go func() {
			defer cont(true)

			ctx := context.Background()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if err := authenticate(ctx, c, rc.AuthURL); err != nil {
				logger.Warn("auth call failed", "pattern", rc.Pattern, "request_id", id, "status", status, "err", err)
				return
			}
			logger.Info("auth call succeeded", "pattern", rc.Pattern, "request_id", id, "status", status)
		}()
	}
}

func authenticate(ctx context.Context, c Doer, authURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("build auth request: %w", err)
	}
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("auth endpoint returned %d", resp.StatusCode)
	}
	return nil
}
