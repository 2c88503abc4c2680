package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"xhr-adaptor-go/internal/client"
	"xhr-adaptor-go/internal/config"
	"xhr-adaptor-go/internal/handler"
	"xhr-adaptor-go/internal/manager"
	"xhr-adaptor-go/internal/metrics"
	"xhr-adaptor-go/internal/middleware"
	"xhr-adaptor-go/internal/queue"
	"xhr-adaptor-go/internal/rules"
	"xhr-adaptor-go/internal/script"
	"xhr-adaptor-go/internal/service"
	"xhr-adaptor-go/internal/xhr"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("xhr-adaptor"),
		kong.Description("Reverse proxy that routes upstream calls through interceptable XHR transports."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			client.NewClient,
			newManager,
			newQueue,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			rules.Register,
			injectQueue,
			handler.RegisterRoutes,
			warnConfigPermissions,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newManager registers one candidate per configured transport, in order.
func newManager(cfg *config.Config, c *client.Client, logger *slog.Logger) (*manager.Manager, error) {
	m := manager.New(logger)

	trace := func(fwd xhr.Forwarder) xhr.Forwarder {
		if cfg.Log.TraceForwarding {
			return xhr.NewDebug(fwd, logger)
		}
		return fwd
	}

	for _, name := range cfg.Upstream.Transports {
		switch name {
		case config.TransportHTTP:
			m.Register(name, func() (xhr.Transport, error) {
				t := c.NewTransport()
				if !cfg.Log.TraceForwarding {
					return t, nil
				}
				return xhr.New(trace(xhr.NewNative(t)))
			})
		case config.TransportScript:
			rt, err := script.Load(cfg.Script.Path)
			if err != nil {
				return nil, err
			}
			logger.Info("script transport loaded", "path", rt.Name())
			m.Register(name, func() (xhr.Transport, error) {
				fwd, err := rt.NewForwarder()
				if err != nil {
					return nil, err
				}
				return xhr.New(trace(fwd))
			})
		}
	}
	return m, nil
}

func newQueue(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*queue.Queue, error) {
	late, err := queue.ParseLatePolicy(cfg.Queue.OnLateResponse)
	if err != nil {
		return nil, err
	}
	return queue.New(
		queue.WithLogger(logger),
		queue.WithMetrics(m),
		queue.WithLatePolicy(late),
	), nil
}

// injectQueue routes every transport the manager hands out through q.
func injectQueue(m *manager.Manager, q *queue.Queue) error {
	return m.InjectWrapper(q.Wrap)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks. WriteTimeout stays 0:
	// a response held by a response handler may legitimately take long.
	e.Server.ReadTimeout = 30 * time.Second
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, q *queue.Queue, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"upstream", cfg.Upstream.BaseURL,
				"transports", cfg.Upstream.Transports,
				"rules", len(cfg.Rules),
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if n := q.Pending(); n > 0 {
				logger.Warn("shutting down with held sends", "pending", n)
			}
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
