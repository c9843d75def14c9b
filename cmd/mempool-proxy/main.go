package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
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

	"mempool-proxy-go/internal/client"
	"mempool-proxy-go/internal/config"
	"mempool-proxy-go/internal/explorer"
	"mempool-proxy-go/internal/handler"
	"mempool-proxy-go/internal/intercept"
	"mempool-proxy-go/internal/logging"
	"mempool-proxy-go/internal/metrics"
	"mempool-proxy-go/internal/middleware"
	"mempool-proxy-go/internal/service"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("mempool-proxy"),
		kong.Description("Same-origin proxy and request rewriter for block explorer APIs."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	if strings.HasPrefix(kctx.Command(), "fetch") {
		if err := runFetch(&cli, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "fetch:", err)
			os.Exit(1)
		}
		return
	}

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			newEcho,
			client.NewUpstreamClient,
			service.NewProxyService,
			newInterceptTransport,
			newExplorer,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
			handler.NewDemoHandler,
		),
		fx.Invoke(handler.RegisterRoutes, handler.RegisterMetrics, warnConfigPermissions, startServer),
	).Run()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) *slog.Logger {
	logger, closeFn := logging.New(cfg.Log, os.Stdout)
	lc.Append(fx.StopHook(closeFn))
	return logger
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.Metrics.Path, cfg.RoutePrefixes()...)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Streamed proxy responses are bounded by the upstream client timeout instead.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Metrics.Path))
	}
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit.RequestsPerSecond))
		logger.Info("rate limiter enabled", "rps", cfg.Server.RateLimit.RequestsPerSecond)
	}

	return e
}

// newInterceptTransport installs the rewrite shim into http.DefaultTransport
// so outbound explorer calls made anywhere in the process land on the local
// proxy routes.
func newInterceptTransport(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*intercept.Transport, error) {
	rule, err := cfg.Rule()
	if err != nil {
		return nil, err
	}
	tr, err := intercept.InstallDefault(rule, cfg.Client.LocalOrigin,
		intercept.WithLogger(logger),
		intercept.WithMetrics(m),
	)
	if err != nil {
		return nil, fmt.Errorf("install request shim: %w", err)
	}
	logger.Info("request shim installed",
		"origin", tr.Origin(),
		"patterns", len(rule.Patterns()),
	)
	return tr, nil
}

func newExplorer(cfg *config.Config, tr *intercept.Transport) *explorer.Client {
	hc := &http.Client{Timeout: time.Duration(cfg.Client.TimeoutSeconds) * time.Second}
	return explorer.New(intercept.NewClient(hc, tr), cfg.Client.ExplorerURL)
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "local_origin", cfg.Client.LocalOrigin)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}

// runFetch queries the explorer through the local proxy of a running server
// and prints the result as indented JSON.
func runFetch(cli *config.CLI, out io.Writer) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}
	logger, closeFn := logging.New(cfg.Log, os.Stderr)
	defer closeFn()

	rule, err := cfg.Rule()
	if err != nil {
		return err
	}
	tr, err := intercept.NewTransport(nil, rule, cfg.Client.LocalOrigin, intercept.WithLogger(logger))
	if err != nil {
		return err
	}
	ex := newExplorer(cfg, tr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Client.TimeoutSeconds)*time.Second)
	defer cancel()

	var result any
	switch cli.Fetch.Kind {
	case "address":
		result, err = ex.Address(ctx, cli.Fetch.ID)
	case "utxo":
		result, err = ex.UTXOs(ctx, cli.Fetch.ID)
	case "tx":
		result, err = ex.Transaction(ctx, cli.Fetch.ID)
	default:
		err = fmt.Errorf("unknown kind %q", cli.Fetch.Kind)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
