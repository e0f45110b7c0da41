package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/bluesky-social/netkit/netkit"
	"github.com/bluesky-social/netkit/pkg/env"
	"github.com/bluesky-social/netkit/pkg/metrics"
	"github.com/bluesky-social/netkit/pkg/robusthttp"
	"github.com/bluesky-social/netkit/pkg/tokens"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	env.Version = versioninfo.Short()

	app := cli.App{
		Name:    "netkit",
		Usage:   "perform declarative HTTP endpoint requests from the command line",
		Version: versioninfo.Short(),
		Before:  loadEnvFile,
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			Value:   "warn",
			EnvVars: []string{"NETKIT_LOG_LEVEL", "GO_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "env-file",
			Usage:   "dotenv file to load configuration from (ignored if missing)",
			Value:   ".env",
			EnvVars: []string{"NETKIT_ENV_FILE"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "address and port for metrics/pprof server (disabled if empty)",
			EnvVars: []string{"NETKIT_METRICS_LISTEN"},
		},
		&cli.DurationFlag{
			Name:    "timeout",
			Usage:   "timeout of each HTTP attempt",
			Value:   30 * time.Second,
			EnvVars: []string{"NETKIT_TIMEOUT"},
		},
		&cli.DurationFlag{
			Name:    "retry-delay",
			Usage:   "wait between a token refresh and the retried request",
			Value:   netkit.DefaultRetryDelay,
			EnvVars: []string{"NETKIT_RETRY_DELAY"},
		},
		&cli.Float64Flag{
			Name:    "rate-limit",
			Usage:   "maximum HTTP attempts per second (unlimited if zero)",
			EnvVars: []string{"NETKIT_RATE_LIMIT"},
		},
		&cli.StringFlag{
			Name:    "access-token",
			Usage:   "access token sent to endpoints which require auth",
			EnvVars: []string{"NETKIT_ACCESS_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "refresh-token",
			Usage:   "refresh token, used to obtain new access tokens",
			EnvVars: []string{"NETKIT_REFRESH_TOKEN"},
		},
		&cli.StringFlag{
			Name:    "refresh-url",
			Usage:   "full URL of the session refresh endpoint",
			EnvVars: []string{"NETKIT_REFRESH_URL"},
		},
		&cli.StringFlag{
			Name:    "session-file",
			Usage:   "JSON file to load and persist session tokens",
			EnvVars: []string{"NETKIT_SESSION_FILE"},
		},
	}
	app.Commands = []*cli.Command{
		cmdRequest,
		cmdUpload,
	}
	return app.Run(args)
}

func loadEnvFile(cctx *cli.Context) error {
	path := cctx.String("env-file")
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading env file %s: %w", path, err)
	}
	return nil
}

func configLogger(cctx *cli.Context, writer io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cctx.String("log-level")) {
	case "error":
		level = slog.LevelError
	case "warn":
		level = slog.LevelWarn
	case "info":
		level = slog.LevelInfo
	case "debug":
		level = slog.LevelDebug
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(writer, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

// staticTokens serves a fixed access token, for when no refresh endpoint is configured
type staticTokens struct {
	access string
}

func (s staticTokens) AccessToken() string  { return s.access }
func (s staticTokens) RefreshToken() string { return "" }
func (s staticTokens) SetUp() error         { return nil }

func (s staticTokens) Refresh(ctx context.Context) error {
	return fmt.Errorf("no refresh endpoint configured")
}

func configTokens(cctx *cli.Context, logger *slog.Logger) netkit.TokenProvider {
	access := cctx.String("access-token")
	refreshURL := cctx.String("refresh-url")
	if refreshURL == "" {
		if access == "" {
			return nil
		}
		return staticTokens{access: access}
	}

	sp := tokens.NewSessionProvider(refreshURL, tokens.SessionData{
		AccessToken:  access,
		RefreshToken: cctx.String("refresh-token"),
	})
	sp.SessionFile = cctx.String("session-file")
	sp.RefreshCallback = func(ctx context.Context, data tokens.SessionData) {
		logger.Info("session refreshed")
	}
	return sp
}

func configFactory(cctx *cli.Context, logger *slog.Logger) *netkit.Factory {
	engineOpts := []robusthttp.Option{
		robusthttp.WithTimeout(cctx.Duration("timeout")),
	}
	if rps := cctx.Float64("rate-limit"); rps > 0 {
		engineOpts = append(engineOpts, robusthttp.WithRateLimit(rate.NewLimiter(rate.Limit(rps), 1)))
	}

	opts := []netkit.Option{
		netkit.WithLogger(logger),
		netkit.WithRetryDelay(cctx.Duration("retry-delay")),
		netkit.WithEngineOptions(engineOpts...),
	}
	if tp := configTokens(cctx, logger); tp != nil {
		opts = append(opts, netkit.WithTokenProvider(tp))
	}
	f := netkit.NewFactory(opts...)

	// refresh ahead of time, instead of waiting for a 401
	if sp, ok := f.TokenProvider().(*tokens.SessionProvider); ok && sp.Expired(30*time.Second) {
		logger.Info("access token expired or about to, refreshing")
		if err := sp.Refresh(cctx.Context); err != nil {
			logger.Warn("proactive session refresh failed", "err", err)
		}
	}
	return f
}

// starts the metrics server in the background, if configured; the returned function stops it
func startMetrics(cctx *cli.Context, logger *slog.Logger) func() {
	addr := cctx.String("metrics-listen")
	if addr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(cctx.Context)
	go func() {
		if err := metrics.RunServer(ctx, cancel, addr); err != nil {
			logger.Error("metrics server failed", "err", err)
		}
	}()
	return cancel
}
