// Command release-cache is a caching proxy for GitHub release metadata and
// release asset downloads.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/ghrelease/release-cache/cache"
	"github.com/ghrelease/release-cache/githubapi"
	"github.com/ghrelease/release-cache/server"
	"github.com/ghrelease/release-cache/telemetry"
)

var version = "dev"

var cli struct {
	Address                string           `help:"Address to listen on." env:"BIND_ADDRESS" default:":8080"`
	GithubAPIURL           string           `help:"Upstream GitHub API base URL." env:"GITHUB_API_URL" default:"https://api.github.com"`
	GithubToken            string           `help:"Optional GitHub API token for authenticated requests." env:"GITHUB_TOKEN"`
	CacheEnabled           bool             `help:"Enable metadata and file caching." env:"CACHE_ENABLED" default:"true" negatable:""`
	CacheTTLSeconds        int              `help:"Cache entry TTL in seconds." env:"CACHE_TTL_SECONDS" default:"3600"`
	CacheFile              string           `help:"Path of the JSON cache snapshot." env:"CACHE_FILE" default:"cache.json"`
	FileCacheDir           string           `help:"Directory for cached asset files (default: cache_files next to the snapshot)." env:"FILE_CACHE_DIR"`
	SnapshotIntervalSecs   int              `name:"snapshot-interval-seconds" help:"Seconds between periodic snapshot writes." env:"SNAPSHOT_INTERVAL_SECONDS" default:"30"`
	MaxConcurrentDownloads int64            `help:"Maximum concurrent asset downloads." env:"MAX_CONCURRENT_DOWNLOADS" default:"10"`
	MaxDownloadsPerWindow  int              `help:"Per-client download quota per rate limit window (0 disables)." env:"MAX_DOWNLOADS_PER_WINDOW" default:"100"`
	RateLimitWindowSecs    int              `help:"Rate limit window length in seconds." env:"RATE_LIMIT_WINDOW_SECS" default:"60"`
	CORSAllowedOrigins     []string         `help:"Allowed CORS origins (default: allow all)." env:"CORS_ALLOWED_ORIGINS"`
	LogLevel               string           `help:"Log level." env:"LOG_LEVEL" enum:"debug,info,warn,error" default:"info"`
	LogFormat              string           `help:"Log format." env:"LOG_FORMAT" enum:"text,json" default:"text"`
	OTLPEndpoint           string           `help:"OTLP gRPC endpoint for metrics export (empty disables)." env:"OTLP_ENDPOINT"`
	ShutdownTimeout        time.Duration    `help:"Graceful shutdown timeout." env:"SHUTDOWN_TIMEOUT" default:"10s"`
	Version                kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("release-cache"),
		kong.Description("Caching proxy for GitHub release metadata and assets."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "release-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: true,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsShutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	cacheManager := cache.New(cache.Config{
		Enabled:          cli.CacheEnabled,
		TTL:              time.Duration(cli.CacheTTLSeconds) * time.Second,
		SnapshotPath:     cli.CacheFile,
		BlobDir:          cli.FileCacheDir,
		SnapshotInterval: time.Duration(cli.SnapshotIntervalSecs) * time.Second,
		Logger:           logger,
	})

	upstream := githubapi.NewClient(
		githubapi.WithBaseURL(cli.GithubAPIURL),
		githubapi.WithToken(cli.GithubToken),
		githubapi.WithHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport, "api"),
			Timeout:   30 * time.Second,
		}),
		githubapi.WithDownloadHTTPClient(&http.Client{
			Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport, "asset"),
		}),
	)

	srv, err := server.New(server.Config{
		Address:                cli.Address,
		Upstream:               upstream,
		Cache:                  cacheManager,
		MaxConcurrentDownloads: cli.MaxConcurrentDownloads,
		MaxDownloadsPerWindow:  cli.MaxDownloadsPerWindow,
		RateLimitWindow:        time.Duration(cli.RateLimitWindowSecs) * time.Second,
		AllowedOrigins:         cli.CORSAllowedOrigins,
		Version:                version,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", cli.Address,
		"github_api", cli.GithubAPIURL,
		"cache_enabled", cli.CacheEnabled,
		"cache_file", cli.CacheFile,
		"file_cache_dir", cacheManager.BlobDir(),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cli.ShutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", cli.LogLevel)
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}
	return slog.New(handler), nil
}
