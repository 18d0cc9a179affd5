// Command shopdrop runs the QR upload service: short-lived upload
// sessions, time-limited file downloads, and background reclamation of
// expired files.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/shopdrop/shopdrop/backend"
	"github.com/shopdrop/shopdrop/server"
	"github.com/shopdrop/shopdrop/telemetry"
)

var version = "dev"

type cli struct {
	Address     string `help:"Address to listen on." default:":8080" env:"SHOPDROP_ADDRESS"`
	BaseURL     string `help:"Externally visible base URL." default:"http://localhost:8080" env:"SHOPDROP_BASE_URL"`
	StoragePath string `help:"Blob storage directory." default:"./data/blobs" env:"SHOPDROP_STORAGE_PATH"`
	DBPath      string `help:"Metadata database file." default:"./data/shopdrop.db" env:"SHOPDROP_DB_PATH"`
	SigningKey  string `help:"Hex-encoded 32-byte key for signed download URLs. A random ephemeral key is generated when unset." env:"SHOPDROP_SIGNING_KEY"`

	SessionTTL    time.Duration `help:"Upload session lifetime." default:"30m" env:"SHOPDROP_SESSION_TTL"`
	DeleteWindow  time.Duration `help:"How long uploaded blobs are kept." default:"10m" env:"SHOPDROP_DELETE_WINDOW"`
	MetadataTTL   time.Duration `help:"How long job records are kept. Must be >= delete window." default:"24h" env:"SHOPDROP_METADATA_TTL"`
	SweepInterval time.Duration `help:"Cleanup sweep interval." default:"60s" env:"SHOPDROP_SWEEP_INTERVAL"`

	MaxUploadBytes int64 `help:"Maximum upload size in bytes." default:"52428800" env:"SHOPDROP_MAX_UPLOAD_BYTES"`
	UploadRate     int64 `help:"Uploads allowed per client per minute. 0 disables the limit." default:"30" env:"SHOPDROP_UPLOAD_RATE"`
	MaxConns       int   `help:"Maximum concurrent connections. 0 means unlimited." default:"0" env:"SHOPDROP_MAX_CONNS"`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"SHOPDROP_OTLP_ENDPOINT"`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" env:"SHOPDROP_PROMETHEUS"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"SHOPDROP_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" env:"SHOPDROP_LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// Optional .env file for local development
	_ = godotenv.Load()

	var flags cli
	kctx := kong.Parse(&flags,
		kong.Name("shopdrop"),
		kong.Description("Ephemeral file drop service with QR upload sessions."),
		kong.Vars{"version": version},
	)
	kctx.FatalIfErrorf(run(flags))
}

func run(flags cli) error {
	logger, err := newLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	signingKey, err := loadSigningKey(flags.SigningKey, logger)
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "shopdrop",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:             flags.Address,
		BaseURL:             flags.BaseURL,
		StoragePath:         flags.StoragePath,
		DBPath:              flags.DBPath,
		SigningKey:          signingKey,
		SessionTTL:          flags.SessionTTL,
		DeleteWindow:        flags.DeleteWindow,
		MetadataTTL:         flags.MetadataTTL,
		SweepInterval:       flags.SweepInterval,
		MaxUploadBytes:      flags.MaxUploadBytes,
		UploadRatePerMinute: flags.UploadRate,
		MaxConns:            flags.MaxConns,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("shopdrop started",
		"version", version,
		"address", srv.Address(),
		"baseURL", flags.BaseURL,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		err := srv.Shutdown(shutdownCtx)
		if merr := shutdownMetrics(shutdownCtx); merr != nil {
			logger.Warn("failed to shut down metrics", "error", merr)
		}
		return err
	case err := <-errCh:
		return err
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// loadSigningKey decodes the configured signing key, or generates an
// ephemeral one. Ephemeral keys invalidate all outstanding signed URLs
// on restart, which is fine for development but not for production.
func loadSigningKey(hexKey string, logger *slog.Logger) ([]byte, error) {
	if hexKey == "" {
		key := make([]byte, backend.SignerKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating signing key: %w", err)
		}
		logger.Warn("no signing key configured, using an ephemeral key")
		return key, nil
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decoding signing key: %w", err)
	}
	if len(key) != backend.SignerKeySize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", backend.SignerKeySize, len(key))
	}
	return key, nil
}
