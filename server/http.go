// Package server provides the HTTP server for shopdrop.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/netutil"

	"github.com/shopdrop/shopdrop/backend"
	"github.com/shopdrop/shopdrop/cache"
	"github.com/shopdrop/shopdrop/registry"
	"github.com/shopdrop/shopdrop/store/metadb"
	"github.com/shopdrop/shopdrop/sweep"
	"github.com/shopdrop/shopdrop/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// BaseURL is the externally visible URL of this server, used in
	// upload links and signed download URLs.
	BaseURL string

	// StoragePath is the root path for blob storage.
	StoragePath string

	// DBPath is the path to the metadata database file.
	DBPath string

	// SigningKey is the secret for signed download URLs.
	// Must be exactly backend.SignerKeySize bytes.
	SigningKey []byte

	// SessionTTL is how long an upload session stays open.
	// Default: 30 minutes.
	SessionTTL time.Duration

	// DeleteWindow is how long after upload a blob is kept.
	// Default: 10 minutes.
	DeleteWindow time.Duration

	// MetadataTTL is how long a job record stays in the metadata store.
	// Must be >= DeleteWindow. Default: 24 hours.
	MetadataTTL time.Duration

	// SweepInterval is how often the cleanup sweep runs.
	// Default: 60 seconds.
	SweepInterval time.Duration

	// QRCacheTTL is how long generated QR codes are cached.
	// Default: 5 minutes.
	QRCacheTTL time.Duration

	// SignedURLTTL is the validity window of signed download URLs.
	// Default: 5 minutes.
	SignedURLTTL time.Duration

	// SignedURLCacheTTL is how long signed URLs are cached. Must be
	// <= SignedURLTTL so a cached URL is never handed out after it has
	// stopped working. Default: 4 minutes.
	SignedURLCacheTTL time.Duration

	// MaxUploadBytes caps a single uploaded file. Default: 50MB.
	MaxUploadBytes int64

	// UploadRatePerMinute is the per-client upload rate limit.
	// Zero disables rate limiting.
	UploadRatePerMinute int64

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the HTTP server for shopdrop.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	store    metadb.Store
	boltDB   *metadb.BoltDB
	backend  *backend.Filesystem
	signer   *backend.Signer
	sessions *registry.SessionRegistry
	jobs     *registry.JobRegistry
	qrCache  *cache.Cache[string]
	urlCache *cache.Cache[string]
	sweeper  *sweep.Sweeper
	reaper   *metadb.Reaper

	stopReaper context.CancelFunc
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./data/blobs"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./data/shopdrop.db"
	}
	if cfg.SessionTTL == 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if cfg.DeleteWindow == 0 {
		cfg.DeleteWindow = 10 * time.Minute
	}
	if cfg.MetadataTTL == 0 {
		cfg.MetadataTTL = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 60 * time.Second
	}
	if cfg.QRCacheTTL == 0 {
		cfg.QRCacheTTL = 5 * time.Minute
	}
	if cfg.SignedURLTTL == 0 {
		cfg.SignedURLTTL = 5 * time.Minute
	}
	if cfg.SignedURLCacheTTL == 0 {
		cfg.SignedURLCacheTTL = 4 * time.Minute
	}
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = 50 * 1024 * 1024
	}

	if cfg.MetadataTTL < cfg.DeleteWindow {
		return nil, fmt.Errorf("metadata ttl %v must be >= delete window %v", cfg.MetadataTTL, cfg.DeleteWindow)
	}
	if cfg.SignedURLCacheTTL > cfg.SignedURLTTL {
		return nil, fmt.Errorf("signed url cache ttl %v must be <= signed url ttl %v", cfg.SignedURLCacheTTL, cfg.SignedURLTTL)
	}

	boltDB := metadb.NewBoltDB(metadb.WithLogger(cfg.Logger.With("component", "metadb")))
	if err := boltDB.Open(cfg.DBPath); err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}

	fsBackend, err := backend.NewFilesystem(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("creating filesystem backend: %w", err)
	}

	signer, err := backend.NewSigner(cfg.SigningKey, cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating url signer: %w", err)
	}

	sessions, err := registry.NewSessionRegistry(boltDB, cfg.SessionTTL,
		registry.WithSessionLogger(cfg.Logger.With("component", "sessions")),
	)
	if err != nil {
		return nil, err
	}

	jobs, err := registry.NewJobRegistry(boltDB, sessions, cfg.DeleteWindow, cfg.MetadataTTL,
		registry.WithJobLogger(cfg.Logger.With("component", "jobs")),
	)
	if err != nil {
		return nil, err
	}

	qrCache, err := cache.New[string](boltDB, "qr", cfg.QRCacheTTL,
		cache.WithCacheLogger(cfg.Logger.With("component", "qr-cache")),
	)
	if err != nil {
		return nil, err
	}

	urlCache, err := cache.New[string](boltDB, "signed_url", cfg.SignedURLCacheTTL,
		cache.WithCacheLogger(cfg.Logger.With("component", "url-cache")),
	)
	if err != nil {
		return nil, err
	}

	sweeper := sweep.New(jobs, fsBackend,
		sweep.Config{Interval: cfg.SweepInterval},
		sweep.WithLogger(cfg.Logger.With("component", "sweep")),
	)

	reaper := metadb.NewReaper(boltDB,
		metadb.WithReaperLogger(cfg.Logger.With("component", "reaper")),
	)

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		store:    boltDB,
		boltDB:   boltDB,
		backend:  fsBackend,
		signer:   signer,
		sessions: sessions,
		jobs:     jobs,
		qrCache:  qrCache,
		urlCache: urlCache,
		sweeper:  sweeper,
		reaper:   reaper,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(mux),
		ReadTimeout:  60 * time.Second, // uploads can be slow on mobile links
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check, on both paths for probe compatibility
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Lifecycle stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Session lifecycle
	mux.HandleFunc("POST /api/session", s.handleCreateSession)
	mux.HandleFunc("DELETE /api/session/{token}", s.handleDeleteSession)

	// Uploads, rate limited per client
	mux.Handle("POST /api/upload/{token}", s.rateLimitMiddleware(http.HandlerFunc(s.handleUpload)))

	// Job listing and download
	mux.HandleFunc("GET /api/jobs/{token}", s.handleListJobs)
	mux.HandleFunc("GET /api/files/{jobId}", s.handleDownload)
	mux.HandleFunc("DELETE /api/jobs/{jobId}", s.handleDeleteJob)

	// Signed blob serving
	mux.HandleFunc("GET /files/{key...}", s.handleServeBlob)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleStats reports the last sweep pass.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	last := s.sweeper.Status()
	if last == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"last_sweep":null}`))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"last_sweep": last})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		telemetry.SetRequestID(r, requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, duration)
	})
}

// Start starts the server and its background workers. It blocks until
// the listener fails or the server is shut down.
func (s *Server) Start() error {
	s.sweeper.Start(context.Background())

	reaperCtx, cancel := context.WithCancel(context.Background())
	s.stopReaper = cancel
	go s.reaper.Run(reaperCtx)

	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.logger.Info("starting server", "address", s.config.Address, "baseURL", s.config.BaseURL)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.stopReaper != nil {
		s.stopReaper()
	}
	if err := s.sweeper.Stop(ctx); err != nil {
		s.logger.Warn("sweeper did not stop cleanly", "error", err)
	}

	err := s.httpServer.Shutdown(ctx)

	s.qrCache.Close()
	s.urlCache.Close()
	if cerr := s.store.Close(); cerr != nil {
		s.logger.Warn("failed to close metadata store", "error", cerr)
	}

	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
