// Package server assembles the configured components into the complete
// gateway HTTP server.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"log/slog"

	"github.com/cruxid/flowgate/internal/audit"
	"github.com/cruxid/flowgate/internal/config"
	"github.com/cruxid/flowgate/internal/flowstate"
	"github.com/cruxid/flowgate/internal/gateway"
	"github.com/cruxid/flowgate/internal/health"
	"github.com/cruxid/flowgate/internal/identity"
	"github.com/cruxid/flowgate/internal/proxy"
	"github.com/cruxid/flowgate/internal/security"
	"github.com/cruxid/flowgate/internal/validation"
)

// Server is the gateway HTTP server assembling all components.
type Server struct {
	cfg           *config.Config
	mu            sync.Mutex
	httpServer    *http.Server
	listener      net.Listener // if non-nil, Start uses this instead of creating one
	gateway       *gateway.Gateway
	healthHandler *health.Handler
	globalLimiter *security.GlobalRateLimiter
	ipLimiter     *security.IPRateLimiter
	auditLogger   *audit.Logger
	metrics       *audit.Metrics
	logLevel      *slog.LevelVar
	logger        *slog.Logger
	version       string
}

// New creates a Server from configuration.
func New(cfg *config.Config, version string) (*Server, error) {
	logLevel := &slog.LevelVar{}
	logLevel.Set(parseLevel(cfg.Logging.Level))
	logger := buildLogger(cfg.Logging.Format, logLevel)

	codec, err := flowstate.NewCodec(cfg.Upstream.EnvironmentID, cfg.Retain.EncryptionJWK, cfg.Retain.Claims)
	if err != nil {
		return nil, fmt.Errorf("building flow-state codec: %w", err)
	}

	transport := proxy.NewTransport()
	httpClient := proxy.NewClient(transport)

	authBaseURL := "https://" + cfg.Upstream.AuthHost
	forwarder := proxy.NewForwarder(httpClient, authBaseURL, logger)

	metrics := audit.NewMetrics()
	metrics.SetBuildInfo(version, runtime.Version())

	idClient := identity.New(httpClient, identity.Config{
		AuthBaseURL:   authBaseURL,
		APIBaseURL:    "https://" + cfg.Upstream.APIHost,
		EnvironmentID: cfg.Upstream.EnvironmentID,
		ClientID:      cfg.Worker.ClientID,
		ClientSecret:  cfg.Worker.ClientSecret,
	}, metrics, logger)

	registry, err := validation.BuildRegistry(cfg.Validators, logger)
	if err != nil {
		return nil, fmt.Errorf("building validator registry: %w", err)
	}

	auditLogger := audit.NewLogger(logger, cfg.Retain.Obfuscate)

	gw := gateway.New(gateway.Config{
		Forwarder:    forwarder,
		Codec:        codec,
		Pipeline:     validation.NewPipeline(registry, idClient, logger),
		Policy:       validation.NewMFAPolicy(idClient, cfg.MFA.AttributeName, logger),
		Users:        idClient,
		RetainClaims: cfg.Retain.Claims,
		LookupKeys:   cfg.Retain.LookupKeys,
		Audit:        auditLogger,
		Metrics:      metrics,
		Logger:       logger,
	})

	srv := &Server{
		cfg:     cfg,
		gateway: gw,
		healthHandler: health.NewHandler(&health.HTTPProber{
			Client:  httpClient,
			BaseURL: authBaseURL,
		}, version),
		auditLogger: auditLogger,
		metrics:     metrics,
		logLevel:    logLevel,
		logger:      logger,
		version:     version,
	}

	if cfg.RateLimit.Enabled {
		srv.globalLimiter = security.NewGlobalRateLimiter(cfg.RateLimit.Global, cfg.RateLimit.Burst, metrics)
		srv.ipLimiter = security.NewIPRateLimiter(
			cfg.RateLimit.PerIP,
			cfg.RateLimit.Burst,
			cfg.RateLimit.CleanupInterval.Duration,
			cfg.Listen.TrustedProxies,
			metrics,
		)
	}

	return srv, nil
}

// Logger returns the server's logger, for wiring into the config reloader.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// Start begins listening and serving. It blocks until the context is
// canceled or an unrecoverable error occurs, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	handler := s.handler()

	listenAddr := fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port)

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", listenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", listenAddr, err)
		}

		if s.cfg.Listen.MaxConnections > 0 {
			ln = newLimitedListener(ln, s.cfg.Listen.MaxConnections)
		}
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", listenAddr, "version", s.version)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Shutdown.Timeout.Duration)
	defer cancel()

	if err := s.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// Shutdown performs graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	hs := s.httpServer
	s.mu.Unlock()

	if hs != nil {
		if err := hs.Shutdown(ctx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
	}

	if s.ipLimiter != nil {
		s.ipLimiter.Stop()
	}

	return nil
}

// OnConfigReload applies the live-reloadable configuration subset: logging
// level and the obfuscated-attribute list.
func (s *Server) OnConfigReload(newCfg *config.Config) error {
	s.logLevel.Set(parseLevel(newCfg.Logging.Level))
	s.auditLogger.SetObfuscated(newCfg.Retain.Obfuscate)

	s.metrics.RecordConfigReload(true)
	s.metrics.SetConfigReloadTime(time.Now())

	s.logger.Info("configuration reloaded",
		"log_level", newCfg.Logging.Level,
		"obfuscated_attributes", len(newCfg.Retain.Obfuscate),
	)
	return nil
}

// handler builds the complete HTTP handler. Health and metrics endpoints
// bypass the middleware chain; everything else runs through rate limiting,
// CORS, and the SameSite cookie rewrite before reaching the gateway.
func (s *Server) handler() http.Handler {
	var h http.Handler = s.gateway
	h = sameSiteMiddleware(h)
	h = newCORSMiddleware(s.cfg.CORS.AllowedOrigin, s.cfg.CORS.MaxAge).Process(h)
	if s.ipLimiter != nil {
		h = s.ipLimiter.Process(h)
	}
	if s.globalLimiter != nil {
		h = s.globalLimiter.Process(h)
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", s.healthHandler)
	mux.Handle("/readyz", s.healthHandler)
	mux.HandleFunc("/metrics", s.metrics.Handler())
	mux.Handle("/", h)

	return mux
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildLogger creates an slog.Logger writing to stdout.
func buildLogger(format string, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
