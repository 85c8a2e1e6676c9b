package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	httpapi "github.com/GriffinCanCode/AgentOS/shelld/internal/api/http"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/api/middleware"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/api/ws"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/session"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/domain/vcs"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/config"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/logging"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/AgentOS/shelld/internal/infrastructure/tracing"
)

// ErrAlreadyRunning is returned by Run when another instance holds the
// lock file.
var ErrAlreadyRunning = errors.New("another shelld instance is running")

// Server wraps the HTTP server and dependencies
type Server struct {
	config  *config.Config
	logger  *logging.Logger
	metrics *monitoring.Metrics
	tracer  *tracing.Tracer
	store   *session.Store
	router  *gin.Engine
	lock    *flock.Flock
}

// NewServer creates a new server instance
func NewServer(cfg *config.Config, logger *logging.Logger, version string) *Server {
	logger.Info("Initializing shelld server",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("shell", cfg.Shell.Path),
		zap.Bool("tty", cfg.Shell.TTY),
	)

	metrics := monitoring.NewMetrics()
	tracer := tracing.New("shelld", logger.Named("tracing").Logger)

	prober := vcs.NewProber(vcs.Options{
		Timeout:          cfg.VCS.Timeout,
		BreakerThreshold: cfg.VCS.BreakerFailures,
		BreakerCooldown:  cfg.VCS.BreakerCooldown,
	}, metrics, logger.Named("vcs").Logger)

	store := session.NewStore(OptionsFromConfig(cfg), prober, metrics, logger.Named("session").Logger)

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(tracing.HTTPMiddleware(tracer))
	router.Use(monitoring.Middleware(metrics))
	router.Use(middleware.CORS(corsConfig(cfg.Server.AllowOrigins)))
	if cfg.RateLimit.Enabled {
		logger.Info("Rate limiting enabled",
			zap.Int("rps", cfg.RateLimit.RequestsPerSecond),
			zap.Int("burst", cfg.RateLimit.Burst),
		)
		rl := middleware.DefaultRateLimitConfig()
		rl.RequestsPerSecond = cfg.RateLimit.RequestsPerSecond
		rl.Burst = cfg.RateLimit.Burst
		router.Use(middleware.RateLimit(rl))
	}

	handlers := httpapi.NewHandlers(store, version, logger.Named("http").Logger)
	wsHandler := ws.NewHandler(store, metrics, cfg.Server.AllowOrigins, logger.Named("ws").Logger)

	handlers.Register(router)
	router.GET("/sessions/:id/stream", wsHandler.HandleConnection)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	lockPath := cfg.Server.LockFile
	if lockPath == "" {
		lockPath = filepath.Join(os.TempDir(), "shelld-"+cfg.Server.Port+".lock")
	}

	return &Server{
		config:  cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
		store:   store,
		router:  router,
		lock:    flock.New(lockPath),
	}
}

// OptionsFromConfig converts the shell and session settings into store
// options.
func OptionsFromConfig(cfg *config.Config) session.Options {
	return session.Options{
		Shell:            cfg.Shell.Path,
		Term:             cfg.Shell.Term,
		FallbackPath:     cfg.Shell.FallbackPath,
		ElevationKeyword: cfg.Shell.ElevationKeyword,
		GraceWindow:      cfg.Shell.GraceWindow,
		KillWait:         cfg.Shell.KillWait,
		DrainTimeout:     cfg.Shell.DrainTimeout,
		MaxLineBytes:     cfg.Shell.MaxLineBytes,
		TTY:              cfg.Shell.TTY,
		MaxSessions:      cfg.Session.MaxSessions,
		HistoryLimit:     cfg.Session.HistoryLimit,
		OutputLimit:      cfg.Session.OutputLimit,
		RecallLimit:      cfg.Session.RecallLimit,
		DisableSSH:       !cfg.SSH.Enabled,
		KnownHostsFile:   cfg.SSH.KnownHostsFile,
		SSHTimeout:       cfg.SSH.ConnectTimeout,
	}
}

func corsConfig(origins []string) middleware.CORSConfig {
	cfg := middleware.DefaultCORSConfig()
	if len(origins) > 0 {
		cfg.AllowOrigins = origins
	}
	// Browsers reject credentials on a wildcard origin.
	cfg.AllowCredentials = !slices.Contains(cfg.AllowOrigins, "*")
	return cfg
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Store returns the session store.
func (s *Server) Store() *session.Store {
	return s.store
}

// Run acquires the instance lock, serves until ctx is cancelled and then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	locked, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", s.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, s.lock.Path())
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("Failed to release lock", zap.Error(err))
		}
	}()

	ln, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Server.Addr(), err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if serveErr == nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP shutdown failed", zap.Error(err))
		}
	}
	closeErr := s.Close(shutdownCtx)
	if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", serveErr)
	}
	return closeErr
}

// Close terminates every session and flushes telemetry.
func (s *Server) Close(ctx context.Context) error {
	err := s.store.Close(ctx)
	if err != nil {
		s.logger.Error("Session store did not drain", zap.Error(err))
	}
	s.tracer.Close()
	s.logger.Sync()
	return err
}
