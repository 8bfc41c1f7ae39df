package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/bookcal/bookcal/internal/config"
	"github.com/bookcal/bookcal/internal/dispatcher"
	"github.com/bookcal/bookcal/internal/domain/booking"
	"github.com/bookcal/bookcal/internal/platform/db"
	"github.com/bookcal/bookcal/internal/platform/middleware"
	"github.com/bookcal/bookcal/internal/platform/scheduling"
	"github.com/bookcal/bookcal/internal/platform/websocket"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and WebSocket server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(cmd.Context(), migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

// newDispatcher builds the dispatcher and, when REDIS_URL is set, its result
// cache. The returned cleanup closes the cache.
func newDispatcher(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*dispatcher.Dispatcher, func()) {
	cleanup := func() {}
	opts := dispatcher.Options{
		QueueSize:       cfg.TaskQueueSize,
		DefaultTimezone: cfg.DefaultTimezone,
		MaxOccurrences:  cfg.MaxOccurrences,
		Logger:          logger,
	}

	if cfg.RedisURL != "" {
		cache, err := dispatcher.NewRedisCacheFromURL(ctx, cfg.RedisURL, cfg.ResultCacheTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("result cache unavailable, continuing without it")
		} else {
			opts.Cache = cache
			cleanup = func() { _ = cache.Close() }
			logger.Info().Dur("ttl", cfg.ResultCacheTTL).Msg("result cache enabled")
		}
	}
	return dispatcher.New(opts), cleanup
}

func runServer(parent context.Context, migrate bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, os.Stdout)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dispatcher
	d, closeCache := newDispatcher(ctx, cfg, logger)
	defer closeCache()
	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatchDone := make(chan struct{})
	go func() {
		d.Run(dispatchCtx)
		close(dispatchDone)
	}()

	// Database
	var pool *pgxpool.Pool
	if cfg.HasDatabase() {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			stopDispatch()
			return err
		}
		defer pool.Close()
		logger.Info().Msg("connected to database")

		if migrate {
			m, err := db.NewEmbeddedMigrator(pool)
			if err != nil {
				stopDispatch()
				return err
			}
			n, err := m.Up(ctx)
			if err != nil {
				stopDispatch()
				return err
			}
			logger.Info().Int("applied", n).Msg("migrations complete")
		}
	} else {
		logger.Info().Msg("DATABASE_URL not set, provider endpoints disabled")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.HTTPErrorHandler(logger)

	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.Recovery(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderContentType, middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		SkipPrefixes:      []string{"/health"},
	}))
	e.Use(middleware.RequestTimeout(cfg.TaskTimeout + 5*time.Second))

	hub := websocket.NewHub()
	websocket.NewHandler(hub, d, middleware.ParseLimit(cfg.BodyLimit), logger).RegisterRoutes(e)

	opts := scheduling.Options{
		Tasks:       d,
		TaskTimeout: cfg.TaskTimeout,
		Sessions:    hub.SessionCount,
	}
	if pool != nil {
		opts.Schedules = booking.NewService(
			booking.NewProviderRepoPG(pool),
			booking.NewAppointmentRepoPG(pool),
			db.NewSnapshots(pool),
		)
		e.GET("/health/db", db.HealthHandler(pool))
	}
	scheduling.NewHandler(opts).RegisterRoutes(e)

	// Serve until a signal arrives
	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		if cfg.TLSEnabled {
			serveErr <- e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			serveErr <- e.Start(addr)
		}
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			stopDispatch()
			return err
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	stopDispatch()
	<-dispatchDone
	logger.Info().Msg("server stopped")
	return nil
}
