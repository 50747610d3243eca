package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	firebase "firebase.google.com/go/v4"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/config"
	"github.com/clinic/clinic/internal/domain/booking"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/internal/platform/db"
	"github.com/clinic/clinic/internal/platform/middleware"
	"github.com/clinic/clinic/internal/platform/notification"
	"github.com/clinic/clinic/internal/platform/websocket"
)

const version = "0.1.0"

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.ResolvedAuthMode() == config.AuthDev {
		logger.Warn().Msg("dev auth is active: X-User-ID and X-User-Role headers are trusted, do not expose this server")
	}

	ctx := context.Background()
	fb, err := openFirebase(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise firebase")
	}
	be, err := openBackend(ctx, cfg, fb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open storage")
	}
	defer be.Close()

	authMW, err := authMiddleware(ctx, cfg, fb)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure authentication")
	}
	sender, err := pushSender(ctx, cfg, fb, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure push notifications")
	}

	e, err := newServer(cfg, logger, be, authMW, sender)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("auth", cfg.ResolvedAuthMode()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func authMiddleware(ctx context.Context, cfg *config.Config, fb *firebase.App) (echo.MiddlewareFunc, error) {
	switch mode := cfg.ResolvedAuthMode(); mode {
	case config.AuthDev:
		return auth.DevAuthMiddleware(), nil
	case config.AuthJWT:
		jc := auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}
		if cfg.AuthSigningKey != "" {
			jc.SigningKey = []byte(cfg.AuthSigningKey)
		}
		return auth.JWTMiddleware(jc), nil
	case config.AuthFirebase:
		if fb == nil {
			return nil, fmt.Errorf("firebase auth needs FIREBASE_PROJECT_ID")
		}
		client, err := fb.Auth(ctx)
		if err != nil {
			return nil, fmt.Errorf("open firebase auth: %w", err)
		}
		return auth.FirebaseMiddleware(client), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", mode)
	}
}

// pushSender delivers through FCM when NOTIFY_PUSH is on and only logs
// otherwise.
func pushSender(ctx context.Context, cfg *config.Config, fb *firebase.App, logger zerolog.Logger) (notification.PushSender, error) {
	if !cfg.NotifyPush {
		return notification.NewLogSender(logger), nil
	}
	if fb == nil {
		return nil, fmt.Errorf("push notifications need FIREBASE_PROJECT_ID")
	}
	client, err := fb.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("open firebase messaging: %w", err)
	}
	return notification.NewFCMSender(client), nil
}

// newServer assembles the HTTP surface. Routes under /api/v1 require an
// identity; /health and /health/db are open.
func newServer(cfg *config.Config, logger zerolog.Logger, be *backend, authMW echo.MiddlewareFunc, sender notification.PushSender) (*echo.Echo, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	hub := websocket.NewHub(logger)
	dispatcher := notification.NewDispatcher(sender, notification.NewTemplateEngine(), notification.DefaultHistory)
	svc := booking.NewService(be.rules, be.appts,
		booking.WithConfig(booking.Config{
			HorizonDays:      cfg.BookingHorizonDays,
			Location:         loc,
			RequireSpecialty: cfg.RequireSpecialty,
		}),
		booking.WithEventBus(hub),
		booking.WithNotifier(dispatcher),
		booking.WithLogger(logger),
	)

	rateLimit := middleware.DefaultRateLimitConfig()
	rateLimit.RequestsPerSecond = cfg.RateLimitRPS
	rateLimit.BurstSize = cfg.RateLimitBurst

	// The change feed is long-lived and holds no database connection.
	stream := e.Group("/api/v1", authMW)
	websocket.NewWebSocketHandler(hub, booking.AuthorizeTopic, cfg.CORSOrigins).RegisterRoutes(stream)

	api := e.Group("/api/v1",
		authMW,
		db.TenantMiddleware(be.pool, cfg.DefaultTenant),
		middleware.Audit(logger),
		middleware.RateLimit(rateLimit),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)
	booking.NewHandler(svc, logger).RegisterRoutes(api)
	notification.NewHandler(dispatcher).RegisterRoutes(api.Group("/admin", auth.RequireRole(auth.RoleAdmin)))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
			"store":   cfg.StoreBackend,
		})
	})
	e.GET("/health/db", db.HealthHandler(be.checks, be.pool))

	return e, nil
}
