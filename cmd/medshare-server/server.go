package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/medshare/medshare/internal/config"
	"github.com/medshare/medshare/internal/domain/appointment"
	"github.com/medshare/medshare/internal/domain/workflow"
	"github.com/medshare/medshare/internal/platform/auth"
	"github.com/medshare/medshare/internal/platform/metrics"
	"github.com/medshare/medshare/internal/platform/middleware"
	"github.com/medshare/medshare/internal/platform/notification"
)

const version = "0.1.0"

// defaultBodyLimit applies to every non-multipart request body.
const defaultBodyLimit = 1 << 20

type serverDeps struct {
	cfg           *config.Config
	logger        zerolog.Logger
	metrics       *metrics.Metrics
	workflow      *workflow.Handler
	appointments  *appointment.Handler
	notifications *notification.Handler
	// dbHealth serves /health/db when set.
	dbHealth echo.HandlerFunc
}

// newServer builds the echo instance: global middleware, infrastructure
// routes and the /api groups.
func newServer(d serverDeps) (*echo.Echo, error) {
	cfg := d.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.ErrorHandler(d.logger)
	// Upload bodies are read by the handler, so the connection deadlines
	// cover the slowest request; RequestTimeout bounds the rest.
	e.Server.ReadHeaderTimeout = cfg.HTTPTimeout
	e.Server.ReadTimeout = cfg.UploadTimeout
	e.Server.WriteTimeout = cfg.UploadTimeout

	e.Use(middleware.Recovery(d.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(d.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(middleware.Sanitize(d.logger))
	e.Use(middleware.BodyLimit(defaultBodyLimit, cfg.MaxUploadBytes+defaultBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.HTTPTimeout, cfg.UploadTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(d.metrics.Middleware())

	switch cfg.AuthMode() {
	case "development":
		d.logger.Warn().Msg("development auth enabled: X-Dev-Party-* headers are trusted")
		e.Use(auth.DevAuthMiddleware())
	case "jwks":
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
			Skipper:  auth.AuthSkipper,
		}))
	default:
		key, err := cfg.SigningKey()
		if err != nil {
			return nil, err
		}
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: key,
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.dbHealth != nil {
		e.GET("/health/db", d.dbHealth)
	}
	e.GET("/metrics", echo.WrapHandler(d.metrics.Handler()))

	rateLimitCfg := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rateLimitCfg.RequestsPerSecond = cfg.RateLimitRPS
		rateLimitCfg.BurstSize = cfg.RateLimitBurst
	}

	api := e.Group("/api", middleware.RateLimit(rateLimitCfg), middleware.Audit(d.logger))
	d.workflow.RegisterRoutes(api)
	d.appointments.RegisterRoutes(api)
	d.notifications.RegisterRoutes(api)

	return e, nil
}
