// Package api assembles the HTTP surface: the fiber app with its middleware
// chain, the /api/* adapter into the request pipeline, the websocket upgrade
// route, and the system-gated Prometheus endpoint.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/bnxthealth/channeld/internal/config"
	"github.com/bnxthealth/channeld/internal/gateway"
	"github.com/bnxthealth/channeld/internal/httputil"
	"github.com/bnxthealth/channeld/internal/metrics"
	"github.com/bnxthealth/channeld/internal/pipeline"
	"github.com/bnxthealth/channeld/internal/router"
)

// Server owns the fiber app. Every /api/* request funnels through the
// pipeline adapter so HTTP and websocket callers hit identical route logic;
// /ws hands the connection to the gateway hub.
type Server struct {
	cfg  *config.Config
	app  *fiber.App
	hub  *gateway.Hub
	pipe *pipeline.Pipeline
	log  zerolog.Logger
}

// New assembles the fiber app, its middleware, and all routes.
func New(cfg *config.Config, pipe *pipeline.Pipeline, hub *gateway.Hub, reg *prometheus.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:  cfg,
		hub:  hub,
		pipe: pipe,
		log:  logger.With().Str("component", "api").Logger(),
	}

	proxyHeader := ""
	if cfg.TrustProxy {
		proxyHeader = fiber.HeaderXForwardedFor
	}

	s.app = fiber.New(fiber.Config{
		AppName:     "channeld",
		ProxyHeader: proxyHeader,
		// ErrorHandler catches errors that are not already mapped to structured API responses (e.g. Fiber's built-in
		// 404/405 on non-/api paths). errors.AsType is a generic helper added in Go 1.26.
		ErrorHandler: func(c fiber.Ctx, err error) error {
			status := fiber.StatusInternalServerError
			code := router.CodeInternalError
			message := "An internal error occurred"
			if e, ok := errors.AsType[*fiber.Error](err); ok {
				status = e.Code
				code = statusToCode(e.Code)
				message = e.Message
			} else {
				s.log.Error().Err(err).
					Str("method", c.Method()).
					Str("path", c.Path()).
					Msg("Unhandled error")
			}
			return httputil.Fail(c, status, code, message)
		},
	})

	// Global middleware. The request logger sits after requestid so the id is
	// available; health probes are kept out of the logs.
	s.app.Use(requestid.New())
	s.app.Use(httputil.RequestLogger(s.log, "/api/system/health"))
	s.app.Use(cors.New(cors.Config{
		AllowOrigins:  splitCSV(cfg.CORSAllowedOrigins),
		AllowMethods:  splitCSV(cfg.CORSAllowedMethods),
		AllowHeaders:  splitCSV(cfg.CORSAllowedHeaders),
		ExposeHeaders: []string{fiber.HeaderXRequestID},
	}))

	s.app.Get("/ws", s.upgrade)
	s.app.Get("/metrics", s.guardSystem(adaptor.HTTPHandler(metrics.Handler(reg))))
	s.app.All("/api/*", s.dispatch)

	return s
}

// Listen serves on the configured address and blocks until shutdown.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Addr(), fiber.ListenConfig{
		DisableStartupMessage: true,
	})
}

// Shutdown stops the listener, waiting for in-flight requests until ctx
// expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

// App exposes the underlying fiber app for tests.
func (s *Server) App() *fiber.App { return s.app }

// guardSystem gates a raw fiber handler behind the same check SYSTEM routes
// use: the pre-shared key header or a loopback peer.
func (s *Server) guardSystem(next fiber.Handler) fiber.Handler {
	return func(c fiber.Ctx) error {
		if !s.systemAllowed(c) {
			return httputil.Fail(c, fiber.StatusForbidden, router.CodeForbidden, "system scope required")
		}
		return next(c)
	}
}

func (s *Server) systemAllowed(c fiber.Ctx) bool {
	if key := c.Get(router.HeaderSystemKey); key != "" && s.cfg.SystemKey != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.SystemKey)) == 1 {
			return true
		}
	}
	if ip := net.ParseIP(c.IP()); ip != nil && ip.IsLoopback() {
		return true
	}
	return false
}

// statusToCode maps an HTTP status from Fiber's built-in errors (404, 405,
// 426, etc.) to the closest wire error code.
func statusToCode(status int) router.Code {
	switch {
	case status == fiber.StatusNotFound:
		return router.CodeNotFound
	case status == fiber.StatusMethodNotAllowed:
		return router.CodeMethodNotAllowed
	case status == fiber.StatusTooManyRequests:
		return router.CodeRateLimited
	case status == fiber.StatusRequestEntityTooLarge:
		return router.CodePayloadTooLarge
	case status == fiber.StatusServiceUnavailable:
		return router.CodeUnavailable
	case status >= 400 && status < 500:
		return router.CodeBadRequest
	default:
		return router.CodeInternalError
	}
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
