package api

import (
	"github.com/gofiber/contrib/v3/websocket"
	"github.com/gofiber/fiber/v3"

	"github.com/bnxthealth/channeld/internal/httputil"
	"github.com/bnxthealth/channeld/internal/router"
)

// upgrade handles GET /ws. Browsers always send an Origin header, which is
// checked against the allow-list before the protocol switch; non-browser
// clients send none and pass. The client IP is captured before the upgrade
// because the fiber context is recycled once the handler returns.
func (s *Server) upgrade(c fiber.Ctx) error {
	if origin := c.Get(fiber.HeaderOrigin); origin != "" && !s.cfg.OriginAllowed(origin) {
		s.log.Warn().Str("origin", origin).Str("ip", c.IP()).Msg("Rejected websocket origin")
		return httputil.Fail(c, fiber.StatusForbidden, router.CodeForbidden, "origin not allowed")
	}
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	ip := c.IP()
	return websocket.New(func(conn *websocket.Conn) {
		s.hub.ServeConn(conn.Conn, ip)
	})(c)
}
