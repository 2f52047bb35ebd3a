package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/google/uuid"

	"github.com/bnxthealth/channeld/internal/httputil"
	"github.com/bnxthealth/channeld/internal/pipeline"
	"github.com/bnxthealth/channeld/internal/router"
	"github.com/bnxthealth/channeld/internal/wire"
)

// HeaderCorrelationID lets HTTP callers pick the correlation id echoed back
// by task handlers. Absent the header, the request id stands in.
const HeaderCorrelationID = "X-Correlation-Id"

// dispatch funnels one HTTP request through the transport-neutral pipeline.
// The fiber context contributes nothing past this point: the pipeline builds
// its own request context, runs auth and the route handler, and hands back a
// verdict this adapter renders as a JSON envelope.
func (s *Server) dispatch(c fiber.Ctx) error {
	in, err := s.incoming(c)
	if err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, router.CodeBadRequest, "request body must be a JSON object")
	}

	ctx, cancel := context.WithTimeout(c, s.cfg.TaskTimeout)
	defer cancel()

	return s.render(c, s.pipe.Execute(ctx, in))
}

// incoming translates the fiber request into the pipeline's neutral shape.
// The query string travels inside the URI; the pipeline splits it off itself
// so both transports share one parse.
func (s *Server) incoming(c fiber.Ctx) (pipeline.Incoming, error) {
	headers := make(map[string]string)
	for k, vals := range c.GetReqHeaders() {
		if len(vals) > 0 {
			headers[k] = vals[0]
		}
	}

	var body map[string]any
	if raw := c.Body(); len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return pipeline.Incoming{}, err
		}
	}

	return pipeline.Incoming{
		Transport:     router.TransportHTTP,
		Method:        c.Method(),
		URI:           c.OriginalURL(),
		Headers:       headers,
		Body:          body,
		CorrelationID: s.correlationID(c),
		RemoteIP:      c.IP(),
	}, nil
}

func (s *Server) correlationID(c fiber.Ctx) string {
	if id := c.Get(HeaderCorrelationID); id != "" {
		return id
	}
	if rid := requestid.FromContext(c); rid != "" {
		return rid
	}
	return uuid.NewString()
}

// render writes the pipeline verdict. Deferred results cannot occur on this
// transport; the task client waits synchronously for HTTP callers.
func (s *Server) render(c fiber.Ctx, res pipeline.Result) error {
	if res.Deferred {
		s.log.Error().Str("path", c.Path()).Msg("Deferred result on HTTP transport")
		return httputil.Fail(c, fiber.StatusInternalServerError, router.CodeInternalError, wire.InternalErrorMessage)
	}
	if res.Failed() {
		return httputil.Fail(c, res.Status, res.Code, res.Message)
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	return httputil.SuccessStatus(c, status, res.Data)
}
