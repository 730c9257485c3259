package handlers

import (
	"errors"
	"net"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"hookinbox/internal/http/middleware"
	"hookinbox/internal/ingest"
)

// ServerError answers requests that fasthttp rejects before any handler
// runs, using the same JSON envelope as the pipeline.
func ServerError(logger *zap.Logger) func(*fasthttp.RequestCtx, error) {
	return func(ctx *fasthttp.RequestCtx, err error) {
		var small *fasthttp.ErrSmallBuffer
		var netErr net.Error
		switch {
		case errors.Is(err, fasthttp.ErrBodyTooLarge):
			writeIngestError(ctx, logger, &ingest.Error{
				State:  ingest.Received,
				Code:   ingest.CodePayloadTooLarge,
				Status: fasthttp.StatusRequestEntityTooLarge,
			})
		case errors.As(err, &small):
			middleware.WriteError(ctx, fasthttp.StatusRequestHeaderFieldsTooLarge, "headers_too_large", "request headers too large")
		case errors.As(err, &netErr) && netErr.Timeout():
			middleware.WriteError(ctx, fasthttp.StatusRequestTimeout, "timeout", "request timeout")
		default:
			logger.Debug("unparsable request", zap.Error(err))
			middleware.WriteError(ctx, fasthttp.StatusBadRequest, "bad_request", "request could not be parsed")
		}
	}
}
