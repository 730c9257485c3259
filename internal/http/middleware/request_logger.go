package middleware

import (
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "hookinbox/internal/http/ctx"
)

const requestIDHeader = "X-Request-Id"

// RequestLogger assigns a request id and client IP to every request and
// logs method, path, status and duration once the handler returns.
func RequestLogger(logger *zap.Logger, trustProxy bool) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			start := time.Now()

			id := string(ctx.Request.Header.Peek(requestIDHeader))
			if id == "" || len(id) > 64 {
				id = uuid.NewString()
			}
			ip := httpctx.ClientIP(ctx, trustProxy)
			httpctx.SetRequestID(ctx, id)
			httpctx.SetClientIP(ctx, ip)
			ctx.Response.Header.Set(requestIDHeader, id)

			next(ctx)

			status := ctx.Response.StatusCode()
			fields := []zap.Field{
				zap.String("request_id", id),
				zap.ByteString("method", ctx.Method()),
				zap.ByteString("path", ctx.Path()),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
				zap.String("ip", ip),
			}
			switch {
			case status >= 500:
				logger.Error("request", fields...)
			case status >= 400:
				logger.Info("request", fields...)
			default:
				logger.Debug("request", fields...)
			}
		}
	}
}
