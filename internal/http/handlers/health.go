package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Pinger reports whether the store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

func Healthz() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ok")
	}
}

// Readyz fails while the database cannot be reached within timeout.
func Readyz(store Pinger, timeout time.Duration, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			logger.Warn("readiness check failed", zap.Error(err))
			ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
			ctx.SetBodyString("database unavailable")
			return
		}
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetBodyString("ready")
	}
}
