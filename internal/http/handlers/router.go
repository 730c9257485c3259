package handlers

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"hookinbox/internal/http/middleware"
)

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Pipeline     Pipeline
	Keys         middleware.KeyValidator
	Users        middleware.UserStore
	Cache        CacheInvalidator
	Store        Pinger
	Gatherer     prometheus.Gatherer
	StoreTimeout time.Duration
	TrustProxy   bool
	Logger       *zap.Logger
}

// NewHandler builds the full request handler. Service routes are matched
// first; any other path is treated as /{identity}/{endpoint}, so usernames
// equal to a service prefix (healthz, readyz, v1, admin) cannot receive
// payloads.
func NewHandler(d Deps) fasthttp.RequestHandler {
	logger := d.Logger
	if d.StoreTimeout <= 0 {
		d.StoreTimeout = 3 * time.Second
	}

	inbox := router.New()
	inbox.POST("/{identity}/{endpoint:*}", Inbox(d.Pipeline, logger))
	inbox.GET("/{identity}/{endpoint:*}", Describe(d.Pipeline, logger))
	inbox.RedirectTrailingSlash = false
	inbox.RedirectFixedPath = false
	inbox.NotFound = notFound
	inbox.MethodNotAllowed = methodNotAllowed

	r := router.New()
	r.GET("/healthz", Healthz())
	r.GET("/readyz", Readyz(d.Store, d.StoreTimeout, logger))
	r.GET("/v1/metrics", middleware.KeyAuth(d.Keys)(OwnerMetrics(d.Gatherer, logger)))
	r.POST("/admin/cache/invalidate", middleware.AdminAuth(d.Users, logger)(InvalidateCache(d.Cache, logger)))
	r.HandleMethodNotAllowed = false
	r.NotFound = inbox.Handler
	r.PanicHandler = func(ctx *fasthttp.RequestCtx, v any) {
		logger.Error("panic serving request",
			zap.ByteString("method", ctx.Method()),
			zap.ByteString("path", ctx.Path()),
			zap.Any("panic", v),
		)
		middleware.WriteError(ctx, fasthttp.StatusInternalServerError, "internal", "internal error")
	}

	return middleware.RequestLogger(logger, d.TrustProxy)(r.Handler)
}

func notFound(ctx *fasthttp.RequestCtx) {
	middleware.WriteError(ctx, fasthttp.StatusNotFound, "not_found", "endpoint not found")
}

func methodNotAllowed(ctx *fasthttp.RequestCtx) {
	middleware.WriteError(ctx, fasthttp.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}
