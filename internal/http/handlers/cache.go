package handlers

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "hookinbox/internal/http/ctx"
	"hookinbox/internal/http/middleware"
	"hookinbox/internal/resolver"
)

// CacheInvalidator is the invalidation side of the resolver cache.
type CacheInvalidator interface {
	InvalidateIdentity(identity string)
	InvalidateEndpoint(ownerID uint, path string)
	OwnerIDFor(ctx context.Context, identity string) (uint, error)
}

// InvalidateCache drops cached resolutions after dashboard edits. With
// only identity set the owner and all its endpoints are dropped; with
// endpoint set only that endpoint is.
func InvalidateCache(cache CacheInvalidator, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		identity := string(ctx.QueryArgs().Peek("identity"))
		endpoint := string(ctx.QueryArgs().Peek("endpoint"))
		if identity == "" {
			middleware.WriteError(ctx, fasthttp.StatusBadRequest, "bad_request", "identity is required")
			return
		}

		admin, _ := httpctx.AdminFromCtx(ctx)
		if endpoint == "" {
			cache.InvalidateIdentity(identity)
		} else {
			ownerID, err := cache.OwnerIDFor(ctx, identity)
			switch {
			case errors.Is(err, resolver.ErrNotFound):
				// Nothing can be cached for an unknown identity.
			case err != nil:
				logger.Error("cache invalidation lookup failed", zap.String("identity", identity), zap.Error(err))
				middleware.WriteError(ctx, fasthttp.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
				return
			default:
				cache.InvalidateEndpoint(ownerID, endpoint)
			}
		}

		logger.Info("resolver cache invalidated",
			zap.String("admin", admin),
			zap.String("identity", identity),
			zap.String("endpoint", endpoint),
		)
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"success": true})
	}
}
