package handlers

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"hookinbox/internal/http/middleware"
	"hookinbox/internal/ingest"
)

func jsonResponse(ctx *fasthttp.RequestCtx, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		middleware.WriteError(ctx, fasthttp.StatusInternalServerError, "internal", "failed to encode response")
		return
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeIngestError maps a pipeline rejection onto the JSON error envelope.
func writeIngestError(ctx *fasthttp.RequestCtx, logger *zap.Logger, err error) {
	var ierr *ingest.Error
	if !errors.As(err, &ierr) {
		logger.Error("unexpected ingest error", zap.Error(err))
		middleware.WriteError(ctx, fasthttp.StatusInternalServerError, "internal", "internal error")
		return
	}
	if ierr.Code == ingest.CodeRateLimited {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(ierr.RetryAfter))
	}
	middleware.WriteError(ctx, ierr.Status, string(ierr.Code), ierr.Message())
}

// requestHeaders copies the request headers with lower case names. The
// first value of a repeated header wins.
func requestHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	out := make(map[string]string)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		name := strings.ToLower(string(k))
		if _, ok := out[name]; !ok {
			out[name] = string(v)
		}
	})
	return out
}

func pathParam(ctx *fasthttp.RequestCtx, name string) string {
	s, _ := ctx.UserValue(name).(string)
	return s
}

func baseURL(ctx *fasthttp.RequestCtx) string {
	return string(ctx.URI().Scheme()) + "://" + string(ctx.Host())
}
