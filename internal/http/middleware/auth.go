package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"

	"hookinbox/internal/apikey"
	httpctx "hookinbox/internal/http/ctx"
)

// KeyValidator checks a raw API key.
type KeyValidator interface {
	Validate(ctx context.Context, raw string) apikey.Result
	Touch(keyID uint)
}

// APIKeyFromRequest returns the key sent as X-Api-Key or as a Bearer
// token, in that order. allowQuery also accepts an api-key query argument.
func APIKeyFromRequest(ctx *fasthttp.RequestCtx, allowQuery bool) string {
	if k := bytes.TrimSpace(ctx.Request.Header.Peek("X-Api-Key")); len(k) > 0 {
		return string(k)
	}
	auth := ctx.Request.Header.Peek("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && bytes.EqualFold(auth[:len(prefix)], []byte(prefix)) {
		if token := strings.TrimSpace(string(auth[len(prefix):])); token != "" {
			return token
		}
	}
	if allowQuery {
		return strings.TrimSpace(string(ctx.QueryArgs().Peek("api-key")))
	}
	return ""
}

// KeyAuth rejects requests without a valid API key and stores the
// validation result on the context.
func KeyAuth(keys KeyValidator) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			raw := APIKeyFromRequest(ctx, true)
			if raw == "" {
				WriteError(ctx, fasthttp.StatusUnauthorized, "missing_api_key", "an API key is required")
				return
			}
			res := keys.Validate(ctx, raw)
			if !res.Valid {
				if res.Reason == apikey.ReasonStoreError {
					WriteError(ctx, fasthttp.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
					return
				}
				WriteError(ctx, fasthttp.StatusUnauthorized, "invalid_api_key", "invalid API key")
				return
			}
			keys.Touch(res.KeyID)
			httpctx.SetAPIKey(ctx, res)
			next(ctx)
		}
	}
}

type errorBody struct {
	Success bool        `json:"success"`
	Error   errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes the JSON error envelope shared by every API route.
func WriteError(ctx *fasthttp.RequestCtx, status int, code, message string) {
	body, _ := json.Marshal(errorBody{Error: errorDetail{Code: code, Message: message}})
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
