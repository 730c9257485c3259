package ctx

import (
	"net"
	"strings"

	"github.com/valyala/fasthttp"

	"hookinbox/internal/apikey"
)

const (
	RequestIDKey = "requestID"
	ClientIPKey  = "clientIP"
	APIKeyKey    = "apiKey"
	AdminKey     = "admin"
)

func SetRequestID(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetUserValue(RequestIDKey, id)
}

func RequestIDFromCtx(ctx *fasthttp.RequestCtx) string {
	s, _ := ctx.UserValue(RequestIDKey).(string)
	return s
}

func SetClientIP(ctx *fasthttp.RequestCtx, ip string) {
	ctx.SetUserValue(ClientIPKey, ip)
}

// ClientIPFromCtx returns the address stored by the request logger, or the
// socket peer when none was stored.
func ClientIPFromCtx(ctx *fasthttp.RequestCtx) string {
	if s, ok := ctx.UserValue(ClientIPKey).(string); ok && s != "" {
		return s
	}
	return ctx.RemoteIP().String()
}

// ClientIP is the first X-Forwarded-For hop when the proxy is trusted, the
// socket peer otherwise.
func ClientIP(ctx *fasthttp.RequestCtx, trustProxy bool) string {
	if trustProxy {
		if xff := string(ctx.Request.Header.Peek("X-Forwarded-For")); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
	}
	return ctx.RemoteIP().String()
}

func SetAPIKey(ctx *fasthttp.RequestCtx, res apikey.Result) {
	ctx.SetUserValue(APIKeyKey, res)
}

func APIKeyFromCtx(ctx *fasthttp.RequestCtx) (apikey.Result, bool) {
	res, ok := ctx.UserValue(APIKeyKey).(apikey.Result)
	return res, ok && res.Valid
}

func SetAdmin(ctx *fasthttp.RequestCtx, username string) {
	ctx.SetUserValue(AdminKey, username)
}

func AdminFromCtx(ctx *fasthttp.RequestCtx) (string, bool) {
	s, ok := ctx.UserValue(AdminKey).(string)
	return s, ok && s != ""
}
