package middleware

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	dbpkg "hookinbox/internal/db"
	httpctx "hookinbox/internal/http/ctx"
)

// UserStore looks users up by username.
type UserStore interface {
	UserByUsername(ctx context.Context, username string) (*dbpkg.User, error)
}

// AdminAuth returns middleware that requires HTTP basic credentials of an
// admin user. Passwords are checked against the stored bcrypt hash.
func AdminAuth(users UserStore, logger *zap.Logger) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			username, password, ok := basicAuth(ctx)
			if !ok {
				challenge(ctx)
				return
			}

			user, err := users.UserByUsername(ctx, username)
			if err != nil {
				if !errors.Is(err, dbpkg.ErrNotFound) {
					logger.Error("admin lookup failed", zap.String("username", username), zap.Error(err))
					WriteError(ctx, fasthttp.StatusServiceUnavailable, "unavailable", "service temporarily unavailable")
					return
				}
				challenge(ctx)
				return
			}
			if !user.IsAdmin || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
				challenge(ctx)
				return
			}

			httpctx.SetAdmin(ctx, user.Username)
			next(ctx)
		}
	}
}

func basicAuth(ctx *fasthttp.RequestCtx) (username, password string, ok bool) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(decoded), ":")
	return username, password, ok && username != ""
}

func challenge(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("WWW-Authenticate", `Basic realm="hookinbox admin"`)
	WriteError(ctx, fasthttp.StatusUnauthorized, "unauthorized", "admin credentials required")
}
