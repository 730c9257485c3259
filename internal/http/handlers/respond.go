package handlers

import (
	"bufio"
	"net"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const flushTimeout = 10 * time.Second

// afterResponse takes over the connection once the handler chain returns,
// writes and flushes the prepared response on it and only then runs fn.
// fn runs even when the client is gone. The connection is closed afterwards.
func afterResponse(ctx *fasthttp.RequestCtx, logger *zap.Logger, fn func()) {
	ctx.Response.SetConnectionClose()
	ctx.HijackSetNoResponse(true)
	ctx.Hijack(func(c net.Conn) {
		defer fn()
		_ = c.SetWriteDeadline(time.Now().Add(flushTimeout))
		bw := bufio.NewWriter(c)
		err := ctx.Response.Write(bw)
		if err == nil {
			err = bw.Flush()
		}
		if err != nil {
			logger.Warn("response not delivered", zap.Error(err))
		}
	})
}
