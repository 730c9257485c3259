package handlers

import (
	"context"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"hookinbox/internal/classify"
	httpctx "hookinbox/internal/http/ctx"
	"hookinbox/internal/http/middleware"
	"hookinbox/internal/ingest"
)

// Pipeline is the ingestion pipeline as seen by the inbox handlers.
type Pipeline interface {
	Process(ctx context.Context, req ingest.Request) (*ingest.Outcome, error)
	Relay(out *ingest.Outcome)
	Describe(ctx context.Context, identity, path, baseURL string) (*ingest.Description, error)
}

type acceptedBody struct {
	Success        bool            `json:"success"`
	ID             string          `json:"id"`
	Timestamp      string          `json:"timestamp"`
	ResponseTimeMs int64           `json:"responseTimeMs"`
	Classification classify.Result `json:"classification"`
	AbuseScore     int             `json:"abuseScore"`
}

// Inbox accepts a payload for /{identity}/{endpoint}. When the endpoint
// relays to a webhook, the job is queued after the response has been
// flushed to the client.
func Inbox(p Pipeline, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		req := ingest.Request{
			Identity:    pathParam(ctx, "identity"),
			Path:        pathParam(ctx, "endpoint"),
			Method:      string(ctx.Method()),
			ContentType: string(ctx.Request.Header.ContentType()),
			Body:        append([]byte(nil), ctx.PostBody()...),
			Headers:     requestHeaders(ctx),
			APIKey:      middleware.APIKeyFromRequest(ctx, false),
			SourceIP:    httpctx.ClientIPFromCtx(ctx),
		}

		out, err := p.Process(ctx, req)
		if err != nil {
			writeIngestError(ctx, logger, err)
			return
		}

		jsonResponse(ctx, fasthttp.StatusOK, acceptedBody{
			Success:        true,
			ID:             out.RecordID,
			Timestamp:      out.CreatedAt.UTC().Format(time.RFC3339Nano),
			ResponseTimeMs: out.Elapsed.Milliseconds(),
			Classification: out.Classification,
			AbuseScore:     out.AbuseScore,
		})
		if !out.HasRelay() {
			p.Relay(out)
			return
		}
		afterResponse(ctx, logger, func() { p.Relay(out) })
	}
}

// Describe returns the public description of an endpoint.
func Describe(p Pipeline, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		desc, err := p.Describe(ctx, pathParam(ctx, "identity"), pathParam(ctx, "endpoint"), baseURL(ctx))
		if err != nil {
			writeIngestError(ctx, logger, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"success":  true,
			"endpoint": desc,
		})
	}
}
