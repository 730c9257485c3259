package handlers

import (
	"bytes"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	httpctx "hookinbox/internal/http/ctx"
	"hookinbox/internal/http/middleware"
	"hookinbox/internal/metrics"
)

// OwnerMetrics exposes the metrics of the key's owner in the prometheus
// text format. Families without an owner label are not shown.
func OwnerMetrics(gatherer prometheus.Gatherer, logger *zap.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key, ok := httpctx.APIKeyFromCtx(ctx)
		if !ok {
			middleware.WriteError(ctx, fasthttp.StatusUnauthorized, "invalid_api_key", "invalid API key")
			return
		}
		owner := strconv.FormatUint(uint64(key.OwnerID), 10)

		families, err := gatherer.Gather()
		if err != nil {
			logger.Error("failed to gather metrics", zap.Error(err))
			middleware.WriteError(ctx, fasthttp.StatusInternalServerError, "internal", "failed to gather metrics")
			return
		}

		var buf bytes.Buffer
		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		encoder := expfmt.NewEncoder(&buf, format)
		for _, mf := range filterOwner(families, owner) {
			if err := encoder.Encode(mf); err != nil {
				logger.Error("failed to encode metrics", zap.Error(err))
				middleware.WriteError(ctx, fasthttp.StatusInternalServerError, "internal", "failed to encode metrics")
				return
			}
		}

		ctx.SetContentType(string(format))
		ctx.Response.Header.Set("Cache-Control", "no-store")
		ctx.SetBody(buf.Bytes())
	}
}

func filterOwner(families []*dto.MetricFamily, owner string) []*dto.MetricFamily {
	filtered := make([]*dto.MetricFamily, 0, len(families))
	for _, mf := range families {
		var kept []*dto.Metric
		for _, m := range mf.GetMetric() {
			if labelValue(m, metrics.OwnerLabel) == owner {
				kept = append(kept, m)
			}
		}
		if len(kept) == 0 {
			continue
		}
		filtered = append(filtered, &dto.MetricFamily{
			Name:   mf.Name,
			Help:   mf.Help,
			Type:   mf.Type,
			Metric: kept,
		})
	}
	return filtered
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}
