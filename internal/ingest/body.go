package ingest

import (
	"bytes"
	"maps"
	"mime"
	"net/url"
	"slices"
	"strings"
	"unicode/utf8"

	"hookinbox/internal/payload"
)

// decodeBody turns a raw body into a payload value according to its
// content type. Bodies without a JSON or form content type are parsed as
// JSON when they look like it and kept as text otherwise.
func decodeBody(body []byte, contentType string, lim payload.Limits) (payload.Value, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return payload.Null{}, nil
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case isJSONMedia(mediaType):
		return payload.Parse(body, lim)
	case mediaType == "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return nil, err
		}
		return payload.FromAny(flattenForm(values), lim), nil
	}

	trimmed := bytes.TrimSpace(body)
	if trimmed[0] == '{' || trimmed[0] == '[' {
		if v, err := payload.Parse(body, lim); err == nil {
			return v, nil
		}
	}
	if !utf8.Valid(body) {
		return nil, payload.ErrMalformed
	}
	return payload.String(body), nil
}

func isJSONMedia(mt string) bool {
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// flattenForm keeps single valued fields as strings.
func flattenForm(values url.Values) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		if len(v) == 1 {
			out[k] = v[0]
		} else {
			out[k] = v
		}
	}
	return out
}

const (
	maxStoredHeaders     = 32
	maxStoredHeaderValue = 512
)

var storedHeaders = map[string]bool{
	"accept":           true,
	"content-type":     true,
	"content-length":   true,
	"content-encoding": true,
	"origin":           true,
	"referer":          true,
	"user-agent":       true,
}

// secretHeaders never leave the request, not even for classification.
var secretHeaders = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
	"x-api-key":           true,
}

// classifierHeaders drops credentials from the request headers.
func classifierHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if !secretHeaders[k] {
			out[k] = v
		}
	}
	return out
}

// HeaderSubset is the part of the request headers that is stored and
// relayed: a short allow-list plus non-credential X- headers. Signature
// headers of upstream senders are dropped. Past the cap, the first names
// in lexical order win.
func HeaderSubset(h map[string]string) map[string]string {
	out := make(map[string]string)
	for _, k := range slices.Sorted(maps.Keys(h)) {
		if len(out) >= maxStoredHeaders {
			break
		}
		if secretHeaders[k] || !storedHeaders[k] && !storableXHeader(k) {
			continue
		}
		v := h[k]
		if len(v) > maxStoredHeaderValue {
			v = v[:maxStoredHeaderValue]
		}
		out[k] = v
	}
	return out
}

func storableXHeader(k string) bool {
	if !strings.HasPrefix(k, "x-") {
		return false
	}
	for _, s := range []string{"signature", "hmac", "token", "secret", "forwarded"} {
		if strings.Contains(k, s) {
			return false
		}
	}
	return true
}
