package ctx

import (
	"net"
	"testing"

	"github.com/valyala/fasthttp"

	"hookinbox/internal/apikey"
)

func newCtx(xff string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	var c fasthttp.RequestCtx
	c.Init(&req, &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 4000}, nil)
	return &c
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name  string
		xff   string
		trust bool
		want  string
	}{
		{"peer", "", false, "203.0.113.9"},
		{"untrusted header ignored", "198.51.100.1", false, "203.0.113.9"},
		{"first hop", "198.51.100.1, 10.0.0.1", true, "198.51.100.1"},
		{"garbage falls back", "not-an-ip", true, "203.0.113.9"},
		{"ipv6", " 2001:db8::1 ", true, "2001:db8::1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClientIP(newCtx(tt.xff), tt.trust); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValues(t *testing.T) {
	c := newCtx("")
	if got := ClientIPFromCtx(c); got != "203.0.113.9" {
		t.Errorf("ClientIPFromCtx without value = %q", got)
	}
	SetClientIP(c, "198.51.100.7")
	SetRequestID(c, "req-1")
	if ClientIPFromCtx(c) != "198.51.100.7" || RequestIDFromCtx(c) != "req-1" {
		t.Error("stored values not returned")
	}

	if _, ok := APIKeyFromCtx(c); ok {
		t.Error("APIKeyFromCtx reported a key before one was set")
	}
	SetAPIKey(c, apikey.Result{Reason: apikey.ReasonNotFound})
	if _, ok := APIKeyFromCtx(c); ok {
		t.Error("invalid result reported as a key")
	}
	SetAPIKey(c, apikey.Result{Valid: true, OwnerID: 3})
	if res, ok := APIKeyFromCtx(c); !ok || res.OwnerID != 3 {
		t.Errorf("APIKeyFromCtx = %+v, %v", res, ok)
	}
}
