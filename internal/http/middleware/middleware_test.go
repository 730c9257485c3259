package middleware

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"hookinbox/internal/apikey"
	dbpkg "hookinbox/internal/db"
	httpctx "hookinbox/internal/http/ctx"
)

func requestCtx(uri string, headers map[string]string) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.SetRequestURI(uri)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	var c fasthttp.RequestCtx
	c.Init(&req, nil, nil)
	return &c
}

func TestAPIKeyFromRequest(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		headers    map[string]string
		allowQuery bool
		want       string
	}{
		{"none", "/", nil, true, ""},
		{"header", "/", map[string]string{"X-Api-Key": " hk_a "}, false, "hk_a"},
		{"bearer", "/", map[string]string{"Authorization": "Bearer hk_b"}, false, "hk_b"},
		{"bearer lower case", "/", map[string]string{"Authorization": "bearer hk_b"}, false, "hk_b"},
		{"header wins", "/", map[string]string{"X-Api-Key": "hk_a", "Authorization": "Bearer hk_b"}, false, "hk_a"},
		{"basic ignored", "/", map[string]string{"Authorization": "Basic eDp5"}, false, ""},
		{"query allowed", "/?api-key=hk_q", nil, true, "hk_q"},
		{"query refused", "/?api-key=hk_q", nil, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := APIKeyFromRequest(requestCtx(tt.uri, tt.headers), tt.allowQuery); got != tt.want {
				t.Errorf("APIKeyFromRequest = %q, want %q", got, tt.want)
			}
		})
	}
}

type stubKeys map[string]apikey.Result

func (s stubKeys) Validate(_ context.Context, raw string) apikey.Result {
	if r, ok := s[raw]; ok {
		return r
	}
	return apikey.Result{Reason: apikey.ReasonNotFound}
}

func (s stubKeys) Touch(uint) {}

func errorCode(t *testing.T, c *fasthttp.RequestCtx) string {
	t.Helper()
	var body errorBody
	if err := json.Unmarshal(c.Response.Body(), &body); err != nil {
		t.Fatalf("decode %q: %v", c.Response.Body(), err)
	}
	return body.Error.Code
}

func TestKeyAuth(t *testing.T) {
	keys := stubKeys{
		"hk_good": {Valid: true, OwnerID: 7, KeyID: 1},
		"hk_down": {Reason: apikey.ReasonStoreError},
	}
	var seen apikey.Result
	h := KeyAuth(keys)(func(c *fasthttp.RequestCtx) {
		seen, _ = httpctx.APIKeyFromCtx(c)
		c.SetStatusCode(fasthttp.StatusOK)
	})

	tests := []struct {
		key    string
		status int
		code   string
	}{
		{"", fasthttp.StatusUnauthorized, "missing_api_key"},
		{"hk_bad", fasthttp.StatusUnauthorized, "invalid_api_key"},
		{"hk_down", fasthttp.StatusServiceUnavailable, "unavailable"},
		{"hk_good", fasthttp.StatusOK, ""},
	}
	for _, tt := range tests {
		c := requestCtx("/v1/metrics?api-key="+tt.key, nil)
		h(c)
		if c.Response.StatusCode() != tt.status {
			t.Fatalf("key %q: status = %d, want %d", tt.key, c.Response.StatusCode(), tt.status)
		}
		if tt.code != "" && errorCode(t, c) != tt.code {
			t.Errorf("key %q: code = %q, want %q", tt.key, errorCode(t, c), tt.code)
		}
	}
	if seen.OwnerID != 7 {
		t.Errorf("handler saw %+v", seen)
	}
}

type stubUsers map[string]*dbpkg.User

func (s stubUsers) UserByUsername(_ context.Context, username string) (*dbpkg.User, error) {
	if username == "broken" {
		return nil, errors.New("connection refused")
	}
	if u, ok := s[username]; ok {
		return u, nil
	}
	return nil, dbpkg.ErrNotFound
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	users := stubUsers{
		"root": {Username: "root", PasswordHash: string(hash), IsAdmin: true},
		"joe":  {Username: "joe", PasswordHash: string(hash)},
	}
	var admin string
	h := AdminAuth(users, zap.NewNop())(func(c *fasthttp.RequestCtx) {
		admin, _ = httpctx.AdminFromCtx(c)
		c.SetStatusCode(fasthttp.StatusOK)
	})

	basic := func(creds string) map[string]string {
		return map[string]string{"Authorization": "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))}
	}
	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"no credentials", nil, fasthttp.StatusUnauthorized},
		{"not base64", map[string]string{"Authorization": "Basic %%%"}, fasthttp.StatusUnauthorized},
		{"unknown user", basic("nobody:pw"), fasthttp.StatusUnauthorized},
		{"wrong password", basic("root:nope"), fasthttp.StatusUnauthorized},
		{"not admin", basic("joe:pw"), fasthttp.StatusUnauthorized},
		{"store down", basic("broken:pw"), fasthttp.StatusServiceUnavailable},
		{"admin", basic("root:pw"), fasthttp.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := requestCtx("/admin/cache/invalidate", tt.headers)
			h(c)
			if c.Response.StatusCode() != tt.status {
				t.Fatalf("status = %d, want %d", c.Response.StatusCode(), tt.status)
			}
			if tt.status == fasthttp.StatusUnauthorized && len(c.Response.Header.Peek("WWW-Authenticate")) == 0 {
				t.Error("missing WWW-Authenticate challenge")
			}
		})
	}
	if admin != "root" {
		t.Errorf("admin on context = %q", admin)
	}
}
