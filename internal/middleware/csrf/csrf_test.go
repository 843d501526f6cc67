package csrf

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bossbrainz/guardrail/config"
)

var testSecret = []byte("test-secret-key-32bytes!!!!!!!!!")

func baseCfg() config.CSRFConfig {
	return config.DefaultConfig().Security.CSRF
}

func newTestGuard(t *testing.T, cfg config.CSRFConfig) (*Guard, *Codec) {
	t.Helper()
	codec := NewCodec(testSecret)
	return NewGuard(codec, cfg, true), codec
}

func mustToken(t *testing.T, c *Codec) string {
	t.Helper()
	tok, err := c.Generate()
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func postWith(cookie, header string) *http.Request {
	req := httptest.NewRequest("POST", "/api/chat", strings.NewReader("{}"))
	if cookie != "" {
		req.AddCookie(&http.Cookie{Name: "__csrf", Value: cookie})
	}
	if header != "" {
		req.Header.Set("x-csrf-token", header)
	}
	return req
}

func okHandler(called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	})
}

func TestCheckReasons(t *testing.T) {
	g, codec := newTestGuard(t, baseCfg())
	tok := mustToken(t, codec)
	other := mustToken(t, codec)
	forged := mustToken(t, NewCodec([]byte("some-other-secret-entirely-32byt")))

	tests := []struct {
		name   string
		cookie string
		header string
		ok     bool
		reason string
	}{
		{"valid", tok, tok, true, ""},
		{"no cookie", "", tok, false, ReasonCookieMissing},
		{"no header", tok, "", false, ReasonHeaderMissing},
		{"nothing", "", "", false, ReasonCookieMissing},
		{"length differs", tok, tok[:10], false, ReasonLengthMismatch},
		{"two valid tokens", tok, other, false, ReasonTokenMismatch},
		{"foreign secret", forged, forged, false, ReasonInvalidSignature},
		{"garbage pair", "abc", "abc", false, ReasonInvalidSignature},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := g.Check(postWith(tt.cookie, tt.header))
			if ok != tt.ok || reason != tt.reason {
				t.Errorf("Check = (%v, %q), want (%v, %q)", ok, reason, tt.ok, tt.reason)
			}
		})
	}
}

func TestCheckIsIdempotent(t *testing.T) {
	g, codec := newTestGuard(t, baseCfg())
	tok := mustToken(t, codec)

	req := postWith(tok, tok)
	for i := 0; i < 3; i++ {
		if ok, reason := g.Check(req); !ok {
			t.Fatalf("attempt %d rejected: %s", i, reason)
		}
	}
}

func TestMiddlewareRejectsMutatingWithoutToken(t *testing.T) {
	g, _ := newTestGuard(t, baseCfg())

	var called bool
	rec := httptest.NewRecorder()
	g.Middleware()(okHandler(&called)).ServeHTTP(rec, postWith("", ""))

	if called {
		t.Fatal("handler should not run")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if body["kind"] != "forbidden" {
		t.Errorf("kind = %v", body["kind"])
	}
	if strings.Contains(rec.Body.String(), ReasonCookieMissing) {
		t.Error("rejection reason should not reach the client")
	}

	st := g.Status()
	if st.Rejected != 1 || st.MissingToken != 1 {
		t.Errorf("status = %+v", st)
	}
}

func TestMiddlewareAcceptsValidToken(t *testing.T) {
	g, codec := newTestGuard(t, baseCfg())
	tok := mustToken(t, codec)

	for _, method := range []string{"POST", "PUT", "PATCH", "DELETE"} {
		t.Run(method, func(t *testing.T) {
			req := postWith(tok, tok)
			req.Method = method
			var called bool
			rec := httptest.NewRecorder()
			g.Middleware()(okHandler(&called)).ServeHTTP(rec, req)
			if !called || rec.Code != http.StatusOK {
				t.Errorf("called=%v status=%d", called, rec.Code)
			}
		})
	}
}

func TestMiddlewarePassesSafeMethods(t *testing.T) {
	g, _ := newTestGuard(t, baseCfg())

	for _, method := range []string{"GET", "HEAD", "OPTIONS"} {
		var called bool
		req := httptest.NewRequest(method, "/api/chat", nil)
		g.Middleware()(okHandler(&called)).ServeHTTP(httptest.NewRecorder(), req)
		if !called {
			t.Errorf("%s should pass without a token", method)
		}
	}
	if g.Status().TotalChecks != 0 {
		t.Error("safe methods should not be counted as checks")
	}
}

func TestMiddlewareShadowMode(t *testing.T) {
	cfg := baseCfg()
	cfg.ShadowMode = true
	g, _ := newTestGuard(t, cfg)

	var called bool
	rec := httptest.NewRecorder()
	g.Middleware()(okHandler(&called)).ServeHTTP(rec, postWith("", ""))

	if !called {
		t.Fatal("shadow mode should let the request through")
	}
	if g.Status().Rejected != 1 {
		t.Error("shadow mode should still count the rejection")
	}
}

func TestMiddlewareExemptPaths(t *testing.T) {
	cfg := baseCfg()
	cfg.ExemptPaths = []string{"/api/webhooks/*"}
	g, _ := newTestGuard(t, cfg)

	var called bool
	req := httptest.NewRequest("POST", "/api/webhooks/stripe", nil)
	g.Middleware()(okHandler(&called)).ServeHTTP(httptest.NewRecorder(), req)
	if !called {
		t.Error("exempt path should pass")
	}
}

func TestIssueSetsCookie(t *testing.T) {
	g, codec := newTestGuard(t, baseCfg())

	rec := httptest.NewRecorder()
	tok, err := g.Issue(rec, httptest.NewRequest("GET", "/api/csrf", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !codec.Validate(tok) {
		t.Fatal("issued token does not validate")
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected 1 cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != "__csrf" || c.Value != tok {
		t.Errorf("cookie = %s=%s", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode || c.Path != "/" {
		t.Errorf("cookie attributes = %+v", c)
	}
	if c.MaxAge != 86400 {
		t.Errorf("MaxAge = %d, want 86400", c.MaxAge)
	}
}

func TestIssueReusesValidCookie(t *testing.T) {
	g, codec := newTestGuard(t, baseCfg())
	existing := mustToken(t, codec)

	req := httptest.NewRequest("GET", "/api/csrf", nil)
	req.AddCookie(&http.Cookie{Name: "__csrf", Value: existing})
	rec := httptest.NewRecorder()

	tok, err := g.Issue(rec, req)
	if err != nil {
		t.Fatal(err)
	}
	if tok != existing {
		t.Error("valid existing token should be returned")
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Error("no new cookie expected")
	}
}

func TestTokenHandler(t *testing.T) {
	g, codec := newTestGuard(t, baseCfg())

	rec := httptest.NewRecorder()
	g.TokenHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/csrf", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !codec.Validate(body.Token) {
		t.Error("token in body does not validate")
	}

	// The issued pair must satisfy the guard.
	if ok, reason := g.Check(postWith(body.Token, body.Token)); !ok {
		t.Errorf("round trip rejected: %s", reason)
	}
}

func TestInsecureCookieOutsideProduction(t *testing.T) {
	g := NewGuard(NewCodec(testSecret), baseCfg(), false)
	rec := httptest.NewRecorder()
	if _, err := g.Issue(rec, httptest.NewRequest("GET", "/api/csrf", nil)); err != nil {
		t.Fatal(err)
	}
	if rec.Result().Cookies()[0].Secure {
		t.Error("cookie should not be Secure when secureCookie is false")
	}
}
