package principal

import (
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-live/pkg/gateway/auth"
	"github.com/vango-go/vai-live/pkg/gateway/ratelimit"
)

func TestResolve_PrefersAPIKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{APIKey: "vai_sk_1"}))

	got := Resolve(r, false)
	if got.Kind != KindAPIKey || got.Key != ratelimit.PrincipalKeyFromAPIKey("vai_sk_1") {
		t.Fatalf("resolved = %+v", got)
	}
}

func TestResolve_IgnoresProxyHeadersUnlessTrusted(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := Resolve(r, false); got.Raw != "10.1.2.3" || got.Kind != KindIP {
		t.Fatalf("untrusted = %+v", got)
	}
	if got := Resolve(r, true); got.Raw != "203.0.113.9" {
		t.Fatalf("trusted = %+v", got)
	}

	r.Header.Set("CF-Connecting-IP", "198.51.100.7")
	if got := Resolve(r, true); got.Raw != "198.51.100.7" {
		t.Fatalf("cf header = %+v", got)
	}
}

func TestResolve_Anonymous(t *testing.T) {
	r := httptest.NewRequest("GET", "/v1/live", nil)
	r.RemoteAddr = "not-an-ip"
	if got := Resolve(r, false); got.Kind != KindAnon || got.Key != "anonymous" {
		t.Fatalf("resolved = %+v", got)
	}
	if got := Resolve(nil, false); got.Kind != KindAnon {
		t.Fatalf("nil request = %+v", got)
	}
}
