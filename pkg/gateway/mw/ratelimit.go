package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-live/pkg/gateway/apierror"
	"github.com/vango-go/vai-live/pkg/gateway/config"
	"github.com/vango-go/vai-live/pkg/gateway/principal"
	"github.com/vango-go/vai-live/pkg/gateway/ratelimit"
)

// RateLimit spends an upgrade token for every live connection attempt. Other
// routes pass through untouched.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/live" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		who := principal.Resolve(r, cfg.TrustProxyHeaders)
		dec := limiter.AcquireUpgrade(who.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			apiErr := &apierror.Error{
				Type:    apierror.TypeRateLimit,
				Message: "rate limit exceeded",
			}
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				apiErr.RetryAfter = &v
			}
			apierror.Write(w, http.StatusTooManyRequests, reqID, apiErr)
			return
		}

		next.ServeHTTP(w, r)
	})
}
