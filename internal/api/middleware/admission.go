package middleware

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/pkg/models"
)

// Admission gates a route subtree through the admission controller using the
// given route class. Rate-limit denials get 429 with a Retry-After header;
// active bans get 403. Release is always paired with a successful Admit so
// concurrency-cap classes see the request finish.
func Admission(ctrl *admission.Controller, class models.RouteClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := GetClientKey(r.Context())
			d := ctrl.Admit(key, class)

			switch {
			case d.Banned:
				writeDenial(w, http.StatusForbidden, string(models.KindBanned), d.RetryAfter)
				return
			case !d.Allowed:
				writeDenial(w, http.StatusTooManyRequests, string(models.KindAdmissionDenied), d.RetryAfter)
				return
			}
			defer ctrl.Release(key, class)

			next.ServeHTTP(w, r)
		})
	}
}

func writeDenial(w http.ResponseWriter, status int, code string, retryAfter time.Duration) {
	secs := int64(retryAfter.Seconds() + 0.5)
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error":           code,
		"retry_after_sec": secs,
	})
}
