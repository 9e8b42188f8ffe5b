package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type contextKey string

const (
	// ClientKeyKey is the context key for the admission key (client IP).
	ClientKeyKey contextKey = "client_key"
	// CountryKey is the context key for the edge-provided country code.
	CountryKey contextKey = "country"
)

// ClientContext extracts the client identity used by admission control and
// the country hint forwarded by the edge. The IP comes from the first hop of
// X-Forwarded-For when present, otherwise from the socket address. The
// country code is taken verbatim from CF-IPCountry or X-Country; the gateway
// never geolocates on its own.
func ClientContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ClientKeyKey, clientIP(r))
		ctx = context.WithValue(ctx, CountryKey, country(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func country(r *http.Request) string {
	if c := r.Header.Get("CF-IPCountry"); c != "" {
		return strings.ToUpper(strings.TrimSpace(c))
	}
	if c := r.Header.Get("X-Country"); c != "" {
		return strings.ToUpper(strings.TrimSpace(c))
	}
	return ""
}

// GetClientKey retrieves the admission key from the request context.
func GetClientKey(ctx context.Context) string {
	if v, ok := ctx.Value(ClientKeyKey).(string); ok {
		return v
	}
	return ""
}

// GetCountry retrieves the country code from the request context.
func GetCountry(ctx context.Context) string {
	if v, ok := ctx.Value(CountryKey).(string); ok {
		return v
	}
	return ""
}
