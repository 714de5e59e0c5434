package server

import (
	"crypto/subtle"
	"net"
	"net/http"

	"github.com/runspace/runspace/internal/logging"
)

const apiKeyHeader = "X-API-Key"

// apiKeyAuth guards the API with a shared key carried in the X-API-Key
// header. With no key configured the check is disabled. Loopback
// clients may omit the header, but a wrong key is rejected even from
// loopback.
func apiKeyAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			got := r.Header.Get(apiKeyHeader)
			if got == "" && isLoopback(r.RemoteAddr) {
				next.ServeHTTP(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
				logging.Warn().Str("remote", r.RemoteAddr).Str("path", r.URL.Path).Msg("rejected request with invalid api key")
				writeDetail(w, http.StatusUnauthorized, "Invalid or missing API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
