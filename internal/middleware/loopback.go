package middleware

import (
	"log/slog"
	"net"
	"net/http"
)

// Loopback rejects requests that do not originate from the local host.
// The daemon trusts local loopback and nothing else; there is no other
// authentication layer.
func Loopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			slog.Warn("rejected non-loopback request", "remote", r.RemoteAddr, "path", r.URL.Path)
			http.Error(w, "loopback only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
