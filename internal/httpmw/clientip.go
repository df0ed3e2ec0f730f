package httpmw

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions controls how far X-Forwarded-For is trusted.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the server.
	// Zero ignores X-Forwarded-For. One takes the rightmost entry, two the
	// entry before it, and so on.
	TrustedHops int
}

// ClientIP resolves the client address and stores it in the request context
// for the rate limiters and the request logger.
func ClientIP(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolveClientIP(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// resolveClientIP only honours forwarding headers when the peer is on a
// private network and proxies are configured. Otherwise the headers are
// stripped so nothing downstream reads them.
func resolveClientIP(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return "0.0.0.0"
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return "0.0.0.0"
	}

	if trustedHops <= 0 || !(peer.IsPrivate() || peer.IsLoopback()) {
		stripForwarded(r)
		return host
	}

	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	hops := strings.Split(xff, ",")
	idx := len(hops) - trustedHops
	if idx < 0 {
		// fewer hops than proxies: header is forged or the config is wrong
		stripForwarded(r)
		return host
	}
	if candidate := strings.TrimSpace(hops[idx]); net.ParseIP(candidate) != nil {
		return candidate
	}
	return host
}

func stripForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
