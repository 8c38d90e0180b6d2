// ABOUTME: HTTP middleware for request metrics, admin auth and websocket origin checks
// ABOUTME: Auth is skipped entirely when the gateway runs without a jwt_secret

package gateway

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/2389/concierge/internal/auth"
	"github.com/2389/concierge/internal/metrics"
)

// statusRecorder captures the response status for metrics. It keeps the
// Flusher and Hijacker of the wrapped writer so SSE and websockets work.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// handle registers h under pattern with request counting.
func (g *Gateway) handle(mux *http.ServeMux, pattern string, h http.Handler) {
	route := pattern
	if _, path, ok := strings.Cut(pattern, " "); ok {
		route = path
	}
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		h.ServeHTTP(rec, r)
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	}))
}

// requireAdmin enforces admin auth when it is enabled.
func (g *Gateway) requireAdmin(next http.Handler) http.Handler {
	if g.authn == nil {
		return next
	}
	return auth.HTTPAuthMiddleware(g.authn)(next)
}

// optionalAuth attaches the admin when a valid token is present.
func (g *Gateway) optionalAuth(next http.Handler) http.Handler {
	if g.authn == nil {
		return next
	}
	return auth.OptionalAuthMiddleware(g.authn)(next)
}

// authEnabled reports whether admin endpoints require a token.
func (g *Gateway) authEnabled() bool {
	return g.authn != nil
}

// originChecker allows same-origin requests, plus any listed origin. A "*"
// entry allows everything.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(o, "/")] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || set["*"] || set[origin] {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}
