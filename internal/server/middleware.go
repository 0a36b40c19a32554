package server

import (
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/MrWong99/koschei/internal/observe"
)

// cors answers preflight requests and sets Access-Control-Allow-Origin for
// allowed origins. "*" in origins allows every origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := slices.Contains(origins, "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				_, ok := allowed[origin]
				switch {
				case allowAll:
					w.Header().Set("Access-Control-Allow-Origin", "*")
				case ok:
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				if allowAll || ok {
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Traceparent")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// unlimitedPaths are health and scrape endpoints exempt from rate limiting.
var unlimitedPaths = []string{"/healthz", "/readyz", "/metrics"}

const (
	visitorTTL    = 3 * time.Minute
	sweepInterval = time.Minute
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client IP. Idle buckets are swept
// on access, so no background goroutine outlives the handler.
type rateLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *observe.Metrics
	now     func() time.Time

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
}

func newRateLimiter(rps float64, burst int, m *observe.Metrics) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		metrics:  m,
		now:      time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (rl *rateLimiter) allow(key string) bool {
	now := rl.now()
	rl.mu.Lock()
	if now.Sub(rl.lastSweep) > sweepInterval {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

func (rl *rateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if slices.Contains(unlimitedPaths, r.URL.Path) || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allow(clientIP(r)) {
			rl.metrics.RateLimited.Add(r.Context(), 1,
				metric.WithAttributes(observe.Attr("path", r.URL.Path)))
			observe.Logger(r.Context()).Warn("rate limited", "client", clientIP(r), "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{
				Error:   "rate_limited",
				Message: "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
