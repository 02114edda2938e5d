package rest

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// RateLimiter allows a fixed number of requests per client in each window.
// A client's window starts with its first request.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters *cache.Cache
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: cache.New(window, 2*window),
	}
}

// Allow counts a request for key and reports whether it is within the limit,
// along with how many requests remain and when the window resets.
func (l *RateLimiter) Allow(key string) (bool, int, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 1

	if err := l.counters.Add(key, count, l.window); err != nil {
		n, err := l.counters.IncrementInt(key, 1)
		if err != nil {
			// expired between Add and IncrementInt
			l.counters.Set(key, count, l.window)
		} else {
			count = n
		}
	}

	_, reset, _ := l.counters.GetWithExpiration(key)

	return count <= l.limit, max(0, l.limit-count), reset
}

// Middleware rejects clients over the limit with 429.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, remaining, reset := l.Allow(clientKey(r))

		w.Header().Set("RateLimit-Limit", strconv.Itoa(l.limit))
		w.Header().Set("RateLimit-Remaining", strconv.Itoa(remaining))

		if !ok {
			retry := max(1, int(time.Until(reset).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, r, http.StatusTooManyRequests, errorResponse{Error: "Too many requests, please try again later."})

			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}

	return host
}
