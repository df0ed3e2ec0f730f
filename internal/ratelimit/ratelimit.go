package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-mods/internal/httpmw"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	// warned is set after the first denial so the log hook fires once per
	// visitor lifetime
	warned bool
}

// Limiter keeps one token bucket per client key and evicts idle keys in the
// background.
type Limiter struct {
	name string

	mu       sync.Mutex
	visitors map[string]*visitor
	full     bool

	limit       rate.Limit
	burst       int
	ttl         time.Duration
	maxVisitors int
	retryAfter  time.Duration

	onFirstDenied func(name, key string)
	onDenied      func(name, key string)
	onCapacity    func(name string)
}

type Option func(*Limiter)

// WithRate refills perSecond tokens each second into a bucket of size burst.
func WithRate(perSecond float64, burst int) Option {
	return func(l *Limiter) {
		l.limit = rate.Limit(perSecond)
		l.burst = burst
	}
}

// WithPerMinute allows n requests per minute per key, all of which may be
// spent at once.
func WithPerMinute(n int) Option {
	return func(l *Limiter) {
		l.limit = rate.Every(time.Minute / time.Duration(max(n, 1)))
		l.burst = max(n, 1)
	}
}

func WithTTL(d time.Duration) Option {
	return func(l *Limiter) { l.ttl = d }
}

// WithMaxVisitors caps the number of tracked keys. Unknown keys are denied
// while the map is full. Zero disables the cap.
func WithMaxVisitors(n int) Option {
	return func(l *Limiter) { l.maxVisitors = n }
}

func WithRetryAfter(d time.Duration) Option {
	return func(l *Limiter) { l.retryAfter = d }
}

// WithOnFirstDenied fires once per tracked key, for logging.
func WithOnFirstDenied(fn func(name, key string)) Option {
	return func(l *Limiter) { l.onFirstDenied = fn }
}

// WithOnDenied fires on every denial, for metrics.
func WithOnDenied(fn func(name, key string)) Option {
	return func(l *Limiter) { l.onDenied = fn }
}

// WithOnCapacity fires when the visitor map first fills up. It re-arms once
// eviction brings the map back under the cap.
func WithOnCapacity(fn func(name string)) Option {
	return func(l *Limiter) { l.onCapacity = fn }
}

// New starts the eviction loop, which stops when ctx is done.
func New(ctx context.Context, name string, opts ...Option) *Limiter {
	l := &Limiter{
		name:        name,
		visitors:    make(map[string]*visitor),
		limit:       10,
		burst:       30,
		ttl:         5 * time.Minute,
		maxVisitors: 100000,
		retryAfter:  30 * time.Second,
	}
	for _, o := range opts {
		o(l)
	}
	go l.evict(ctx)
	return l
}

func (l *Limiter) Name() string { return l.name }

// Allow reports whether key may proceed and consumes a token when it does.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		if l.maxVisitors > 0 && len(l.visitors) >= l.maxVisitors {
			first := !l.full
			l.full = true
			l.mu.Unlock()
			if first && l.onCapacity != nil {
				l.onCapacity(l.name)
			}
			if l.onDenied != nil {
				l.onDenied(l.name, key)
			}
			return false
		}
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = time.Now()
	allowed := v.limiter.Allow()
	first := !allowed && !v.warned
	if first {
		v.warned = true
	}
	l.mu.Unlock()

	if allowed {
		return true
	}
	if first && l.onFirstDenied != nil {
		l.onFirstDenied(l.name, key)
	}
	if l.onDenied != nil {
		l.onDenied(l.name, key)
	}
	return false
}

func (l *Limiter) evict(ctx context.Context) {
	t := time.NewTicker(l.ttl / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.mu.Lock()
			for k, v := range l.visitors {
				if now.Sub(v.lastSeen) > l.ttl {
					delete(l.visitors, k)
				}
			}
			if l.maxVisitors <= 0 || len(l.visitors) < l.maxVisitors {
				l.full = false
			}
			l.mu.Unlock()
		}
	}
}

// Middleware keys on the client ip resolved by httpmw.ClientIP and answers
// denied requests with 429 and a JSON error body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(httpmw.ClientIPFromContext(r.Context())) {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("Retry-After", strconv.Itoa(int(l.retryAfter.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
