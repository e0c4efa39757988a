package agent

import (
	"sync"

	"golang.org/x/time/rate"
)

// Per-minute budgets per rate-limit class. Buckets key on the API key, not
// the client IP: all requests may arrive through a tunnel from one
// apparent origin.
var classLimits = map[string]int{
	ClassGlobal: 100,
	ClassOrders: 10,
	ClassCollab: 30,
	ClassEvals:  10,
}

// RateLimiter holds per-(apiKey, class) token buckets
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates an empty limiter; buckets are created on first use
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{buckets: make(map[string]*rate.Limiter)}
}

func (l *RateLimiter) bucket(apiKey, class string) *rate.Limiter {
	key := apiKey + "|" + class
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.buckets[key]; ok {
		return lim
	}
	perMin := classLimits[class]
	if perMin <= 0 {
		perMin = classLimits[ClassGlobal]
	}
	lim := rate.NewLimiter(rate.Limit(float64(perMin)/60.0), perMin)
	l.buckets[key] = lim
	return lim
}

// Allow consumes one token from the global bucket and, for non-global
// classes, one from the class bucket. A denial names the bucket that
// tripped and how long until the next token.
func (l *RateLimiter) Allow(apiKey, class string) error {
	if err := l.take(apiKey, ClassGlobal); err != nil {
		return err
	}
	if class == "" || class == ClassGlobal {
		return nil
	}
	return l.take(apiKey, class)
}

func (l *RateLimiter) take(apiKey, class string) error {
	lim := l.bucket(apiKey, class)
	if lim.Allow() {
		return nil
	}
	res := lim.Reserve()
	delay := res.Delay()
	res.Cancel()
	return &RateLimitError{Bucket: class, RetryAfter: delay}
}
