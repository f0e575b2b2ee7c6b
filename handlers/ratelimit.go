package handlers

import (
	"sync"

	"golang.org/x/time/rate"
)

// IPRateLimiter は呼び出し元IPごとのトークンバケット。モデレーション
// エンドポイントが外部ジャッジを浪費しないための防波堤
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

func NewIPRateLimiter(perMin int) *IPRateLimiter {
	if perMin <= 0 {
		perMin = 6
	}
	return &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		perMin:   perMin,
	}
}

// Allow reports whether the caller may proceed.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.limiters[ip] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
