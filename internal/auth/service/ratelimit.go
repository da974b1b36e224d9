package service

import (
	"sync"
	"time"
)

type loginAttempt struct {
	count   int
	firstAt time.Time
}

// LoginLimiter tracks failed login attempts per remote address inside a
// sliding window.
type LoginLimiter struct {
	mu       sync.Mutex
	attempts map[string]*loginAttempt
	window   time.Duration
	maxTries int
}

// NewLoginLimiter creates a limiter allowing maxTries failures per window.
func NewLoginLimiter(window time.Duration, maxTries int) *LoginLimiter {
	return &LoginLimiter{
		attempts: make(map[string]*loginAttempt),
		window:   window,
		maxTries: maxTries,
	}
}

// Allow reports whether a login attempt from addr may proceed.
func (l *LoginLimiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	a, ok := l.attempts[addr]
	if !ok || now.Sub(a.firstAt) > l.window {
		return true
	}
	return a.count < l.maxTries
}

// RecordFailure counts a failed attempt against addr.
func (l *LoginLimiter) RecordFailure(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	a, ok := l.attempts[addr]
	if !ok || now.Sub(a.firstAt) > l.window {
		l.attempts[addr] = &loginAttempt{count: 1, firstAt: now}
		return
	}
	a.count++
}

// RecordSuccess clears the counter for addr.
func (l *LoginLimiter) RecordSuccess(addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, addr)
}
