package client

import (
	"sync"
	"time"
)

// Breaker is an optional per-host circuit breaker. When network failures
// against a host reach Threshold within Window, calls to that host fail fast
// with SERVICE_UNAVAILABLE for OpenFor. Any successful response resets the
// host.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	openFor   time.Duration

	hosts map[string]*hostState
}

type hostState struct {
	failCount int
	firstFail time.Time
	openUntil time.Time
}

type BreakerOptions struct {
	Threshold int
	Window    time.Duration
	OpenFor   time.Duration
}

func NewBreaker(opt BreakerOptions) *Breaker {
	if opt.Threshold <= 0 {
		opt.Threshold = 5
	}
	if opt.Window <= 0 {
		opt.Window = 10 * time.Second
	}
	if opt.OpenFor <= 0 {
		opt.OpenFor = 5 * time.Second
	}
	return &Breaker{
		threshold: opt.Threshold,
		window:    opt.Window,
		openFor:   opt.OpenFor,
		hosts:     make(map[string]*hostState),
	}
}

func (b *Breaker) allow(host string) bool {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.hosts[host]
	if !ok {
		return true
	}
	if !s.openUntil.IsZero() && now.Before(s.openUntil) {
		return false
	}
	return true
}

func (b *Breaker) success(host string) {
	b.mu.Lock()
	delete(b.hosts, host)
	b.mu.Unlock()
}

func (b *Breaker) failure(host string) (opened bool) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.hosts[host]
	if !ok {
		b.hosts[host] = &hostState{failCount: 1, firstFail: now}
		return false
	}
	if now.Sub(s.firstFail) > b.window {
		s.failCount = 1
		s.firstFail = now
		s.openUntil = time.Time{}
		return false
	}
	s.failCount++
	if s.failCount >= b.threshold {
		s.openUntil = now.Add(b.openFor)
		return true
	}
	return false
}
