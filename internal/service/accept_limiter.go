package service

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// acceptLimitEntry tracks a per-IP accept-rate limiter and when it was
// last used, so idle entries can be evicted.
type acceptLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipAcceptLimiter throttles new connection acceptance per source IP. It
// mirrors the admin HTTP surface's per-IP limiter but is a distinct
// instance scoped to the PBX listener: it gates Accept, never a command
// already flowing on an established connection.
type ipAcceptLimiter struct {
	mu              sync.Mutex
	entries         map[string]*acceptLimitEntry
	limit           rate.Limit
	burst           int
	cleanupInterval time.Duration
	maxAge          time.Duration
	stopCh          chan struct{}
	logger          *slog.Logger
}

// newIPAcceptLimiter creates a per-IP accept limiter and starts its
// background cleanup loop.
func newIPAcceptLimiter(r rate.Limit, burst int, logger *slog.Logger) *ipAcceptLimiter {
	l := &ipAcceptLimiter{
		entries:         make(map[string]*acceptLimitEntry),
		limit:           r,
		burst:           burst,
		cleanupInterval: 5 * time.Minute,
		maxAge:          10 * time.Minute,
		stopCh:          make(chan struct{}),
		logger:          logger.With("component", "accept_limiter"),
	}
	go l.cleanupLoop()
	return l
}

// allow reports whether a new connection from ip may be accepted.
func (l *ipAcceptLimiter) allow(ip string) bool {
	l.mu.Lock()
	entry, ok := l.entries[ip]
	if !ok {
		entry = &acceptLimitEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[ip] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// stop terminates the background cleanup goroutine.
func (l *ipAcceptLimiter) stop() {
	close(l.stopCh)
}

func (l *ipAcceptLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

func (l *ipAcceptLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.maxAge)
	removed := 0
	for ip, entry := range l.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(l.entries, ip)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug("accept limiter cleanup", "removed", removed, "remaining", len(l.entries))
	}
}
