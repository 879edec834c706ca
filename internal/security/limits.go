// Package security provides the relay's rate limiting and input validation.
package security

import (
	"regexp"
	"sync"
	"time"
)

// Limits caps connection and message volume on the relay.
var Limits = struct {
	MaxConnectionsPerIP  int
	MaxMessagesPerMinute int
	MaxMessageSize       int
	MaxDeltaSize         int
}{
	MaxConnectionsPerIP:  50,
	MaxMessagesPerMinute: 500,
	MaxMessageSize:       2_000_000, // 2MB
	MaxDeltaSize:         1_000_000, // 1MB of encoded CRDT ops
}

// PageIDPattern validates page ids before they reach the hub.
var PageIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_:-]+$`)

// ValidPageID reports whether a page id is acceptable.
func ValidPageID(pageID string) bool {
	return pageID != "" && len(pageID) <= 128 && PageIDPattern.MatchString(pageID)
}

// ConnectionLimiter tracks open connections per IP.
type ConnectionLimiter struct {
	connections map[string]int
	mu          sync.RWMutex
}

// NewConnectionLimiter creates a connection limiter.
func NewConnectionLimiter() *ConnectionLimiter {
	return &ConnectionLimiter{connections: make(map[string]int)}
}

// CanConnect checks whether ip may open another connection.
func (cl *ConnectionLimiter) CanConnect(ip string) bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.connections[ip] < Limits.MaxConnectionsPerIP
}

// AddConnection records a new connection from ip.
func (cl *ConnectionLimiter) AddConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	cl.connections[ip]++
}

// RemoveConnection releases a connection from ip.
func (cl *ConnectionLimiter) RemoveConnection(ip string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if count := cl.connections[ip]; count <= 1 {
		delete(cl.connections, ip)
	} else {
		cl.connections[ip]--
	}
}

// RateLimiter tracks messages per connection over a sliding one-minute
// window.
type RateLimiter struct {
	messages map[string][]time.Time
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		messages: make(map[string][]time.Time),
		stopCh:   make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.cleanup()
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *RateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	for connID, timestamps := range rl.messages {
		recent := timestamps[:0]
		for _, ts := range timestamps {
			if now.Sub(ts) < time.Minute {
				recent = append(recent, ts)
			}
		}
		if len(recent) == 0 {
			delete(rl.messages, connID)
		} else {
			rl.messages[connID] = recent
		}
	}
}

// Allow records a message and reports whether the connection is inside its
// budget.
func (rl *RateLimiter) Allow(connectionID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	count := 0
	for _, ts := range rl.messages[connectionID] {
		if now.Sub(ts) < time.Minute {
			count++
		}
	}
	if count >= Limits.MaxMessagesPerMinute {
		return false
	}
	rl.messages[connectionID] = append(rl.messages[connectionID], now)
	return true
}

// RemoveConnection drops tracking data for a closed connection.
func (rl *RateLimiter) RemoveConnection(connectionID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.messages, connectionID)
}

// Dispose stops the cleanup loop.
func (rl *RateLimiter) Dispose() {
	close(rl.stopCh)
}
