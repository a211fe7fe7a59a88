package ws

import "sync"

// ConnLimiter caps concurrent websocket connections per source address.
// There is no backpressure beyond immediate rejection.
type ConnLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	max    int
}

// NewConnLimiter builds a limiter allowing up to max concurrent connections
// per address. max <= 0 disables the limit.
func NewConnLimiter(max int) *ConnLimiter {
	return &ConnLimiter{counts: make(map[string]int), max: max}
}

// Acquire reserves a slot for addr, reporting whether one was available.
func (l *ConnLimiter) Acquire(addr string) bool {
	if l.max <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[addr] >= l.max {
		return false
	}
	l.counts[addr]++
	return true
}

// Release frees the slot held by addr.
func (l *ConnLimiter) Release(addr string) {
	if l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := l.counts[addr]; n <= 1 {
		delete(l.counts, addr)
	} else {
		l.counts[addr] = n - 1
	}
}

// Active returns the live connection count for addr.
func (l *ConnLimiter) Active(addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[addr]
}
