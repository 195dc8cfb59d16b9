package filter

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is how long a per-IP limiter may go unused before Purge
// drops it.
const limiterIdle = time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// AddressFilter is the admission filter in front of the server socket: a
// block list with optional expiry and a token bucket per source IP for
// packets that do not belong to a connection yet.
type AddressFilter struct {
	mu       sync.Mutex
	blocked  map[string]time.Time // ip -> unblock time, zero means never
	limit    rate.Limit
	burst    int
	limiters map[string]*limiterEntry
}

// NewAddressFilter creates a filter allowing perSecond unconnected packets
// per IP with the given burst. perSecond <= 0 disables rate limiting.
func NewAddressFilter(perSecond float64, burst int) *AddressFilter {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &AddressFilter{
		blocked:  make(map[string]time.Time),
		limit:    limit,
		burst:    burst,
		limiters: make(map[string]*limiterEntry),
	}
}

// Block refuses ip for d. A non-positive d blocks until Unblock is called.
func (f *AddressFilter) Block(ip net.IP, d time.Duration, now time.Time) {
	var until time.Time
	if d > 0 {
		until = now.Add(d)
	}
	f.mu.Lock()
	f.blocked[ip.String()] = until
	f.mu.Unlock()
}

// Unblock reports whether ip was blocked.
func (f *AddressFilter) Unblock(ip net.IP) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ip.String()
	_, ok := f.blocked[key]
	delete(f.blocked, key)
	return ok
}

func (f *AddressFilter) IsBlocked(ip net.IP, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	until, ok := f.blocked[ip.String()]
	if !ok {
		return false
	}
	return until.IsZero() || now.Before(until)
}

// Allow takes one token from ip's bucket.
func (f *AddressFilter) Allow(ip net.IP, now time.Time) bool {
	if f.limit == rate.Inf {
		return true
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ip.String()
	e, ok := f.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(f.limit, f.burst)}
		f.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// Purge drops expired blocks and idle limiters. It returns the addresses
// that became unblocked.
func (f *AddressFilter) Purge(now time.Time) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var unblocked []string
	for ip, until := range f.blocked {
		if !until.IsZero() && !now.Before(until) {
			delete(f.blocked, ip)
			unblocked = append(unblocked, ip)
		}
	}
	for ip, e := range f.limiters {
		if now.Sub(e.lastSeen) > limiterIdle {
			delete(f.limiters, ip)
		}
	}
	return unblocked
}

// Blocked returns the number of blocked addresses, expired ones included
// until the next Purge.
func (f *AddressFilter) Blocked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocked)
}
