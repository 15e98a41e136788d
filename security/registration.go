package security

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultRegistrationWindow is the sliding window registrations
	// are counted over.
	DefaultRegistrationWindow = time.Hour

	// DefaultMaxRegistrationsPerWindow is the fallback per-IP limit.
	DefaultMaxRegistrationsPerWindow = 10

	defaultMaxRegistrationEntries = 10000
)

// registrationEntry tracks recent registration timestamps for one IP.
type registrationEntry struct {
	ip         string
	timestamps []time.Time
	lastAccess time.Time
}

// RegistrationLimiter caps dynamic client registrations per IP within a
// sliding time window. Stale timestamps are pruned on access and the
// tracked set is bounded by LRU eviction, so the limiter holds no
// background goroutine.
type RegistrationLimiter struct {
	entries      map[string]*list.Element
	lruList      *list.List
	mu           sync.Mutex
	maxPerWindow int
	window       time.Duration
	maxEntries   int
	logger       *slog.Logger

	totalBlocked int64
}

// NewRegistrationLimiter creates a limiter allowing maxPerWindow
// registrations per IP within the given window.
func NewRegistrationLimiter(maxPerWindow int, window time.Duration, logger *slog.Logger) *RegistrationLimiter {
	return NewRegistrationLimiterWithCapacity(maxPerWindow, window, defaultMaxRegistrationEntries, logger)
}

// NewRegistrationLimiterWithCapacity creates a limiter tracking at most
// maxEntries IPs; beyond that the least recently used IP is evicted.
func NewRegistrationLimiterWithCapacity(maxPerWindow int, window time.Duration, maxEntries int, logger *slog.Logger) *RegistrationLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxRegistrationsPerWindow
	}
	if window <= 0 {
		window = DefaultRegistrationWindow
	}
	if maxEntries < 0 {
		maxEntries = defaultMaxRegistrationEntries
	}

	return &RegistrationLimiter{
		entries:      make(map[string]*list.Element),
		lruList:      list.New(),
		maxPerWindow: maxPerWindow,
		window:       window,
		maxEntries:   maxEntries,
		logger:       logger,
	}
}

// Allow reports whether a registration from the given IP is permitted,
// recording it when so.
func (rl *RegistrationLimiter) Allow(ip string) bool {
	now := time.Now()
	windowStart := now.Add(-rl.window)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if elem, exists := rl.entries[ip]; exists {
		rl.lruList.MoveToFront(elem)
		entry := elem.Value.(*registrationEntry)
		entry.lastAccess = now

		n := 0
		for _, t := range entry.timestamps {
			if t.After(windowStart) {
				entry.timestamps[n] = t
				n++
			}
		}
		entry.timestamps = entry.timestamps[:n]

		if len(entry.timestamps) >= rl.maxPerWindow {
			rl.totalBlocked++
			rl.logger.Warn("client registration rate limit exceeded",
				"ip", ip,
				"registrations_in_window", len(entry.timestamps),
				"max_per_window", rl.maxPerWindow,
				"total_blocked", rl.totalBlocked)
			return false
		}

		entry.timestamps = append(entry.timestamps, now)
		return true
	}

	if rl.maxEntries > 0 && len(rl.entries) >= rl.maxEntries {
		rl.evictLRU()
	}

	entry := &registrationEntry{
		ip:         ip,
		timestamps: []time.Time{now},
		lastAccess: now,
	}
	rl.entries[ip] = rl.lruList.PushFront(entry)

	return true
}

// evictLRU removes the least recently used entry. Caller holds the lock.
func (rl *RegistrationLimiter) evictLRU() {
	elem := rl.lruList.Back()
	if elem == nil {
		return
	}

	entry := elem.Value.(*registrationEntry)
	delete(rl.entries, entry.ip)
	rl.lruList.Remove(elem)

	rl.logger.Debug("registration limiter LRU eviction",
		"ip", entry.ip,
		"current_entries", len(rl.entries))
}
