package health

import (
	"context"
	"sync"
	"time"
)

// Tracker counts consecutive probe failures per VM. It is injected into the
// Monitor so deployments that need shared state (several monitor replicas)
// can plug in a different backing without touching the sweep logic.
type Tracker interface {
	// Increment records one more consecutive failure and returns the new count.
	Increment(subdomain string) int
	// Reset clears the count after a successful probe or a status change.
	Reset(subdomain string)
	// Count returns the current consecutive-failure count.
	Count(subdomain string) int
}

type failureEntry struct {
	count     int
	lastCheck time.Time
}

// MemoryTracker is the in-process Tracker used by a single monitor
// instance. Entries whose VM has not been probed for maxAge are dropped by
// the cleanup loop, so VMs that leave the fleet do not pin memory forever.
type MemoryTracker struct {
	mu       sync.RWMutex
	failures map[string]*failureEntry
	maxAge   time.Duration
}

func NewMemoryTracker(maxAge time.Duration) *MemoryTracker {
	return &MemoryTracker{
		failures: make(map[string]*failureEntry),
		maxAge:   maxAge,
	}
}

func (t *MemoryTracker) Increment(subdomain string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.failures[subdomain]
	if !ok {
		entry = &failureEntry{}
		t.failures[subdomain] = entry
	}
	entry.count++
	entry.lastCheck = time.Now()
	return entry.count
}

func (t *MemoryTracker) Reset(subdomain string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.failures, subdomain)
}

func (t *MemoryTracker) Count(subdomain string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if entry, ok := t.failures[subdomain]; ok {
		return entry.count
	}
	return 0
}

// StartCleanup drops stale entries on a fixed interval until ctx ends.
// Run it in its own goroutine from the process that owns the tracker.
func (t *MemoryTracker) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.cleanup()
		}
	}
}

func (t *MemoryTracker) cleanup() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-t.maxAge)
	for subdomain, entry := range t.failures {
		if entry.lastCheck.Before(cutoff) {
			delete(t.failures, subdomain)
		}
	}
}
