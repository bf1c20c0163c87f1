package cache

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// InFlightHosts marks hosts that have a capture job running. Entries expire after ttl
// so a lost Unlock cannot block a host forever.
type InFlightHosts struct {
	mu    sync.Mutex
	hosts *gocache.Cache
	ttl   time.Duration
}

func NewInFlightHosts(ttl time.Duration) *InFlightHosts {
	return &InFlightHosts{
		hosts: gocache.New(ttl, ttl),
		ttl:   ttl,
	}
}

// TryLock reports whether the host was free and is now held by owner.
func (h *InFlightHosts) TryLock(host, owner string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hosts.Add(host, owner, h.ttl) == nil
}

// Unlock frees the host only while owner still holds it. A lock that expired and was
// taken by another job is left alone.
func (h *InFlightHosts) Unlock(host, owner string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if held, ok := h.hosts.Get(host); ok && held == owner {
		h.hosts.Delete(host)
	}
}
