package executor

import (
	"sync"
	"time"
)

// Dedup remembers proposal ids for a TTL so a winner handed off twice is
// executed once. It is safe for concurrent use.
type Dedup struct {
	mu      sync.Mutex
	expires map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

// NewDedup creates a Dedup that remembers each id for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{expires: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Claim records id and reports true when it was not already held. A
// repeated id inside its TTL returns false.
func (d *Dedup) Claim(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.expires[id]; ok && now.Before(exp) {
		return false
	}
	d.expires[id] = now.Add(d.ttl)
	return true
}

// Sweep drops expired ids and returns how many were removed.
func (d *Dedup) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	n := 0
	for id, exp := range d.expires {
		if !now.Before(exp) {
			delete(d.expires, id)
			n++
		}
	}
	return n
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.expires)
}
