// Package display tracks which virtual X display numbers are owned by running jobs.
//
// Primary displays are odd numbers starting at 1. Each primary owns the even
// secondary display primary*2, so two jobs never collide on either display.
package display

import (
	"errors"
	"sort"
	"sync"
)

// ErrCapacityExhausted is returned by callers when Acquire finds no free display.
var ErrCapacityExhausted = errors.New("no free display slot")

type Pool struct {
	maxDisplay int
	mu         sync.Mutex
	inUse      map[int]struct{}
}

// New creates a pool whose primary search space is 1, 3, 5, ... up to maxDisplay.
func New(maxDisplay int) *Pool {
	return &Pool{
		maxDisplay: maxDisplay,
		inUse:      make(map[int]struct{}),
	}
}

// Acquire returns the lowest free primary display and marks it in use.
// The scan and the mark happen under one lock.
func (p *Pool) Acquire() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id := 1; id <= p.maxDisplay; id += 2 {
		if _, held := p.inUse[id]; !held {
			p.inUse[id] = struct{}{}
			return id, true
		}
	}
	return 0, false
}

// Claim marks a specific display as in use. It returns false if the display is already held.
func (p *Pool) Claim(id int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, held := p.inUse[id]; held {
		return false
	}
	p.inUse[id] = struct{}{}
	return true
}

// Release frees the display. Releasing a display that is not held is a no-op.
func (p *Pool) Release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, id)
}

// InUse returns a sorted snapshot of the held displays.
func (p *Pool) InUse() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int, 0, len(p.inUse))
	for id := range p.inUse {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Secondary returns the recording display paired with a primary display.
func Secondary(primary int) int {
	return primary * 2
}
