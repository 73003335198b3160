// Package pool implements the fixed-capacity free-list of backend source
// handles that the virtualization scheduler rents from and returns to. It
// owns no audio-thread state beyond the free-list itself; callers (voices,
// via the engine's virtualization pass) own the lifetime of the handles
// they rent.
package pool

import (
	"fmt"

	"github.com/duskwave/sonora/backend"
)

// Pool is a bounded free-list over a fixed set of backend sources created
// once at construction. It is not safe for concurrent use — like the rest
// of the scheduling core, it is audio-thread-exclusive.
type Pool struct {
	adapter  backend.Adapter
	capacity int
	free     []backend.SourceHandle
	inUse    map[backend.SourceHandle]struct{}
}

// New asks adapter to create `capacity` sources up front and returns a Pool
// with all of them free. A zero capacity is allowed and yields a pool that
// is always exhausted, which keeps every voice virtual.
func New(adapter backend.Adapter, capacity int) (*Pool, error) {
	if capacity < 0 {
		return nil, fmt.Errorf("pool: capacity must be non-negative, got %d", capacity)
	}
	handles, err := adapter.CreateSources(capacity)
	if err != nil {
		return nil, fmt.Errorf("pool: create sources: %w", err)
	}
	free := make([]backend.SourceHandle, len(handles))
	copy(free, handles)
	return &Pool{
		adapter:  adapter,
		capacity: capacity,
		free:     free,
		inUse:    make(map[backend.SourceHandle]struct{}, capacity),
	}, nil
}

// Capacity is the pool's fixed source count.
func (p *Pool) Capacity() int { return p.capacity }

// Available reports how many sources are currently free to rent.
func (p *Pool) Available() int { return len(p.free) }

// InUse reports how many sources are currently rented out. It can never
// exceed Capacity, which is what bounds the number of physical voices.
func (p *Pool) InUse() int { return len(p.inUse) }

// Rent removes one source from the free-list and returns it, or ok=false
// if the pool is exhausted. This is the only admission point for promoting
// a virtual voice to physical: it never preempts an in-use source to make
// room.
func (p *Pool) Rent() (h backend.SourceHandle, ok bool) {
	if len(p.free) == 0 {
		return 0, false
	}
	n := len(p.free) - 1
	h = p.free[n]
	p.free = p.free[:n]
	p.inUse[h] = struct{}{}
	return h, true
}

// Return gives a rented source back to the free-list. Returning a handle
// that was not currently rented is a no-op (defensive against double-return
// during disposal races between stop/demote/dispose paths).
func (p *Pool) Return(h backend.SourceHandle) {
	if _, ok := p.inUse[h]; !ok {
		return
	}
	delete(p.inUse, h)
	p.free = append(p.free, h)
}

// Close destroys every backend source the pool created, rented or not.
func (p *Pool) Close() error {
	all := make([]backend.SourceHandle, 0, p.capacity)
	all = append(all, p.free...)
	for h := range p.inUse {
		all = append(all, h)
	}
	p.free = nil
	p.inUse = make(map[backend.SourceHandle]struct{})
	return p.adapter.DestroySources(all)
}
