package histstore

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// Scratch is a reusable byte buffer handed out by an Allocator.
type Scratch struct {
	B []byte
}

// Set replaces the buffer contents with a copy of p.
func (s *Scratch) Set(p []byte) {
	s.B = append(s.B[:0], p...)
}

// Allocator hands out scratch buffers. Every buffer obtained from Get must be
// returned with Put.
type Allocator interface {
	Get() (*Scratch, error)
	Put(*Scratch)
}

// maxPooledCap keeps very large buffers out of the pool.
const maxPooledCap = 1 << 20

var scratchPool = sync.Pool{
	New: func() interface{} { return new(Scratch) },
}

// PoolAllocator is the default allocator, backed by a sync.Pool.
type PoolAllocator struct{}

func (PoolAllocator) Get() (*Scratch, error) {
	s := scratchPool.Get().(*Scratch)
	s.B = s.B[:0]
	return s, nil
}

func (PoolAllocator) Put(s *Scratch) {
	if s == nil || cap(s.B) > maxPooledCap {
		return
	}
	scratchPool.Put(s)
}

// LimitedAllocator caps the number of outstanding buffers and counts them.
// A zero limit means unlimited.
type LimitedAllocator struct {
	limit       int64
	outstanding atomic.Int64
	inner       PoolAllocator
}

// NewLimitedAllocator returns an allocator allowing at most limit buffers to
// be outstanding at once.
func NewLimitedAllocator(limit int) *LimitedAllocator {
	return &LimitedAllocator{limit: int64(limit)}
}

func (a *LimitedAllocator) Get() (*Scratch, error) {
	if n := a.outstanding.Add(1); a.limit > 0 && n > a.limit {
		a.outstanding.Add(-1)
		return nil, errors.Wrapf(ErrAllocation, "%d scratch buffers outstanding", n-1)
	}
	return a.inner.Get()
}

func (a *LimitedAllocator) Put(s *Scratch) {
	if s == nil {
		return
	}
	a.outstanding.Add(-1)
	a.inner.Put(s)
}

// Outstanding returns the number of buffers handed out and not returned.
func (a *LimitedAllocator) Outstanding() int64 { return a.outstanding.Load() }

// valueBuf is the resolver's working value: either a scratch buffer it owns
// or a caller buffer it must not modify.
type valueBuf struct {
	owned    *Scratch
	borrowed []byte
}

func (v *valueBuf) bytes() []byte {
	if v.owned != nil {
		return v.owned.B
	}
	return v.borrowed
}

// set replaces the contents with an owned copy of p.
func (v *valueBuf) set(a Allocator, p []byte) error {
	if v.owned == nil {
		v.borrowed = nil
		s, err := a.Get()
		if err != nil {
			return err
		}
		v.owned = s
	}
	v.owned.Set(p)
	return nil
}

// borrow switches to an external buffer, returning any owned one.
func (v *valueBuf) borrow(a Allocator, p []byte) {
	v.release(a)
	v.borrowed = p
}

// own makes sure the contents live in an owned scratch buffer.
func (v *valueBuf) own(a Allocator) error {
	if v.owned != nil {
		return nil
	}
	s, err := a.Get()
	if err != nil {
		return err
	}
	s.Set(v.borrowed)
	v.owned, v.borrowed = s, nil
	return nil
}

// release is the single point where the owned buffer goes back.
func (v *valueBuf) release(a Allocator) {
	if v.owned != nil {
		a.Put(v.owned)
	}
	v.owned, v.borrowed = nil, nil
}

// deltaChain is a LIFO of modify payloads collected while walking toward
// older entries.
type deltaChain struct {
	alloc Allocator
	nodes []*Scratch
}

func (c *deltaChain) push(payload []byte) error {
	s, err := c.alloc.Get()
	if err != nil {
		return err
	}
	s.Set(payload)
	c.nodes = append(c.nodes, s)
	return nil
}

// pop returns the most recently pushed node; the caller must hand it back
// with c.free.
func (c *deltaChain) pop() (*Scratch, bool) {
	n := len(c.nodes)
	if n == 0 {
		return nil, false
	}
	s := c.nodes[n-1]
	c.nodes[n-1] = nil
	c.nodes = c.nodes[:n-1]
	return s, true
}

func (c *deltaChain) len() int { return len(c.nodes) }

func (c *deltaChain) free(s *Scratch) { c.alloc.Put(s) }

// release frees every node still on the chain.
func (c *deltaChain) release() {
	for {
		s, ok := c.pop()
		if !ok {
			return
		}
		c.free(s)
	}
}
