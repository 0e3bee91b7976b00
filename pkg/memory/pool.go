// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package memory

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
)

// Pool is a single instance of an allocation strategy. Pools are driven
// by their Manager, this interface only exposes inspection.
type Pool interface {
	// Index returns the index of the pool in its Manager.
	Index() int
	// Options returns the options the pool was created with.
	Options() PoolOptions
	// Ceiling returns the largest reservation the pool serves.
	Ceiling() uint64
	// Stats returns the current statistics of the pool.
	Stats() PoolStats
	// Verify checks the internal consistency of the pool.
	Verify() error
}

// pool is the interface a Manager drives its pools through. Alignment is
// always the effective alignment and lock ids are allocated by the Manager.
type pool interface {
	Pool
	reserve(size, alignment uint64) (Handle, error)
	release(h Handle)
	lock(h Handle, id uint64)
	unlock(h Handle, id uint64)
	resolve(h Handle) (Binding, error)
	tick() error
	close() error
}

// PoolStats are the statistics of a single pool.
type PoolStats struct {
	Index        int
	Type         PoolType
	Ceiling      uint64
	Chunks       int
	Prealloc     int
	Reserved     uint64 // bytes in chunks
	Peak         uint64 // peak bytes in chunks
	Used         uint64 // bytes in used slices
	Free         uint64 // bytes available for reuse
	Slices       int    // used slices
	Locked       int    // slices with locks
	Parked       int    // released slices kept by locks
	Locks        int
	LeakedLocks  int
	Reserves     uint64
	Releases     uint64
	ChunkAllocs  uint64
	ChunkFrees   uint64
	LargestFree  uint64
	FreeRegions  int
	AllocFailure uint64
}

// clock is the global reservation counter and tick counter of a Manager.
type clock struct {
	allocs atomic.Uint64
	ticks  atomic.Uint64
}

// advance increments the reservation counter and returns the new value.
func (c *clock) advance() uint64 {
	return c.allocs.Add(1)
}

func (c *clock) now() uint64 {
	return c.allocs.Load()
}

func (c *clock) tick() uint64 {
	return c.ticks.Add(1)
}

func (c *clock) tickCount() uint64 {
	return c.ticks.Load()
}

// poolEnv are the collaborators a pool gets from its Manager.
type poolEnv struct {
	index   int
	storage Storage
	props   DeviceProperties
	clock   *clock
	leaks   *leakTracker
}

type lockRecord struct {
	h        Handle
	tick     uint64
	reported bool
}

// poolBase implements the parts common to all pool types. The mutex
// protects bookkeeping only, Storage is never called with it held.
type poolBase struct {
	mu      sync.Mutex
	env     *poolEnv
	opts    PoolOptions
	ceiling uint64
	chunks  chunkArena
	locks   map[uint64]*lockRecord
	leaked  int
	stats   poolCounters
	closed  bool

	// type-specific hooks
	retire      func(c *chunk, idx uint32)
	verifyChunk func(c *chunk) []error
	dropChunk   func(c *chunk)
}

type poolCounters struct {
	reserves     uint64
	releases     uint64
	chunkAllocs  uint64
	chunkFrees   uint64
	allocFailure uint64
	reserved     uint64
	peak         uint64
	used         uint64
}

func (p *poolBase) init(env *poolEnv, opts PoolOptions) {
	p.env = env
	p.opts = opts
	p.ceiling = opts.Ceiling(env.props)
	p.locks = make(map[uint64]*lockRecord)
	p.dropChunk = p.removeChunk
}

func (p *poolBase) Index() int {
	return p.env.index
}

func (p *poolBase) Options() PoolOptions {
	return p.opts
}

func (p *poolBase) Ceiling() uint64 {
	return p.ceiling
}

// allocChunk allocates a chunk with the given alignment from storage. It
// must be called without the pool lock held.
func (p *poolBase) allocChunk(size, alignment uint64) (StorageHandle, error) {
	alignment = max(alignment, p.env.props.Alignment)

	sh, err := p.env.storage.Alloc(size, alignment)
	if err == nil && sh.Address%alignment != 0 {
		if ferr := p.env.storage.Free(sh.ID); ferr != nil {
			log.Error("pool #%d: failed to free misaligned chunk %s: %v", p.env.index, sh, ferr)
		}
		err = fmt.Errorf("storage returned chunk %s with less than %s alignment",
			sh, prettySize(alignment))
	}
	if err != nil {
		p.mu.Lock()
		p.stats.allocFailure++
		p.mu.Unlock()
		return StorageHandle{}, fmt.Errorf("%w: pool #%d failed to allocate %s chunk: %w",
			ErrOutOfDeviceMemory, p.env.index, prettySize(size), err)
	}

	log.Debug("pool #%d: allocated %s chunk %s", p.env.index, prettySize(size), sh)

	return sh, nil
}

// discardChunk returns a chunk allocated by a reservation which lost a
// race against close. It must be called without the pool lock held.
func (p *poolBase) discardChunk(sh StorageHandle) error {
	if err := p.env.storage.Free(sh.ID); err != nil {
		log.Error("pool #%d: failed to free chunk %s: %v", p.env.index, sh, err)
	}
	return fmt.Errorf("pool #%d: %w", p.env.index, ErrClosed)
}

// insertChunk adds a new chunk to the pool. The pool lock must be held.
func (p *poolBase) insertChunk(c *chunk) {
	p.chunks.insert(c)
	c.lastUsed = p.env.clock.now()
	p.stats.chunkAllocs++
	p.stats.reserved += c.size
	p.stats.peak = max(p.stats.peak, p.stats.reserved)
}

// removeChunk removes a chunk from the pool. The pool lock must be held.
func (p *poolBase) removeChunk(c *chunk) {
	p.chunks.remove(c)
	p.stats.reserved -= c.size
}

// freeChunks returns removed chunks to storage. It must be called without
// the pool lock held.
func (p *poolBase) freeChunks(chunks []*chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	var (
		errs  *multierror.Error
		freed uint64
	)
	for _, c := range chunks {
		if err := p.env.storage.Free(c.storage.ID); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pool #%d: failed to free chunk %s: %w",
				p.env.index, c.storage, err))
			continue
		}
		freed++
		log.Debug("pool #%d: freed %s chunk %s", p.env.index, prettySize(c.size), c.storage)
	}

	p.mu.Lock()
	p.stats.chunkFrees += freed
	p.mu.Unlock()

	return errs.ErrorOrNil()
}

// commit stamps a new slice and returns its handle. The pool lock must be held.
func (p *poolBase) commit(c *chunk, idx, gen uint32) Handle {
	s := &c.slots[idx]
	c.lastUsed = p.env.clock.advance()
	p.stats.reserves++
	p.stats.used += s.size

	return Handle{
		pool:     uint32(p.env.index),
		chunk:    c.index,
		chunkGen: c.gen,
		slice:    idx,
		sliceGen: gen,
		offset:   s.offset,
		size:     s.size,
	}
}

func (p *poolBase) lookup(h Handle) (*chunk, *sliceSlot, error) {
	if !h.IsValid() {
		return nil, nil, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	if int(h.pool) != p.env.index {
		return nil, nil, fmt.Errorf("%w: %s does not belong to pool #%d", ErrInvalidHandle, h, p.env.index)
	}

	c := p.chunks.lookup(h.chunk, h.chunkGen)
	if c == nil {
		return nil, nil, fmt.Errorf("%w: %s: stale chunk", ErrInvalidHandle, h)
	}

	s := c.lookupSlice(h.slice, h.sliceGen)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s: stale slice", ErrInvalidHandle, h)
	}

	return c, s, nil
}

// mustLookupUsed looks up a slice in use, panicking otherwise.
func (p *poolBase) mustLookupUsed(h Handle, op string) (*chunk, *sliceSlot) {
	c, s, err := p.lookup(h)
	if err != nil {
		panic(fmt.Errorf("%s: %w", op, err))
	}
	if !s.used {
		panic(fmt.Errorf("%s: %w: %s already released", op, ErrInvalidHandle, h))
	}
	return c, s
}

func (p *poolBase) release(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	c, s := p.mustLookupUsed(h, "release")

	s.used = false
	c.used--
	c.lastUsed = p.env.clock.now()
	p.stats.releases++
	p.stats.used -= s.size

	if s.locks > 0 {
		c.parked++
		log.Debug("pool #%d: released %s parked with %d locks", p.env.index, h, s.locks)
		return
	}

	p.retire(c, h.slice)
	log.Debug("pool #%d: released %s", p.env.index, h)
}

func (p *poolBase) lock(h Handle, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		panic(fmt.Errorf("lock: %w", ErrClosed))
	}

	c, s := p.mustLookupUsed(h, "lock")

	s.locks++
	if s.locks == 1 {
		c.locked++
	}

	p.locks[id] = &lockRecord{
		h:    h,
		tick: p.env.clock.tickCount(),
	}
}

// unlock removes a lock. Locks are dropped by close, so late unlocks
// after that are ignored.
func (p *poolBase) unlock(h Handle, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}

	if _, ok := p.locks[id]; !ok {
		panic(fmt.Errorf("unlock: %w: no lock #%d for %s", ErrInvalidHandle, id, h))
	}

	c, s, err := p.lookup(h)
	if err != nil {
		panic(fmt.Errorf("unlock: %w", err))
	}

	delete(p.locks, id)
	s.locks--
	if s.locks > 0 {
		return
	}

	c.locked--
	if !s.used {
		c.parked--
		p.retire(c, h.slice)
		log.Debug("pool #%d: retired parked %s", p.env.index, h)
	}
}

func (p *poolBase) resolve(h Handle) (Binding, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Binding{}, ErrClosed
	}

	c, s, err := p.lookup(h)
	if err != nil {
		return Binding{}, err
	}
	if !s.used {
		return Binding{}, fmt.Errorf("%w: %s already released", ErrInvalidHandle, h)
	}

	return Binding{
		Storage: c.storage,
		Offset:  s.offset,
		Size:    s.size,
	}, nil
}

// checkLocks updates leaked lock accounting. The pool lock must be held.
func (p *poolBase) checkLocks() {
	threshold := p.env.leaks.threshold
	if threshold == 0 {
		p.leaked = 0
		return
	}

	now := p.env.clock.tickCount()
	leaked := 0
	for _, rec := range p.locks {
		age := now - rec.tick
		if age < threshold {
			continue
		}
		leaked++
		if !rec.reported {
			rec.reported = true
			p.env.leaks.report(p.env.index, rec.h, age)
		}
	}
	p.leaked = leaked
}

func (p *poolBase) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := PoolStats{
		Index:        p.env.index,
		Type:         p.opts.Type,
		Ceiling:      p.ceiling,
		Chunks:       p.chunks.len(),
		Reserved:     p.stats.reserved,
		Peak:         p.stats.peak,
		Used:         p.stats.used,
		Locks:        len(p.locks),
		LeakedLocks:  p.leaked,
		Reserves:     p.stats.reserves,
		Releases:     p.stats.releases,
		ChunkAllocs:  p.stats.chunkAllocs,
		ChunkFrees:   p.stats.chunkFrees,
		AllocFailure: p.stats.allocFailure,
	}

	p.chunks.foreach(func(c *chunk) bool {
		if c.prealloc {
			st.Prealloc++
		}
		st.Slices += c.used
		st.Locked += c.locked
		st.Parked += c.parked
		st.Free += c.free
		return true
	})

	return st
}

func (p *poolBase) Verify() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		errs     *multierror.Error
		reserved uint64
		used     uint64
	)

	fail := func(c *chunk, format string, args ...interface{}) {
		errs = multierror.Append(errs, fmt.Errorf("pool #%d, chunk %d: %s", p.env.index, c.index,
			fmt.Sprintf(format, args...)))
	}

	p.chunks.foreach(func(c *chunk) bool {
		reserved += c.size

		if c.size > p.env.props.MaxPageSize {
			fail(c, "size %s exceeds max page size", prettySize(c.size))
		}

		var (
			end                 uint64
			nused, nlock, npark int
			live                = c.liveSlices()
		)
		for i, s := range live {
			if i > 0 && s.offset < end {
				fail(c, "slice at +0x%x overlaps previous slice ending at +0x%x", s.offset, end)
			}
			end = s.end()
			if end > c.size {
				fail(c, "slice at +0x%x of %s exceeds chunk size %s", s.offset, prettySize(s.size),
					prettySize(c.size))
			}
			if c.address(s.offset)%s.align != 0 {
				fail(c, "slice at 0x%x violates alignment %d", c.address(s.offset), s.align)
			}
			if s.used {
				nused++
				used += s.size
			} else {
				npark++
			}
			if s.locks > 0 {
				nlock++
			}
			if !s.used && s.locks == 0 {
				fail(c, "released slice at +0x%x without locks not retired", s.offset)
			}
		}

		if nused != c.used || nlock != c.locked || npark != c.parked {
			fail(c, "counts used/locked/parked %d/%d/%d, expected %d/%d/%d",
				c.used, c.locked, c.parked, nused, nlock, npark)
		}

		if p.verifyChunk != nil {
			for _, err := range p.verifyChunk(c) {
				fail(c, "%v", err)
			}
		}

		return true
	})

	if reserved != p.stats.reserved {
		errs = multierror.Append(errs, fmt.Errorf("pool #%d: reserved bytes %d, expected %d",
			p.env.index, p.stats.reserved, reserved))
	}
	if used != p.stats.used {
		errs = multierror.Append(errs, fmt.Errorf("pool #%d: used bytes %d, expected %d",
			p.env.index, p.stats.used, used))
	}

	return errs.ErrorOrNil()
}

func (p *poolBase) close() error {
	p.mu.Lock()
	var chunks []*chunk
	p.chunks.foreach(func(c *chunk) bool {
		if !c.isIdle() {
			log.Warn("pool #%d: closing chunk %s with %d used and %d locked slices",
				p.env.index, c.storage, c.used, c.locked)
		}
		chunks = append(chunks, c)
		return true
	})
	for _, c := range chunks {
		p.dropChunk(c)
	}
	clear(p.locks)
	p.closed = true
	p.mu.Unlock()

	return p.freeChunks(chunks)
}
