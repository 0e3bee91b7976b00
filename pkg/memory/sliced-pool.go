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
)

// slicedPool carves fixed size chunks into slices.
type slicedPool struct {
	poolBase
	index *freeIndex
}

func newSlicedPool(env *poolEnv, opts PoolOptions) (*slicedPool, error) {
	p := &slicedPool{
		index: newFreeIndex(),
	}
	p.init(env, opts)
	p.retire = p.retireSlice
	p.verifyChunk = p.checkChunk
	p.dropChunk = p.removeSlicedChunk

	for i := uint64(0); i < opts.ChunkNumPrealloc; i++ {
		sh, err := p.allocChunk(opts.PageSize, 0)
		if err != nil {
			if cerr := p.close(); cerr != nil {
				log.Error("pool #%d: failed to clean up: %v", env.index, cerr)
			}
			return nil, fmt.Errorf("failed to preallocate chunk %d/%d: %w", i+1, opts.ChunkNumPrealloc, err)
		}

		p.mu.Lock()
		p.addChunk(sh, true)
		p.mu.Unlock()
	}

	return p, nil
}

func (p *slicedPool) reserve(size, alignment uint64) (Handle, error) {
	if size > p.ceiling {
		return Handle{}, fmt.Errorf("%w: %s exceeds %s ceiling of pool #%d",
			ErrSliceTooLarge, prettySize(size), prettySize(p.ceiling), p.env.index)
	}

	need := alignUp(max(size, 1), p.env.props.Alignment)

	p.mu.Lock()
	h, ok := p.carve(need, alignment)
	p.mu.Unlock()

	if ok {
		log.Debug("pool #%d: reserved %s", p.env.index, h)
		return h, nil
	}

	sh, err := p.allocChunk(p.opts.PageSize, alignment)
	if err != nil {
		return Handle{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, p.discardChunk(sh)
	}
	c := p.addChunk(sh, false)
	h, ok = p.carve(need, alignment)
	if !ok {
		p.dropChunk(c)
	}
	p.mu.Unlock()

	if !ok {
		if err := p.freeChunks([]*chunk{c}); err != nil {
			log.Error("pool #%d: %v", p.env.index, err)
		}
		return Handle{}, fmt.Errorf("%w: no room for %s with alignment %d in pool #%d",
			ErrMisalignedRequest, prettySize(need), alignment, p.env.index)
	}

	log.Debug("pool #%d: reserved %s from new chunk", p.env.index, h)

	return h, nil
}

// addChunk adds a new chunk with a single free region. The pool lock
// must be held.
func (p *slicedPool) addChunk(sh StorageHandle, prealloc bool) *chunk {
	c := newChunk(sh, p.opts.PageSize, true)
	c.prealloc = prealloc
	p.insertChunk(c)
	p.putRegion(c, region{chunk: c.index, offset: 0, size: c.size})
	return c
}

// carve finds the best fitting free region and cuts a slice out of it.
// The pool lock must be held.
func (p *slicedPool) carve(need, alignment uint64) (Handle, bool) {
	var pad uint64

	r, ok := p.index.find(need, func(r region) bool {
		addr := p.chunks.at(r.chunk).address(r.offset)
		pad = alignUp(addr, alignment) - addr
		return pad+need <= r.size
	})
	if !ok {
		return Handle{}, false
	}

	c := p.chunks.at(r.chunk)
	p.takeRegion(c, r)

	if pad > 0 {
		p.putRegion(c, region{chunk: c.index, offset: r.offset, size: pad})
	}
	if rest := r.size - pad - need; rest > 0 {
		p.putRegion(c, region{chunk: c.index, offset: r.offset + pad + need, size: rest})
	}

	c.free -= need
	idx, gen := c.addSlice(r.offset+pad, need, alignment)

	return p.commit(c, idx, gen), true
}

// retireSlice returns a slice to the free regions of its chunk, merging
// it with any adjacent free regions.
func (p *slicedPool) retireSlice(c *chunk, idx uint32) {
	s := c.retireSlice(idx)
	c.free += s.size

	var (
		r    = region{chunk: c.index, offset: s.offset, size: s.size}
		prev region
		next region
		ok   bool
	)

	c.regions.DescendLessOrEqual(region{offset: s.offset}, func(x region) bool {
		prev, ok = x, true
		return false
	})
	if ok && prev.end() == r.offset {
		p.takeRegion(c, prev)
		r.offset = prev.offset
		r.size += prev.size
	}

	ok = false
	c.regions.AscendGreaterOrEqual(region{offset: s.end()}, func(x region) bool {
		next, ok = x, true
		return false
	})
	if ok && next.offset == s.end() {
		p.takeRegion(c, next)
		r.size += next.size
	}

	p.putRegion(c, r)
}

func (p *slicedPool) putRegion(c *chunk, r region) {
	c.regions.ReplaceOrInsert(r)
	p.index.insert(r)
}

func (p *slicedPool) takeRegion(c *chunk, r region) {
	c.regions.Delete(r)
	p.index.remove(r)
}

func (p *slicedPool) removeSlicedChunk(c *chunk) {
	c.regions.Ascend(func(r region) bool {
		p.index.remove(r)
		return true
	})
	c.regions.Clear(false)
	p.removeChunk(c)
}

// tick evicts chunks which are completely free, unlocked, not preallocated
// and have not been touched for the deallocation period.
func (p *slicedPool) tick() error {
	p.mu.Lock()
	p.checkLocks()

	period := p.opts.DeallocPeriod
	if period == nil {
		p.mu.Unlock()
		return nil
	}

	var (
		now     = p.env.clock.now()
		victims []*chunk
	)

	p.chunks.foreach(func(c *chunk) bool {
		if c.prealloc || !c.isIdle() || c.free != c.size {
			return true
		}
		if now-c.lastUsed < *period {
			return true
		}
		victims = append(victims, c)
		return true
	})
	for _, c := range victims {
		log.Debug("pool #%d: evicting chunk %s idle for %d reservations",
			p.env.index, c.storage, now-c.lastUsed)
		p.dropChunk(c)
	}
	p.mu.Unlock()

	return p.freeChunks(victims)
}

func (p *slicedPool) Stats() PoolStats {
	st := p.poolBase.Stats()

	p.mu.Lock()
	st.FreeRegions = p.index.len()
	st.LargestFree = p.index.largest()
	p.mu.Unlock()

	return st
}

func (p *slicedPool) checkChunk(c *chunk) []error {
	var (
		errs  []error
		free  uint64
		end   uint64
		first = true
		live  = c.liveSlices()
	)

	if c.size != p.opts.PageSize {
		errs = append(errs, fmt.Errorf("chunk size %s, expected page size %s", prettySize(c.size),
			prettySize(p.opts.PageSize)))
	}

	c.regions.Ascend(func(r region) bool {
		if r.size == 0 {
			errs = append(errs, fmt.Errorf("empty free region at +0x%x", r.offset))
		}
		if !first && r.offset <= end {
			errs = append(errs, fmt.Errorf("free region at +0x%x not merged or overlapping", r.offset))
		}
		if r.end() > c.size {
			errs = append(errs, fmt.Errorf("free region at +0x%x exceeds chunk", r.offset))
		}
		for _, s := range live {
			if s.offset < r.end() && r.offset < s.end() {
				errs = append(errs, fmt.Errorf("free region at +0x%x overlaps slice at +0x%x",
					r.offset, s.offset))
			}
		}
		first = false
		end = r.end()
		free += r.size
		return true
	})

	var inSlices uint64
	for _, s := range live {
		inSlices += s.size
	}

	if free != c.free {
		errs = append(errs, fmt.Errorf("%s in free regions, expected %s", prettySize(free),
			prettySize(c.free)))
	}
	if free+inSlices != c.size {
		errs = append(errs, fmt.Errorf("%s free and %s in slices, expected %s total", prettySize(free),
			prettySize(inSlices), prettySize(c.size)))
	}

	return errs
}
