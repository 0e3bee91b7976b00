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

// exclusivePool gives every reservation a chunk of its own.
type exclusivePool struct {
	poolBase
}

func newExclusivePool(env *poolEnv, opts PoolOptions) (*exclusivePool, error) {
	p := &exclusivePool{}
	p.init(env, opts)
	p.retire = p.retireSlice
	p.verifyChunk = p.checkChunk

	if opts.ChunkNumPrealloc > 0 {
		log.Warn("pool #%d: ignoring preallocation of %d chunks for %s pool",
			env.index, opts.ChunkNumPrealloc, opts.Type)
	}
	if opts.DeallocPeriod != nil {
		log.Warn("pool #%d: deallocation period has no effect on %s pool", env.index, opts.Type)
	}

	return p, nil
}

func (p *exclusivePool) reserve(size, alignment uint64) (Handle, error) {
	if size > p.ceiling {
		return Handle{}, fmt.Errorf("%w: %s exceeds %s ceiling of pool #%d",
			ErrSliceTooLarge, prettySize(size), prettySize(p.ceiling), p.env.index)
	}

	csize := alignUp(max(size, p.opts.PageSize), p.env.props.Alignment)
	if csize > p.env.props.MaxPageSize {
		return Handle{}, fmt.Errorf("%w: %s rounds up to %s, beyond max page size of pool #%d",
			ErrSliceTooLarge, prettySize(size), prettySize(csize), p.env.index)
	}

	sh, err := p.allocChunk(csize, alignment)
	if err != nil {
		return Handle{}, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Handle{}, p.discardChunk(sh)
	}
	defer p.mu.Unlock()

	c := newChunk(sh, csize, false)
	p.insertChunk(c)
	idx, gen := c.addSlice(0, csize, alignment)
	c.free = 0

	h := p.commit(c, idx, gen)
	log.Debug("pool #%d: reserved %s", p.env.index, h)

	return h, nil
}

func (p *exclusivePool) retireSlice(c *chunk, idx uint32) {
	c.retireSlice(idx)
	c.free = c.size
}

// tick evicts every chunk without a used or locked slice.
func (p *exclusivePool) tick() error {
	p.mu.Lock()
	p.checkLocks()

	var victims []*chunk
	p.chunks.foreach(func(c *chunk) bool {
		if c.isIdle() {
			victims = append(victims, c)
		}
		return true
	})
	for _, c := range victims {
		p.dropChunk(c)
	}
	p.mu.Unlock()

	return p.freeChunks(victims)
}

func (p *exclusivePool) checkChunk(c *chunk) []error {
	var errs []error

	if live := c.liveSlices(); len(live) > 1 {
		errs = append(errs, fmt.Errorf("%d slices in exclusive chunk", len(live)))
	}
	if c.isIdle() && c.free != c.size {
		errs = append(errs, fmt.Errorf("idle chunk with %s of %s free", prettySize(c.free),
			prettySize(c.size)))
	}
	if !c.isIdle() && c.free != 0 {
		errs = append(errs, fmt.Errorf("busy chunk with %s free", prettySize(c.free)))
	}

	return errs
}
