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
	"slices"

	"github.com/google/btree"
)

const (
	regionTreeDegree = 8
)

// region is a free range of a chunk.
type region struct {
	chunk  uint32
	offset uint64
	size   uint64
}

func regionsByOffset(a, b region) bool {
	return a.offset < b.offset
}

func regionsBySize(a, b region) bool {
	if a.size != b.size {
		return a.size < b.size
	}
	if a.chunk != b.chunk {
		return a.chunk < b.chunk
	}
	return a.offset < b.offset
}

func (r region) end() uint64 {
	return r.offset + r.size
}

// slice is a reserved sub-range of a chunk.
type slice struct {
	offset uint64
	size   uint64
	align  uint64
	used   bool
	locks  int
}

func (s *slice) end() uint64 {
	return s.offset + s.size
}

type sliceSlot struct {
	slice
	gen  uint32
	live bool
}

// chunk is a single Storage allocation owned by a pool.
type chunk struct {
	index    uint32
	gen      uint32
	storage  StorageHandle
	size     uint64
	free     uint64
	slots    []sliceSlot
	unused   []uint32
	regions  *btree.BTreeG[region]
	used     int // slices in use
	parked   int // released slices waiting for their locks to go
	locked   int // slices with a nonzero lock count
	lastUsed uint64
	prealloc bool
}

func newChunk(storage StorageHandle, size uint64, sliced bool) *chunk {
	c := &chunk{
		storage: storage,
		size:    size,
		free:    size,
	}
	if sliced {
		c.regions = btree.NewG[region](regionTreeDegree, regionsByOffset)
	}
	return c
}

func (c *chunk) address(offset uint64) uint64 {
	return c.storage.Address + offset
}

// isIdle returns true if the chunk has no used or locked slices.
func (c *chunk) isIdle() bool {
	return c.used == 0 && c.parked == 0 && c.locked == 0
}

func (c *chunk) addSlice(offset, size, align uint64) (uint32, uint32) {
	var idx uint32

	if n := len(c.unused); n > 0 {
		idx = c.unused[n-1]
		c.unused = c.unused[:n-1]
	} else {
		c.slots = append(c.slots, sliceSlot{})
		idx = uint32(len(c.slots) - 1)
	}

	slot := &c.slots[idx]
	slot.gen++
	slot.live = true
	slot.slice = slice{
		offset: offset,
		size:   size,
		align:  align,
		used:   true,
	}
	c.used++

	return idx, slot.gen
}

func (c *chunk) lookupSlice(idx, gen uint32) *sliceSlot {
	if int(idx) >= len(c.slots) {
		return nil
	}
	slot := &c.slots[idx]
	if !slot.live || slot.gen != gen {
		return nil
	}
	return slot
}

func (c *chunk) retireSlice(idx uint32) slice {
	slot := &c.slots[idx]
	s := slot.slice
	slot.live = false
	slot.slice = slice{}
	c.unused = append(c.unused, idx)
	return s
}

// liveSlices returns the used or parked slices of the chunk by offset.
func (c *chunk) liveSlices() []slice {
	var live []slice
	for i := range c.slots {
		if c.slots[i].live {
			live = append(live, c.slots[i].slice)
		}
	}
	slices.SortFunc(live, func(a, b slice) int {
		switch {
		case a.offset < b.offset:
			return -1
		case a.offset > b.offset:
			return 1
		}
		return 0
	})
	return live
}

// chunkArena stores chunks in generation-checked slots.
type chunkArena struct {
	slots  []chunkSlot
	unused []uint32
	count  int
}

type chunkSlot struct {
	c   *chunk
	gen uint32
}

func (a *chunkArena) insert(c *chunk) {
	var idx uint32

	if n := len(a.unused); n > 0 {
		idx = a.unused[n-1]
		a.unused = a.unused[:n-1]
	} else {
		a.slots = append(a.slots, chunkSlot{})
		idx = uint32(len(a.slots) - 1)
	}

	slot := &a.slots[idx]
	slot.gen++
	slot.c = c
	c.index = idx
	c.gen = slot.gen
	a.count++
}

func (a *chunkArena) lookup(idx, gen uint32) *chunk {
	if int(idx) >= len(a.slots) {
		return nil
	}
	slot := &a.slots[idx]
	if slot.c == nil || slot.gen != gen {
		return nil
	}
	return slot.c
}

func (a *chunkArena) at(idx uint32) *chunk {
	return a.slots[idx].c
}

func (a *chunkArena) remove(c *chunk) {
	a.slots[c.index].c = nil
	a.unused = append(a.unused, c.index)
	a.count--
}

func (a *chunkArena) len() int {
	return a.count
}

// foreach calls fn for each chunk in index order until it returns false.
func (a *chunkArena) foreach(fn func(*chunk) bool) {
	for i := range a.slots {
		if c := a.slots[i].c; c != nil {
			if !fn(c) {
				return
			}
		}
	}
}
