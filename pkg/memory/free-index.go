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
	"math/bits"

	"github.com/google/btree"
)

const (
	numSizeClasses = 64
)

// freeIndex keeps the free regions of a pool in power-of-two size classes.
// Each class is ordered by size, then chunk and offset, so the first fit in
// the lowest eligible class is the best fit, ties going to older chunks.
type freeIndex struct {
	classes [numSizeClasses]*btree.BTreeG[region]
	count   int
	bytes   uint64
}

func newFreeIndex() *freeIndex {
	return &freeIndex{}
}

func sizeClass(size uint64) int {
	if size == 0 {
		return 0
	}
	return bits.Len64(size) - 1
}

func (x *freeIndex) insert(r region) {
	c := sizeClass(r.size)
	if x.classes[c] == nil {
		x.classes[c] = btree.NewG[region](regionTreeDegree, regionsBySize)
	}
	if _, replaced := x.classes[c].ReplaceOrInsert(r); !replaced {
		x.count++
		x.bytes += r.size
	}
}

func (x *freeIndex) remove(r region) {
	t := x.classes[sizeClass(r.size)]
	if t == nil {
		return
	}
	if _, found := t.Delete(r); found {
		x.count--
		x.bytes -= r.size
	}
}

// find returns the smallest region of at least size bytes accepted by fits.
func (x *freeIndex) find(size uint64, fits func(region) bool) (region, bool) {
	var (
		found region
		ok    bool
	)

	for c := sizeClass(size); c < numSizeClasses && !ok; c++ {
		t := x.classes[c]
		if t == nil || t.Len() == 0 {
			continue
		}
		t.AscendGreaterOrEqual(region{size: size}, func(r region) bool {
			if fits(r) {
				found, ok = r, true
				return false
			}
			return true
		})
	}

	return found, ok
}

func (x *freeIndex) len() int {
	return x.count
}

// largest returns the size of the largest free region.
func (x *freeIndex) largest() uint64 {
	for c := numSizeClasses - 1; c >= 0; c-- {
		if t := x.classes[c]; t != nil && t.Len() > 0 {
			r, _ := t.Max()
			return r.size
		}
	}
	return 0
}
