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
)

// router picks the pool for a reservation size. Pools are scanned in
// configuration order, starting at the first pool which can serve some
// size in the size class of the request.
type router struct {
	ceilings []uint64
	start    [65]int
}

func newRouter(ceilings []uint64) *router {
	r := &router{
		ceilings: ceilings,
	}

	for class := range r.start {
		var smallest uint64
		if class > 0 {
			smallest = uint64(1) << (class - 1)
		}

		r.start[class] = len(ceilings)
		for i, ceiling := range ceilings {
			if ceiling >= smallest {
				r.start[class] = i
				break
			}
		}
	}

	return r
}

// lookup returns the index of the pool to serve size, or -1.
func (r *router) lookup(size uint64) int {
	for i := r.start[bits.Len64(size)]; i < len(r.ceilings); i++ {
		if r.ceilings[i] >= size {
			return i
		}
	}
	return -1
}
