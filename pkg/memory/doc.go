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

// Package memory implements dynamic pooling of accelerator (device) memory
// for a kernel-launching compute runtime. The primary interface to the
// package is the Manager type.
//
// # Storage, Chunks, Slices
//
// Memory is obtained from a device through a Storage, an abstraction of the
// backend-specific "allocate N bytes" and "free that allocation" calls. One
// Storage allocation is a chunk. Chunks are owned by exactly one pool for
// their whole lifetime. What callers get back from a reservation is a slice,
// a sub-range of a chunk, identified by a Handle. A Handle records the pool,
// chunk and slice it refers to together with generation counters, so a handle
// which outlived its slice or chunk is detected instead of silently aliasing
// newer memory.
//
// # Pools
//
// A pool is one instance of an allocation strategy. Two strategies exist.
//
// Exclusive pages give every reservation a chunk of its own. Released chunks
// are returned to the device on the next Tick. This trades device allocation
// calls for zero internal fragmentation and no aliasing at all, and it is the
// only option for backends which can't bind sub-ranges of an allocation.
//
// Sliced pages carve fixed size chunks (pages) into slices. Free space is kept
// in an index bucketed by power-of-two size classes, each bucket ordered by
// size, so a best fit is found without scanning every chunk. Released slices
// are coalesced with adjacent free space. A pool only serves requests up to
// its maximum slice size, so that a single large request can't claim a whole
// page. Fully free chunks are evicted by Tick once they have been idle for the
// pool's deallocation period. The period is measured in reservations made
// through the Manager, not in wall-clock time. Eviction is only checked when
// Tick is called, so the period is a lower bound.
//
// # Locks
//
// A slice can be locked for the duration the device might still access it
// asynchronously, for instance between submitting a kernel and seeing it
// complete. Locks are reference counted and independent of the slice being
// in use. A released but locked slice is not reused and its chunk is not
// evicted until the last lock is gone. Neither locking nor unlocking ever
// blocks. Unlocking is normally triggered by a completion callback of the
// command submission layer.
//
// # Manager
//
// Manager is set up with a Storage, the device properties and a
// configuration. The configuration is either one of two presets or a custom
// list of pool options. Pools are consulted in configuration order and the
// first pool with a high enough ceiling serves a reservation. Manager owns
// the global reservation counter used for eviction timing and forwards Tick
// to all pools in configuration order.
package memory
