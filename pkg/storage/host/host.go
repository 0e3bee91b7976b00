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

// Package host implements device memory storage on the Go heap. Device
// addresses are synthetic, allocated linearly from a base address with
// the configured alignment and never reused, so that stale bindings
// are easy to spot.
package host

import (
	"fmt"
	"sync"

	"github.com/containers/devmem/pkg/memory"
)

var (
	ErrNoSpace     = fmt.Errorf("host storage: out of space")
	ErrAlignment   = fmt.Errorf("host storage: invalid alignment")
	ErrUnknownID   = fmt.Errorf("host storage: unknown allocation")
	ErrInjected    = fmt.Errorf("host storage: injected failure")
	ErrFailedSetup = fmt.Errorf("host storage: failed to apply option")
)

const (
	// DefaultBaseAddress is the first synthetic device address handed out.
	DefaultBaseAddress = uint64(1) << 32
)

// Storage is a memory.Storage backed by host memory.
type Storage struct {
	sync.Mutex
	alignment uint64
	capacity  uint64
	used      uint64
	next      uint64
	nextID    memory.StorageID
	buffers   map[memory.StorageID]*buffer
	failAlloc func(size uint64) bool
	failFree  func(id memory.StorageID) bool
	allocs    uint64
	frees     uint64
}

// buffer is backed by host memory only once its bytes are asked for.
type buffer struct {
	handle memory.StorageHandle
	data   []byte
}

// Option is an opaque option for Storage.
type Option func(*Storage) error

// WithAlignment sets the alignment of synthetic device addresses.
func WithAlignment(alignment uint64) Option {
	return func(s *Storage) error {
		if alignment == 0 || alignment&(alignment-1) != 0 {
			return fmt.Errorf("alignment %d is not a power of two", alignment)
		}
		s.alignment = alignment
		return nil
	}
}

// WithCapacity limits the total size of live allocations. Zero means
// unlimited.
func WithCapacity(capacity uint64) Option {
	return func(s *Storage) error {
		s.capacity = capacity
		return nil
	}
}

// WithBaseAddress sets the first synthetic device address.
func WithBaseAddress(base uint64) Option {
	return func(s *Storage) error {
		s.next = base
		return nil
	}
}

// WithAllocFailure makes Alloc fail whenever fn returns true.
func WithAllocFailure(fn func(size uint64) bool) Option {
	return func(s *Storage) error {
		s.failAlloc = fn
		return nil
	}
}

// WithFreeFailure makes Free fail whenever fn returns true.
func WithFreeFailure(fn func(id memory.StorageID) bool) Option {
	return func(s *Storage) error {
		s.failFree = fn
		return nil
	}
}

// New creates a new host storage.
func New(options ...Option) (*Storage, error) {
	s := &Storage{
		alignment: 4096,
		next:      DefaultBaseAddress,
		buffers:   make(map[memory.StorageID]*buffer),
	}

	for _, o := range options {
		if err := o(s); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedSetup, err)
		}
	}

	return s, nil
}

// Alloc implements memory.Storage. The address is aligned to the larger
// of alignment and the storage alignment.
func (s *Storage) Alloc(size, alignment uint64) (memory.StorageHandle, error) {
	if alignment&(alignment-1) != 0 {
		return memory.StorageHandle{}, fmt.Errorf("%w: %d is not a power of two",
			ErrAlignment, alignment)
	}
	align := max(alignment, s.alignment)

	s.Lock()
	defer s.Unlock()

	if s.failAlloc != nil && s.failAlloc(size) {
		return memory.StorageHandle{}, fmt.Errorf("%w: alloc of %d bytes", ErrInjected, size)
	}

	if s.capacity > 0 && s.used+size > s.capacity {
		return memory.StorageHandle{}, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrNoSpace, size, s.used, s.capacity)
	}

	addr := (s.next + align - 1) &^ (align - 1)
	s.next = addr + size
	s.nextID++

	b := &buffer{
		handle: memory.StorageHandle{
			ID:      s.nextID,
			Address: addr,
			Size:    size,
		},
	}

	s.buffers[b.handle.ID] = b
	s.used += size
	s.allocs++

	return b.handle, nil
}

// Free implements memory.Storage.
func (s *Storage) Free(id memory.StorageID) error {
	s.Lock()
	defer s.Unlock()

	b, ok := s.buffers[id]
	if !ok {
		return fmt.Errorf("%w: #%d", ErrUnknownID, id)
	}

	if s.failFree != nil && s.failFree(id) {
		return fmt.Errorf("%w: free of #%d", ErrInjected, id)
	}

	delete(s.buffers, id)
	s.used -= b.handle.Size
	s.frees++

	return nil
}

// Bytes returns the host memory backing a binding.
func (s *Storage) Bytes(b memory.Binding) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	buf, ok := s.buffers[b.Storage.ID]
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrUnknownID, b.Storage.ID)
	}
	if b.Offset+b.Size > buf.handle.Size {
		return nil, fmt.Errorf("%w: %s out of bounds", ErrUnknownID, b)
	}
	if buf.data == nil {
		buf.data = make([]byte, buf.handle.Size)
	}

	return buf.data[b.Offset : b.Offset+b.Size], nil
}

// Usage returns the number of bytes in live allocations.
func (s *Storage) Usage() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.used
}

// Live returns the number of live allocations.
func (s *Storage) Live() int {
	s.Lock()
	defer s.Unlock()
	return len(s.buffers)
}

// Counts returns the number of allocations and frees performed.
func (s *Storage) Counts() (allocs, frees uint64) {
	s.Lock()
	defer s.Unlock()
	return s.allocs, s.frees
}
