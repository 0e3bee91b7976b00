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

// Package mmap implements device memory storage on anonymous memory
// mappings, for backends with unified or host-visible memory. Device
// addresses are the addresses of the mappings. Alignments above the
// system page size are honoured by mapping extra bytes and offsetting
// into the mapping.
package mmap

import (
	"fmt"
	"os"
	"sync"
	"unsafe"

	mmapgo "github.com/edsrzf/mmap-go"
	"github.com/hashicorp/go-multierror"

	"github.com/containers/devmem/pkg/memory"
)

var (
	ErrUnknownID = fmt.Errorf("mmap storage: unknown allocation")
	ErrNoSpace   = fmt.Errorf("mmap storage: out of space")
	ErrMapFailed = fmt.Errorf("mmap storage: mapping failed")
)

// Storage is a memory.Storage backed by anonymous memory mappings.
type Storage struct {
	sync.Mutex
	capacity uint64
	used     uint64
	nextID   memory.StorageID
	maps     map[memory.StorageID]*mapping
}

// mapping is a single mapping, with the allocation at offset off.
type mapping struct {
	m    mmapgo.MMap
	off  uint64
	size uint64
}

func (m *mapping) bytes() []byte {
	return m.m[m.off : m.off+m.size]
}

// New creates a new storage with the given capacity. Zero means unlimited.
func New(capacity uint64) *Storage {
	return &Storage{
		capacity: capacity,
		maps:     make(map[memory.StorageID]*mapping),
	}
}

// PageSize returns the alignment of mappings.
func PageSize() uint64 {
	return uint64(os.Getpagesize())
}

// Alloc implements memory.Storage.
func (s *Storage) Alloc(size, alignment uint64) (memory.StorageHandle, error) {
	if size == 0 {
		return memory.StorageHandle{}, fmt.Errorf("%w: zero sized allocation", ErrMapFailed)
	}
	if alignment&(alignment-1) != 0 {
		return memory.StorageHandle{}, fmt.Errorf("%w: alignment %d is not a power of two",
			ErrMapFailed, alignment)
	}

	length := size
	if page := PageSize(); alignment > page {
		length += alignment - page
	}

	s.Lock()
	if s.capacity > 0 && s.used+size > s.capacity {
		used := s.used
		s.Unlock()
		return memory.StorageHandle{}, fmt.Errorf("%w: %d bytes requested, %d of %d in use",
			ErrNoSpace, size, used, s.capacity)
	}
	s.used += size
	s.Unlock()

	m, err := mmapgo.MapRegion(nil, int(length), mmapgo.RDWR, mmapgo.ANON, 0)
	if err != nil {
		s.Lock()
		s.used -= size
		s.Unlock()
		return memory.StorageHandle{}, fmt.Errorf("%w: %w", ErrMapFailed, err)
	}

	base := uint64(uintptr(unsafe.Pointer(&m[0])))
	mp := &mapping{
		m:    m,
		size: size,
	}
	if alignment > 0 {
		mp.off = (base+alignment-1)&^(alignment-1) - base
	}

	s.Lock()
	defer s.Unlock()

	s.nextID++
	s.maps[s.nextID] = mp

	return memory.StorageHandle{
		ID:      s.nextID,
		Address: base + mp.off,
		Size:    size,
	}, nil
}

// Free implements memory.Storage.
func (s *Storage) Free(id memory.StorageID) error {
	s.Lock()
	m, ok := s.maps[id]
	if ok {
		delete(s.maps, id)
		s.used -= m.size
	}
	s.Unlock()

	if !ok {
		return fmt.Errorf("%w: #%d", ErrUnknownID, id)
	}

	if err := m.m.Unmap(); err != nil {
		return fmt.Errorf("%w: failed to unmap #%d: %w", ErrMapFailed, id, err)
	}

	return nil
}

// Bytes returns the mapped memory backing a binding.
func (s *Storage) Bytes(b memory.Binding) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	m, ok := s.maps[b.Storage.ID]
	if !ok {
		return nil, fmt.Errorf("%w: #%d", ErrUnknownID, b.Storage.ID)
	}
	if b.Offset+b.Size > m.size {
		return nil, fmt.Errorf("%w: %s out of bounds", ErrUnknownID, b)
	}

	return m.bytes()[b.Offset : b.Offset+b.Size], nil
}

// Usage returns the number of bytes allocated.
func (s *Storage) Usage() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.used
}

// Close unmaps all live mappings.
func (s *Storage) Close() error {
	s.Lock()
	maps := s.maps
	s.maps = make(map[memory.StorageID]*mapping)
	s.used = 0
	s.Unlock()

	var errs *multierror.Error
	for id, m := range maps {
		if err := m.m.Unmap(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to unmap #%d: %w", id, err))
		}
	}

	return errs.ErrorOrNil()
}
