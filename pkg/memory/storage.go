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

import "fmt"

// StorageID identifies one allocation of a Storage.
type StorageID uint64

// StorageHandle describes one allocation of a Storage.
type StorageHandle struct {
	// ID identifies the allocation towards its Storage.
	ID StorageID
	// Address is the device address of the first byte of the allocation.
	// It must be a multiple of the device alignment.
	Address uint64
	// Size is the size of the allocation.
	Size uint64
}

func (h StorageHandle) String() string {
	return fmt.Sprintf("storage<#%d, %s@0x%x>", h.ID, prettySize(h.Size), h.Address)
}

// Storage is the device backend chunks are allocated from. Implementations
// must be safe for concurrent use. Alloc failing for any reason is reported
// to reserving callers as ErrOutOfDeviceMemory.
type Storage interface {
	// Alloc allocates size bytes of device memory at an address which is
	// a multiple of alignment. Alignment is a power of two, never less
	// than the device alignment. Storage which can't honour it must fail.
	Alloc(size, alignment uint64) (StorageHandle, error)
	// Free releases an allocation.
	Free(id StorageID) error
}

// Handle refers to a reserved slice. The zero Handle is invalid.
type Handle struct {
	pool     uint32
	chunk    uint32
	chunkGen uint32
	slice    uint32
	sliceGen uint32
	offset   uint64
	size     uint64
}

// IsValid returns false for the zero Handle.
func (h Handle) IsValid() bool {
	return h.chunkGen != 0 && h.sliceGen != 0
}

// Pool returns the index of the pool the slice was reserved from.
func (h Handle) Pool() int {
	return int(h.pool)
}

// Offset returns the offset of the slice within its chunk.
func (h Handle) Offset() uint64 {
	return h.offset
}

// Size returns the size of the slice.
func (h Handle) Size() uint64 {
	return h.size
}

func (h Handle) String() string {
	if !h.IsValid() {
		return "handle<invalid>"
	}
	return fmt.Sprintf("handle<pool #%d, chunk %d.%d, slice %d.%d, %s@+0x%x>",
		h.pool, h.chunk, h.chunkGen, h.slice, h.sliceGen, prettySize(h.size), h.offset)
}

// Binding is what a handle resolves to for binding memory to a kernel.
type Binding struct {
	// Storage is the chunk allocation the slice lives in.
	Storage StorageHandle
	// Offset is the offset of the slice within the allocation.
	Offset uint64
	// Size is the size of the slice.
	Size uint64
}

// Address returns the device address of the slice.
func (b Binding) Address() uint64 {
	return b.Storage.Address + b.Offset
}

func (b Binding) String() string {
	return fmt.Sprintf("binding<%s+0x%x, %s>", b.Storage, b.Offset, prettySize(b.Size))
}
