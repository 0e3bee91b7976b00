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

package mmap_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/memory"
	. "github.com/containers/devmem/pkg/storage/mmap"
)

func TestAllocFree(t *testing.T) {
	s := New(0)

	h, err := s.Alloc(64*memory.KiB, 0)
	require.Nil(t, err, "unexpected Alloc() error")
	require.Zero(t, h.Address%PageSize(), "mapping should be page aligned")
	require.Equal(t, 64*memory.KiB, s.Usage())

	data, err := s.Bytes(memory.Binding{Storage: h, Offset: 4096, Size: 4096})
	require.Nil(t, err, "unexpected Bytes() error")
	data[0] = 1

	require.Nil(t, s.Free(h.ID), "unexpected Free() error")
	require.ErrorIs(t, s.Free(h.ID), ErrUnknownID)
	require.Equal(t, uint64(0), s.Usage())

	_, err = s.Alloc(0, 0)
	require.ErrorIs(t, err, ErrMapFailed)
}

func TestAllocAlignment(t *testing.T) {
	s := New(0)
	defer s.Close()

	for _, alignment := range []uint64{0, PageSize(), 2 * memory.MiB} {
		h, err := s.Alloc(64*memory.KiB, alignment)
		require.Nil(t, err, "unexpected Alloc() error")
		require.Zero(t, h.Address%max(alignment, PageSize()), "misaligned mapping")

		data, err := s.Bytes(memory.Binding{Storage: h, Size: h.Size})
		require.Nil(t, err, "unexpected Bytes() error")
		require.Len(t, data, int(64*memory.KiB))
		data[len(data)-1] = 1
	}
	require.Equal(t, 3*64*memory.KiB, s.Usage())

	_, err := s.Alloc(64*memory.KiB, 3*memory.KiB)
	require.ErrorIs(t, err, ErrMapFailed)
}

func TestCapacity(t *testing.T) {
	s := New(128 * memory.KiB)
	defer s.Close()

	_, err := s.Alloc(128*memory.KiB, 0)
	require.Nil(t, err, "unexpected Alloc() error")
	_, err = s.Alloc(4*memory.KiB, 0)
	require.ErrorIs(t, err, ErrNoSpace)
}

func TestWithManager(t *testing.T) {
	s := New(0)
	defer s.Close()

	m, err := memory.NewManager(s, memory.DeviceProperties{
		MaxPageSize: 4 * memory.MiB,
		Alignment:   PageSize(),
	})
	require.Nil(t, err, "unexpected NewManager() error")

	h, err := m.Reserve(100*memory.KiB, 0)
	require.Nil(t, err, "unexpected Reserve() error")

	b, err := m.Resolve(h)
	require.Nil(t, err, "unexpected Resolve() error")
	data, err := s.Bytes(b)
	require.Nil(t, err, "unexpected Bytes() error")
	for i := range data {
		data[i] = 0x5a
	}

	m.Release(h)
	require.Nil(t, m.Verify(), "unexpected Verify() error")
	require.Nil(t, m.Close(), "unexpected Close() error")
	require.Equal(t, uint64(0), s.Usage())
}
