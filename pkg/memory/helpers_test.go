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

package memory_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/memory"
	"github.com/containers/devmem/pkg/storage/host"
)

var (
	testProps = DeviceProperties{
		MaxPageSize: 64 * MiB,
		Alignment:   4 * KiB,
	}
)

func newTestStorage(t *testing.T, options ...host.Option) *host.Storage {
	s, err := host.New(append([]host.Option{host.WithAlignment(testProps.Alignment)}, options...)...)
	require.Nil(t, err, "unexpected host.New() error")
	return s
}

func newTestManager(t *testing.T, s Storage, cfg Configuration, options ...ManagerOption) *Manager {
	m, err := NewManager(s, testProps, append([]ManagerOption{WithConfiguration(cfg)}, options...)...)
	require.Nil(t, err, "unexpected NewManager() error")
	require.NotNil(t, m, "unexpected nil manager")
	t.Cleanup(func() {
		_ = m.Close()
	})
	return m
}

func sliced(page, maxSlice uint64, period *uint64) PoolOptions {
	return PoolOptions{
		Type:          SlicedPages,
		PageSize:      page,
		MaxSliceSize:  maxSlice,
		DeallocPeriod: period,
	}
}

func exclusive() PoolOptions {
	return PoolOptions{
		Type:     ExclusivePages,
		PageSize: testProps.Alignment,
	}
}

func reserve(t *testing.T, m *Manager, size, alignment uint64) Handle {
	h, err := m.Reserve(size, alignment)
	require.Nil(t, err, "unexpected Reserve(%d, %d) error", size, alignment)
	require.True(t, h.IsValid(), "reserved handle should be valid")
	return h
}

func requirePanicsWith(t *testing.T, target error, fn func(), msgAndArgs ...interface{}) {
	t.Helper()

	var recovered interface{}
	func() {
		defer func() {
			recovered = recover()
		}()
		fn()
	}()

	require.NotNil(t, recovered, msgAndArgs...)
	err, ok := recovered.(error)
	require.True(t, ok, "panic value %v is not an error", recovered)
	require.True(t, errors.Is(err, target), "panic %v is not %v", err, target)
}

func requireVerified(t *testing.T, m *Manager) {
	t.Helper()
	require.Nil(t, m.Verify(), "unexpected Verify() error")
}

func poolStats(m *Manager, idx int) PoolStats {
	return m.Stats().Pools[idx]
}
