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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/memory"
)

func TestLockedSliceSurvivesTicks(t *testing.T) {
	type testCase struct {
		name string
		cfg  Configuration
	}

	for _, tc := range []*testCase{
		{
			name: "sliced pool",
			cfg:  CustomConfiguration(sliced(1*MiB, 256*KiB, Period(0))),
		},
		{
			name: "exclusive pool",
			cfg:  ExclusivePagesConfiguration(),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				s = newTestStorage(t)
				m = newTestManager(t, s, tc.cfg)
			)

			h := reserve(t, m, 64*KiB, 0)
			g := m.Lock(h)
			require.Equal(t, h, g.Handle())

			m.Release(h)
			st := poolStats(m, 0)
			require.Equal(t, 0, st.Slices)
			require.Equal(t, 1, st.Parked, "released slice should be parked")
			require.Equal(t, 1, st.Locked)

			_, err := m.Resolve(h)
			require.ErrorIs(t, err, ErrInvalidHandle, "released slice should not resolve")

			for i := 0; i < 5; i++ {
				require.Nil(t, m.Tick(), "unexpected Tick() error")
				require.Equal(t, 1, s.Live(), "locked chunk evicted at tick #%d", i)
				requireVerified(t, m)
			}

			other := reserve(t, m, 64*KiB, 0)
			if other.Pool() == h.Pool() && tc.cfg.Preset == PresetCustom {
				require.NotEqual(t, h.Offset(), other.Offset(), "locked slice reused")
			}
			m.Release(other)

			g.Done()
			st = poolStats(m, 0)
			require.Equal(t, 0, st.Parked)
			require.Equal(t, 0, st.Locked)
			requireVerified(t, m)

			require.Nil(t, m.Tick(), "unexpected Tick() error")
			require.Equal(t, 0, s.Live(), "unlocked chunk should be evicted")
		})
	}
}

func TestLockCounting(t *testing.T) {
	var (
		s = newTestStorage(t)
		m = newTestManager(t, s, CustomConfiguration(sliced(1*MiB, 256*KiB, nil)))
	)

	h := reserve(t, m, 16*KiB, 0)
	g1 := m.Lock(h)
	g2 := m.Lock(h)

	st := poolStats(m, 0)
	require.Equal(t, 1, st.Locked, "locks are counted per slice")
	require.Equal(t, 2, st.Locks)

	g1.Unlock()
	require.Equal(t, 1, poolStats(m, 0).Locked)

	m.Release(h)
	require.Equal(t, 1, poolStats(m, 0).Parked)

	g2.Unlock()
	st = poolStats(m, 0)
	require.Equal(t, 0, st.Parked)
	require.Equal(t, 0, st.Locked)
	require.Equal(t, 0, st.Locks)
	require.Equal(t, 1*MiB, st.Free)
	requireVerified(t, m)
}

func TestDoubleUnlockPanics(t *testing.T) {
	var (
		s = newTestStorage(t)
		m = newTestManager(t, s, DefaultConfiguration())
	)

	h := reserve(t, m, 16*KiB, 0)
	g := m.Lock(h)
	g.Unlock()

	requirePanicsWith(t, ErrInvalidHandle, g.Unlock, "double unlock")
	require.Contains(t, g.String(), "unlocked")
}

func TestWithLock(t *testing.T) {
	var (
		s = newTestStorage(t)
		m = newTestManager(t, s, DefaultConfiguration())
		h = reserve(t, m, 16*KiB, 0)
	)

	failed := fmt.Errorf("kernel launch failed")
	err := m.WithLock(h, func() error {
		require.Equal(t, 1, poolStats(m, 0).Locked)
		return failed
	})
	require.ErrorIs(t, err, failed)
	require.Equal(t, 0, poolStats(m, 0).Locked, "lock should be released")

	require.Panics(t, func() {
		_ = m.WithLock(h, func() error {
			panic("boom")
		})
	})
	require.Equal(t, 0, poolStats(m, 0).Locked, "lock should be released on panic")
}

func TestLockLeaks(t *testing.T) {
	var (
		s = newTestStorage(t)
		m = newTestManager(t, s, DefaultConfiguration(),
			WithLockLeakTicks(2),
			WithLeakReportInterval(time.Hour),
		)
	)

	h1 := reserve(t, m, 16*KiB, 0)
	h2 := reserve(t, m, 16*KiB, 0)
	g1 := m.Lock(h1)

	require.Nil(t, m.Tick(), "unexpected Tick() error")
	require.Equal(t, 0, poolStats(m, 0).LeakedLocks)

	g2 := m.Lock(h2)

	require.Nil(t, m.Tick(), "unexpected Tick() error")
	require.Equal(t, 1, poolStats(m, 0).LeakedLocks)

	require.Nil(t, m.Tick(), "unexpected Tick() error")
	require.Equal(t, 2, poolStats(m, 0).LeakedLocks)
	require.Equal(t, 2, m.Stats().Total().LeakedLocks)

	g1.Unlock()
	g2.Unlock()
	require.Nil(t, m.Tick(), "unexpected Tick() error")
	require.Equal(t, 0, poolStats(m, 0).LeakedLocks)
	require.Equal(t, uint64(4), m.Stats().Ticks)
}

func TestLockLeaksDisabled(t *testing.T) {
	var (
		s = newTestStorage(t)
		m = newTestManager(t, s, DefaultConfiguration())
	)

	g := m.Lock(reserve(t, m, 16*KiB, 0))
	for i := 0; i < 10; i++ {
		require.Nil(t, m.Tick(), "unexpected Tick() error")
	}
	require.Equal(t, 0, poolStats(m, 0).LeakedLocks)
	g.Unlock()
}

func TestUnlockRacingClose(t *testing.T) {
	for round := 0; round < 20; round++ {
		var (
			s      = newTestStorage(t)
			m      = newTestManager(t, s, CustomConfiguration(sliced(1*MiB, 256*KiB, nil), exclusive()))
			guards []*LockGuard
		)

		for i := 0; i < 64; i++ {
			size := 4 * KiB
			if i%2 == 1 {
				size = 512 * KiB
			}
			h := reserve(t, m, size, 0)
			guards = append(guards, m.Lock(h))
			if i%3 == 0 {
				m.Release(h)
			}
		}

		var (
			start  = make(chan struct{})
			closed = make(chan error, 1)
		)
		go func() {
			<-start
			closed <- m.Close()
		}()

		require.NotPanics(t, func() {
			close(start)
			for _, g := range guards {
				g.Unlock()
			}
		}, "unlocking while closing should not panic")

		require.Nil(t, <-closed, "unexpected Close() error")
		require.Equal(t, 0, s.Live(), "all chunks should be freed")
	}
}
