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
	"bytes"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/memory"
)

func TestRandomizedNoAliasing(t *testing.T) {
	var (
		s = newTestStorage(t)
		m = newTestManager(t, s, CustomConfiguration(
			sliced(1*MiB, 256*KiB, Period(16)),
			sliced(4*MiB, 1*MiB, Period(16)),
			exclusive(),
		))
		rng    = rand.New(rand.NewSource(1))
		aligns = []uint64{0, 4 * KiB, 16 * KiB, 64 * KiB}
	)

	type reservation struct {
		h     Handle
		tag   byte
		locks []*LockGuard
	}

	var (
		live   []*reservation
		parked []*LockGuard
	)

	contents := func(h Handle) []byte {
		b, err := m.Resolve(h)
		require.Nil(t, err, "unexpected Resolve() error for %s", h)
		data, err := s.Bytes(b)
		require.Nil(t, err, "unexpected Bytes() error for %s", b)
		return data
	}
	check := func(r *reservation) {
		data := contents(r.h)
		require.Equal(t, len(data), bytes.Count(data, []byte{r.tag}), "contents of %s clobbered", r.h)
	}

	for op := 0; op < 3000; op++ {
		switch n := rng.Intn(10); {
		case n < 5 || len(live) == 0:
			size := uint64(1 + rng.Intn(64*1024))
			if rng.Intn(10) == 0 {
				size = uint64(1 + rng.Intn(3*1024*1024/2))
			}
			r := &reservation{
				h:   reserve(t, m, size, aligns[rng.Intn(len(aligns))]),
				tag: byte(op%255 + 1),
			}
			data := contents(r.h)
			require.GreaterOrEqual(t, uint64(len(data)), size)
			for i := range data {
				data[i] = r.tag
			}
			live = append(live, r)

		case n < 8:
			i := rng.Intn(len(live))
			r := live[i]
			check(r)
			m.Release(r.h)
			parked = append(parked, r.locks...)
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]

		case n < 9:
			r := live[rng.Intn(len(live))]
			r.locks = append(r.locks, m.Lock(r.h))

		default:
			if len(parked) > 0 {
				i := rng.Intn(len(parked))
				parked[i].Done()
				parked = append(parked[:i], parked[i+1:]...)
				break
			}
			r := live[rng.Intn(len(live))]
			if len(r.locks) > 0 {
				r.locks[0].Unlock()
				r.locks = r.locks[1:]
			}
		}

		if op%50 == 0 {
			require.Nil(t, m.Tick(), "unexpected Tick() error")
			requireVerified(t, m)
		}
	}

	requireVerified(t, m)
	for _, r := range live {
		check(r)
		m.Release(r.h)
		for _, g := range r.locks {
			g.Unlock()
		}
	}
	for _, g := range parked {
		g.Unlock()
	}
	requireVerified(t, m)

	st := m.Stats().Total()
	require.Equal(t, 0, st.Slices)
	require.Equal(t, 0, st.Locked)
	require.Equal(t, 0, st.Parked)
	require.Equal(t, 0, st.Locks)
	require.Equal(t, uint64(0), st.Used)
	require.Equal(t, st.Reserved, st.Free)
}

func TestConcurrentUse(t *testing.T) {
	const (
		workers = 8
		rounds  = 500
	)

	var (
		s    = newTestStorage(t)
		m    = newTestManager(t, s, DefaultConfiguration())
		wg   sync.WaitGroup
		done = make(chan struct{})
		errs = make(chan error, workers+1)
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if err := m.Tick(); err != nil {
				errs <- err
				return
			}
			runtime.Gosched()
		}
	}()

	var workerWg sync.WaitGroup
	for w := 0; w < workers; w++ {
		workerWg.Add(1)
		go func(w int) {
			defer workerWg.Done()

			var (
				rng   = rand.New(rand.NewSource(int64(w)))
				held  []Handle
				locks []*LockGuard
			)

			for i := 0; i < rounds; i++ {
				size := uint64(1 + rng.Intn(int(2*MiB)))
				h, err := m.Reserve(size, 0)
				if err != nil {
					errs <- fmt.Errorf("worker #%d: %w", w, err)
					return
				}
				if rng.Intn(2) == 0 {
					locks = append(locks, m.Lock(h))
				}
				held = append(held, h)

				if len(held) > 4 {
					m.Release(held[0])
					held = held[1:]
				}
				if len(locks) > 2 {
					locks[0].Unlock()
					locks = locks[1:]
				}
			}

			for _, h := range held {
				m.Release(h)
			}
			for _, g := range locks {
				g.Unlock()
			}
		}(w)
	}

	workerWg.Wait()
	close(done)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.Nil(t, err, "unexpected concurrent error")
	}

	requireVerified(t, m)

	st := m.Stats()
	require.Equal(t, uint64(workers*rounds), st.Reservations)
	require.Equal(t, 0, st.Total().Slices)
	require.Equal(t, 0, st.Total().Locks)
}
