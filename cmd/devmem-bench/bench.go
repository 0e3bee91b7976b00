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

package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/containers/devmem/pkg/memory"
	"github.com/containers/devmem/pkg/utils"
)

// bench drives a synthetic workload: reserve a slice, lock it for a
// simulated kernel, release it right away and let the completion of the
// oldest in-flight kernel drop its lock.
type bench struct {
	mgr     *memory.Manager
	maxSize uint64
	align   uint64

	sync.Mutex
	inFlight *queue.Queue
	limit    int

	done     atomic.Int64
	failed   atomic.Int64
	tooLarge atomic.Int64
	oom      atomic.Int64
	bytes    atomic.Uint64
	ticks    atomic.Int64
	tickErrs atomic.Int64
}

func (b *bench) run(ctx context.Context, opts *options) error {
	pool, err := ants.NewPool(opts.workers, ants.WithPanicHandler(func(v interface{}) {
		log.Error("worker panic: %v", v)
		b.failed.Add(1)
	}))
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup

	for i := 0; i < opts.ops; i++ {
		if ctx.Err() != nil {
			log.Warn("interrupted after %d operations", i)
			break
		}

		rng := rand.New(rand.NewSource(opts.seed + int64(i)))
		tick := opts.tickEvery > 0 && (i+1)%opts.tickEvery == 0

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			b.step(rng)
			if tick {
				b.tick()
			}
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("failed to submit work: %w", err)
		}
	}

	wg.Wait()
	b.drain()
	b.tick()

	return nil
}

func (b *bench) size(rng *rand.Rand) uint64 {
	// mostly small reservations with an occasional large one
	switch n := rng.Intn(100); {
	case n < 80:
		return uint64(1 + rng.Int63n(int64(min(b.maxSize, 1<<20))))
	case n < 98:
		return uint64(1 + rng.Int63n(int64(min(b.maxSize, 16<<20))))
	default:
		return uint64(1 + rng.Int63n(int64(b.maxSize)))
	}
}

func (b *bench) step(rng *rand.Rand) {
	var (
		size  = b.size(rng)
		align uint64
	)
	if rng.Intn(10) == 0 {
		align = b.align << uint(rng.Intn(4))
	}

	h, err := b.mgr.Reserve(size, align)
	if err != nil {
		switch {
		case errors.Is(err, memory.ErrSliceTooLarge):
			b.tooLarge.Add(1)
		case errors.Is(err, memory.ErrOutOfDeviceMemory):
			b.oom.Add(1)
		default:
			log.Debug("reservation of %s failed: %v", utils.HumanReadableSize(size), err)
			b.failed.Add(1)
		}
		return
	}

	lock := b.mgr.Lock(h)
	b.mgr.Release(h)
	b.bytes.Add(h.Size())
	b.done.Add(1)

	b.Lock()
	b.inFlight.Add(lock)
	var completed *memory.LockGuard
	if b.inFlight.Length() > b.limit {
		completed = b.inFlight.Remove().(*memory.LockGuard)
	}
	b.Unlock()

	if completed != nil {
		completed.Done()
	}
}

func (b *bench) drain() {
	b.Lock()
	defer b.Unlock()
	for b.inFlight.Length() > 0 {
		b.inFlight.Remove().(*memory.LockGuard).Done()
	}
}

func (b *bench) tick() {
	b.ticks.Add(1)
	if err := b.mgr.Tick(); err != nil {
		b.tickErrs.Add(1)
		log.Error("tick failed: %v", err)
	}
}

func (b *bench) report(elapsed time.Duration) {
	var (
		st    = b.mgr.Stats()
		total = st.Total()
		done  = b.done.Load()
	)

	log.Info("%d reservations of %s in %s (%.0f ops/s)", done,
		utils.HumanReadableSize(b.bytes.Load()), elapsed.Round(time.Millisecond),
		float64(done)/elapsed.Seconds())
	log.Info("%d too large, %d out of memory, %d other failures", b.tooLarge.Load(),
		b.oom.Load(), b.failed.Load())
	log.Info("%d ticks, %d failed", b.ticks.Load(), b.tickErrs.Load())
	log.Info("%d chunk allocations, %d chunk frees, peak %s reserved",
		total.ChunkAllocs, total.ChunkFrees, utils.HumanReadableSize(total.Peak))

	for _, p := range st.Pools {
		log.Info("  %s", p)
	}
}
