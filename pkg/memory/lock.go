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
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultLeakReportInterval is the minimum interval between lock leak warnings.
	DefaultLeakReportInterval = 10 * time.Second
)

// LockGuard is a single lock on a reserved slice. While any lock is held
// the slice is neither reused nor freed, even if it has been released.
type LockGuard struct {
	m    *Manager
	h    Handle
	id   uint64
	done atomic.Bool
}

// Handle returns the handle of the locked slice.
func (g *LockGuard) Handle() Handle {
	return g.h
}

// Unlock removes the lock. Unlocking the same LockGuard twice panics.
func (g *LockGuard) Unlock() {
	if !g.done.CompareAndSwap(false, true) {
		panic(fmt.Errorf("unlock: %w: %s already unlocked", ErrInvalidHandle, g.h))
	}
	if g.m.closed.Load() {
		return
	}
	g.m.pools[g.h.pool].unlock(g.h, g.id)
}

// Done can be passed as a completion callback to asynchronous device work.
// It is equivalent to Unlock.
func (g *LockGuard) Done() {
	g.Unlock()
}

func (g *LockGuard) String() string {
	state := "locked"
	if g.done.Load() {
		state = "unlocked"
	}
	return fmt.Sprintf("lock<#%d, %s, %s>", g.id, g.h, state)
}

// leakTracker rate limits warnings about locks held for too many ticks.
type leakTracker struct {
	threshold  uint64
	limiter    *rate.Limiter
	suppressed atomic.Uint64
}

func newLeakTracker(threshold uint64, interval time.Duration) *leakTracker {
	return &leakTracker{
		threshold: threshold,
		limiter:   rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (t *leakTracker) report(pool int, h Handle, age uint64) {
	if !t.limiter.Allow() {
		t.suppressed.Add(1)
		return
	}

	if n := t.suppressed.Swap(0); n > 0 {
		log.Warn("pool #%d: %s locked for %d ticks, possibly leaked (%d similar warnings suppressed)",
			pool, h, age, n)
	} else {
		log.Warn("pool #%d: %s locked for %d ticks, possibly leaked", pool, h, age)
	}
}
