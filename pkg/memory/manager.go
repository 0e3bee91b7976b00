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

	"github.com/hashicorp/go-multierror"
)

// Manager is the entry point for reserving device memory. It routes
// reservations to its pools, owns the global reservation counter and
// drives periodic pool maintenance.
type Manager struct {
	storage      Storage
	props        DeviceProperties
	config       Configuration
	poolOpts     []PoolOptions
	pools        []pool
	router       *router
	clock        clock
	leaks        *leakTracker
	leakTicks    uint64
	leakInterval time.Duration
	lockID       atomic.Uint64
	closed       atomic.Bool
}

// ManagerStats are the statistics of a Manager and its pools.
type ManagerStats struct {
	Reservations uint64
	Ticks        uint64
	Pools        []PoolStats
}

// ManagerOption is an opaque option for a Manager.
type ManagerOption func(*Manager) error

// WithConfiguration sets the pool configuration of a Manager. Without
// this option DefaultConfiguration is used.
func WithConfiguration(cfg Configuration) ManagerOption {
	return func(m *Manager) error {
		m.config = cfg
		return nil
	}
}

// WithLockLeakTicks enables diagnostics for locks held for at least the
// given number of ticks. Zero disables them.
func WithLockLeakTicks(ticks uint64) ManagerOption {
	return func(m *Manager) error {
		m.leakTicks = ticks
		return nil
	}
}

// WithLeakReportInterval sets the minimum interval between lock leak
// warnings.
func WithLeakReportInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) error {
		if interval <= 0 {
			return fmt.Errorf("invalid leak report interval %s", interval)
		}
		m.leakInterval = interval
		return nil
	}
}

// NewManager creates a Manager for the given storage and device properties.
func NewManager(storage Storage, props DeviceProperties, options ...ManagerOption) (*Manager, error) {
	if storage == nil {
		return nil, fmt.Errorf("%w: nil storage", ErrInvalidConfiguration)
	}

	m := &Manager{
		storage:      storage,
		props:        props,
		config:       DefaultConfiguration(),
		leakInterval: DefaultLeakReportInterval,
	}

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrFailedOption, err)
		}
	}

	pools, err := m.config.PoolOptions(props)
	if err != nil {
		return nil, err
	}

	m.poolOpts = pools
	m.leaks = newLeakTracker(m.leakTicks, m.leakInterval)

	ceilings := make([]uint64, 0, len(pools))
	for i, o := range pools {
		p, err := m.newPool(i, o)
		if err != nil {
			if cerr := m.closePools(); cerr != nil {
				log.Error("failed to clean up pools: %v", cerr)
			}
			return nil, fmt.Errorf("failed to create pool #%d: %w", i, err)
		}
		m.pools = append(m.pools, p)
		ceilings = append(ceilings, p.Ceiling())
	}

	m.router = newRouter(ceilings)
	m.DumpConfig()

	return m, nil
}

func (m *Manager) newPool(idx int, o PoolOptions) (pool, error) {
	env := &poolEnv{
		index:   idx,
		storage: m.storage,
		props:   m.props,
		clock:   &m.clock,
		leaks:   m.leaks,
	}

	switch o.Type {
	case ExclusivePages:
		return newExclusivePool(env, o)
	case SlicedPages:
		return newSlicedPool(env, o)
	}

	return nil, fmt.Errorf("%w: unknown pool type %d", ErrInvalidConfiguration, o.Type)
}

// Properties returns the device properties of the Manager.
func (m *Manager) Properties() DeviceProperties {
	return m.props
}

// Configuration returns the configuration of the Manager.
func (m *Manager) Configuration() Configuration {
	return m.config
}

// PoolOptions returns the options of all pools in configuration order.
func (m *Manager) PoolOptions() []PoolOptions {
	return append([]PoolOptions(nil), m.poolOpts...)
}

// Pools returns the pools of the Manager in configuration order.
func (m *Manager) Pools() []Pool {
	pools := make([]Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	return pools
}

// Reserve reserves a slice of at least size bytes. An alignment of zero
// requests the device alignment. Other alignments must be a power of two
// not larger than the max page size of the device.
func (m *Manager) Reserve(size, alignment uint64) (Handle, error) {
	if m.closed.Load() {
		return Handle{}, ErrClosed
	}

	align, err := m.effectiveAlignment(alignment)
	if err != nil {
		return Handle{}, err
	}

	if size == 0 {
		size = m.props.Alignment
	}

	idx := m.router.lookup(size)
	if idx < 0 {
		return Handle{}, fmt.Errorf("%w: no pool for %s", ErrSliceTooLarge, prettySize(size))
	}

	h, err := m.pools[idx].reserve(size, align)
	if err != nil {
		log.Debug("failed to reserve %s with alignment %d: %v", prettySize(size), align, err)
		return Handle{}, err
	}

	return h, nil
}

func (m *Manager) effectiveAlignment(alignment uint64) (uint64, error) {
	if alignment == 0 {
		return m.props.Alignment, nil
	}
	if !isPowerOfTwo(alignment) {
		return 0, fmt.Errorf("%w: alignment %d is not a power of two", ErrMisalignedRequest, alignment)
	}
	if alignment > m.props.MaxPageSize {
		return 0, fmt.Errorf("%w: alignment %s exceeds max page size %s", ErrMisalignedRequest,
			prettySize(alignment), prettySize(m.props.MaxPageSize))
	}
	return max(alignment, m.props.Alignment), nil
}

// Release releases a reserved slice. Releasing a handle twice, or a handle
// which does not belong to the Manager, panics.
func (m *Manager) Release(h Handle) {
	if m.closed.Load() {
		return
	}
	m.pool(h, "release").release(h)
}

// Lock locks a reserved slice. Locking a released or stale handle panics.
// Locking never blocks.
func (m *Manager) Lock(h Handle) *LockGuard {
	p := m.pool(h, "lock")
	if m.closed.Load() {
		panic(fmt.Errorf("lock: %w", ErrClosed))
	}

	g := &LockGuard{
		m:  m,
		h:  h,
		id: m.lockID.Add(1),
	}
	p.lock(h, g.id)

	return g
}

// WithLock calls fn with the slice locked, unlocking it once fn returns.
func (m *Manager) WithLock(h Handle, fn func() error) error {
	g := m.Lock(h)
	defer g.Unlock()
	return fn()
}

// Resolve returns the binding for a reserved slice.
func (m *Manager) Resolve(h Handle) (Binding, error) {
	if m.closed.Load() {
		return Binding{}, ErrClosed
	}
	if !h.IsValid() || int(h.pool) >= len(m.pools) {
		return Binding{}, fmt.Errorf("%w: %s", ErrInvalidHandle, h)
	}
	return m.pools[h.pool].resolve(h)
}

func (m *Manager) pool(h Handle, op string) pool {
	if !h.IsValid() || int(h.pool) >= len(m.pools) {
		panic(fmt.Errorf("%s: %w: %s", op, ErrInvalidHandle, h))
	}
	return m.pools[h.pool]
}

// Tick performs periodic maintenance of all pools in configuration order.
// How often it is called is up to the caller.
func (m *Manager) Tick() error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.clock.tick()

	var errs *multierror.Error
	for _, p := range m.pools {
		if err := p.tick(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	m.DumpState()

	return errs.ErrorOrNil()
}

// Stats returns the statistics of the Manager and all its pools.
func (m *Manager) Stats() ManagerStats {
	st := ManagerStats{
		Reservations: m.clock.now(),
		Ticks:        m.clock.tickCount(),
		Pools:        make([]PoolStats, 0, len(m.pools)),
	}
	for _, p := range m.pools {
		st.Pools = append(st.Pools, p.Stats())
	}
	return st
}

// Total sums up the statistics of all pools.
func (s ManagerStats) Total() PoolStats {
	var t PoolStats
	t.Index = -1
	for _, p := range s.Pools {
		t.Chunks += p.Chunks
		t.Prealloc += p.Prealloc
		t.Reserved += p.Reserved
		t.Peak += p.Peak
		t.Used += p.Used
		t.Free += p.Free
		t.Slices += p.Slices
		t.Locked += p.Locked
		t.Parked += p.Parked
		t.Locks += p.Locks
		t.LeakedLocks += p.LeakedLocks
		t.Reserves += p.Reserves
		t.Releases += p.Releases
		t.ChunkAllocs += p.ChunkAllocs
		t.ChunkFrees += p.ChunkFrees
		t.FreeRegions += p.FreeRegions
		t.AllocFailure += p.AllocFailure
		t.LargestFree = max(t.LargestFree, p.LargestFree)
		t.Ceiling = max(t.Ceiling, p.Ceiling)
	}
	return t
}

// Verify checks the internal consistency of all pools.
func (m *Manager) Verify() error {
	var errs *multierror.Error
	for _, p := range m.pools {
		if err := p.Verify(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

// Close frees all memory of all pools. Handles and locks become invalid,
// except that unlocking an outstanding LockGuard is still allowed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return m.closePools()
}

func (m *Manager) closePools() error {
	var errs *multierror.Error
	for _, p := range m.pools {
		if err := p.close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
