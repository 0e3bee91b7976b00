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
	"encoding/json"
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"

	"github.com/containers/devmem/pkg/memory"
)

// Config is the declarative configuration of device memory pooling.
type Config struct {
	// Preset selects a predefined pool layout: subslices, exclusive or custom.
	// +optional
	Preset string `json:"preset,omitempty"`
	// Device overrides the memory properties reported by the device.
	// +optional
	Device *Device `json:"device,omitempty"`
	// Pools lists the pools of a custom configuration in routing order.
	// +optional
	Pools []Pool `json:"pools,omitempty"`
	// LockLeakTicks is the number of ticks after which a held lock is
	// reported as a possible leak. Zero disables leak reporting.
	// +optional
	LockLeakTicks uint64 `json:"lockLeakTicks,omitempty"`
}

// Device describes device memory properties.
type Device struct {
	// MaxPageSize is the largest single allocation of the device.
	MaxPageSize Amount `json:"maxPageSize,omitempty"`
	// Alignment is the alignment of bindable memory.
	Alignment Amount `json:"alignment,omitempty"`
}

// Pool is the configuration of a single pool.
type Pool struct {
	// Type is the pool strategy, exclusive or sliced.
	Type memory.PoolType `json:"type"`
	// PageSize is the chunk size of a sliced pool, or the minimum chunk
	// size of an exclusive one.
	PageSize Amount `json:"pageSize"`
	// MaxSliceSize is the largest reservation served by a sliced pool.
	// +optional
	MaxSliceSize Amount `json:"maxSliceSize,omitempty"`
	// ChunkNumPrealloc is the number of chunks a sliced pool allocates
	// upfront.
	// +optional
	ChunkNumPrealloc uint64 `json:"chunkNumPrealloc,omitempty"`
	// DeallocPeriod is the number of reservations an idle chunk of a sliced
	// pool is kept for. Omitting it disables eviction.
	// +optional
	DeallocPeriod *uint64 `json:"deallocPeriod,omitempty"`
}

// Amount is a byte size given as a resource quantity, for instance 256Ki.
type Amount string

var (
	noQ = resource.Quantity{}
)

// ParseQuantity parses the amount as a resource quantity.
func (amount Amount) ParseQuantity() (resource.Quantity, error) {
	q, err := resource.ParseQuantity(string(amount))
	if err != nil {
		return noQ, fmt.Errorf("failed to parse amount '%s' as resource quantity: %w", amount, err)
	}
	return q, nil
}

// UnmarshalJSON accepts both quoted quantities and plain numbers.
func (amount *Amount) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err == nil {
		*amount = Amount(str)
		return nil
	}

	num := json.Number("")
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("invalid amount %s: %w", string(data), err)
	}

	*amount = Amount(num.String())
	return nil
}

// Bytes returns the amount in bytes. An empty amount is zero.
func (amount Amount) Bytes() (uint64, error) {
	if amount == "" {
		return 0, nil
	}

	q, err := amount.ParseQuantity()
	if err != nil {
		return 0, err
	}

	v, ok := q.AsInt64()
	if !ok || v < 0 {
		return 0, fmt.Errorf("amount '%s' is not a valid byte size", amount)
	}

	return uint64(v), nil
}

// Load parses a YAML or JSON configuration, rejecting unknown fields.
func Load(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", memory.ErrInvalidConfiguration, err)
	}
	return cfg, nil
}

// LoadFile reads and parses a configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return Load(data)
}

// DeviceProperties returns the given properties with any overrides applied.
func (c *Config) DeviceProperties(props memory.DeviceProperties) (memory.DeviceProperties, error) {
	if c == nil || c.Device == nil {
		return props, nil
	}

	var errs *multierror.Error

	if maxPage, err := c.Device.MaxPageSize.Bytes(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("maxPageSize: %w", err))
	} else if maxPage != 0 {
		props.MaxPageSize = maxPage
	}

	if align, err := c.Device.Alignment.Bytes(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("alignment: %w", err))
	} else if align != 0 {
		props.Alignment = align
	}

	if err := errs.ErrorOrNil(); err != nil {
		return props, fmt.Errorf("%w: device: %w", memory.ErrInvalidConfiguration, err)
	}

	return props, nil
}

// ToConfiguration converts the configuration for memory.NewManager.
func (c *Config) ToConfiguration() (memory.Configuration, error) {
	if c == nil {
		return memory.DefaultConfiguration(), nil
	}

	preset := memory.PresetSubSlices
	switch {
	case c.Preset != "":
		p, err := memory.ParsePreset(c.Preset)
		if err != nil {
			return memory.Configuration{}, err
		}
		preset = p
	case len(c.Pools) > 0:
		preset = memory.PresetCustom
	}

	if preset != memory.PresetCustom {
		if len(c.Pools) > 0 {
			return memory.Configuration{}, fmt.Errorf("%w: pools given with %s preset",
				memory.ErrInvalidConfiguration, preset)
		}
		return memory.Configuration{Preset: preset}, nil
	}

	var (
		pools []memory.PoolOptions
		errs  *multierror.Error
	)

	for i, p := range c.Pools {
		o, err := p.toPoolOptions()
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pool #%d: %w", i, err))
			continue
		}
		pools = append(pools, o)
	}

	if err := errs.ErrorOrNil(); err != nil {
		return memory.Configuration{}, fmt.Errorf("%w: %w", memory.ErrInvalidConfiguration, err)
	}

	return memory.CustomConfiguration(pools...), nil
}

// ManagerOptions returns the options for memory.NewManager.
func (c *Config) ManagerOptions() ([]memory.ManagerOption, error) {
	cfg, err := c.ToConfiguration()
	if err != nil {
		return nil, err
	}

	opts := []memory.ManagerOption{memory.WithConfiguration(cfg)}
	if c != nil && c.LockLeakTicks > 0 {
		opts = append(opts, memory.WithLockLeakTicks(c.LockLeakTicks))
	}

	return opts, nil
}

func (p Pool) toPoolOptions() (memory.PoolOptions, error) {
	page, err := p.PageSize.Bytes()
	if err != nil {
		return memory.PoolOptions{}, fmt.Errorf("pageSize: %w", err)
	}
	maxSlice, err := p.MaxSliceSize.Bytes()
	if err != nil {
		return memory.PoolOptions{}, fmt.Errorf("maxSliceSize: %w", err)
	}

	o := memory.PoolOptions{
		Type:             p.Type,
		PageSize:         page,
		MaxSliceSize:     maxSlice,
		ChunkNumPrealloc: p.ChunkNumPrealloc,
	}
	if p.DeallocPeriod != nil {
		o.DeallocPeriod = memory.Period(*p.DeallocPeriod)
	}

	return o, nil
}
