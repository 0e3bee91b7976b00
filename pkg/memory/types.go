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
	"strings"

	"github.com/hashicorp/go-multierror"
)

const (
	KiB = uint64(1) << 10
	MiB = uint64(1) << 20
	GiB = uint64(1) << 30

	// DefaultDeallocPeriod is the deallocation period of preset sliced pools.
	DefaultDeallocPeriod uint64 = 1024

	// subSliceMinPage is the smallest page size the SubSlices preset ladders down to.
	subSliceMinPage = 32 * MiB
)

// DeviceProperties describes the memory-related limits of a device.
type DeviceProperties struct {
	// MaxPageSize is the largest single allocation the device supports.
	MaxPageSize uint64 `json:"maxPageSize"`
	// Alignment is the minimum alignment of bindable memory.
	Alignment uint64 `json:"alignment"`
}

// Validate checks the device properties for consistency.
func (p DeviceProperties) Validate() error {
	var errs *multierror.Error

	if p.MaxPageSize == 0 {
		errs = multierror.Append(errs, fmt.Errorf("zero max page size"))
	}
	if !isPowerOfTwo(p.Alignment) {
		errs = multierror.Append(errs, fmt.Errorf("alignment %d is not a power of two", p.Alignment))
	}
	if p.Alignment > p.MaxPageSize {
		errs = multierror.Append(errs, fmt.Errorf("alignment %s exceeds max page size %s",
			prettySize(p.Alignment), prettySize(p.MaxPageSize)))
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: device properties: %w", ErrInvalidConfiguration, err)
	}

	return nil
}

func (p DeviceProperties) String() string {
	return fmt.Sprintf("device<max page %s, alignment %s>",
		prettySize(p.MaxPageSize), prettySize(p.Alignment))
}

// PoolType is the allocation strategy of a pool.
type PoolType int

const (
	ExclusivePages PoolType = iota // one chunk per reservation
	SlicedPages                    // fixed size chunks carved into slices
)

var (
	poolTypeToString = map[PoolType]string{
		ExclusivePages: "exclusive",
		SlicedPages:    "sliced",
	}
	stringToPoolType = map[string]PoolType{
		"exclusive":      ExclusivePages,
		"exclusivepages": ExclusivePages,
		"sliced":         SlicedPages,
		"slicedpages":    SlicedPages,
	}
)

// ParsePoolType parses the given string into a pool type.
func ParsePoolType(str string) (PoolType, error) {
	if t, ok := stringToPoolType[strings.ToLower(str)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("%w: unknown pool type %q", ErrInvalidConfiguration, str)
}

// IsValid returns true if the pool type is known.
func (t PoolType) IsValid() bool {
	_, ok := poolTypeToString[t]
	return ok
}

// String returns a string representation of the pool type.
func (t PoolType) String() string {
	if str, ok := poolTypeToString[t]; ok {
		return str
	}
	return fmt.Sprintf("%%!(devmem:Bad-PoolType %d)", t)
}

// MarshalJSON is the json.Marshaller for PoolType.
func (t PoolType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON is the json.Unmarshaller for PoolType.
func (t *PoolType) UnmarshalJSON(data []byte) error {
	i := 0
	if err := json.Unmarshal(data, &i); err == nil {
		if _, ok := poolTypeToString[PoolType(i)]; ok {
			*t = PoolType(i)
			return nil
		}
		return fmt.Errorf("%w: unknown pool type %d", ErrInvalidConfiguration, i)
	}

	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}

	pt, err := ParsePoolType(str)
	if err != nil {
		return err
	}

	*t = pt
	return nil
}

// PoolOptions is the configuration of a single pool.
type PoolOptions struct {
	// Type is the allocation strategy of the pool.
	Type PoolType `json:"type"`
	// MaxSliceSize is the largest reservation a sliced pool serves.
	MaxSliceSize uint64 `json:"maxSliceSize,omitempty"`
	// PageSize is the chunk size of a sliced pool, or the minimum chunk
	// size an exclusive pool rounds reservations up to.
	PageSize uint64 `json:"pageSize"`
	// ChunkNumPrealloc is the number of chunks a sliced pool allocates
	// upfront. These chunks are never evicted.
	ChunkNumPrealloc uint64 `json:"chunkNumPrealloc,omitempty"`
	// DeallocPeriod is the number of reservations a fully free chunk of a
	// sliced pool stays cached for before it is evicted. Nil disables
	// eviction.
	DeallocPeriod *uint64 `json:"deallocPeriod,omitempty"`
}

// Period returns a pointer to the given deallocation period.
func Period(p uint64) *uint64 {
	return &p
}

// Ceiling returns the largest reservation a pool with these options serves.
func (o PoolOptions) Ceiling(props DeviceProperties) uint64 {
	if o.Type == SlicedPages {
		return o.MaxSliceSize
	}
	return props.MaxPageSize
}

// Validate checks the pool options against the given device properties.
func (o PoolOptions) Validate(props DeviceProperties) error {
	var errs *multierror.Error

	if !o.Type.IsValid() {
		errs = multierror.Append(errs, fmt.Errorf("invalid pool type %d", o.Type))
	}
	if o.PageSize == 0 {
		errs = multierror.Append(errs, fmt.Errorf("zero page size"))
	}
	if o.PageSize > props.MaxPageSize {
		errs = multierror.Append(errs, fmt.Errorf("page size %s exceeds max page size %s",
			prettySize(o.PageSize), prettySize(props.MaxPageSize)))
	}

	if o.Type == SlicedPages {
		if o.MaxSliceSize == 0 {
			errs = multierror.Append(errs, fmt.Errorf("zero max slice size"))
		}
		if o.MaxSliceSize > o.PageSize {
			errs = multierror.Append(errs, fmt.Errorf("max slice size %s exceeds page size %s",
				prettySize(o.MaxSliceSize), prettySize(o.PageSize)))
		}
		if isPowerOfTwo(props.Alignment) && o.PageSize%props.Alignment != 0 {
			errs = multierror.Append(errs, fmt.Errorf("page size %s is not a multiple of alignment %s",
				prettySize(o.PageSize), prettySize(props.Alignment)))
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %s pool: %w", ErrInvalidConfiguration, o.Type, err)
	}

	return nil
}

func (o PoolOptions) String() string {
	period := "never"
	if o.DeallocPeriod != nil {
		period = fmt.Sprintf("%d", *o.DeallocPeriod)
	}

	switch o.Type {
	case SlicedPages:
		return fmt.Sprintf("%s pool<page %s, max slice %s, prealloc %d, dealloc %s>",
			o.Type, prettySize(o.PageSize), prettySize(o.MaxSliceSize), o.ChunkNumPrealloc, period)
	default:
		return fmt.Sprintf("%s pool<min page %s>", o.Type, prettySize(o.PageSize))
	}
}

// Preset selects a predefined pool layout.
type Preset int

const (
	PresetSubSlices      Preset = iota // sliced pool ladder with exclusive overflow
	PresetExclusivePages               // a single exclusive pool
	PresetCustom                       // explicitly listed pools
)

var (
	presetToString = map[Preset]string{
		PresetSubSlices:      "subslices",
		PresetExclusivePages: "exclusive",
		PresetCustom:         "custom",
	}
)

// ParsePreset parses the given string into a preset.
func ParsePreset(str string) (Preset, error) {
	str = strings.ToLower(str)
	for p, name := range presetToString {
		if name == str {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfiguration, str)
}

func (p Preset) String() string {
	if str, ok := presetToString[p]; ok {
		return str
	}
	return fmt.Sprintf("%%!(devmem:Bad-Preset %d)", p)
}

// MarshalJSON is the json.Marshaller for Preset.
func (p Preset) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON is the json.Unmarshaller for Preset.
func (p *Preset) UnmarshalJSON(data []byte) error {
	str := ""
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfiguration, err)
	}
	preset, err := ParsePreset(str)
	if err != nil {
		return err
	}
	*p = preset
	return nil
}

// Configuration determines the pools of a Manager. The zero value is
// the SubSlices preset.
type Configuration struct {
	Preset Preset        `json:"preset"`
	Pools  []PoolOptions `json:"pools,omitempty"`
}

// DefaultConfiguration returns the SubSlices preset.
func DefaultConfiguration() Configuration {
	return Configuration{Preset: PresetSubSlices}
}

// ExclusivePagesConfiguration returns the ExclusivePages preset.
func ExclusivePagesConfiguration() Configuration {
	return Configuration{Preset: PresetExclusivePages}
}

// CustomConfiguration returns a configuration with the given pools.
func CustomConfiguration(pools ...PoolOptions) Configuration {
	return Configuration{
		Preset: PresetCustom,
		Pools:  pools,
	}
}

// PoolOptions returns the validated list of pools for the configuration.
func (c Configuration) PoolOptions(props DeviceProperties) ([]PoolOptions, error) {
	if err := props.Validate(); err != nil {
		return nil, err
	}

	var pools []PoolOptions

	switch c.Preset {
	case PresetSubSlices:
		pools = subSlicePools(props)
	case PresetExclusivePages:
		pools = []PoolOptions{exclusivePoolOptions(props)}
	case PresetCustom:
		if len(c.Pools) == 0 {
			return nil, fmt.Errorf("%w: custom configuration without pools", ErrInvalidConfiguration)
		}
		pools = append(pools, c.Pools...)
	default:
		return nil, fmt.Errorf("%w: invalid preset %d", ErrInvalidConfiguration, c.Preset)
	}

	var errs *multierror.Error
	for i, o := range pools {
		if err := o.Validate(props); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("pool #%d: %w", i, err))
		}
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return pools, nil
}

func (c Configuration) String() string {
	if c.Preset == PresetCustom {
		return fmt.Sprintf("%s configuration with %d pools", c.Preset, len(c.Pools))
	}
	return fmt.Sprintf("%s configuration", c.Preset)
}

func exclusivePoolOptions(props DeviceProperties) PoolOptions {
	return PoolOptions{
		Type:     ExclusivePages,
		PageSize: props.Alignment,
	}
}

func subSlicePools(props DeviceProperties) []PoolOptions {
	var (
		align = props.Alignment
		page  = alignDown(props.MaxPageSize, align)
		pages = []uint64{page}
	)

	for page >= subSliceMinPage {
		next := alignUp(page/4, align)
		if next >= page {
			break
		}
		page = next
		pages = append(pages, page)
	}

	pools := make([]PoolOptions, 0, len(pages)+1)
	for i := len(pages) - 1; i >= 0; i-- {
		page := pages[i]
		pools = append(pools, PoolOptions{
			Type:          SlicedPages,
			PageSize:      page,
			MaxSliceSize:  max(alignDown(page/4, align), align),
			DeallocPeriod: Period(DefaultDeallocPeriod),
		})
	}

	return append(pools, exclusivePoolOptions(props))
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// alignUp and alignDown expect a power of two alignment.
func alignUp(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

func alignDown(v, a uint64) uint64 {
	return v &^ (a - 1)
}
