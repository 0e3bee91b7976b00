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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	. "github.com/containers/devmem/pkg/apis/config/v1alpha1/memory"
	"github.com/containers/devmem/pkg/memory"
)

func TestToConfiguration(t *testing.T) {
	type testCase struct {
		name    string
		yaml    string
		expect  memory.Configuration
		invalid bool
	}

	for _, tc := range []*testCase{
		{
			name:   "empty",
			yaml:   ``,
			expect: memory.DefaultConfiguration(),
		},
		{
			name:   "exclusive preset",
			yaml:   `preset: exclusive`,
			expect: memory.ExclusivePagesConfiguration(),
		},
		{
			name: "custom pools",
			yaml: `
preset: custom
pools:
  - type: sliced
    pageSize: 1Mi
    maxSliceSize: 256Ki
    chunkNumPrealloc: 1
    deallocPeriod: 100
  - type: exclusive
    pageSize: 4096
`,
			expect: memory.CustomConfiguration(
				memory.PoolOptions{
					Type:             memory.SlicedPages,
					PageSize:         memory.MiB,
					MaxSliceSize:     256 * memory.KiB,
					ChunkNumPrealloc: 1,
					DeallocPeriod:    memory.Period(100),
				},
				memory.PoolOptions{
					Type:     memory.ExclusivePages,
					PageSize: 4 * memory.KiB,
				},
			),
		},
		{
			name: "implicit custom",
			yaml: `
pools:
  - type: sliced
    pageSize: 2Mi
    maxSliceSize: 512Ki
`,
			expect: memory.CustomConfiguration(
				memory.PoolOptions{
					Type:         memory.SlicedPages,
					PageSize:     2 * memory.MiB,
					MaxSliceSize: 512 * memory.KiB,
				},
			),
		},
		{
			name:    "unknown preset",
			yaml:    `preset: buddy`,
			invalid: true,
		},
		{
			name: "pools with preset",
			yaml: `
preset: subslices
pools:
  - type: exclusive
    pageSize: 4Ki
`,
			invalid: true,
		},
		{
			name: "bad quantity",
			yaml: `
pools:
  - type: sliced
    pageSize: lots
    maxSliceSize: 1Ki
`,
			invalid: true,
		},
		{
			name: "fractional quantity",
			yaml: `
pools:
  - type: exclusive
    pageSize: 100m
`,
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load([]byte(tc.yaml))
			require.Nil(t, err, "unexpected Load() error")

			mcfg, err := cfg.ToConfiguration()
			if tc.invalid {
				require.ErrorIs(t, err, memory.ErrInvalidConfiguration)
				return
			}
			require.Nil(t, err, "unexpected ToConfiguration() error")
			if diff := cmp.Diff(tc.expect, mcfg); diff != "" {
				t.Errorf("unexpected configuration (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte("preset: exclusive\npool: []\n"))
	require.ErrorIs(t, err, memory.ErrInvalidConfiguration)

	_, err = Load([]byte("pools:\n  - type: buddy\n    pageSize: 1Mi\n"))
	require.ErrorIs(t, err, memory.ErrInvalidConfiguration)
}

func TestDeviceProperties(t *testing.T) {
	defaults := memory.DeviceProperties{
		MaxPageSize: memory.GiB,
		Alignment:   64 * memory.KiB,
	}

	cfg, err := Load([]byte("device:\n  maxPageSize: 256Mi\n"))
	require.Nil(t, err, "unexpected Load() error")

	props, err := cfg.DeviceProperties(defaults)
	require.Nil(t, err, "unexpected DeviceProperties() error")
	require.Equal(t, 256*memory.MiB, props.MaxPageSize)
	require.Equal(t, 64*memory.KiB, props.Alignment)

	cfg, err = Load([]byte("device:\n  alignment: nope\n"))
	require.Nil(t, err, "unexpected Load() error")
	_, err = cfg.DeviceProperties(defaults)
	require.ErrorIs(t, err, memory.ErrInvalidConfiguration)

	var none *Config
	props, err = none.DeviceProperties(defaults)
	require.Nil(t, err, "unexpected DeviceProperties() error")
	require.Equal(t, defaults, props)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devmem.yaml")
	require.Nil(t, os.WriteFile(path, []byte("preset: exclusive\nlockLeakTicks: 8\n"), 0o644))

	cfg, err := LoadFile(path)
	require.Nil(t, err, "unexpected LoadFile() error")
	require.Equal(t, uint64(8), cfg.LockLeakTicks)

	opts, err := cfg.ManagerOptions()
	require.Nil(t, err, "unexpected ManagerOptions() error")
	require.Len(t, opts, 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NotNil(t, err, "expected LoadFile() error")
}
