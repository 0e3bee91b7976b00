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
	"testing"

	"github.com/eapache/queue"
	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/memory"
	"github.com/containers/devmem/pkg/storage/host"
)

func TestBenchRun(t *testing.T) {
	props := memory.DeviceProperties{
		MaxPageSize: 64 << 20,
		Alignment:   4 << 10,
	}

	s, err := host.New(host.WithAlignment(props.Alignment))
	require.Nil(t, err, "unexpected host.New() error")

	mgr, err := memory.NewManager(s, props, memory.WithLockLeakTicks(1000))
	require.Nil(t, err, "unexpected NewManager() error")
	defer mgr.Close()

	b := &bench{
		mgr:      mgr,
		maxSize:  8 << 20,
		align:    props.Alignment,
		inFlight: queue.New(),
		limit:    8,
	}

	opts := &options{
		ops:       2000,
		workers:   4,
		tickEvery: 100,
		seed:      1,
	}

	require.Nil(t, b.run(context.Background(), opts), "unexpected run() error")
	require.Equal(t, int64(2000), b.done.Load())
	require.Equal(t, int64(0), b.failed.Load()+b.oom.Load()+b.tooLarge.Load())
	require.Equal(t, 0, b.inFlight.Length())
	require.Nil(t, mgr.Verify(), "unexpected Verify() error")

	total := mgr.Stats().Total()
	require.Equal(t, 0, total.Slices)
	require.Equal(t, 0, total.Locks)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.Nil(t, err, "unexpected loadConfig() error")
	require.Nil(t, cfg.Memory)

	_, err = loadConfig("testdata/missing.yaml")
	require.NotNil(t, err, "expected loadConfig() error")

	cfg, err = loadConfig("testdata/bench.yaml")
	require.Nil(t, err, "unexpected loadConfig() error")
	require.NotNil(t, cfg.Memory)
	require.NotNil(t, cfg.Log)

	mcfg, err := cfg.Memory.ToConfiguration()
	require.Nil(t, err, "unexpected ToConfiguration() error")
	require.Equal(t, memory.PresetCustom, mcfg.Preset)
	require.Len(t, mcfg.Pools, 3)
}
