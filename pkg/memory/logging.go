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

	logger "github.com/containers/devmem/pkg/log"
	"github.com/containers/devmem/pkg/utils"
)

var (
	log     = logger.Get("memory")
	details = logger.Get("memory-details")
)

func (m *Manager) DumpConfig(context ...interface{}) {
	prefix := formatPrefix(context...)
	log.Info("%sdevice memory manager, %s, %s", prefix, m.props, m.config)
	for i, o := range m.poolOpts {
		log.Info("%s  pool #%d: %s", prefix, i, o)
	}
	if m.leakTicks > 0 {
		log.Info("%s  lock leak warnings after %d ticks", prefix, m.leakTicks)
	}
}

func (m *Manager) DumpState(context ...interface{}) {
	if !details.DebugEnabled() {
		return
	}

	prefix := formatPrefix(context...)
	st := m.Stats()

	details.Debug("%sdevice memory state after %d reservations, %d ticks", prefix,
		st.Reservations, st.Ticks)
	for _, p := range st.Pools {
		details.Debug("%s  %s", prefix, p)
	}

	if err := m.Verify(); err != nil {
		details.Error("%s  inconsistent state: %v", prefix, err)
	}
}

func (s PoolStats) String() string {
	return fmt.Sprintf("pool #%d (%s, ceiling %s): %d chunks (%d preallocated), %s reserved, "+
		"%s used, %s free, %d slices, %d locked, %d parked, %d leaked locks",
		s.Index, s.Type, prettySize(s.Ceiling), s.Chunks, s.Prealloc, prettySize(s.Reserved),
		prettySize(s.Used), prettySize(s.Free), s.Slices, s.Locked, s.Parked, s.LeakedLocks)
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!devmem:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}

func prettySize(v uint64) string {
	return utils.HumanReadableSize(v)
}
