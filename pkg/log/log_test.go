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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	type testCase struct {
		name    string
		value   string
		result  srcmap
		invalid bool
	}

	for _, tc := range []*testCase{
		{
			name:   "empty",
			value:  "",
			result: srcmap{},
		},
		{
			name:   "implicit on",
			value:  "memory",
			result: srcmap{"memory": true},
		},
		{
			name:   "inherited state",
			value:  "off:memory,storage,on:metrics",
			result: srcmap{"memory": false, "storage": false, "metrics": true},
		},
		{
			name:   "all",
			value:  "on:all",
			result: srcmap{"*": true},
		},
		{
			name:    "bad state",
			value:   "sometimes:memory",
			invalid: true,
		},
		{
			name:    "bad spec",
			value:   "on:memory:extra",
			invalid: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := make(srcmap)
			err := m.parse(tc.value)
			if tc.invalid {
				require.NotNil(t, err)
				return
			}
			require.Nil(t, err)
			require.Equal(t, tc.result, m)
		})
	}
}

func TestConfigureDebug(t *testing.T) {
	l := Get("log-test")
	require.False(t, l.DebugEnabled())

	require.Nil(t, Configure(&cfgapi.Config{Debug: []string{"log-test"}}))
	require.True(t, l.DebugEnabled())
	require.False(t, Get("log-test-other").DebugEnabled())

	require.Nil(t, Configure(&cfgapi.Config{Debug: []string{"all"}}))
	require.True(t, Get("log-test-other").DebugEnabled())

	require.NotNil(t, Configure(&cfgapi.Config{Debug: []string{"maybe:log-test"}}))

	require.Nil(t, Configure(&cfgapi.Config{}))
	require.False(t, l.DebugEnabled())
}

func TestGetReturnsSameLogger(t *testing.T) {
	require.Equal(t, Get("same"), Get("same"))
	require.Equal(t, "same", Get("same").Source())
}
