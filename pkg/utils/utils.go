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

package utils

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseEnabled parses a boolean-ish state string (on, off, true, false,
// enabled, disabled, 1, 0, ...) into a bool.
func ParseEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "on", "true", "enable", "enabled", "yes", "y", "1":
		return true, nil
	case "off", "false", "disable", "disabled", "no", "n", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid enabled/disabled state %q", value)
}

// HumanReadableSize formats a byte count using binary k/M/G/T units.
func HumanReadableSize(size uint64) string {
	if size >= 1024 {
		units := []string{"k", "M", "G", "T"}

		for i, d := 0, uint64(1024); i < len(units); i, d = i+1, d<<10 {
			if val := size / d; 1 <= val && val < 1024 {
				if fval := float64(size) / float64(d); math.Floor(fval) != fval {
					return strings.TrimRight(fmt.Sprintf("%.3f", fval), "0") + units[i]
				}
				return fmt.Sprintf("%d%s", val, units[i])
			}
		}
	}

	return strconv.FormatUint(size, 10)
}
