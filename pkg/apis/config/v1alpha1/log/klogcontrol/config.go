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

package klogcontrol

import (
	"strconv"
)

// Config contains the subset of klog flags we allow to be configured at runtime.
// Field names follow the flag names so that they map trivially to klog flags.
type Config struct {
	// Logtostderr logs to standard error instead of files.
	// +optional
	Logtostderr *bool `json:"logtostderr,omitempty"`
	// Alsologtostderr logs to standard error as well as files.
	// +optional
	Alsologtostderr *bool `json:"alsologtostderr,omitempty"`
	// Skip_headers avoids header prefixes in the log messages.
	// +optional
	Skip_headers *bool `json:"skip_headers,omitempty"`
	// Skip_log_headers avoids headers when opening log files.
	// +optional
	Skip_log_headers *bool `json:"skip_log_headers,omitempty"`
	// Log_file is the file to use for logging.
	// +optional
	Log_file string `json:"log_file,omitempty"`
	// Stderrthreshold is the severity at or above which logs go to stderr.
	// +optional
	Stderrthreshold string `json:"stderrthreshold,omitempty"`
	// V is the klog verbosity level.
	// +optional
	V *int `json:"v,omitempty"`
}

// GetByFlag returns the configured value for the given klog flag, if any.
func (c *Config) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}

	optBool := func(v *bool) (string, bool) {
		if v == nil {
			return "", false
		}
		return strconv.FormatBool(*v), true
	}
	optString := func(v string) (string, bool) {
		return v, v != ""
	}

	switch name {
	case "logtostderr":
		return optBool(c.Logtostderr)
	case "alsologtostderr":
		return optBool(c.Alsologtostderr)
	case "skip_headers":
		return optBool(c.Skip_headers)
	case "skip_log_headers":
		return optBool(c.Skip_log_headers)
	case "log_file":
		return optString(c.Log_file)
	case "stderrthreshold":
		return optString(c.Stderrthreshold)
	case "v":
		if c.V == nil {
			return "", false
		}
		return strconv.Itoa(*c.V), true
	}

	return "", false
}
