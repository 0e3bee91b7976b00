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

// Package klogcontrol provides runtime control over the klog backend
// used by our loggers.
package klogcontrol

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"k8s.io/klog/v2"

	cfgapi "github.com/containers/devmem/pkg/apis/config/v1alpha1/log/klogcontrol"
)

const (
	// envPrefix is prepended to upper-cased klog flag names to look up
	// environment defaults, for instance LOGGER_SKIP_HEADERS.
	envPrefix = "LOGGER_"
)

// Control implements runtime control for klog.
type Control struct {
	*flag.FlagSet
}

var ctl = &Control{FlagSet: flag.NewFlagSet("klog flags", flag.ContinueOnError)}

// Get returns our singleton klog Control instance.
func Get() *Control {
	return ctl
}

// Configure klog according to the given configuration.
func (c *Control) Configure(cfg *cfgapi.Config) error {
	var errs []error
	c.VisitAll(func(f *flag.Flag) {
		if value, ok := cfg.GetByFlag(f.Name); ok {
			if err := c.Set(f.Name, value); err != nil {
				errs = append(errs, klogError("failed to set klog flag %s to %s: %w",
					f.Name, value, err))
			}
		}
	})
	return errors.Join(errs...)
}

// SetFlags sets klog flags from a comma-separated list of name=value pairs.
func (c *Control) SetFlags(spec string) error {
	var errs []error
	for _, entry := range strings.Split(spec, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}
		name, value, ok := strings.Cut(entry, "=")
		if !ok {
			value = "true"
		}
		if err := c.Set(strings.TrimSpace(name), strings.TrimSpace(value)); err != nil {
			errs = append(errs, klogError("failed to set klog flag %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

func getEnvForFlag(flagName string) (string, string, bool) {
	name := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
	if value, ok := os.LookupEnv(name); ok {
		return name, value, true
	}
	return "", "", false
}

func klogError(format string, args ...interface{}) error {
	return fmt.Errorf("klogcontrol: "+format, args...)
}

// init discovers klog flags and seeds them from the environment.
func init() {
	ctl.SetOutput(io.Discard)
	klog.InitFlags(ctl.FlagSet)
	ctl.VisitAll(func(f *flag.Flag) {
		name, value, ok := getEnvForFlag(f.Name)
		if !ok {
			return
		}
		if err := ctl.Set(f.Name, value); err != nil {
			klog.Errorf("klog flag %q: invalid environment default %s=%q: %v",
				f.Name, name, value, err)
		}
	})
}
