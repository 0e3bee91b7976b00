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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/devmem/pkg/log"
)

var (
	log = logger.Get("health-check")
)

// CheckFn reports the health of a single component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("%%!(healthz:Bad-Status %d)", s)
}

// Registry is a set of named health checkers.
type Registry struct {
	sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		checkers: map[string]CheckFn{},
	}
}

// Register registers the given health checker function.
func (r *Registry) Register(name string, fn CheckFn) error {
	r.Lock()
	defer r.Unlock()

	if _, conflict := r.checkers[name]; conflict {
		return fmt.Errorf("checker %q already registered", name)
	}

	r.checkers[name] = fn
	r.sorted = append(r.sorted, name)
	sort.Strings(r.sorted)

	return nil
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func (r *Registry) Setup(mux *http.ServeMux) {
	mux.Handle("/healthz", r)
}

// ServeHTTP serves a single health check request.
func (r *Registry) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := r.Check()

	if status == Healthy {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			log.Error("failed to write response: %v", err)
		}
		return
	}

	names := make([]string, 0, len(details))
	for name := range details {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", status)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, details[name])
	}

	w.WriteHeader(http.StatusInternalServerError)
	if _, err := w.Write([]byte(b.String())); err != nil {
		log.Error("failed to write response: %v", err)
	}
}

// Check runs all registered checkers and returns the worst status.
func (r *Registry) Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	r.Lock()
	defer r.Unlock()

	for _, name := range r.sorted {
		s, err := r.checkers[name]()
		if s == Healthy {
			continue
		}
		if s > status {
			status = s
		}
		if err == nil {
			err = fmt.Errorf("%s", s)
		}
		details[name] = err
		log.Error("component %s reported %s: %v", name, s, err)
	}

	return status, details
}

var (
	defaultRegistry = NewRegistry()
)

// RegisterHealthChecker registers the given health checker function with
// the default registry. It panics if the name is already taken.
func RegisterHealthChecker(name string, fn CheckFn) {
	if err := defaultRegistry.Register(name, fn); err != nil {
		panic(err)
	}
}

// Setup prepares the given HTTP request multiplexer for serving healthz
// from the default registry.
func Setup(mux *http.ServeMux) {
	defaultRegistry.Setup(mux)
}
