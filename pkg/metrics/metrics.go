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

// Package metrics is a thin layer over prometheus for registering named
// collectors in groups, enabling them selectively by glob at runtime, and
// gathering them with a common namespace and per-group subsystem prefix.
//
// Usage:
//
//	metrics.MustRegister("pools", mgr.Collector(), metrics.WithGroup("memory"))
//	g, err := metrics.NewGatherer(metrics.WithNamespace("devmem"), metrics.WithMetrics([]string{"*"}))
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics

import (
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	logger "github.com/containers/devmem/pkg/log"
)

var (
	log = logger.Get("metrics")
)

type (
	// State represents the configuration of a collector or a group of collectors.
	State int

	// Collector is a registered prometheus.Collector.
	Collector struct {
		collector prometheus.Collector
		name      string
		group     string
		State
	}

	// CollectorOption is an option for a Collector.
	CollectorOption func(*Collector)
)

const (
	// Enabled marks a collector as enabled.
	Enabled State = (1 << iota)
	// NamespacePrefix causes a collector's metrics to be prefixed with a common
	// namespace.
	NamespacePrefix
	// SubsystemPrefix causes a collector's metrics to be prefixed with the name
	// of the group the collector belongs to.
	SubsystemPrefix

	// DefaultName is the name of the default group. An alias for "".
	DefaultName = "default"
)

// WithoutNamespace is an option to disable namespace prefixing for a collector.
func WithoutNamespace() CollectorOption {
	return func(c *Collector) {
		c.State &^= NamespacePrefix
	}
}

// WithoutSubsystem is an option to disable group prefixing for a collector.
func WithoutSubsystem() CollectorOption {
	return func(c *Collector) {
		c.State &^= SubsystemPrefix
	}
}

// IsEnabled returns true if the collector is enabled.
func (s State) IsEnabled() bool {
	return s&Enabled != 0
}

// NeedsNamespace returns true if the collector needs a namespace prefix.
func (s State) NeedsNamespace() bool {
	return s&NamespacePrefix != 0
}

// NeedsSubsystem returns true if the collector needs a group prefix.
func (s State) NeedsSubsystem() bool {
	return s&SubsystemPrefix != 0
}

// String returns a string representation of the collector state.
func (s State) String() string {
	flags := []string{"disabled"}
	if s.IsEnabled() {
		flags[0] = "enabled"
	}
	if s.NeedsNamespace() {
		flags = append(flags, "namespace-prefixed")
	}
	if s.NeedsSubsystem() {
		flags = append(flags, "subsystem-prefixed")
	}
	return strings.Join(flags, ",")
}

// NewCollector creates a new collector with the given name and collector.
func NewCollector(name string, collector prometheus.Collector, options ...CollectorOption) *Collector {
	c := &Collector{
		name:      name,
		collector: collector,
		State:     Enabled | NamespacePrefix | SubsystemPrefix,
	}

	for _, o := range options {
		o(c)
	}

	return c
}

// Name returns the name of the collector.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the collector matches the given glob pattern.
func (c *Collector) Matches(glob string) bool {
	if glob == c.group || glob == c.name || glob == c.Name() {
		return true
	}

	for _, name := range []string{c.group, c.name, c.Name()} {
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q (%s): %v", glob, name, err)
			return false
		}
		if ok {
			return true
		}
	}

	return false
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if !c.IsEnabled() {
		return
	}
	log.Debug("collecting %q", c.Name())
	c.collector.Collect(ch)
}

// Enable enables or disables the collector.
func (c *Collector) Enable(state bool) {
	if state {
		c.State |= Enabled
	} else {
		c.State &^= Enabled
	}
}

type (
	// Group is a collection of collectors.
	Group struct {
		name       string
		collectors []*Collector
	}
)

func newGroup(name string) *Group {
	return &Group{name: name}
}

func (g *Group) add(c *Collector) {
	c.group = g.name
	g.collectors = append(g.collectors, c)
	log.Info("registered collector %q", c.Name())
}

func (g *Group) register(plain, ns prometheus.Registerer) error {
	var (
		plainGrp = prefixedRegisterer(g.name, plain)
		nsGrp    = prefixedRegisterer(g.name, ns)
	)

	for _, c := range g.collectors {
		var reg prometheus.Registerer

		switch {
		case c.NeedsNamespace() && c.NeedsSubsystem():
			reg = nsGrp
		case c.NeedsNamespace():
			reg = ns
		case c.NeedsSubsystem():
			reg = plainGrp
		default:
			reg = plain
		}

		if err := reg.Register(c); err != nil {
			return fmt.Errorf("failed to register collector %q: %w", c.Name(), err)
		}
	}

	return nil
}

func (g *Group) configure(enabled []string, match map[string]struct{}) State {
	state := State(0)
	for _, c := range g.collectors {
		c.Enable(false)
		for _, glob := range enabled {
			if c.Matches(glob) {
				match[glob] = struct{}{}
				c.Enable(true)
			}
		}
		log.Info("collector %q now %s", c.Name(), c.State)
		state |= c.State
	}
	return state
}

type (
	// Registry is a collection of groups.
	Registry struct {
		sync.Mutex
		groups map[string]*Group
	}

	// RegisterOptions are options for registering collectors.
	RegisterOptions struct {
		group string
		copts []CollectorOption
	}

	// RegisterOption is an option for registering collectors.
	RegisterOption func(*RegisterOptions)
)

// WithGroup is an option to register a collector in a specific group.
func WithGroup(name string) RegisterOption {
	return func(o *RegisterOptions) {
		if name == "" {
			name = DefaultName
		}
		o.group = name
	}
}

// WithCollectorOptions is an option to register a collector with options.
func WithCollectorOptions(opts ...CollectorOption) RegisterOption {
	return func(o *RegisterOptions) {
		o.copts = append(o.copts, opts...)
	}
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{
		groups: make(map[string]*Group),
	}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	options := &RegisterOptions{group: DefaultName}
	for _, o := range opts {
		o(options)
	}

	r.Lock()
	defer r.Unlock()

	grp, ok := r.groups[options.group]
	if !ok {
		grp = newGroup(options.group)
		r.groups[grp.name] = grp
	}

	for _, c := range grp.collectors {
		if c.name == name {
			return fmt.Errorf("collector %q already registered in group %q", name, grp.name)
		}
	}

	grp.add(NewCollector(name, collector, options.copts...))

	return nil
}

// Configure enables the collectors matching any of the given globs.
func (r *Registry) Configure(enabled []string) (State, error) {
	log.Info("configuring registry with collectors enabled=[%s]", strings.Join(enabled, ","))

	r.Lock()
	defer r.Unlock()

	match := make(map[string]struct{})
	state := State(0)
	for _, g := range r.groups {
		state |= g.configure(enabled, match)
	}

	unmatched := []string{}
	for _, glob := range enabled {
		if _, ok := match[glob]; !ok {
			unmatched = append(unmatched, glob)
		}
	}

	if len(unmatched) > 0 {
		return state, fmt.Errorf("no collectors match globs %s", strings.Join(unmatched, ", "))
	}

	return state, nil
}

func prefixedRegisterer(prefix string, reg prometheus.Registerer) prometheus.Registerer {
	if prefix != "" {
		return prometheus.WrapRegistererWithPrefix(prefix+"_", reg)
	}
	return reg
}

type (
	// Gatherer is a prometheus gatherer for our registry.
	Gatherer struct {
		*prometheus.Registry
		namespace string
		enabled   []string
	}

	// GathererOption is an option for the gatherer.
	GathererOption func(*Gatherer)
)

// WithNamespace defines the common namespace prefix for gathered collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithMetrics defines which groups or collectors will be enabled.
func WithMetrics(enabled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
	}
}

// NewGatherer creates a new gatherer for the registry, with the given options.
func (r *Registry) NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		Registry: prometheus.NewRegistry(),
	}

	for _, o := range opts {
		o(g)
	}

	if _, err := r.Configure(g.enabled); err != nil {
		return nil, err
	}

	nsg := prefixedRegisterer(g.namespace, g.Registry)

	r.Lock()
	defer r.Unlock()

	for _, grp := range r.groups {
		if err := grp.register(g.Registry, nsg); err != nil {
			return nil, err
		}
	}

	return g, nil
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the default registry.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, opts ...RegisterOption) error {
	return Default().Register(name, collector, opts...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, opts ...RegisterOption) {
	if err := Register(name, collector, opts...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a new gatherer for the default registry, with the given options.
func NewGatherer(opts ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(opts...)
}
