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

package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/containers/devmem/pkg/metrics"
)

func TestUnprefixedDefaultCollection(t *testing.T) {
	r := metrics.NewRegistry()
	require.NotNil(t, r, "non-nil registry")

	newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	g := newTestGatherer(t, r, []string{"*"})

	collected := gather(t, g)
	require.Equal(t, map[string]float64{"test1": 0, "test2": 0}, collected)
}

func TestPrefixedCollection(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1")
	newTestGauge(t, r, "test2", metrics.WithGroup("memory"))
	newTestGauge(t, r, "test3", metrics.WithGroup("memory"),
		metrics.WithCollectorOptions(metrics.WithoutNamespace()))

	g := newTestGatherer(t, r, []string{"*"}, metrics.WithNamespace("devmem"))

	collected := gather(t, g)
	require.Contains(t, collected, "devmem_default_test1")
	require.Contains(t, collected, "devmem_memory_test2")
	require.Contains(t, collected, "memory_test3")
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	g2 := newTestGauge(t, r, "test2", metrics.WithCollectorOptions(metrics.WithoutSubsystem()))

	g := newTestGatherer(t, r, []string{"*"})

	g1.Inc()
	g2.Set(5)

	collected := gather(t, g)
	require.Equal(t, float64(1), collected["test1"])
	require.Equal(t, float64(5), collected["test2"])

	g1.Set(4)
	g2.Dec()

	collected = gather(t, g)
	require.Equal(t, float64(4), collected["test1"])
	require.Equal(t, float64(4), collected["test2"])
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"),
		metrics.WithCollectorOptions(metrics.WithoutSubsystem()))
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	g := newTestGatherer(t, r, []string{"test1", "group2"})

	collected := gather(t, g)
	require.Contains(t, collected, "group1_test1", "group1_test1 collected")
	require.NotContains(t, collected, "test2", "test2 not collected")
	require.Contains(t, collected, "test3", "test3 collected")
	require.Contains(t, collected, "group2_test4", "group2_test4 collected")
}

func TestUnmatchedGlob(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"nothing-like-this"}))
	require.NotNil(t, err, "unmatched glob should fail")
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")

	err := r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "x", Help: "x"}))
	require.NotNil(t, err, "duplicate registration should fail")
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) prometheus.Gauge {
	g := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: name,
			Help: "Test gauge " + name,
		},
	)
	require.NoError(t, r.Register(name, g, options...))
	return g
}

func newTestGatherer(t *testing.T, r *metrics.Registry, enabled []string, opts ...metrics.GathererOption) *metrics.Gatherer {
	g, err := r.NewGatherer(append(opts, metrics.WithMetrics(enabled))...)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g
}

func gather(t *testing.T, g prometheus.Gatherer) map[string]float64 {
	mfs, err := g.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			values[mf.GetName()] = m.GetGauge().GetValue()
		}
	}
	return values
}
