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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Manager statistics as prometheus metrics.
type Collector struct {
	m *Manager

	reservations *prometheus.Desc
	ticks        *prometheus.Desc
	chunks       *prometheus.Desc
	reserved     *prometheus.Desc
	peak         *prometheus.Desc
	used         *prometheus.Desc
	slices       *prometheus.Desc
	locked       *prometheus.Desc
	leaked       *prometheus.Desc
	chunkAllocs  *prometheus.Desc
	chunkFrees   *prometheus.Desc
	allocFailure *prometheus.Desc
}

var (
	poolLabels = []string{"pool", "type"}
)

// Collector returns a prometheus collector for the Manager.
func (m *Manager) Collector() *Collector {
	pool := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("pool_"+name, help, poolLabels, nil)
	}

	return &Collector{
		m: m,
		reservations: prometheus.NewDesc("reservations_total",
			"Number of successful reservations.", nil, nil),
		ticks: prometheus.NewDesc("ticks_total",
			"Number of maintenance ticks.", nil, nil),
		chunks:       pool("chunks", "Number of chunks allocated from storage."),
		reserved:     pool("reserved_bytes", "Bytes allocated from storage."),
		peak:         pool("peak_reserved_bytes", "Peak bytes allocated from storage."),
		used:         pool("used_bytes", "Bytes in reserved slices."),
		slices:       pool("slices", "Number of reserved slices."),
		locked:       pool("locked_slices", "Number of locked slices."),
		leaked:       pool("leaked_locks", "Number of locks held beyond the leak threshold."),
		chunkAllocs:  pool("chunk_allocations_total", "Number of chunks allocated."),
		chunkFrees:   pool("chunk_frees_total", "Number of chunks returned to storage."),
		allocFailure: pool("chunk_allocation_failures_total", "Number of failed chunk allocations."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.reservations
	ch <- c.ticks
	ch <- c.chunks
	ch <- c.reserved
	ch <- c.peak
	ch <- c.used
	ch <- c.slices
	ch <- c.locked
	ch <- c.leaked
	ch <- c.chunkAllocs
	ch <- c.chunkFrees
	ch <- c.allocFailure
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	st := c.m.Stats()

	ch <- prometheus.MustNewConstMetric(c.reservations, prometheus.CounterValue, float64(st.Reservations))
	ch <- prometheus.MustNewConstMetric(c.ticks, prometheus.CounterValue, float64(st.Ticks))

	for _, p := range st.Pools {
		labels := []string{strconv.Itoa(p.Index), p.Type.String()}
		gauge := func(d *prometheus.Desc, v float64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
		}

		gauge(c.chunks, float64(p.Chunks))
		gauge(c.reserved, float64(p.Reserved))
		gauge(c.peak, float64(p.Peak))
		gauge(c.used, float64(p.Used))
		gauge(c.slices, float64(p.Slices))
		gauge(c.locked, float64(p.Locked))
		gauge(c.leaked, float64(p.LeakedLocks))
		counter(c.chunkAllocs, p.ChunkAllocs)
		counter(c.chunkFrees, p.ChunkFrees)
		counter(c.allocFailure, p.AllocFailure)
	}
}
