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

package balance

import (
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/irqbalanced/pkg/topology"
)

// collector exports balancer state as prometheus metrics.
type collector struct {
	b *Balancer

	cycles     *prometheus.Desc
	rescans    *prometheus.Desc
	migrations *prometheus.Desc
	tracked    *prometheus.Desc
	banned     *prometheus.Desc
	load       *prometheus.Desc
	irqLoad    *prometheus.Desc
}

// NewCollector creates a prometheus collector for the balancer.
func NewCollector(b *Balancer) prometheus.Collector {
	return &collector{
		b: b,
		cycles: prometheus.NewDesc("irqbalanced_cycles_total",
			"Number of completed balancing cycles.", nil, nil),
		rescans: prometheus.NewDesc("irqbalanced_rescans_total",
			"Number of topology rescans performed.", nil, nil),
		migrations: prometheus.NewDesc("irqbalanced_migrations_total",
			"Number of interrupts queued for migration by load imbalance.", nil, nil),
		tracked: prometheus.NewDesc("irqbalanced_tracked_irqs",
			"Number of interrupts tracked for balancing.", nil, nil),
		banned: prometheus.NewDesc("irqbalanced_banned_irqs",
			"Number of interrupts banned from balancing.", nil, nil),
		load: prometheus.NewDesc("irqbalanced_object_load",
			"Per-object interrupt load of the last cycle, in nanoseconds.",
			[]string{"kind", "number"}, nil),
		irqLoad: prometheus.NewDesc("irqbalanced_irq_load",
			"Per-interrupt load of the last cycle, in nanoseconds.",
			[]string{"irq", "class"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.cycles
	ch <- c.rescans
	ch <- c.migrations
	ch <- c.tracked
	ch <- c.banned
	ch <- c.load
	ch <- c.irqLoad
}

// Collect implements prometheus.Collector.
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	c.b.RLock()
	defer c.b.RUnlock()

	ch <- prometheus.MustNewConstMetric(c.cycles, prometheus.CounterValue,
		float64(atomic.LoadUint64(&c.b.cycles)))
	ch <- prometheus.MustNewConstMetric(c.rescans, prometheus.CounterValue,
		float64(c.b.rescans))
	ch <- prometheus.MustNewConstMetric(c.migrations, prometheus.CounterValue,
		float64(c.b.migrations))
	ch <- prometheus.MustNewConstMetric(c.tracked, prometheus.GaugeValue,
		float64(c.b.db.Size()))
	ch <- prometheus.MustNewConstMetric(c.banned, prometheus.GaugeValue,
		float64(len(c.b.db.Banned())))

	for _, kind := range []topology.Kind{topology.Node, topology.Package, topology.Cache, topology.CPU} {
		for _, obj := range c.b.tree.Objects(kind) {
			ch <- prometheus.MustNewConstMetric(c.load, prometheus.GaugeValue,
				float64(obj.Load), kind.String(), strconv.Itoa(int(obj.Number)))
		}
	}

	for _, info := range c.b.db.List() {
		ch <- prometheus.MustNewConstMetric(c.irqLoad, prometheus.GaugeValue,
			float64(info.Load), strconv.Itoa(info.IRQ), info.Class.String())
	}
}
