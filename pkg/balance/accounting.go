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
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/containers/irqbalanced/pkg/topology"
	idset "github.com/intel/goresctrl/pkg/utils"
)

const (
	// nsecPerSec is used to convert jiffy deltas into nanoseconds.
	nsecPerSec = 1000000000
	// userHZ is the userland clock tick rate, jiffies per second.
	userHZ = 100
)

// parseProcInterrupts reads the per-interrupt counters from
// /proc/interrupts. A counter column count that disagrees with the core
// count, or a row for an interrupt missing from the database, requests a
// topology rescan and aborts the parse.
func (b *Balancer) parseProcInterrupts() {
	path := filepath.Join("/", b.cfg.ProcRoot, "proc", "interrupts")
	file, err := os.Open(path)
	if err != nil {
		b.Warn("cannot open %s, balancing is broken", path)
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	// first line is the per-CPU header
	if !scanner.Scan() {
		b.Warn("cannot read %s, balancing is broken", path)
		return
	}

	for scanner.Scan() {
		line := scanner.Text()

		if !b.procMSI && strings.Contains(line, "MSI") {
			b.procMSI = true
		}

		// Rows with letters in front are special counters like NMI
		// and LOC, and terminate the per-interrupt section.
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" || trimmed[0] < '0' || trimmed[0] > '9' {
			break
		}

		num, rest, ok := strings.Cut(trimmed, ":")
		if !ok {
			continue
		}
		irq, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			continue
		}

		info := b.db.Get(irq)
		if info == nil {
			b.needRescan.Store(true)
			break
		}

		count := uint64(0)
		columns := 0
		for _, field := range strings.Fields(rest) {
			c, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				break
			}
			count += c
			columns++
		}
		if columns != b.tree.CoreCount() {
			b.needRescan.Store(true)
			break
		}

		info.LastCount = info.Count
		info.Count = count
	}

	if b.procMSI && !b.db.HasSysfsMSI() && !b.needRescan.Load() && !b.msiWarned {
		b.Warn("MSI interrupts found in /proc/interrupts")
		b.Warn("but none found in sysfs, you need to update your kernel")
		b.Warn("until then, IRQs will be improperly classified")
		b.msiWarned = true
	}
}

// parseProcStat reads the per-CPU irq and softirq jiffy counters from
// /proc/stat and turns the deltas into per-CPU loads, then propagates the
// loads up the topology tree.
func (b *Balancer) parseProcStat() {
	stat, err := b.fs.Stat()
	if err != nil {
		b.Warn("cannot read /proc/stat, balancing is broken: %v", err)
		return
	}

	banned := b.tree.BannedCPUs()
	cpuCount := 0

	for id, cs := range stat.CPU {
		if banned.IsSet(int(id)) {
			continue
		}

		cpu := b.tree.CPU(idset.ID(id))
		if cpu == nil {
			continue
		}
		cpuCount++

		// The irq and softirq counters are in jiffies, with userHZ
		// jiffies per second. Convert the delta to nanoseconds for a
		// better integer resolution of nanoseconds per interrupt.
		jiffies := uint64((cs.IRQ+cs.SoftIRQ)*userHZ + 0.5)
		if atomic.LoadUint64(&b.cycles) > 0 && jiffies >= cpu.LastLoad {
			cpu.Load = (jiffies - cpu.LastLoad) * (nsecPerSec / userHZ)
		}
		cpu.LastLoad = jiffies
	}

	if cpuCount != b.tree.CPUCount() {
		b.Warn("didn't collect load info for all cpus, balancing is broken")
		return
	}

	// Reset the load values of everything above the CPU level, they are
	// recomputed from the per-CPU loads.
	for _, kind := range []topology.Kind{topology.Cache, topology.Package, topology.Node} {
		for _, obj := range b.tree.Objects(kind) {
			obj.Load = 0
		}
	}

	// Attribute each CPU's load to a fair share per interrupt, bottom up.
	for _, kind := range []topology.Kind{topology.CPU, topology.Cache, topology.Package, topology.Node} {
		for _, obj := range b.tree.Objects(kind) {
			b.computeIRQBranchLoadShare(obj)
		}
	}
}

// computeIRQBranchLoadShare distributes an object's load over the
// interrupts it owns directly and adds its load to its parent.
func (b *Balancer) computeIRQBranchLoadShare(d *topology.Object) {
	divisor := len(d.Children)
	if divisor < 1 {
		divisor = 1
	}
	d.Load /= uint64(divisor)

	if irqs := b.assigned[d]; len(irqs) > 0 {
		local := b.parentBranchIRQCountShare(d)
		if local < 1 {
			local = 1
		}
		slice := d.Load / local
		for _, info := range irqs {
			info.Load = info.Delta() * slice
			// Every interrupt carries at least a load of 1.
			if info.Load == 0 {
				info.Load = 1
			}
		}
	}

	if d.Parent != nil {
		d.Parent.Load += d.Load
	}
}

// parentBranchIRQCountShare estimates the number of interrupts handled by
// this particular branch: the parent's share split over the objects of this
// level, plus the counts of the interrupts owned directly here.
func (b *Balancer) parentBranchIRQCountShare(d *topology.Object) uint64 {
	total := uint64(0)

	if d.Parent != nil {
		total = b.parentBranchIRQCountShare(d.Parent)
		if n := len(b.tree.Objects(d.Kind)); n > 1 {
			total /= uint64(n)
		}
	}

	for _, info := range b.assigned[d] {
		total += info.Delta()
	}

	return total
}
