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
	"path/filepath"
	"strconv"

	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/irqdb"
	"github.com/containers/irqbalanced/pkg/sysfs"
)

// activateMappings commits the placement decisions of the current cycle by
// writing the affinity mask of every migrated interrupt to the kernel.
func (b *Balancer) activateMappings() {
	for _, info := range b.db.List() {
		if !info.Moved || info.Assigned == nil || info.Level == irqdb.LevelNone {
			continue
		}

		mask := info.Assigned.Mask
		if b.cfg.HintPolicy == HintPolicyExact && !info.AffinityHint.IsEmpty() {
			if exact := mask.And(info.AffinityHint); !exact.IsEmpty() {
				mask = exact
			}
		}

		if err := b.setIRQAffinity(info.IRQ, mask); err != nil {
			// Some interrupts, timers for one, reject affinity changes.
			b.Debug("cannot set affinity of IRQ %d: %v", info.IRQ, err)
			continue
		}

		b.Debug("IRQ %d affinity set to %s (%s)", info.IRQ, mask, info.Assigned.Name())
	}
}

// setIRQAffinity writes the given CPU mask to the interrupt's smp_affinity
// file.
func (b *Balancer) setIRQAffinity(irq int, mask cpumask.Mask) error {
	return sysfs.WriteEntry(
		filepath.Join("/", b.cfg.ProcRoot, "proc", "irq", strconv.Itoa(irq)),
		"smp_affinity", mask)
}
