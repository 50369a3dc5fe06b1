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
	"github.com/containers/irqbalanced/pkg/irqdb"
)

// updateMigrationStatus clears the per-cycle migration flags and queues
// interrupts whose current placement has become lopsided: an interrupt
// migrates when its object carries more than twice the load of the least
// loaded object of the same level and moving the interrupt's own load
// would close the gap.
func (b *Balancer) updateMigrationStatus() {
	for _, info := range b.db.List() {
		info.Moved = false
	}

	for _, info := range b.db.List() {
		if info.Level == irqdb.LevelNone || info.Assigned == nil {
			continue
		}

		cand := b.candidateMask(info)
		if cand.IsEmpty() {
			continue
		}

		least := pickLeastLoaded(b.tree.Objects(info.Assigned.Kind), cand)
		if least == nil || least == info.Assigned {
			continue
		}

		cur, min := info.Assigned.Load, least.Load
		if cur <= 2*min {
			continue
		}
		if info.Load < cur-min {
			continue
		}

		b.Debug("queueing IRQ %d for migration away from %s (load %d vs %d)",
			info.IRQ, info.Assigned.Name(), cur, min)
		b.migrateIRQ(info.Assigned, info)
		info.Assigned = nil
		b.migrations++
	}
}
