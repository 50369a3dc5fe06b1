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
	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/irqdb"
	"github.com/containers/irqbalanced/pkg/topology"
)

// forceRebalance pushes every balanced interrupt back onto the rebalance
// queue, detaching it from its current placement.
func (b *Balancer) forceRebalance() {
	for _, info := range b.db.List() {
		if info.Level == irqdb.LevelNone {
			continue
		}

		if info.Assigned == nil {
			b.queue = append(b.queue, info)
		} else {
			b.migrateIRQ(info.Assigned, info)
		}
		info.Assigned = nil
	}
}

// migrateIRQ moves an interrupt from the given object back onto the
// rebalance queue.
func (b *Balancer) migrateIRQ(from *topology.Object, info *irqdb.Info) {
	irqs := b.assigned[from]
	for i, owned := range irqs {
		if owned == info {
			b.assigned[from] = append(irqs[:i], irqs[i+1:]...)
			break
		}
	}

	b.queue = append(b.queue, info)
	info.Moved = true
}

// calculatePlacement places every queued interrupt onto the best-loaded
// topology object of its balance level.
func (b *Balancer) calculatePlacement() {
	if len(b.queue) == 0 {
		return
	}

	b.updatePowerSaveMode()

	irqdb.SortIRQs(b.queue)
	for _, info := range b.queue {
		b.placeIRQ(info)
	}
	b.queue = b.queue[:0]
}

// placeIRQ descends the topology tree from the NUMA nodes down to the
// interrupt's balance level, picking the least-loaded child intersecting
// the candidate mask at every step.
func (b *Balancer) placeIRQ(info *irqdb.Info) {
	cand := b.candidateMask(info)
	if cand.IsEmpty() {
		b.Warn("no eligible CPUs for IRQ %d, considering all unbanned CPUs", info.IRQ)
		cand = b.tree.UnbannedCPUs()
	}

	target := info.Level.Kind()
	if b.powerSave && target == topology.CPU {
		// Leave idle cores alone, stop pinning at the cache domains.
		target = topology.Cache
	}

	objs := b.tree.Nodes()
	var chosen *topology.Object

	for len(objs) > 0 {
		best := pickLeastLoaded(objs, cand)
		if best == nil {
			b.Warn("no %s intersects the eligible CPUs of IRQ %d, widening to all unbanned CPUs",
				objs[0].Kind, info.IRQ)
			cand = b.tree.UnbannedCPUs()
			best = pickLeastLoaded(objs, cand)
			if best == nil {
				return
			}
		}

		chosen = best
		if chosen.Kind == target {
			break
		}
		objs = chosen.Children
	}

	if chosen == nil {
		return
	}

	b.assigned[chosen] = append(b.assigned[chosen], info)
	info.Assigned = chosen
	info.Moved = true
}

// candidateMask computes the CPUs an interrupt may be placed on, from its
// device-local mask, the affinity hint policy, the banned CPUs, and the
// device NUMA node.
func (b *Balancer) candidateMask(info *irqdb.Info) cpumask.Mask {
	cand := info.Mask

	switch b.cfg.HintPolicy {
	case HintPolicyExact:
		if !info.AffinityHint.IsEmpty() {
			cand = info.AffinityHint
		}
	case HintPolicySubset:
		if !info.AffinityHint.IsEmpty() {
			if common := cand.And(info.AffinityHint); !common.IsEmpty() {
				cand = common
			}
		}
	}

	cand = cand.And(b.tree.UnbannedCPUs())

	if info.NumaNode >= 0 {
		if node := b.tree.Node(info.NumaNode); node != nil {
			cand = cand.And(node.Mask)
		}
	}

	return cand
}

// pickLeastLoaded returns the least-loaded object whose mask intersects the
// candidate mask, ties broken by the lowest object number.
func pickLeastLoaded(objs []*topology.Object, cand cpumask.Mask) *topology.Object {
	var best *topology.Object

	for _, obj := range objs {
		if !obj.Mask.Intersects(cand) {
			continue
		}
		if best == nil || obj.Load < best.Load ||
			(obj.Load == best.Load && obj.Number < best.Number) {
			best = obj
		}
	}

	return best
}

// updatePowerSaveMode checks if enough cache domains are idle to justify
// leaving their cores unused for power saving.
func (b *Balancer) updatePowerSaveMode() {
	if b.cfg.PowerThresh == PowerThreshOff {
		b.powerSave = false
		return
	}

	caches := b.tree.CacheDomains()
	if len(caches) == 0 {
		b.powerSave = false
		return
	}

	total := uint64(0)
	for _, cache := range caches {
		total += cache.Load
	}
	avg := total / uint64(len(caches))

	idle := 0
	for _, cache := range caches {
		if cache.Load < avg/2 {
			idle++
		}
	}

	powerSave := idle > b.cfg.PowerThresh
	if powerSave != b.powerSave {
		if powerSave {
			b.Info("%d idle cache domains, entering power-save placement", idle)
		} else {
			b.Info("leaving power-save placement")
		}
		b.powerSave = powerSave
	}
}
