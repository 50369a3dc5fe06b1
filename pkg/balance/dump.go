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
	"strings"

	"github.com/containers/irqbalanced/pkg/irqdb"
	"github.com/containers/irqbalanced/pkg/topology"
)

// dumpTree debug-logs the object tree with the loads and interrupt
// assignments of the current cycle.
func (b *Balancer) dumpTree() {
	for _, node := range b.tree.Nodes() {
		b.dumpObject(node, 0)
	}
}

// dumpObject debug-logs one object and its subtree.
func (b *Balancer) dumpObject(obj *topology.Object, depth int) {
	pad := strings.Repeat(" ", 2*depth)
	b.Debug("%s%s: mask %s, load %d", pad, obj.Name(), obj.Mask, obj.Load)

	for _, info := range b.assigned[obj] {
		b.dumpIRQ(info, depth+1)
	}
	for _, child := range obj.Children {
		b.dumpObject(child, depth+1)
	}
}

// dumpIRQ debug-logs one interrupt assignment.
func (b *Balancer) dumpIRQ(info *irqdb.Info, depth int) {
	pad := strings.Repeat(" ", 2*depth)
	b.Debug("%sIRQ %d: %s, node %d, load %d", pad, info.IRQ, info.Class, info.NumaNode, info.Load)
}
