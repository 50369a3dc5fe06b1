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

package irqdb

import (
	"sort"

	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/topology"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// Type is the hardware delivery mechanism of an interrupt.
type Type int

const (
	// TypeLegacy is a legacy line-based interrupt.
	TypeLegacy Type = iota
	// TypeMSI is a message-signaled interrupt.
	TypeMSI
	// TypeMSIX is an extended message-signaled interrupt.
	TypeMSIX
	// TypeVirtEvent is a virtual event channel interrupt.
	TypeVirtEvent
)

// Class is the device class an interrupt is balanced by.
type Class int

const (
	// ClassOther is the catch-all class.
	ClassOther Class = iota
	// ClassLegacy covers bridges, input devices and other legacy buses.
	ClassLegacy
	// ClassStorage covers mass storage and intelligent I/O controllers.
	ClassStorage
	// ClassTimer covers display and timer-like devices.
	ClassTimer
	// ClassEthernet covers network controllers.
	ClassEthernet
	// ClassGbitEthernet covers gigabit network controllers.
	ClassGbitEthernet
	// ClassTenGbitEthernet covers 10-gigabit network controllers.
	ClassTenGbitEthernet
	// ClassVirtEvent covers virtual event channels.
	ClassVirtEvent
)

// classNames are the printable names of the interrupt classes.
var classNames = []string{
	"other",
	"legacy",
	"storage",
	"timer",
	"ethernet",
	"gbit-ethernet",
	"10gbit-ethernet",
	"virt-event",
}

// String returns the printable name of an interrupt class.
func (c Class) String() string {
	if int(c) < len(classNames) {
		return classNames[c]
	}
	return "unknown"
}

// Level is the topology depth an interrupt is pinned at.
type Level int

const (
	// LevelNone leaves the interrupt untouched.
	LevelNone Level = iota
	// LevelPackage pins the interrupt to a physical package.
	LevelPackage
	// LevelCache pins the interrupt to a cache domain.
	LevelCache
	// LevelCore pins the interrupt to a single CPU.
	LevelCore
)

// levelNames are the recognized balance level names.
var levelNames = []string{"none", "package", "cache", "core"}

// String returns the printable name of a balance level.
func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

// Kind returns the topology level an interrupt of this balance level is
// placed at.
func (l Level) Kind() topology.Kind {
	switch l {
	case LevelPackage:
		return topology.Package
	case LevelCache:
		return topology.Cache
	}
	return topology.CPU
}

// Info is the tracked state of a single interrupt.
type Info struct {
	IRQ          int              // interrupt number
	Type         Type             // delivery mechanism
	Class        Class            // device class
	Level        Level            // balance level
	NumaNode     idset.ID         // device NUMA node, -1 if unknown
	Mask         cpumask.Mask     // device-local CPUs, restricted to unbanned
	AffinityHint cpumask.Mask     // kernel-suggested affinity, may be empty
	Assigned     *topology.Object // current placement, nil when queued
	Count        uint64           // latest counter sample, summed over CPUs
	LastCount    uint64           // previous counter sample
	Load         uint64           // per-cycle load estimate, ns equivalent
	Moved        bool             // migrated during the current cycle
	Banned       bool             // excluded from balancing
}

// Delta returns the interrupt count accumulated since the previous sample.
func (i *Info) Delta() uint64 {
	if i.Count < i.LastCount {
		return 0
	}
	return i.Count - i.LastCount
}

// SortIRQs orders interrupts for placement: by class, then by descending
// load, then by interrupt number.
func SortIRQs(irqs []*Info) {
	sort.Slice(irqs, func(i, j int) bool {
		a, b := irqs[i], irqs[j]
		if a.Class != b.Class {
			return a.Class < b.Class
		}
		if a.Load != b.Load {
			return a.Load > b.Load
		}
		return a.IRQ < b.IRQ
	})
}
