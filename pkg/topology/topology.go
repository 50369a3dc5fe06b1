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

// Package topology builds a hierarchical model of the host CPU topology
// from sysfs, NUMA nodes at the top, physical packages, shared-cache
// domains and logical CPUs below.
package topology

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/containers/irqbalanced/pkg/cpumask"
	logger "github.com/containers/irqbalanced/pkg/log"
	"github.com/containers/irqbalanced/pkg/sysfs"
	idset "github.com/intel/goresctrl/pkg/utils"
)

const (
	// sysfs devices/cpu subdirectory path
	sysfsCPUPath = "devices/system/cpu"
	// sysfs devices/node subdirectory path
	sysfsNumaNodePath = "devices/system/node"
)

// Our logger instance.
var log = logger.NewLogger("topology")

// Kind distinguishes the levels of the topology tree.
type Kind int

const (
	// Node is a NUMA node, the root level of the tree.
	Node Kind = iota
	// Package is a physical package (socket).
	Package
	// Cache is a shared-cache domain within a package.
	Cache
	// CPU is a single logical CPU.
	CPU
)

// kindNames are the printable names of the topology levels.
var kindNames = map[Kind]string{
	Node:    "numa node",
	Package: "package",
	Cache:   "cache domain",
	CPU:     "cpu",
}

// String returns the printable name of a topology level.
func (k Kind) String() string {
	return kindNames[k]
}

// Object is a single node in the topology tree.
type Object struct {
	Kind     Kind         // level of this object
	Number   idset.ID     // kernel-assigned id, unique within Kind
	Mask     cpumask.Mask // unbanned CPUs reachable below this object
	Parent   *Object      // nil for NUMA nodes
	Children []*Object    // next-level objects, empty for CPUs
	Load     uint64       // load accumulated during the current cycle
	LastLoad uint64       // previous irq+softirq jiffy sample, CPUs only
}

// Config contains the topology discovery parameters.
type Config struct {
	// SysRoot is a directory prefix under which the host sysfs is mounted.
	SysRoot string
	// DeepestCache caps the cache index depth considered for cache
	// domains. Zero means no cap.
	DeepestCache int
	// BannedCPUs are CPUs interrupts must be kept away from.
	BannedCPUs cpumask.Mask
}

// Tree is the discovered topology of the host.
type Tree struct {
	logger.Logger
	path     string
	nodes    []*Object
	packages []*Object
	caches   []*Object
	cpus     []*Object
	cpuByID  map[idset.ID]*Object
	nodeByID map[idset.ID]*Object
	banned   cpumask.Mask
	unbanned cpumask.Mask
	count    int
	numa     bool
}

// Build discovers the CPU topology from sysfs. The cpumask capacity is
// (re)derived from the possible CPUs before any mask is parsed.
func Build(cfg Config) (*Tree, error) {
	t := &Tree{
		Logger:   log,
		path:     filepath.Join("/", cfg.SysRoot, "sys"),
		cpuByID:  make(map[idset.ID]*Object),
		nodeByID: make(map[idset.ID]*Object),
	}

	if err := t.setMaskCapacity(); err != nil {
		return nil, err
	}

	t.banned = cpumask.New().Or(cfg.BannedCPUs)
	t.unbanned = t.banned.Complement()

	t.discoverNodes()

	entries, _ := filepath.Glob(filepath.Join(t.path, sysfsCPUPath, "cpu[0-9]*"))
	sort.Slice(entries, func(i, j int) bool {
		return sysfs.EnumeratedID(entries[i]) < sysfs.EnumeratedID(entries[j])
	})
	for _, entry := range entries {
		if err := t.discoverCPU(entry, cfg.DeepestCache); err != nil {
			return nil, topologyError("failed to discover cpu for entry %s: %w", entry, err)
		}
	}

	if t.DebugEnabled() {
		t.dump()
	}

	return t, nil
}

// setMaskCapacity fixes the cpumask capacity from the highest possible CPU id.
func (t *Tree) setMaskCapacity() error {
	base := filepath.Join(t.path, sysfsCPUPath)

	var possible idset.IDSet
	if _, err := sysfs.ReadEntry(base, "possible", &possible); err == nil && possible.Size() > 0 {
		max := idset.ID(0)
		for _, id := range possible.SortedMembers() {
			max = id
		}
		cpumask.SetSize(int(max) + 1)
		return nil
	}

	// No possible file, fall back to the enumerated cpu directories.
	entries, _ := filepath.Glob(filepath.Join(base, "cpu[0-9]*"))
	if len(entries) == 0 {
		return topologyError("no CPUs found under %s", base)
	}
	max := idset.ID(0)
	for _, entry := range entries {
		if id := sysfs.EnumeratedID(entry); id > max {
			max = id
		}
	}
	cpumask.SetSize(int(max) + 1)
	return nil
}

// discoverNodes enumerates the NUMA nodes present in the system. A machine
// without NUMA support gets a single synthetic node with id -1.
func (t *Tree) discoverNodes() {
	entries, _ := filepath.Glob(filepath.Join(t.path, sysfsNumaNodePath, "node[0-9]*"))
	sort.Slice(entries, func(i, j int) bool {
		return sysfs.EnumeratedID(entries[i]) < sysfs.EnumeratedID(entries[j])
	})

	for _, entry := range entries {
		node := &Object{
			Kind:   Node,
			Number: sysfs.EnumeratedID(entry),
			Mask:   cpumask.New(),
		}
		t.nodes = append(t.nodes, node)
		t.nodeByID[node.Number] = node
	}

	if len(t.nodes) > 0 {
		t.numa = true
		return
	}

	t.Info("this machine seems not NUMA capable")
	node := &Object{Kind: Node, Number: -1, Mask: cpumask.New()}
	t.nodes = append(t.nodes, node)
	t.nodeByID[node.Number] = node
}

// discoverCPU reads one cpu directory and inserts the CPU into the tree.
func (t *Tree) discoverCPU(path string, deepestCache int) error {
	id := sysfs.EnumeratedID(path)

	// Offline CPUs have no counter column in /proc/interrupts, skip them
	// without counting.
	var online string
	if _, err := sysfs.ReadEntry(path, "online", &online); err == nil && online == "0" {
		return nil
	}

	self := cpumask.NewWith(int(id))

	pkgMask := self.Clone()
	if _, err := sysfs.ReadEntry(path, "topology/core_siblings", &pkgMask); err != nil {
		pkgMask = self.Clone()
	}

	pkgID := idset.ID(0)
	var pkgNum int
	if _, err := sysfs.ReadEntry(path, "topology/physical_package_id", &pkgNum); err == nil {
		pkgID = idset.ID(pkgNum)
	}

	cacheMask := t.deepestCacheMask(path, self, deepestCache)

	nodeID := idset.ID(-1)
	if t.numa {
		if links, _ := filepath.Glob(filepath.Join(path, "node[0-9]*")); len(links) > 0 {
			nodeID = sysfs.EnumeratedID(links[0])
		}
	}

	// A banned CPU is left out of the tree but still occupies a counter
	// column in /proc/interrupts.
	if self.Intersects(t.banned) {
		t.count++
		return nil
	}

	cacheMask = cacheMask.And(t.unbanned)
	pkgMask = pkgMask.And(t.unbanned)

	cpu := &Object{Kind: CPU, Number: id, Mask: self}
	cache := t.addCPUToCacheDomain(cpu, cacheMask)
	pkg := t.addCacheDomainToPackage(cache, pkgID, pkgMask)
	t.addPackageToNode(pkg, nodeID)

	t.cpus = append(t.cpus, cpu)
	t.cpuByID[id] = cpu
	t.count++

	return nil
}

// deepestCacheMask returns the shared CPU mask of the deepest usable cache
// index of the given cpu directory, defaulting to the CPU itself.
func (t *Tree) deepestCacheMask(path string, self cpumask.Mask, deepestCache int) cpumask.Mask {
	deepest := 0
	for index := 1; ; index++ {
		entry := filepath.Join(path, "cache", "index"+strconv.Itoa(index))
		if _, err := sysfs.ReadEntry(entry, "shared_cpu_map", nil); err != nil {
			break
		}
		deepest = index
		if deepestCache > 0 && deepest == deepestCache {
			break
		}
	}

	mask := self.Clone()
	if deepest > 0 {
		entry := filepath.Join(path, "cache", "index"+strconv.Itoa(deepest))
		if _, err := sysfs.ReadEntry(entry, "shared_cpu_map", &mask); err != nil {
			mask = self.Clone()
		}
	}
	return mask
}

// addCPUToCacheDomain finds or creates the cache domain with the given mask
// and links the CPU under it. Cache domains get sequential ordinals.
func (t *Tree) addCPUToCacheDomain(cpu *Object, mask cpumask.Mask) *Object {
	var cache *Object
	for _, c := range t.caches {
		if c.Mask.Equal(mask) {
			cache = c
			break
		}
	}
	if cache == nil {
		cache = &Object{
			Kind:   Cache,
			Number: idset.ID(len(t.caches)),
			Mask:   mask,
		}
		t.caches = append(t.caches, cache)
	}

	cache.Children = append(cache.Children, cpu)
	cpu.Parent = cache
	return cache
}

// addCacheDomainToPackage finds or creates the package with the given mask
// and links the cache domain under it.
func (t *Tree) addCacheDomainToPackage(cache *Object, pkgID idset.ID, mask cpumask.Mask) *Object {
	var pkg *Object
	for _, p := range t.packages {
		if p.Mask.Equal(mask) {
			if p.Number != pkgID {
				t.Warn("package mask %s with different physical_package_id found", mask)
			}
			pkg = p
			break
		}
	}
	if pkg == nil {
		pkg = &Object{
			Kind:   Package,
			Number: pkgID,
			Mask:   mask,
		}
		t.packages = append(t.packages, pkg)
	}

	for _, child := range pkg.Children {
		if child == cache {
			return pkg
		}
	}
	pkg.Children = append(pkg.Children, cache)
	cache.Parent = pkg
	return pkg
}

// addPackageToNode links the package under the NUMA node with the given id.
// Unknown node ids fall back to the first node.
func (t *Tree) addPackageToNode(pkg *Object, nodeID idset.ID) {
	node, ok := t.nodeByID[nodeID]
	if !ok {
		node = t.nodes[0]
	}

	for _, child := range node.Children {
		if child == pkg {
			return
		}
	}
	node.Children = append(node.Children, pkg)
	node.Mask = node.Mask.Or(pkg.Mask)
	pkg.Parent = node
}

// Nodes returns the NUMA nodes of the tree.
func (t *Tree) Nodes() []*Object {
	return t.nodes
}

// Packages returns the physical packages of the tree.
func (t *Tree) Packages() []*Object {
	return t.packages
}

// CacheDomains returns the cache domains of the tree.
func (t *Tree) CacheDomains() []*Object {
	return t.caches
}

// CPUs returns the unbanned online CPUs of the tree.
func (t *Tree) CPUs() []*Object {
	return t.cpus
}

// Objects returns all objects of the given kind.
func (t *Tree) Objects(kind Kind) []*Object {
	switch kind {
	case Node:
		return t.nodes
	case Package:
		return t.packages
	case Cache:
		return t.caches
	case CPU:
		return t.cpus
	}
	return nil
}

// CPU returns the CPU object with the given id, or nil.
func (t *Tree) CPU(id idset.ID) *Object {
	return t.cpuByID[id]
}

// Node returns the NUMA node object with the given id, or nil.
func (t *Tree) Node(id idset.ID) *Object {
	return t.nodeByID[id]
}

// HasNode checks if a NUMA node with the given id exists.
func (t *Tree) HasNode(id idset.ID) bool {
	_, ok := t.nodeByID[id]
	return ok
}

// NumaAvailable returns true if the machine has NUMA nodes.
func (t *Tree) NumaAvailable() bool {
	return t.numa
}

// CPUCount returns the number of CPUs in the tree.
func (t *Tree) CPUCount() int {
	return len(t.cpus)
}

// CoreCount returns the number of online CPUs including banned ones. This
// matches the number of counter columns in /proc/interrupts.
func (t *Tree) CoreCount() int {
	return t.count
}

// PackageCount returns the number of packages in the tree.
func (t *Tree) PackageCount() int {
	return len(t.packages)
}

// CacheDomainCount returns the number of cache domains in the tree.
func (t *Tree) CacheDomainCount() int {
	return len(t.caches)
}

// BannedCPUs returns the mask of banned CPUs.
func (t *Tree) BannedCPUs() cpumask.Mask {
	return t.banned
}

// UnbannedCPUs returns the mask of CPUs available for interrupts.
func (t *Tree) UnbannedCPUs() cpumask.Mask {
	return t.unbanned
}

// NumaNode returns the NUMA node above the given object.
func (o *Object) NumaNode() *Object {
	d := o
	for d.Parent != nil {
		d = d.Parent
	}
	return d
}

// Name returns a printable name for the object.
func (o *Object) Name() string {
	return o.Kind.String() + " " + strconv.Itoa(int(o.Number))
}

// dump debug-logs the discovered tree.
func (t *Tree) dump() {
	t.Debug("banned CPUs: %s", t.banned)
	for _, node := range t.nodes {
		t.Debug("%s: mask %s", node.Name(), node.Mask)
		for _, pkg := range node.Children {
			t.Debug("  %s: mask %s", pkg.Name(), pkg.Mask)
			for _, cache := range pkg.Children {
				t.Debug("    %s: mask %s", cache.Name(), cache.Mask)
				for _, cpu := range cache.Children {
					t.Debug("      %s", cpu.Name())
				}
			}
		}
	}
}

// topologyError returns a formatted topology discovery error.
func topologyError(format string, args ...interface{}) error {
	return fmt.Errorf("topology: "+format, args...)
}
