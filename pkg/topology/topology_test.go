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

package topology_test

import (
	"os"
	"path/filepath"

	"github.com/google/go-cmp/cmp"

	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/topology"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var (
	sampleRoots = map[string]string{}
	sampleTrees = map[string]*topology.Tree{}
)

// writeEntry writes one fixture file, creating its directory as needed.
func writeEntry(root, entry, content string) {
	path := filepath.Join(root, entry)
	Expect(os.MkdirAll(filepath.Dir(path), 0755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(content+"\n"), 0644)).To(Succeed())
}

// writeCPU writes the sysfs entries of one cpu directory.
func writeCPU(root string, cpu int, siblings string, pkg string, l1, l2 string, node int) {
	base := filepath.Join("sys/devices/system/cpu", "cpu"+itoa(cpu))
	writeEntry(root, filepath.Join(base, "online"), "1")
	writeEntry(root, filepath.Join(base, "topology/core_siblings"), siblings)
	writeEntry(root, filepath.Join(base, "topology/physical_package_id"), pkg)
	writeEntry(root, filepath.Join(base, "cache/index1/shared_cpu_map"), l1)
	writeEntry(root, filepath.Join(base, "cache/index2/shared_cpu_map"), l2)
	if node >= 0 {
		dir := filepath.Join(root, base, "node"+itoa(node))
		Expect(os.MkdirAll(dir, 0755)).To(Succeed())
		nodeDir := filepath.Join(root, "sys/devices/system/node", "node"+itoa(node))
		Expect(os.MkdirAll(nodeDir, 0755)).To(Succeed())
	}
}

func itoa(v int) string {
	return string(rune('0' + v))
}

// sample1 is a UMA machine: 4 CPUs, one package, two shared caches.
func makeSample1() string {
	root, err := os.MkdirTemp("", "topology-test-*")
	Expect(err).To(BeNil())

	writeEntry(root, "sys/devices/system/cpu/possible", "0-3")
	writeCPU(root, 0, "f", "0", "1", "3", -1)
	writeCPU(root, 1, "f", "0", "2", "3", -1)
	writeCPU(root, 2, "f", "0", "4", "c", -1)
	writeCPU(root, 3, "f", "0", "8", "c", -1)

	return root
}

// sample2 is a two-node NUMA machine: 8 CPUs, two packages, four shared
// caches.
func makeSample2() string {
	root, err := os.MkdirTemp("", "topology-test-*")
	Expect(err).To(BeNil())

	writeEntry(root, "sys/devices/system/cpu/possible", "0-7")
	writeCPU(root, 0, "0f", "0", "01", "03", 0)
	writeCPU(root, 1, "0f", "0", "02", "03", 0)
	writeCPU(root, 2, "0f", "0", "04", "0c", 0)
	writeCPU(root, 3, "0f", "0", "08", "0c", 0)
	writeCPU(root, 4, "f0", "1", "10", "30", 1)
	writeCPU(root, 5, "f0", "1", "20", "30", 1)
	writeCPU(root, 6, "f0", "1", "40", "c0", 1)
	writeCPU(root, 7, "f0", "1", "80", "c0", 1)

	return root
}

var _ = BeforeSuite(func() {
	sampleRoots["sample1"] = makeSample1()
	sampleRoots["sample2"] = makeSample2()

	for name, root := range sampleRoots {
		tree, err := topology.Build(topology.Config{SysRoot: root})
		Expect(err).To(BeNil())
		Expect(tree).ToNot(BeNil())
		sampleTrees[name] = tree
	}
})

var _ = AfterSuite(func() {
	for _, root := range sampleRoots {
		os.RemoveAll(root)
	}
})

var _ = DescribeTable("discovered object counts",
	func(sample string, nodes, packages, caches, cpus, cores int) {
		tree := sampleTrees[sample]
		Expect(tree).ToNot(BeNil())
		Expect(len(tree.Nodes())).To(Equal(nodes))
		Expect(tree.PackageCount()).To(Equal(packages))
		Expect(tree.CacheDomainCount()).To(Equal(caches))
		Expect(tree.CPUCount()).To(Equal(cpus))
		Expect(tree.CoreCount()).To(Equal(cores))
	},

	Entry("UMA sample", "sample1", 1, 1, 2, 4, 4),
	Entry("NUMA sample", "sample2", 2, 2, 4, 8, 8),
)

var _ = DescribeTable("cache domain membership",
	func(sample string, cpu int, cpus []int) {
		tree := sampleTrees[sample]
		Expect(tree).ToNot(BeNil())
		c := tree.CPU(cpu)
		Expect(c).ToNot(BeNil())
		Expect(c.Parent).ToNot(BeNil())
		Expect(c.Parent.Kind).To(Equal(topology.Cache))
		Expect(c.Parent.Mask.List()).To(Equal(cpus))
	},

	Entry("sample1 CPU #0", "sample1", 0, []int{0, 1}),
	Entry("sample1 CPU #1", "sample1", 1, []int{0, 1}),
	Entry("sample1 CPU #3", "sample1", 3, []int{2, 3}),
	Entry("sample2 CPU #0", "sample2", 0, []int{0, 1}),
	Entry("sample2 CPU #5", "sample2", 5, []int{4, 5}),
	Entry("sample2 CPU #7", "sample2", 7, []int{6, 7}),
)

var _ = DescribeTable("NUMA node assignment",
	func(sample string, cpu int, node int) {
		tree := sampleTrees[sample]
		Expect(tree).ToNot(BeNil())
		c := tree.CPU(cpu)
		Expect(c).ToNot(BeNil())
		Expect(int(c.NumaNode().Number)).To(Equal(node))
	},

	Entry("UMA CPU lands on the synthetic node", "sample1", 0, -1),
	Entry("sample2 CPU #1 on node 0", "sample2", 1, 0),
	Entry("sample2 CPU #6 on node 1", "sample2", 6, 1),
)

var _ = Describe("parent chain", func() {
	It("links every CPU up to a NUMA node with superset masks", func() {
		for _, tree := range sampleTrees {
			for _, cpu := range tree.CPUs() {
				cache := cpu.Parent
				Expect(cache).ToNot(BeNil())
				Expect(cache.Kind).To(Equal(topology.Cache))
				pkg := cache.Parent
				Expect(pkg).ToNot(BeNil())
				Expect(pkg.Kind).To(Equal(topology.Package))
				node := pkg.Parent
				Expect(node).ToNot(BeNil())
				Expect(node.Kind).To(Equal(topology.Node))

				Expect(cache.Mask.And(cpu.Mask).Equal(cpu.Mask)).To(BeTrue())
				Expect(pkg.Mask.And(cache.Mask).Equal(cache.Mask)).To(BeTrue())
				Expect(node.Mask.And(pkg.Mask).Equal(pkg.Mask)).To(BeTrue())
			}
		}
	})
})

var _ = Describe("banned CPUs", func() {
	It("keeps banned CPUs out of the tree but counts their cores", func() {
		banned, err := cpumask.Parse("3")
		Expect(err).To(BeNil())

		tree, err := topology.Build(topology.Config{
			SysRoot:    sampleRoots["sample2"],
			BannedCPUs: banned,
		})
		Expect(err).To(BeNil())

		Expect(tree.CPUCount()).To(Equal(6))
		Expect(tree.CoreCount()).To(Equal(8))
		Expect(tree.CPU(0)).To(BeNil())
		Expect(tree.CPU(1)).To(BeNil())
		Expect(tree.UnbannedCPUs().List()).To(Equal([]int{2, 3, 4, 5, 6, 7}))

		for _, cpu := range tree.CPUs() {
			Expect(cpu.Mask.Intersects(tree.BannedCPUs())).To(BeFalse())
		}
		for _, pkg := range tree.Packages() {
			Expect(pkg.Mask.Intersects(tree.BannedCPUs())).To(BeFalse())
		}
	})
})

var _ = Describe("offline CPUs", func() {
	It("skips offline CPUs without counting them", func() {
		root := makeSample1()
		defer os.RemoveAll(root)
		writeEntry(root, "sys/devices/system/cpu/cpu3/online", "0")

		tree, err := topology.Build(topology.Config{SysRoot: root})
		Expect(err).To(BeNil())
		Expect(tree.CPUCount()).To(Equal(3))
		Expect(tree.CoreCount()).To(Equal(3))
		Expect(tree.CPU(3)).To(BeNil())
	})
})

var _ = Describe("deepest cache cap", func() {
	It("stops at the configured cache index", func() {
		tree, err := topology.Build(topology.Config{
			SysRoot:      sampleRoots["sample1"],
			DeepestCache: 1,
		})
		Expect(err).To(BeNil())
		// index1 is per-CPU, every CPU becomes its own cache domain
		Expect(tree.CacheDomainCount()).To(Equal(4))
	})
})

var _ = Describe("rebuild round-trip", func() {
	type counts struct {
		Packages, Caches, Cores int
	}

	It("yields identical counts on an unchanged sysfs", func() {
		first, err := topology.Build(topology.Config{SysRoot: sampleRoots["sample2"]})
		Expect(err).To(BeNil())
		second, err := topology.Build(topology.Config{SysRoot: sampleRoots["sample2"]})
		Expect(err).To(BeNil())

		a := counts{first.PackageCount(), first.CacheDomainCount(), first.CoreCount()}
		b := counts{second.PackageCount(), second.CacheDomainCount(), second.CoreCount()}
		Expect(cmp.Diff(a, b)).To(BeEmpty())
	})
})
