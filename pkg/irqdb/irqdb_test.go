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

package irqdb_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/containers/irqbalanced/pkg/irqdb"
	"github.com/containers/irqbalanced/pkg/topology"
)

// writeFile writes one fixture file, creating its directory as needed.
func writeFile(t *testing.T, root, entry, content string) {
	t.Helper()
	path := filepath.Join(root, entry)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0644))
}

// writeScript writes an executable fixture script.
func writeScript(t *testing.T, root, name, content string) string {
	t.Helper()
	path := filepath.Join(root, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+content), 0755))
	return path
}

// makeFixture builds a sysfs/procfs fixture with a two-node four-CPU
// topology and a handful of PCI devices, and returns its root.
func makeFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeFile(t, root, "sys/devices/system/cpu/possible", "0-3")
	for cpu := 0; cpu < 4; cpu++ {
		node := cpu / 2
		base := fmt.Sprintf("sys/devices/system/cpu/cpu%d", cpu)
		writeFile(t, root, base+"/online", "1")
		writeFile(t, root, base+"/topology/core_siblings", "f")
		writeFile(t, root, base+"/topology/physical_package_id", "0")
		writeFile(t, root, fmt.Sprintf("%s/cache/index1/shared_cpu_map", base),
			fmt.Sprintf("%x", 1<<uint(cpu)))
		require.NoError(t, os.MkdirAll(
			filepath.Join(root, base, fmt.Sprintf("node%d", node)), 0755))
		require.NoError(t, os.MkdirAll(
			filepath.Join(root, "sys/devices/system/node", fmt.Sprintf("node%d", node)), 0755))
	}

	// an MSI-X capable ethernet device with a NUMA locality
	eth := "sys/bus/pci/devices/0000:00:01.0"
	writeFile(t, root, eth+"/class", "0x020000")
	writeFile(t, root, eth+"/local_cpus", "f")
	writeFile(t, root, eth+"/numa_node", "1")
	writeFile(t, root, eth+"/msi_irqs/42", "")

	// a legacy storage device
	ahci := "sys/bus/pci/devices/0000:00:02.0"
	writeFile(t, root, ahci+"/class", "0x010000")
	writeFile(t, root, ahci+"/local_cpus", "f")
	writeFile(t, root, ahci+"/irq", "17")

	// irq 0 is never a valid PCI interrupt
	bogus := "sys/bus/pci/devices/0000:00:03.0"
	writeFile(t, root, bogus+"/class", "0x068000")
	writeFile(t, root, bogus+"/irq", "0")

	writeFile(t, root, "proc/irq/42/affinity_hint", "3")
	writeFile(t, root, "proc/interrupts",
		"           CPU0       CPU1       CPU2       CPU3\n"+
			" 17:       100        200         0          0   IO-APIC  ahci\n"+
			" 42:       500        100         0          0   PCI-MSI  eth0\n"+
			" 99:        10         10        10         10   xen-dyn-event  blkif\n"+
			"NMI:         0          0         0          0")

	return root
}

// buildFixture builds the topology and interrupt database of a fixture.
func buildFixture(t *testing.T, root string, cfg irqdb.Config) (*topology.Tree, *irqdb.DB) {
	t.Helper()

	tree, err := topology.Build(topology.Config{SysRoot: root})
	require.NoError(t, err)

	cfg.SysRoot = root
	cfg.ProcRoot = root
	db := irqdb.New(cfg, tree)
	require.NoError(t, db.Rebuild())

	return tree, db
}

func TestClassification(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	eth := db.Get(42)
	require.NotNil(t, eth)
	assert.Equal(t, irqdb.TypeMSIX, eth.Type)
	assert.Equal(t, irqdb.ClassEthernet, eth.Class)
	assert.Equal(t, irqdb.LevelCore, eth.Level)
	assert.Equal(t, 1, int(eth.NumaNode))
	assert.Equal(t, []int{0, 1, 2, 3}, eth.Mask.List())
	assert.Equal(t, []int{0, 1}, eth.AffinityHint.List())
	assert.True(t, db.HasSysfsMSI())

	ahci := db.Get(17)
	require.NotNil(t, ahci)
	assert.Equal(t, irqdb.TypeLegacy, ahci.Type)
	assert.Equal(t, irqdb.ClassStorage, ahci.Class)
	assert.Equal(t, irqdb.LevelCore, ahci.Level)
	assert.Equal(t, -1, int(ahci.NumaNode))
	assert.True(t, ahci.AffinityHint.IsEmpty())
}

func TestIRQZeroNeverAdmitted(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	assert.Nil(t, db.Get(0))
}

func TestProcOnlyFallback(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	// 99 is only in /proc/interrupts, admitted with the stub hint
	xen := db.Get(99)
	require.NotNil(t, xen)
	assert.Equal(t, irqdb.TypeVirtEvent, xen.Type)
	assert.Equal(t, irqdb.ClassVirtEvent, xen.Class)
	assert.Equal(t, irqdb.LevelCore, xen.Level)
}

func TestSysfsClassificationWins(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	// 42 appears in both /proc/interrupts and sysfs, the sysfs
	// classification must win over the proc-derived fallback
	eth := db.Get(42)
	require.NotNil(t, eth)
	assert.Equal(t, irqdb.TypeMSIX, eth.Type)
	assert.Equal(t, irqdb.ClassEthernet, eth.Class)
}

func TestNoDuplicatesAfterRebuild(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	require.NoError(t, db.Rebuild())

	seen := map[int]bool{}
	for _, info := range db.List() {
		assert.False(t, seen[info.IRQ], "duplicate IRQ %d", info.IRQ)
		seen[info.IRQ] = true
	}
	for _, info := range db.Banned() {
		assert.False(t, seen[info.IRQ], "banned IRQ %d also tracked", info.IRQ)
	}
}

func TestAddBannedIdempotent(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	db.AddBanned(1000)
	db.AddBanned(1000)

	banned := 0
	for _, info := range db.Banned() {
		if info.IRQ == 1000 {
			banned++
		}
	}
	assert.Equal(t, 1, banned)
}

func TestConfiguredBansSurviveRebuild(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{BannedIRQs: []int{42}})

	info := db.Get(42)
	require.NotNil(t, info)
	assert.True(t, info.Banned)

	require.NoError(t, db.Rebuild())
	info = db.Get(42)
	require.NotNil(t, info)
	assert.True(t, info.Banned)

	for _, tracked := range db.List() {
		assert.NotEqual(t, 42, tracked.IRQ)
	}
}

func TestPolicyScriptOverrides(t *testing.T) {
	root := makeFixture(t)
	script := writeScript(t, root, "policy.sh",
		"echo balance_level=package\necho numa_node=0\necho ban=false\n")

	_, db := buildFixture(t, root, irqdb.Config{PolicyScript: script})

	eth := db.Get(42)
	require.NotNil(t, eth)
	assert.Equal(t, irqdb.LevelPackage, eth.Level)
	assert.Equal(t, 0, int(eth.NumaNode))
	assert.False(t, eth.Banned)
}

func TestPolicyScriptBan(t *testing.T) {
	root := makeFixture(t)
	script := writeScript(t, root, "policy.sh",
		"if [ \"$2\" = \"17\" ]; then echo ban=true; fi\n")

	_, db := buildFixture(t, root, irqdb.Config{PolicyScript: script})

	info := db.Get(17)
	require.NotNil(t, info)
	assert.True(t, info.Banned)

	eth := db.Get(42)
	require.NotNil(t, eth)
	assert.False(t, eth.Banned)
}

func TestPolicyScriptGarbageIgnored(t *testing.T) {
	root := makeFixture(t)
	script := writeScript(t, root, "policy.sh",
		"echo gibberish\necho frobnicate=yes\necho numa_node=17\n")

	_, db := buildFixture(t, root, irqdb.Config{PolicyScript: script})

	// malformed lines, unknown keys and nonexistent NUMA nodes are all
	// ignored, the defaults remain in effect
	eth := db.Get(42)
	require.NotNil(t, eth)
	assert.Equal(t, irqdb.LevelCore, eth.Level)
	assert.Equal(t, 1, int(eth.NumaNode))
}

func TestBanScript(t *testing.T) {
	root := makeFixture(t)
	script := writeScript(t, root, "ban.sh",
		"if [ \"$2\" = \"42\" ]; then exit 1; fi\nexit 0\n")

	_, db := buildFixture(t, root, irqdb.Config{BanScript: script})

	info := db.Get(42)
	require.NotNil(t, info)
	assert.True(t, info.Banned)

	ahci := db.Get(17)
	require.NotNil(t, ahci)
	assert.False(t, ahci.Banned)
}

func TestAddNewRecomputesLevel(t *testing.T) {
	root := makeFixture(t)
	_, db := buildFixture(t, root, irqdb.Config{})

	hint := &irqdb.Info{IRQ: 123, Type: irqdb.TypeLegacy, Class: irqdb.ClassLegacy}
	info := db.AddNew(123, hint)
	require.NotNil(t, info)
	assert.Equal(t, irqdb.ClassLegacy, info.Class)
	assert.Equal(t, irqdb.LevelCache, info.Level)

	// re-admitting is a no-op
	assert.Nil(t, db.AddNew(123, hint))
}

func TestSortIRQs(t *testing.T) {
	irqs := []*irqdb.Info{
		{IRQ: 3, Class: irqdb.ClassEthernet, Load: 10},
		{IRQ: 1, Class: irqdb.ClassOther, Load: 5},
		{IRQ: 2, Class: irqdb.ClassEthernet, Load: 20},
		{IRQ: 4, Class: irqdb.ClassEthernet, Load: 20},
	}
	irqdb.SortIRQs(irqs)

	order := []int{}
	for _, info := range irqs {
		order = append(order, info.IRQ)
	}
	// class ascending, then load descending, then irq ascending
	assert.Equal(t, []int{1, 2, 4, 3}, order)
}
