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

// Package irqdb maintains the database of tracked and banned interrupts,
// built from PCI sysfs entries and /proc/interrupts.
package irqdb

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	logger "github.com/containers/irqbalanced/pkg/log"
	"github.com/containers/irqbalanced/pkg/sysfs"
	"github.com/containers/irqbalanced/pkg/topology"
)

// sysfs PCI devices subdirectory path
const sysfsPCIDevicesPath = "bus/pci/devices"

// Our logger instance.
var log = logger.NewLogger("irqdb")

// Config contains the interrupt database parameters.
type Config struct {
	// SysRoot is a directory prefix under which the host sysfs is mounted.
	SysRoot string
	// ProcRoot is a directory prefix under which the host procfs is mounted.
	ProcRoot string
	// PolicyScript is the per-interrupt user policy script, if any.
	PolicyScript string
	// BanScript is the legacy ban script, if any.
	BanScript string
	// BannedIRQs are interrupts excluded from balancing by configuration.
	BannedIRQs []int
}

// DB is the interrupt database.
type DB struct {
	logger.Logger
	cfg      Config
	tree     *topology.Tree
	irqs     map[int]*Info // tracked interrupts
	banned   map[int]*Info // banned interrupts, never placed
	sysfsMSI bool          // an MSI/MSI-X interrupt was found in sysfs
}

// New creates an interrupt database for the given topology.
func New(cfg Config, tree *topology.Tree) *DB {
	return &DB{
		Logger: log,
		cfg:    cfg,
		tree:   tree,
		irqs:   make(map[int]*Info),
		banned: make(map[int]*Info),
	}
}

// AddBanned adds an interrupt to the banned list. Adding a banned interrupt
// again is a no-op.
func (db *DB) AddBanned(irq int) {
	if _, ok := db.banned[irq]; ok {
		return
	}
	db.banned[irq] = &Info{IRQ: irq, NumaNode: -1, Banned: true}
}

// Get returns the tracked or banned interrupt with the given number, or nil.
func (db *DB) Get(irq int) *Info {
	if info, ok := db.irqs[irq]; ok {
		return info
	}
	if info, ok := db.banned[irq]; ok {
		return info
	}
	return nil
}

// List returns the tracked interrupts ordered by interrupt number.
func (db *DB) List() []*Info {
	irqs := make([]*Info, 0, len(db.irqs))
	for _, info := range db.irqs {
		irqs = append(irqs, info)
	}
	sort.Slice(irqs, func(i, j int) bool {
		return irqs[i].IRQ < irqs[j].IRQ
	})
	return irqs
}

// Banned returns the banned interrupts ordered by interrupt number.
func (db *DB) Banned() []*Info {
	irqs := make([]*Info, 0, len(db.banned))
	for _, info := range db.banned {
		irqs = append(irqs, info)
	}
	sort.Slice(irqs, func(i, j int) bool {
		return irqs[i].IRQ < irqs[j].IRQ
	})
	return irqs
}

// Size returns the number of tracked interrupts.
func (db *DB) Size() int {
	return len(db.irqs)
}

// HasSysfsMSI returns true if any tracked interrupt was classified as
// MSI/MSI-X from sysfs.
func (db *DB) HasSysfsMSI() bool {
	return db.sysfsMSI
}

// Free releases the tracked and banned interrupts.
func (db *DB) Free() {
	db.irqs = make(map[int]*Info)
	db.banned = make(map[int]*Info)
	db.sysfsMSI = false
}

// Rebuild refreshes the database: the current contents are dropped,
// configured bans are re-applied, every PCI device under sysfs is scanned,
// and interrupts seen in /proc/interrupts but not matched by the sysfs scan
// are re-admitted with their best-effort classification. The sysfs scan
// runs first so its classification wins when both sources know an
// interrupt.
func (db *DB) Rebuild() error {
	db.Free()

	for _, irq := range db.cfg.BannedIRQs {
		db.AddBanned(irq)
	}

	stubs, err := db.collectFullIRQList()
	if err != nil {
		return err
	}

	var merr *multierror.Error

	devdir := db.sysPath(sysfsPCIDevicesPath)
	entries, err := os.ReadDir(devdir)
	if err != nil {
		merr = multierror.Append(merr, err)
	}
	for _, entry := range entries {
		if err := db.buildOneDevEntry(entry.Name()); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		db.Warn("PCI device scan was incomplete: %v", err)
	}

	for _, stub := range stubs {
		if db.Get(stub.IRQ) == nil {
			db.AddNew(stub.IRQ, stub)
		}
	}

	return nil
}

// collectFullIRQList parses /proc/interrupts into throwaway interrupt stubs
// carrying the interrupt number and a best-effort type/class inferred from
// the trailing name field.
func (db *DB) collectFullIRQList() ([]*Info, error) {
	file, err := os.Open(db.procPath("interrupts"))
	if err != nil {
		return nil, dbError("failed to open %s: %w", db.procPath("interrupts"), err)
	}
	defer file.Close()

	var stubs []*Info

	scanner := bufio.NewScanner(file)
	// first line is the per-CPU header
	if !scanner.Scan() {
		return nil, dbError("failed to read %s header", db.procPath("interrupts"))
	}

	for scanner.Scan() {
		line := strings.TrimLeft(scanner.Text(), " \t")

		// Rows with letters in front are special counters like NMI
		// and LOC, and terminate the per-interrupt section.
		if line == "" || line[0] < '0' || line[0] > '9' {
			break
		}

		num, rest, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		irq, err := strconv.Atoi(strings.TrimSpace(num))
		if err != nil {
			continue
		}

		stub := &Info{IRQ: irq, Type: TypeLegacy, Class: ClassOther, NumaNode: -1}
		if strings.Contains(rest, "xen-dyn-event") {
			stub.Type = TypeVirtEvent
			stub.Class = ClassVirtEvent
		}
		stubs = append(stubs, stub)
	}

	return stubs, nil
}

// buildOneDevEntry figures out which interrupts relate to one PCI device
// directory and admits them into the database.
func (db *DB) buildOneDevEntry(dirname string) error {
	devpath := db.sysPath(sysfsPCIDevicesPath, dirname)

	// MSI-X vectors are enumerated as entries under msi_irqs.
	msidir := filepath.Join(devpath, "msi_irqs")
	if entries, err := os.ReadDir(msidir); err == nil {
		for _, entry := range entries {
			irq, err := strconv.Atoi(entry.Name())
			if err != nil || irq == 0 {
				continue
			}
			if db.Get(irq) != nil {
				continue
			}
			pol := db.getUserPolicy(devpath, irq)
			if pol.ban == 1 || db.checkForIRQBan(devpath, irq) {
				db.AddBanned(irq)
				continue
			}
			if info := db.addOneIRQ(devpath, irq, pol); info != nil {
				info.Type = TypeMSIX
				db.sysfsMSI = true
			}
		}
		return nil
	}

	var irq int
	if _, err := os.Stat(filepath.Join(devpath, "irq")); err != nil {
		return nil
	}
	if _, err := sysfs.ReadEntry(devpath, "irq", &irq); err != nil {
		return err
	}

	// No PCI device has irq 0.
	if irq == 0 {
		return nil
	}
	if db.Get(irq) != nil {
		return nil
	}

	pol := db.getUserPolicy(devpath, irq)
	if pol.ban == 1 || db.checkForIRQBan(devpath, irq) {
		db.AddBanned(irq)
		return nil
	}
	if info := db.addOneIRQ(devpath, irq, pol); info != nil {
		info.Type = TypeLegacy
	}

	return nil
}

// addOneIRQ classifies one interrupt from the given device path and inserts
// it into the database.
func (db *DB) addOneIRQ(devpath string, irq int, pol userPolicy) *Info {
	if _, ok := db.irqs[irq]; ok {
		db.Info("dropping duplicate entry for IRQ %d on path %s", irq, devpath)
		return nil
	}
	if _, ok := db.banned[irq]; ok {
		db.Info("skipping banned IRQ %d", irq)
		return nil
	}

	info := &Info{IRQ: irq}
	db.classify(devpath, irq, pol, info)
	db.irqs[irq] = info

	db.Info("adding IRQ %d to database", irq)
	return info
}

// AddNew admits an interrupt seen in /proc/interrupts but not matched by
// the sysfs scan. The interrupt is classified under the plain sysfs root,
// then its type and class are overridden from the hint, if one is given.
func (db *DB) AddNew(irq int, hint *Info) *Info {
	if db.Get(irq) != nil {
		return nil
	}

	pol := db.getUserPolicy(db.sysPath(), irq)
	if pol.ban == 1 {
		db.AddBanned(irq)
		return nil
	}

	info := db.addOneIRQ(db.sysPath(), irq, pol)
	if info == nil {
		db.Warn("failed to add irq %d", irq)
		return nil
	}

	if hint != nil {
		info.Type = hint.Type
		info.Class = hint.Class
	}
	// Recompute the level for the final class, unless the user policy
	// pinned it explicitly.
	if pol.level < 0 {
		info.Level = classToLevel[info.Class]
	}

	return info
}

// sysPath joins path elements under the configured sysfs root.
func (db *DB) sysPath(elems ...string) string {
	return filepath.Join(append([]string{"/", db.cfg.SysRoot, "sys"}, elems...)...)
}

// procPath joins path elements under the configured procfs root.
func (db *DB) procPath(elems ...string) string {
	return filepath.Join(append([]string{"/", db.cfg.ProcRoot, "proc"}, elems...)...)
}

// dbError returns a formatted interrupt database error.
func dbError(format string, args ...interface{}) error {
	return fmt.Errorf("irqdb: "+format, args...)
}
