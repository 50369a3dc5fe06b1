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
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/sysfs"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// classCodes maps PCI major class codes (PCI spec appendix D) to interrupt
// classes.
var classCodes = [18]Class{
	ClassOther,    // 0x00 pre-class-code devices
	ClassStorage,  // 0x01 mass storage
	ClassEthernet, // 0x02 network
	ClassTimer,    // 0x03 display
	ClassOther,    // 0x04 multimedia
	ClassOther,    // 0x05 memory
	ClassLegacy,   // 0x06 bridge
	ClassOther,    // 0x07 simple communication
	ClassOther,    // 0x08 base system peripheral
	ClassLegacy,   // 0x09 input
	ClassOther,    // 0x0a docking station
	ClassOther,    // 0x0b processor
	ClassLegacy,   // 0x0c serial bus
	ClassEthernet, // 0x0d wireless
	ClassStorage,  // 0x0e intelligent I/O
	ClassOther,    // 0x0f satellite communication
	ClassOther,    // 0x10 encryption
	ClassOther,    // 0x11 signal processing
}

// classToLevel maps interrupt classes to their default balance level.
var classToLevel = map[Class]Level{
	ClassOther:           LevelPackage,
	ClassLegacy:          LevelCache,
	ClassStorage:         LevelCore,
	ClassTimer:           LevelCore,
	ClassEthernet:        LevelCore,
	ClassGbitEthernet:    LevelCore,
	ClassTenGbitEthernet: LevelCore,
	ClassVirtEvent:       LevelCore,
}

// userPolicy carries per-interrupt overrides from the user policy script.
// A field value of -1 means no override.
type userPolicy struct {
	ban      int
	level    int
	numaNode idset.ID
	numaSet  bool
}

// noPolicy is the policy with no overrides.
var noPolicy = userPolicy{ban: -1, level: -1, numaNode: -1}

// getUserPolicy spawns the configured policy script for the given device
// path and interrupt and parses its key=value output. Script failures are
// logged and treated as "no overrides".
func (db *DB) getUserPolicy(devpath string, irq int) userPolicy {
	pol := noPolicy

	if db.cfg.PolicyScript == "" {
		return pol
	}

	out, err := exec.Command(db.cfg.PolicyScript, devpath, strconv.Itoa(irq)).Output()
	if err != nil {
		db.Warn("%v", errors.Wrapf(err, "unable to execute user policy script %s",
			db.cfg.PolicyScript))
		return pol
	}

	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			db.parseUserPolicyKey(line, &pol)
		}
	}

	return pol
}

// parseUserPolicyKey parses a single key=value line of policy script output.
// Malformed lines and unrecognized keys are logged and ignored.
func (db *DB) parseUserPolicyKey(line string, pol *userPolicy) {
	key, value, ok := strings.Cut(line, "=")
	if !ok {
		db.Warn("bad format for policy, ignoring: %s", line)
		return
	}

	switch strings.ToLower(key) {
	case "ban":
		switch strings.ToLower(value) {
		case "false":
			pol.ban = 0
		case "true":
			pol.ban = 1
		default:
			db.Warn("unknown value for ban policy: %s", value)
		}
	case "balance_level":
		idx := -1
		for i, name := range levelNames {
			if strings.EqualFold(name, value) {
				idx = i
				break
			}
		}
		if idx < 0 {
			db.Warn("bad value for balance_level policy: %s", value)
			return
		}
		pol.level = idx
	case "numa_node":
		node, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			db.Warn("bad value for numa_node policy: %s", value)
			return
		}
		if !db.tree.HasNode(idset.ID(node)) {
			db.Warn("NUMA node %d doesn't exist", node)
			return
		}
		pol.numaNode = idset.ID(node)
		pol.numaSet = true
	default:
		db.Warn("unknown key returned, ignoring: %s", key)
	}
}

// checkForIRQBan runs the legacy ban script for the given path and
// interrupt. A nonzero exit status means "ban this interrupt".
func (db *DB) checkForIRQBan(path string, irq int) bool {
	if db.cfg.BanScript == "" {
		return false
	}

	err := exec.Command(db.cfg.BanScript, path, strconv.Itoa(irq)).Run()
	if err == nil {
		return false
	}

	if _, exited := err.(*exec.ExitError); !exited {
		db.Warn("%v", errors.Wrapf(err, "%s failed, please check the ban script option",
			db.cfg.BanScript))
		return false
	}

	db.Info("irq %d is banned by %s", irq, db.cfg.BanScript)
	return true
}

// classify reads the classification attributes of an interrupt from the
// given device path. Missing files yield the documented defaults.
func (db *DB) classify(devpath string, irq int, pol userPolicy, info *Info) {
	info.Class = ClassOther
	info.Level = classToLevel[ClassOther]

	var class int64
	if _, err := sysfs.ReadEntry(devpath, "class", &class); err == nil {
		// Restrict the lookup to the major class code.
		major := class >> 16
		if major >= 0 && major < int64(len(classCodes)) {
			info.Class = classCodes[major]
		}
	}
	if pol.level >= 0 {
		info.Level = Level(pol.level)
	} else {
		info.Level = classToLevel[info.Class]
	}

	numaNode := idset.ID(-1)
	if db.tree.NumaAvailable() {
		var node int
		if _, err := sysfs.ReadEntry(devpath, "numa_node", &node); err == nil {
			numaNode = idset.ID(node)
		}
	}
	if pol.numaSet {
		numaNode = pol.numaNode
	}
	if !db.tree.HasNode(numaNode) {
		numaNode = -1
	}
	info.NumaNode = numaNode

	mask := cpumask.New()
	if _, err := sysfs.ReadEntry(devpath, "local_cpus", &mask); err != nil || mask.IsEmpty() {
		mask = cpumask.New()
		mask.SetAll()
	}
	info.Mask = mask.And(db.tree.UnbannedCPUs())

	hint := cpumask.New()
	if _, err := sysfs.ReadEntry(db.procPath("irq", strconv.Itoa(irq)), "affinity_hint", &hint); err != nil {
		hint = cpumask.New()
	}
	info.AffinityHint = hint
}
