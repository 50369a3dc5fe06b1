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

// Package balance implements the interrupt balancing daemon: periodic
// accounting of interrupt and CPU load, topology-aware placement of
// interrupts, and the control loop driving both.
package balance

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/procfs"

	"github.com/containers/irqbalanced/pkg/healthz"
	"github.com/containers/irqbalanced/pkg/irqdb"
	logger "github.com/containers/irqbalanced/pkg/log"
	"github.com/containers/irqbalanced/pkg/pidfile"
	"github.com/containers/irqbalanced/pkg/topology"
)

// Our logger instance.
var log = logger.NewLogger("balance")

// Balancer is the interrupt balancing daemon.
type Balancer struct {
	logger.Logger
	sync.RWMutex
	cfg        Config
	tree       *topology.Tree
	db         *irqdb.DB
	queue      []*irqdb.Info                       // interrupts awaiting placement
	assigned   map[*topology.Object][]*irqdb.Info  // interrupts per topology object
	fs         procfs.FS                           // /proc/stat accounting
	cycles     uint64                              // completed balancing cycles
	rescans    uint64                              // topology rescans performed
	migrations uint64                              // interrupt migrations performed
	needRescan atomic.Bool                         // topology rescan requested
	stopping   atomic.Bool                         // shutdown requested
	stop       chan struct{}                       // wakes the loop up on shutdown
	procMSI    bool                                // /proc/interrupts mentions MSI
	msiWarned  bool                                // stale-sysfs warning emitted
	powerSave  bool                                // power-save placement active
}

// New creates a balancer with the given configuration, discovering the
// topology and building the interrupt database.
func New(cfg Config) (*Balancer, error) {
	b := &Balancer{
		Logger: log,
		cfg:    cfg,
		stop:   make(chan struct{}),
	}

	fs, err := procfs.NewFS(filepath.Join("/", cfg.ProcRoot, "proc"))
	if err != nil {
		return nil, balanceError("failed to open procfs: %v", err)
	}
	b.fs = fs

	if cfg.BanScript != "" {
		b.Warn("please note that the ban script is deprecated, use a policy script instead")
	}

	if err := b.buildObjectTree(); err != nil {
		return nil, err
	}

	return b, nil
}

// buildObjectTree discovers the topology and (re)builds the interrupt
// database against it.
func (b *Balancer) buildObjectTree() error {
	tree, err := topology.Build(topology.Config{
		SysRoot:      b.cfg.SysRoot,
		DeepestCache: b.cfg.DeepestCache,
		BannedCPUs:   b.cfg.BannedCPUs,
	})
	if err != nil {
		return balanceError("failed to build topology: %v", err)
	}
	b.tree = tree

	db := irqdb.New(irqdb.Config{
		SysRoot:      b.cfg.SysRoot,
		ProcRoot:     b.cfg.ProcRoot,
		PolicyScript: b.cfg.PolicyScript,
		BanScript:    b.cfg.BanScript,
		BannedIRQs:   b.cfg.BannedIRQs,
	}, tree)
	if err := db.Rebuild(); err != nil {
		return balanceError("failed to build interrupt database: %v", err)
	}
	b.db = db

	b.queue = nil
	b.assigned = make(map[*topology.Object][]*irqdb.Info)

	return nil
}

// Tree returns the current topology tree.
func (b *Balancer) Tree() *topology.Tree {
	return b.tree
}

// DB returns the current interrupt database.
func (b *Balancer) DB() *irqdb.DB {
	return b.db
}

// Shutdown asks the control loop to stop. Safe to call from a signal
// handling goroutine.
func (b *Balancer) Shutdown() {
	if b.stopping.CompareAndSwap(false, true) {
		close(b.stop)
	}
}

// TriggerRescan asks the control loop to rebuild the topology on its next
// cycle. Ignored until the first cycle has completed. Safe to call from a
// signal handling goroutine.
func (b *Balancer) TriggerRescan() {
	if atomic.LoadUint64(&b.cycles) > 0 {
		b.needRescan.Store(true)
	}
}

// Run drives balancing cycles until shutdown. In one-shot mode it returns
// after the first successful cycle.
func (b *Balancer) Run() error {
	// On single core UP systems there is obviously no work to do.
	if b.tree.CoreCount() < 2 {
		b.Warn("balancing is ineffective on systems with a single cpu, shutting down")
		return nil
	}

	if !b.cfg.Foreground {
		if err := pidfile.Remove(); err != nil {
			b.Warn("failed to remove stale PID file: %v", err)
		}
		if err := pidfile.Write(); err != nil {
			b.Warn("failed to write PID file: %v", err)
		}
	}

	b.Lock()
	b.forceRebalance()
	b.parseProcInterrupts()
	b.parseProcStat()
	b.Unlock()

	b.Info("up and running")

	for !b.stopping.Load() {
		if !b.sleepApprox(b.cfg.Interval) {
			break
		}

		b.Lock()
		b.runCycle()
		b.Unlock()

		if b.cfg.OneShot {
			break
		}
	}

	b.Lock()
	b.freeObjectTree()
	b.Unlock()

	if !b.cfg.Foreground {
		if err := pidfile.Remove(); err != nil {
			b.Warn("%v", err)
		}
	}

	return nil
}

// runCycle performs one full balancing cycle.
func (b *Balancer) runCycle() {
	b.clearWorkStats()
	b.parseProcInterrupts()
	b.parseProcStat()

	// Cope with CPU hotplug, detected during /proc/interrupts parsing.
	if b.needRescan.Swap(false) {
		b.Info("rescanning cpu topology")
		atomic.StoreUint64(&b.cycles, 0)
		b.rescans++

		if err := b.buildObjectTree(); err != nil {
			b.Error("topology rescan failed: %v", err)
			return
		}
		b.forceRebalance()
		b.parseProcInterrupts()
		b.parseProcStat()

		// Counters need two consecutive parses before the deltas mean
		// anything again.
		b.Unlock()
		ok := b.sleepApprox(b.cfg.Interval)
		b.Lock()
		if !ok {
			return
		}
		b.clearWorkStats()
		b.parseProcInterrupts()
		b.parseProcStat()
	}

	if atomic.LoadUint64(&b.cycles) > 0 {
		b.updateMigrationStatus()
	}

	b.calculatePlacement()
	b.activateMappings()

	if b.DebugEnabled() {
		b.dumpTree()
	}

	atomic.AddUint64(&b.cycles, 1)
}

// clearWorkStats resets the per-cycle load state of the tree and the
// tracked interrupts.
func (b *Balancer) clearWorkStats() {
	for _, kind := range []topology.Kind{topology.Node, topology.Package, topology.Cache, topology.CPU} {
		for _, obj := range b.tree.Objects(kind) {
			obj.Load = 0
		}
	}
	for _, info := range b.db.List() {
		info.Load = 0
	}
}

// freeObjectTree empties the interrupt database and drops the rebalance
// queue and the per-object assignments. The topology tree is kept.
func (b *Balancer) freeObjectTree() {
	if b.db != nil {
		b.db.Free()
	}
	b.queue = nil
	b.assigned = nil
}

// sleepApprox sleeps for roughly the given interval, aligned to whole
// seconds, waking up promptly on shutdown. Returns false when shutting
// down.
func (b *Balancer) sleepApprox(interval time.Duration) bool {
	d := interval - time.Duration(time.Now().Nanosecond())
	for d < 0 {
		d += time.Second
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-b.stop:
		return false
	case <-timer.C:
		return true
	}
}

// HealthCheck reports the balancer health for the instrumentation endpoint.
func (b *Balancer) HealthCheck() (healthz.Status, error) {
	b.RLock()
	defer b.RUnlock()

	if b.tree == nil || b.db == nil {
		return healthz.NonFunctional, balanceError("no topology or interrupt database")
	}
	return healthz.Healthy, nil
}

// balanceError returns a formatted balancing error.
func balanceError(format string, args ...interface{}) error {
	return fmt.Errorf("balance: "+format, args...)
}
