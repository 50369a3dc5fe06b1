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
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"sigs.k8s.io/yaml"

	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/pidfile"
)

const (
	// bannedCPUsEnvVar bans CPUs with a kernel-format mask.
	bannedCPUsEnvVar = "IRQBALANCE_BANNED_CPUS"
	// oneShotEnvVar enables one-shot mode.
	oneShotEnvVar = "IRQBALANCE_ONESHOT"
	// debugEnvVar enables debug logging.
	debugEnvVar = "IRQBALANCE_DEBUG"

	// defaultInterval is the default balancing interval.
	defaultInterval = 10 * time.Second
)

// HintPolicy selects how the kernel affinity hint is used in placement.
type HintPolicy int

const (
	// HintPolicySubset restricts placement to the intersection of the
	// device-local CPUs and the hint, when non-empty.
	HintPolicySubset HintPolicy = iota
	// HintPolicyExact restricts placement to the hint exactly.
	HintPolicyExact
	// HintPolicyIgnore ignores the hint.
	HintPolicyIgnore
)

// hintPolicies maps option values to hint policies.
var hintPolicies = map[string]HintPolicy{
	"exact":  HintPolicyExact,
	"subset": HintPolicySubset,
	"ignore": HintPolicyIgnore,
}

// String returns the option value of a hint policy.
func (h HintPolicy) String() string {
	for name, policy := range hintPolicies {
		if policy == h {
			return name
		}
	}
	return "unknown"
}

// PowerThreshOff disables the power-save threshold.
const PowerThreshOff = -1

// intList is a repeatable integer flag.
type intList []int

// String returns the flag value as a comma-separated list.
func (l *intList) String() string {
	strs := make([]string, len(*l))
	for i, v := range *l {
		strs[i] = strconv.Itoa(v)
	}
	return strings.Join(strs, ",")
}

// Set appends one integer to the flag value.
func (l *intList) Set(value string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid integer %q: %w", value, err)
	}
	*l = append(*l, v)
	return nil
}

// options captures our command line parameters.
type options struct {
	OneShot             bool
	Debug               bool
	Foreground          bool
	HintPolicy          string
	PowerThresh         string
	BanIRQs             intList
	BanScript           string
	PolicyScript        string
	DeepestCache        int
	Interval            time.Duration
	PidFile             string
	ConfigFile          string
	InstrumentationAddr string
}

// fileOptions is the YAML configuration file schema. It mirrors the command
// line options; explicitly given flags win over file values.
type fileOptions struct {
	OneShot             *bool          `json:"oneshot,omitempty"`
	Debug               *bool          `json:"debug,omitempty"`
	Foreground          *bool          `json:"foreground,omitempty"`
	HintPolicy          *string        `json:"hintpolicy,omitempty"`
	PowerThresh         *string        `json:"powerthresh,omitempty"`
	BanIRQs             []int          `json:"banirq,omitempty"`
	BanScript           *string `json:"banscript,omitempty"`
	PolicyScript        *string `json:"policyscript,omitempty"`
	DeepestCache        *int    `json:"deepestcache,omitempty"`
	Interval            *string `json:"interval,omitempty"`
	PidFile             *string `json:"pid,omitempty"`
	BannedCPUs          *string `json:"bannedcpus,omitempty"`
	InstrumentationAddr *string `json:"instrumentation-address,omitempty"`
}

// Balancer command line options.
var opt = options{}

// Register us for command line option processing.
func init() {
	flag.BoolVar(&opt.OneShot, "oneshot", false,
		"Run a single balancing cycle and exit.")
	flag.BoolVar(&opt.Debug, "debug", false,
		"Enable debug logging. Implies running in the foreground.")
	flag.BoolVar(&opt.Foreground, "foreground", false,
		"Don't run as a daemon.")
	flag.StringVar(&opt.HintPolicy, "hintpolicy", "subset",
		"How to use the kernel affinity hint: exact, subset, or ignore.")
	flag.StringVar(&opt.PowerThresh, "powerthresh", "off",
		"Number of idle cache domains tolerated before entering power-save placement, or 'off'.")
	flag.Var(&opt.BanIRQs, "banirq",
		"Ban the given IRQ from balancing. May be repeated.")
	flag.StringVar(&opt.BanScript, "banscript", "",
		"Deprecated ban script, a nonzero exit status bans the IRQ. Use -policyscript instead.")
	flag.StringVar(&opt.PolicyScript, "policyscript", "",
		"Per-IRQ policy script, spawned as '<script> <devpath> <irq>'.")
	flag.IntVar(&opt.DeepestCache, "deepestcache", 0,
		"Cap on the cache index depth used for cache domains. 0 caps nothing.")
	flag.DurationVar(&opt.Interval, "interval", defaultInterval,
		"Interval between balancing cycles.")
	flag.StringVar(&opt.PidFile, "pid", pidfile.GetPath(),
		"PID file to write the daemon PID to.")
	flag.StringVar(&opt.ConfigFile, "config", "",
		"Optional YAML configuration file. Explicit command line flags win.")
	flag.StringVar(&opt.InstrumentationAddr, "instrumentation-address", "",
		"Address to serve metrics and health checks on. Empty disables the endpoint.")
}

// Config contains the resolved balancer configuration.
type Config struct {
	SysRoot             string
	ProcRoot            string
	OneShot             bool
	Debug               bool
	Foreground          bool
	HintPolicy          HintPolicy
	PowerThresh         int
	BannedIRQs          []int
	BannedCPUs          cpumask.Mask
	BanScript           string
	PolicyScript        string
	DeepestCache        int
	Interval            time.Duration
	PidFile             string
	InstrumentationAddr string
}

// ResolveConfig combines the command line options, the optional
// configuration file, and the environment into a balancer configuration.
// Must be called after flag.Parse().
func ResolveConfig() (*Config, error) {
	given := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { given[f.Name] = true })

	bannedCPUs := ""
	if opt.ConfigFile != "" {
		if err := mergeConfigFile(opt.ConfigFile, given, &bannedCPUs); err != nil {
			return nil, err
		}
	}

	cfg := &Config{
		OneShot:             opt.OneShot,
		Debug:               opt.Debug,
		Foreground:          opt.Foreground,
		BannedIRQs:          opt.BanIRQs,
		BanScript:           opt.BanScript,
		PolicyScript:        opt.PolicyScript,
		DeepestCache:        opt.DeepestCache,
		Interval:            opt.Interval,
		PidFile:             opt.PidFile,
		InstrumentationAddr: opt.InstrumentationAddr,
	}

	if os.Getenv(oneShotEnvVar) != "" {
		cfg.OneShot = true
	}
	if os.Getenv(debugEnvVar) != "" {
		cfg.Debug = true
	}
	if cfg.Debug {
		cfg.Foreground = true
	}

	policy, ok := hintPolicies[strings.ToLower(opt.HintPolicy)]
	if !ok {
		return nil, configError("invalid hintpolicy %q, expected exact, subset or ignore",
			opt.HintPolicy)
	}
	cfg.HintPolicy = policy

	cfg.PowerThresh = PowerThreshOff
	if thresh := strings.ToLower(opt.PowerThresh); thresh != "off" {
		v, err := strconv.Atoi(thresh)
		if err != nil || v < 0 {
			return nil, configError("invalid powerthresh %q, expected a non-negative integer or 'off'",
				opt.PowerThresh)
		}
		cfg.PowerThresh = v
	}

	if opt.DeepestCache < 0 {
		return nil, configError("invalid deepestcache %d, expected a non-negative integer",
			opt.DeepestCache)
	}

	if env := os.Getenv(bannedCPUsEnvVar); env != "" {
		bannedCPUs = env
	}
	if bannedCPUs != "" {
		mask, err := cpumask.Parse(bannedCPUs)
		if err != nil {
			return nil, configError("invalid banned CPU mask %q: %v", bannedCPUs, err)
		}
		cfg.BannedCPUs = mask
	} else {
		cfg.BannedCPUs = cpumask.New()
	}

	return cfg, nil
}

// mergeConfigFile applies configuration file values for options not given
// explicitly on the command line.
func mergeConfigFile(path string, given map[string]bool, bannedCPUs *string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return configError("failed to read configuration file %s: %v", path, err)
	}

	file := fileOptions{}
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return configError("failed to parse configuration file %s: %v", path, err)
	}

	if file.OneShot != nil && !given["oneshot"] {
		opt.OneShot = *file.OneShot
	}
	if file.Debug != nil && !given["debug"] {
		opt.Debug = *file.Debug
	}
	if file.Foreground != nil && !given["foreground"] {
		opt.Foreground = *file.Foreground
	}
	if file.HintPolicy != nil && !given["hintpolicy"] {
		opt.HintPolicy = *file.HintPolicy
	}
	if file.PowerThresh != nil && !given["powerthresh"] {
		opt.PowerThresh = *file.PowerThresh
	}
	if len(file.BanIRQs) > 0 && !given["banirq"] {
		opt.BanIRQs = file.BanIRQs
	}
	if file.BanScript != nil && !given["banscript"] {
		opt.BanScript = *file.BanScript
	}
	if file.PolicyScript != nil && !given["policyscript"] {
		opt.PolicyScript = *file.PolicyScript
	}
	if file.DeepestCache != nil && !given["deepestcache"] {
		opt.DeepestCache = *file.DeepestCache
	}
	if file.Interval != nil && !given["interval"] {
		d, err := time.ParseDuration(*file.Interval)
		if err != nil {
			return configError("invalid interval %q in %s: %v", *file.Interval, path, err)
		}
		opt.Interval = d
	}
	if file.PidFile != nil && !given["pid"] {
		opt.PidFile = *file.PidFile
	}
	if file.InstrumentationAddr != nil && !given["instrumentation-address"] {
		opt.InstrumentationAddr = *file.InstrumentationAddr
	}
	if file.BannedCPUs != nil {
		*bannedCPUs = *file.BannedCPUs
	}

	return nil
}

// configError returns a formatted configuration error.
func configError(format string, args ...interface{}) error {
	return fmt.Errorf("config: "+format, args...)
}
