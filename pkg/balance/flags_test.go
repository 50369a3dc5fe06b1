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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withOptions runs a test against scratch command line options.
func withOptions(t *testing.T, fn func()) {
	t.Helper()
	saved := opt
	defer func() { opt = saved }()
	opt = options{
		HintPolicy:  "subset",
		PowerThresh: "off",
		Interval:    defaultInterval,
	}
	fn()
}

func TestResolveConfigDefaults(t *testing.T) {
	withOptions(t, func() {
		cfg, err := ResolveConfig()
		require.NoError(t, err)

		assert.False(t, cfg.OneShot)
		assert.Equal(t, HintPolicySubset, cfg.HintPolicy)
		assert.Equal(t, PowerThreshOff, cfg.PowerThresh)
		assert.Equal(t, defaultInterval, cfg.Interval)
		assert.True(t, cfg.BannedCPUs.IsEmpty())
	})
}

func TestResolveConfigEnvOverrides(t *testing.T) {
	withOptions(t, func() {
		t.Setenv(bannedCPUsEnvVar, "3")
		t.Setenv(oneShotEnvVar, "1")
		t.Setenv(debugEnvVar, "1")

		cfg, err := ResolveConfig()
		require.NoError(t, err)

		assert.True(t, cfg.OneShot)
		assert.True(t, cfg.Debug)
		// debug implies foreground
		assert.True(t, cfg.Foreground)
		assert.Equal(t, []int{0, 1}, cfg.BannedCPUs.List())
	})
}

func TestResolveConfigRejectsGarbage(t *testing.T) {
	withOptions(t, func() {
		opt.HintPolicy = "sometimes"
		_, err := ResolveConfig()
		assert.Error(t, err)
	})

	withOptions(t, func() {
		opt.PowerThresh = "-4"
		_, err := ResolveConfig()
		assert.Error(t, err)
	})

	withOptions(t, func() {
		t.Setenv(bannedCPUsEnvVar, "not-a-mask")
		_, err := ResolveConfig()
		assert.Error(t, err)
	})
}

func TestResolveConfigFile(t *testing.T) {
	withOptions(t, func() {
		path := filepath.Join(t.TempDir(), "irqbalanced.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"hintpolicy: ignore\n"+
				"interval: 30s\n"+
				"banirq: [5, 7]\n"+
				"bannedcpus: \"c\"\n"), 0644))
		opt.ConfigFile = path

		cfg, err := ResolveConfig()
		require.NoError(t, err)

		assert.Equal(t, HintPolicyIgnore, cfg.HintPolicy)
		assert.Equal(t, 30*time.Second, cfg.Interval)
		assert.Equal(t, []int{5, 7}, cfg.BannedIRQs)
		assert.Equal(t, []int{2, 3}, cfg.BannedCPUs.List())
	})
}
