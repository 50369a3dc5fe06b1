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

package cpumask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKernelFormat(t *testing.T) {
	SetSize(48)

	mask, err := Parse("ff,0000ffff\n")
	require.NoError(t, err)

	for cpu := 0; cpu < 48; cpu++ {
		expected := (cpu >= 0 && cpu <= 15) || (cpu >= 32 && cpu <= 39)
		assert.Equal(t, expected, mask.IsSet(cpu), "bit %d", cpu)
	}

	assert.Equal(t, "ff,0000ffff", mask.String())
}

func TestParseSingleGroup(t *testing.T) {
	SetSize(4)

	mask, err := Parse("3")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, mask.List())
	assert.Equal(t, "3", mask.String())
}

func TestParseLeadingWhitespace(t *testing.T) {
	SetSize(8)

	mask, err := Parse("  a5\n")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2, 5, 7}, mask.List())
}

func TestParseErrors(t *testing.T) {
	SetSize(8)

	for _, invalid := range []string{"", "\n", "xyz", "1,,2", "123456789"} {
		_, err := Parse(invalid)
		assert.Error(t, err, "input %q", invalid)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	SetSize(64)

	for _, s := range []string{
		"0",
		"1",
		"80000000,00000000",
		"ffffffff,ffffffff",
		"0,00010001",
		"dead,beef0000",
	} {
		mask, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, mask.String())
	}
}

func TestSetClearTest(t *testing.T) {
	SetSize(16)

	mask := New()
	assert.True(t, mask.IsEmpty())

	mask.Set(3)
	mask.Set(12)
	assert.True(t, mask.IsSet(3))
	assert.True(t, mask.IsSet(12))
	assert.False(t, mask.IsSet(4))
	assert.Equal(t, 2, mask.Weight())

	mask.Clear(3)
	assert.False(t, mask.IsSet(3))
	assert.Equal(t, []int{12}, mask.List())

	// out of range bits are ignored
	mask.Set(-1)
	mask.Set(1 << 20)
	assert.Equal(t, 1, mask.Weight())
}

func TestBitwiseOps(t *testing.T) {
	SetSize(8)

	a := NewWith(0, 1, 2, 3)
	b := NewWith(2, 3, 4, 5)

	assert.Equal(t, []int{2, 3}, a.And(b).List())
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, a.Or(b).List())
	assert.Equal(t, []int{0, 1}, a.AndNot(b).List())
	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(NewWith(6, 7)))
}

func TestComplement(t *testing.T) {
	SetSize(4)

	banned := NewWith(0, 1)
	unbanned := banned.Complement()
	assert.Equal(t, []int{2, 3}, unbanned.List())

	all := New()
	all.SetAll()
	assert.True(t, New().Complement().Equal(all))
}

func TestEquality(t *testing.T) {
	SetSize(8)

	a := NewWith(1, 5)
	b := NewWith(1, 5)
	c := NewWith(1, 6)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.True(t, a.Equal(a.Clone()))
}

func TestCPUSetConversion(t *testing.T) {
	SetSize(8)

	mask := NewWith(0, 2, 4)
	cset := mask.CPUSet()
	assert.Equal(t, "0,2,4", cset.String())
	assert.True(t, FromCPUSet(cset).Equal(mask))
}

func TestFirst(t *testing.T) {
	SetSize(128)

	assert.Equal(t, -1, New().First())
	assert.Equal(t, 66, NewWith(66, 100).First())
}
