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

// Package cpumask implements a fixed-width bitmask over logical CPU ids,
// compatible with the kernel's comma-grouped hexadecimal text format used
// by sysfs and /proc/irq/*/smp_affinity.
package cpumask

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"

	"github.com/containers/irqbalanced/pkg/utils/cpuset"
)

const (
	// groupBits is the number of bits per comma-separated group in the
	// kernel text format.
	groupBits = 32
	// wordBits is the number of bits per backing word.
	wordBits = 64
)

// nbits is the mask capacity in bits, fixed once at startup from the
// highest possible CPU id.
var nbits = 1

// Mask is a fixed-capacity bit set over logical CPU ids.
type Mask struct {
	words []uint64
}

// SetSize fixes the mask capacity to cover CPU ids 0..n-1. Existing masks
// keep the capacity they were created with.
func SetSize(n int) {
	if n < 1 {
		n = 1
	}
	nbits = n
}

// Size returns the current mask capacity in bits.
func Size() int {
	return nbits
}

// New returns an empty mask with the current capacity.
func New() Mask {
	return Mask{words: make([]uint64, (nbits+wordBits-1)/wordBits)}
}

// NewWith returns a mask with the given CPU bits set.
func NewWith(cpus ...int) Mask {
	m := New()
	for _, cpu := range cpus {
		m.Set(cpu)
	}
	return m
}

// Set sets the bit for the given CPU id.
func (m Mask) Set(cpu int) {
	if cpu < 0 || cpu >= len(m.words)*wordBits {
		return
	}
	m.words[cpu/wordBits] |= 1 << (uint(cpu) % wordBits)
}

// Clear clears the bit for the given CPU id.
func (m Mask) Clear(cpu int) {
	if cpu < 0 || cpu >= len(m.words)*wordBits {
		return
	}
	m.words[cpu/wordBits] &^= 1 << (uint(cpu) % wordBits)
}

// IsSet tests the bit for the given CPU id.
func (m Mask) IsSet(cpu int) bool {
	if cpu < 0 || cpu >= len(m.words)*wordBits {
		return false
	}
	return m.words[cpu/wordBits]&(1<<(uint(cpu)%wordBits)) != 0
}

// SetAll sets the bits of every CPU id within capacity.
func (m Mask) SetAll() {
	for cpu := 0; cpu < nbits; cpu++ {
		m.Set(cpu)
	}
}

// Reset clears all bits.
func (m Mask) Reset() {
	for i := range m.words {
		m.words[i] = 0
	}
}

// Clone returns a copy of the mask.
func (m Mask) Clone() Mask {
	o := Mask{words: make([]uint64, len(m.words))}
	copy(o.words, m.words)
	return o
}

// IsEmpty checks if no bit is set.
func (m Mask) IsEmpty() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Weight returns the number of set bits.
func (m Mask) Weight() int {
	cnt := 0
	for _, w := range m.words {
		cnt += bits.OnesCount64(w)
	}
	return cnt
}

// Equal checks two masks for bitwise equality.
func (m Mask) Equal(o Mask) bool {
	n := len(m.words)
	if len(o.words) > n {
		n = len(o.words)
	}
	for i := 0; i < n; i++ {
		if m.word(i) != o.word(i) {
			return false
		}
	}
	return true
}

// Intersects checks if two masks have any common bit set.
func (m Mask) Intersects(o Mask) bool {
	n := len(m.words)
	if len(o.words) < n {
		n = len(o.words)
	}
	for i := 0; i < n; i++ {
		if m.words[i]&o.words[i] != 0 {
			return true
		}
	}
	return false
}

// And returns the intersection of two masks.
func (m Mask) And(o Mask) Mask {
	r := New()
	for i := range r.words {
		r.words[i] = m.word(i) & o.word(i)
	}
	return r
}

// Or returns the union of two masks.
func (m Mask) Or(o Mask) Mask {
	r := New()
	for i := range r.words {
		r.words[i] = m.word(i) | o.word(i)
	}
	return r
}

// AndNot returns the bits of m not set in o.
func (m Mask) AndNot(o Mask) Mask {
	r := New()
	for i := range r.words {
		r.words[i] = m.word(i) &^ o.word(i)
	}
	return r
}

// Complement returns the bits within capacity not set in m.
func (m Mask) Complement() Mask {
	r := New()
	for cpu := 0; cpu < nbits; cpu++ {
		if !m.IsSet(cpu) {
			r.Set(cpu)
		}
	}
	return r
}

// List returns the set CPU ids in ascending order.
func (m Mask) List() []int {
	var cpus []int
	for i, w := range m.words {
		if w == 0 {
			continue
		}
		for b := 0; b < wordBits; b++ {
			if w&(1<<uint(b)) != 0 {
				cpus = append(cpus, i*wordBits+b)
			}
		}
	}
	return cpus
}

// First returns the lowest set CPU id, or -1 for an empty mask.
func (m Mask) First() int {
	for i, w := range m.words {
		if w == 0 {
			continue
		}
		for b := 0; b < wordBits; b++ {
			if w&(1<<uint(b)) != 0 {
				return i*wordBits + b
			}
		}
	}
	return -1
}

// CPUSet returns the mask converted to a cpuset.
func (m Mask) CPUSet() cpuset.CPUSet {
	return cpuset.New(m.List()...)
}

// FromCPUSet returns a mask with the bits of the given cpuset set.
func FromCPUSet(cset cpuset.CPUSet) Mask {
	return NewWith(cset.List()...)
}

// String formats the mask in the kernel's comma-grouped hexadecimal format,
// least significant group last, most significant group unpadded.
func (m Mask) String() string {
	groups := (nbits + groupBits - 1) / groupBits
	if groups < 1 {
		groups = 1
	}
	var b strings.Builder
	for g := groups - 1; g >= 0; g-- {
		val := uint32(m.word(g/2) >> (uint(g%2) * groupBits))
		if g == groups-1 {
			fmt.Fprintf(&b, "%x", val)
		} else {
			fmt.Fprintf(&b, ",%08x", val)
		}
	}
	return b.String()
}

// Parse parses a mask from the kernel's comma-grouped hexadecimal format.
// Surrounding whitespace, including the trailing newline sysfs emits, is
// accepted. The resulting mask capacity is the current package capacity or
// the parsed width, whichever is larger.
func Parse(s string) (Mask, error) {
	str := strings.TrimSpace(s)
	if str == "" {
		return Mask{}, fmt.Errorf("cpumask: empty mask string")
	}

	groups := strings.Split(str, ",")
	bits := len(groups) * groupBits
	words := (bits + wordBits - 1) / wordBits
	if min := (nbits + wordBits - 1) / wordBits; words < min {
		words = min
	}

	m := Mask{words: make([]uint64, words)}
	for i, grp := range groups {
		// groups run most significant first
		g := len(groups) - 1 - i
		if grp == "" || len(grp) > groupBits/4 {
			return Mask{}, fmt.Errorf("cpumask: invalid mask group %q in %q", grp, str)
		}
		val, err := strconv.ParseUint(grp, 16, 64)
		if err != nil {
			return Mask{}, fmt.Errorf("cpumask: invalid mask group %q in %q: %w", grp, str, err)
		}
		m.words[g/2] |= val << (uint(g%2) * groupBits)
	}

	return m, nil
}

// MustParse parses a kernel-format mask and panics on failure.
func MustParse(s string) Mask {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// word returns the i'th backing word, treating missing words as zero.
func (m Mask) word(i int) uint64 {
	if i < 0 || i >= len(m.words) {
		return 0
	}
	return m.words[i]
}
