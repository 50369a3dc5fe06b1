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

// Package sysfs provides typed helpers for reading and writing small
// sysfs and procfs entries.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/containers/irqbalanced/pkg/cpumask"
	"github.com/containers/irqbalanced/pkg/utils/cpuset"
	idset "github.com/intel/goresctrl/pkg/utils"
)

// EnumeratedID returns the trailing enumeration part of a name ("cpu12" => 12),
// or -1 if the name has no trailing number.
func EnumeratedID(name string) idset.ID {
	id := 0
	base := 1
	for idx := len(name) - 1; idx > 0; idx-- {
		d := name[idx]

		if '0' <= d && d <= '9' {
			id += base * (int(d) - '0')
			base *= 10
		} else {
			if base > 1 {
				return idset.ID(id)
			}

			return idset.ID(-1)
		}
	}

	return idset.ID(-1)
}

// ReadEntry reads the content of a sysfs entry and converts it according to
// the type of the given pointer. A nil pointer returns the raw content with
// surrounding whitespace trimmed.
func ReadEntry(base, entry string, ptr interface{}) (string, error) {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", Error(path, "failed to read sysfs entry: %w", err)
	}
	buf := strings.TrimSpace(string(blob))

	if ptr == interface{}(nil) {
		return buf, nil
	}

	switch ptr := ptr.(type) {
	case *string:
		*ptr = buf
	case *int:
		v, err := strconv.ParseInt(buf, 0, 0)
		if err != nil {
			return "", Error(path, "invalid entry '%s': %w", buf, err)
		}
		*ptr = int(v)
	case *int64:
		v, err := strconv.ParseInt(buf, 0, 64)
		if err != nil {
			return "", Error(path, "invalid entry '%s': %w", buf, err)
		}
		*ptr = v
	case *uint64:
		v, err := strconv.ParseUint(buf, 0, 64)
		if err != nil {
			return "", Error(path, "invalid entry '%s': %w", buf, err)
		}
		*ptr = v
	case *idset.IDSet:
		cset, err := cpuset.Parse(buf)
		if err != nil {
			return "", Error(path, "invalid id list '%s': %w", buf, err)
		}
		*ptr = idset.NewIDSetFromIntSlice(cset.List()...)
	case *cpuset.CPUSet:
		cset, err := cpuset.Parse(buf)
		if err != nil {
			return "", Error(path, "invalid CPU list '%s': %w", buf, err)
		}
		*ptr = cset
	case *cpumask.Mask:
		mask, err := cpumask.Parse(buf)
		if err != nil {
			return "", Error(path, "invalid CPU mask '%s': %w", buf, err)
		}
		*ptr = mask
	default:
		return "", Error(path, "unsupported sysfs entry type %T", ptr)
	}

	return buf, nil
}

// WriteEntry writes a value to a sysfs entry.
func WriteEntry(base, entry string, val interface{}) error {
	path := filepath.Join(base, entry)

	var buf string
	switch val := val.(type) {
	case string:
		buf = val
	case int, int64, uint64:
		buf = fmt.Sprintf("%d", val)
	case cpumask.Mask:
		buf = val.String()
	default:
		return Error(path, "unsupported sysfs entry type %T", val)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return Error(path, "cannot open: %w", err)
	}
	defer f.Close()

	if _, err = f.Write([]byte(buf + "\n")); err != nil {
		return Error(path, "cannot write: %w", err)
	}

	return nil
}

// Error returns a formatted sysfs-specific error.
func Error(path string, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs "+path+": "+format, args...)
}
