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

// Package pidfile implements PID file handling for the daemon.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// pidFilePath is the current PID file path.
var pidFilePath = defaultPath()

// defaultPath returns the default PID file path.
func defaultPath() string {
	return filepath.Join("/var/run", filepath.Base(os.Args[0])+".pid")
}

// GetPath returns the current PID file path.
func GetPath() string {
	return pidFilePath
}

// SetPath sets the PID file path.
func SetPath(path string) {
	pidFilePath = path
}

// Write writes the current process PID to the PID file.
func Write() error {
	if pidFilePath == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(pidFilePath), 0755); err != nil {
		return pidfileError("failed to create PID file directory: %v", err)
	}

	pid := strconv.Itoa(os.Getpid()) + "\n"
	if err := os.WriteFile(pidFilePath, []byte(pid), 0644); err != nil {
		return pidfileError("failed to write PID file %s: %v", pidFilePath, err)
	}

	return nil
}

// Remove removes the PID file if it belongs to the current process or the
// process it refers to is gone.
func Remove() error {
	if pidFilePath == "" {
		return nil
	}

	data, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return pidfileError("failed to read PID file %s: %v", pidFilePath, err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err == nil && pid != os.Getpid() {
		if proc, err := os.FindProcess(pid); err == nil {
			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return pidfileError("PID file %s belongs to running process %d",
					pidFilePath, pid)
			}
		}
	}

	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return pidfileError("failed to remove PID file %s: %v", pidFilePath, err)
	}

	return nil
}

// pidfileError returns a formatted PID file error.
func pidfileError(format string, args ...interface{}) error {
	return fmt.Errorf("pidfile: "+format, args...)
}
