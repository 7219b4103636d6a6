// Package app wires the daemon's services and manages its lifecycle.
package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

var ErrNotRunning = errors.New("server not running")

// ReadPID reads a PID from the given file and returns it if the process is alive, or 0 otherwise.
func ReadPID(pidFile string) int {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return 0
	}

	if process.Signal(syscall.Signal(0)) != nil {
		return 0
	}

	return pid
}

// TerminateServer sends SIGTERM to the daemon recorded under dataDir.
func TerminateServer(dataDir string) (int, error) {
	pid := ReadPID(PIDFile(dataDir))
	if pid == 0 {
		return 0, ErrNotRunning
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return pid, fmt.Errorf("find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		return pid, fmt.Errorf("signal process %d: %w", pid, err)
	}
	return pid, nil
}
