package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const pidFileName = "daemon.pid"

// ErrDaemonAlreadyRunning is returned when the pid file names a live
// process other than this one.
var ErrDaemonAlreadyRunning = errors.New("daemon already running")

// getPidFilePath returns the path to the daemon PID file in dir.
func getPidFilePath(dir string) string {
	return filepath.Join(dir, pidFileName)
}

// WritePidFile writes the current process ID to the PID file.
func WritePidFile(dir string) error {
	pid := os.Getpid()
	return os.WriteFile(getPidFilePath(dir), []byte(strconv.Itoa(pid)), 0o644)
}

// ReadPidFile reads and returns the PID from the PID file.
func ReadPidFile(dir string) (int, error) {
	data, err := os.ReadFile(getPidFilePath(dir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID: %d", pid)
	}
	return pid, nil
}

// RemovePidFile removes the PID file.
func RemovePidFile(dir string) error {
	err := os.Remove(getPidFilePath(dir))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// CleanupStalePidFile removes a PID file left behind by a dead daemon.
// A file naming a live process fails with ErrDaemonAlreadyRunning and is
// left in place.
func CleanupStalePidFile(dir string) error {
	pid, err := ReadPidFile(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return RemovePidFile(dir)
	}
	if pid != os.Getpid() && isProcessRunning(pid) {
		return fmt.Errorf("%w (PID %d, pid file %s)", ErrDaemonAlreadyRunning, pid, getPidFilePath(dir))
	}
	return RemovePidFile(dir)
}

// acquirePidFile claims dir for this process. The returned func releases it.
func acquirePidFile(dir string) (func(), error) {
	if err := CleanupStalePidFile(dir); err != nil {
		return nil, err
	}
	if err := WritePidFile(dir); err != nil {
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	return func() { _ = RemovePidFile(dir) }, nil
}
