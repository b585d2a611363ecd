package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/ardnew/cardbridge/pkg"
)

// WritePIDFile records the current process in path. It fails with
// pkg.ErrAlreadyRunning if path names another live process; a stale file
// is replaced.
func WritePIDFile(ctx context.Context, path string) error {
	if pid, err := ReadPIDFile(path); err == nil && pid != os.Getpid() {
		if alive, _ := process.PidExistsWithContext(ctx, int32(pid)); alive {
			return fmt.Errorf("pid %d in %s: %w", pid, path, pkg.ErrAlreadyRunning)
		}
		pkg.LogInfo(pkg.ComponentCLI, "replacing stale pid file", "path", path, "pid", pid)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// ReadPIDFile returns the process ID stored in path.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s: %w", path, pkg.ErrInvalidParameter)
	}
	return pid, nil
}

// RemovePIDFile deletes path if it still names the current process.
func RemovePIDFile(path string) {
	if pid, err := ReadPIDFile(path); err == nil && pid == os.Getpid() {
		os.Remove(path)
	}
}

// SignalDaemon sends sig to the daemon recorded in pidFile.
func SignalDaemon(ctx context.Context, pidFile string, sig os.Signal) error {
	pid, err := ReadPIDFile(pidFile)
	if err != nil {
		return fmt.Errorf("daemon not running: %w", err)
	}
	alive, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil {
		return fmt.Errorf("check pid %d: %w", pid, err)
	}
	if !alive {
		return fmt.Errorf("daemon pid %d: %w", pid, pkg.ErrNotRunning)
	}

	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find daemon: %w", err)
	}
	return p.Signal(sig)
}
