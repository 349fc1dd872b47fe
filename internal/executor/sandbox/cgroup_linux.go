//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	appErr "codelab/pkg/errors"
)

func createRunCgroup(root, envID string, seq int64) (string, func(), error) {
	if root == "" {
		return "", func() {}, appErr.ValidationError("cgroup_root", "required")
	}
	cgroupPath := filepath.Join(root, envID, fmt.Sprintf("run-%d", seq))
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, appErr.Wrapf(err, appErr.ProvisioningError, "create cgroup path failed")
	}
	cleanup := func() {
		_ = os.RemoveAll(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, limits ResourceConfig) error {
	pidsValue := "max"
	if limits.PIDs > 0 {
		pidsValue = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(limits.MemoryMB*1024*1024, 10)); err != nil {
			return err
		}
		// No swap escape hatch for the memory ceiling.
		if err := writeCgroupValue(cgroupPath, "memory.swap.max", "0"); err != nil {
			return err
		}
	}
	cpuValue := "max 100000"
	if limits.CPULimit > 0 {
		cpuValue = fmt.Sprintf("%d 100000", int64(limits.CPULimit*100000))
	}
	return writeCgroupValue(cgroupPath, "cpu.max", cpuValue)
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return appErr.ValidationError("pid", "invalid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func killCgroup(cgroupPath string) error {
	if cgroupPath == "" {
		return nil
	}
	killPath := filepath.Join(cgroupPath, "cgroup.kill")
	if _, err := os.Stat(killPath); err != nil {
		return err
	}
	return os.WriteFile(killPath, []byte("1"), 0600)
}

func wasOomKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 || fields[0] != "oom_kill" {
			continue
		}
		val, _ := strconv.ParseInt(fields[1], 10, 64)
		return val > 0
	}
	return false
}

func writeCgroupValue(cgroupPath, name, value string) error {
	path := filepath.Join(cgroupPath, name)
	if err := os.WriteFile(path, []byte(value), 0640); err != nil {
		return appErr.Wrapf(err, appErr.ProvisioningError, "write cgroup %s failed", name)
	}
	return nil
}
