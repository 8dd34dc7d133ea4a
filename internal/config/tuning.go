package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Cgroup interface files consulted for CPU quota. v2 first, then v1.
const (
	cgroupV2CPUMax    = "/sys/fs/cgroup/cpu.max"
	cgroupV1CPUQuota  = "/sys/fs/cgroup/cpu/cpu.cfs_quota_us"
	cgroupV1CPUPeriod = "/sys/fs/cgroup/cpu/cpu.cfs_period_us"
)

// EffectiveCPUs returns the CPU count the process can actually use: the
// scheduler-visible count capped by any cgroup quota. Containers routinely
// report the host's CPUs while being throttled to a fraction of them.
func EffectiveCPUs() int {
	cpus := runtime.NumCPU()
	if quota, ok := cgroupCPULimit(); ok && quota < cpus {
		cpus = quota
	}
	if cpus < 1 {
		cpus = 1
	}
	return cpus
}

// AutoWorkers sizes the worker pool from the effective CPU count. The
// backend is the bottleneck, so the pool stays small even on big hosts.
func AutoWorkers(cpus int) int {
	switch {
	case cpus < 48:
		return 1
	case cpus < 128:
		return 2
	default:
		return 4
	}
}

// AutoQueueDepth sizes the admission queue from the worker count, capped so
// queued wait times stay bounded.
func AutoQueueDepth(workers int) int {
	depth := 4 * workers
	if depth > 16 {
		depth = 16
	}
	if depth < 1 {
		depth = 1
	}
	return depth
}

// cgroupCPULimit reads the container CPU quota, preferring cgroup v2.
func cgroupCPULimit() (int, bool) {
	if data, err := os.ReadFile(cgroupV2CPUMax); err == nil {
		if quota, ok := parseCgroupV2CPUMax(string(data)); ok {
			return quota, true
		}
	}
	quotaRaw, err := os.ReadFile(cgroupV1CPUQuota)
	if err != nil {
		return 0, false
	}
	periodRaw, err := os.ReadFile(cgroupV1CPUPeriod)
	if err != nil {
		return 0, false
	}
	return parseCgroupV1CPU(string(quotaRaw), string(periodRaw))
}

// parseCgroupV2CPUMax parses "quota period" where quota may be "max"
// (unlimited).
func parseCgroupV2CPUMax(content string) (int, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) != 2 || fields[0] == "max" {
		return 0, false
	}
	quota, err := strconv.Atoi(fields[0])
	if err != nil || quota <= 0 {
		return 0, false
	}
	period, err := strconv.Atoi(fields[1])
	if err != nil || period <= 0 {
		return 0, false
	}
	cpus := quota / period
	if cpus < 1 {
		cpus = 1
	}
	return cpus, true
}

// parseCgroupV1CPU parses cfs_quota_us and cfs_period_us. A quota of -1
// means unlimited.
func parseCgroupV1CPU(quotaContent, periodContent string) (int, bool) {
	quota, err := strconv.Atoi(strings.TrimSpace(quotaContent))
	if err != nil || quota <= 0 {
		return 0, false
	}
	period, err := strconv.Atoi(strings.TrimSpace(periodContent))
	if err != nil || period <= 0 {
		return 0, false
	}
	cpus := quota / period
	if cpus < 1 {
		cpus = 1
	}
	return cpus, true
}
