// Package diagnostics runs resource preflight checks before spawning
// agent subprocesses, so a starved host degrades with a clear warning
// instead of an opaque session failure.
package diagnostics

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds below which a launch is refused or warned about.
const (
	minFreeMemoryMB = 256
	minFreeDiskMB   = 512
	warnMemPercent  = 90
	warnDiskPercent = 90
)

// PreflightResult reports whether a subprocess launch should proceed.
type PreflightResult struct {
	OK       bool
	Errors   []string
	Warnings []string
}

// Checker samples host resources for preflight decisions.
type Checker struct {
	// Path is the filesystem whose free space is checked, "/" by default.
	Path string
}

// NewChecker creates a checker for the given data path.
func NewChecker(path string) *Checker {
	if path == "" {
		path = "/"
	}
	return &Checker{Path: path}
}

// Check samples memory, disk, and load. Metric read failures are reported
// as warnings, never as errors: a broken metrics source must not block
// scheduling.
func (c *Checker) Check() PreflightResult {
	res := PreflightResult{OK: true}

	if vm, err := mem.VirtualMemory(); err != nil {
		res.Warnings = append(res.Warnings, "memory stats unavailable: "+err.Error())
	} else {
		freeMB := float64(vm.Available) / 1024 / 1024
		if freeMB < minFreeMemoryMB {
			res.OK = false
			res.Errors = append(res.Errors,
				fmt.Sprintf("only %.0f MB memory available (need %d)", freeMB, minFreeMemoryMB))
		} else if vm.UsedPercent > warnMemPercent {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("memory usage at %.0f%%", vm.UsedPercent))
		}
	}

	if du, err := disk.Usage(c.Path); err != nil {
		res.Warnings = append(res.Warnings, "disk stats unavailable: "+err.Error())
	} else {
		freeMB := float64(du.Free) / 1024 / 1024
		if freeMB < minFreeDiskMB {
			res.OK = false
			res.Errors = append(res.Errors,
				fmt.Sprintf("only %.0f MB disk free at %s (need %d)", freeMB, c.Path, minFreeDiskMB))
		} else if du.UsedPercent > warnDiskPercent {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("disk usage at %.0f%% on %s", du.UsedPercent, c.Path))
		}
	}

	if avg, err := load.Avg(); err == nil && avg.Load1 > 0 {
		res.Warnings = appendLoadWarning(res.Warnings, avg.Load1)
	}

	return res
}

func appendLoadWarning(warnings []string, load1 float64) []string {
	if load1 > 32 {
		return append(warnings, fmt.Sprintf("load average %.1f", load1))
	}
	return warnings
}
