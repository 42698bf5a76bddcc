// Package hostinfo reports what the host says about its processor and
// caches.
//
// The report is informational. Measurements always use the configured
// geometry; Warnings only points out where the two disagree.
package hostinfo

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"k8s.io/klog/v2"

	"github.com/sarchlab/cachespy/timing/cache"
)

// Report holds host facts. Cache sizes are in bytes, -1 when unknown.
type Report struct {
	Hostname      string `json:"hostname"`
	OS            string `json:"os"`
	Platform      string `json:"platform"`
	KernelVersion string `json:"kernel_version"`
	Arch          string `json:"arch"`

	CPUModel      string `json:"cpu_model"`
	Vendor        string `json:"vendor"`
	PhysicalCores int    `json:"physical_cores"`
	LogicalCores  int    `json:"logical_cores"`
	Hz            int64  `json:"hz"`

	CacheLine int `json:"cache_line"`
	L1D       int `json:"l1d"`
	L2        int `json:"l2"`
	L3        int `json:"l3"`

	TotalMemory uint64 `json:"total_memory"`
}

// Collect gathers the host report. Facts that cannot be read are left at
// their zero or unknown value; only a complete failure is an error.
func Collect() (Report, error) {
	r := Report{
		CPUModel:      cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		LogicalCores:  cpuid.CPU.LogicalCores,
		Hz:            cpuid.CPU.Hz,
		CacheLine:     cpuid.CPU.CacheLine,
		L1D:           cpuid.CPU.Cache.L1D,
		L2:            cpuid.CPU.Cache.L2,
		L3:            cpuid.CPU.Cache.L3,
	}

	hi, hostErr := host.Info()
	if hostErr == nil {
		r.Hostname = hi.Hostname
		r.OS = hi.OS
		r.Platform = hi.Platform
		r.KernelVersion = hi.KernelVersion
		r.Arch = hi.KernelArch
	} else {
		klog.V(1).InfoS("Host info unavailable", "err", hostErr)
	}

	infos, cpuErr := cpu.Info()
	if cpuErr == nil && len(infos) > 0 {
		if r.CPUModel == "" {
			r.CPUModel = infos[0].ModelName
		}
		if r.Vendor == "" {
			r.Vendor = infos[0].VendorID
		}
	}
	if r.LogicalCores <= 0 {
		if n, err := cpu.Counts(true); err == nil {
			r.LogicalCores = n
		}
	}
	if r.PhysicalCores <= 0 {
		if n, err := cpu.Counts(false); err == nil {
			r.PhysicalCores = n
		}
	}

	vm, memErr := mem.VirtualMemory()
	if memErr == nil {
		r.TotalMemory = vm.Total
	}

	if hostErr != nil && cpuErr != nil && memErr != nil {
		return r, fmt.Errorf("failed to collect host info: %w", hostErr)
	}

	return r, nil
}

// Warnings compares the configured geometry with the host report.
func (r Report) Warnings(c cache.Config) []string {
	var warnings []string

	if r.CacheLine > 0 && r.CacheLine != c.LineSize {
		warnings = append(warnings, fmt.Sprintf(
			"configured line size %d B differs from host line size %d B",
			c.LineSize, r.CacheLine))
	}

	switch {
	case r.L3 <= 0:
		warnings = append(warnings,
			"host does not report an L3 size; cannot check llc_size")
	case c.LLCSize < r.L3:
		warnings = append(warnings, fmt.Sprintf(
			"configured LLC size %s is smaller than host L3 %s; sweeps will not cover the cache",
			FormatBytes(int64(c.LLCSize)), FormatBytes(int64(r.L3))))
	case c.LLCSize > 2*r.L3:
		warnings = append(warnings, fmt.Sprintf(
			"configured LLC size %s is more than twice host L3 %s; sweeps will be slow",
			FormatBytes(int64(c.LLCSize)), FormatBytes(int64(r.L3))))
	}

	if r.TotalMemory > 0 && uint64(c.LLCSize) > r.TotalMemory/4 {
		warnings = append(warnings, fmt.Sprintf(
			"configured LLC size %s is a large share of host memory %s",
			FormatBytes(int64(c.LLCSize)), FormatBytes(int64(r.TotalMemory))))
	}

	return warnings
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}

	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
