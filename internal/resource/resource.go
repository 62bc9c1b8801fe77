// Package resource reads host capacity and parses the memory-size strings
// used throughout the workflow model, per spec.md §4.4.
package resource

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/bioflow-run/bioflow/internal/bioflowerr"
)

// memoryPattern is the parsing regex from spec.md §4.4 — distinct from the
// validation regex in model.validate, which requires a K/M/G/T unit and
// makes the trailing B optional: "512M" passes validation but not this
// parse, and "512B" passes this parse but not validation.
var memoryPattern = regexp.MustCompile(`^(\d+)([KMGT]?B)$`)

var units = map[string]int64{
	"B":  1,
	"KB": 1 << 10,
	"MB": 1 << 20,
	"GB": 1 << 30,
	"TB": 1 << 40,
}

// ParseMemory parses a size string such as "512MB" into a byte count,
// against the binary-unit table B=1, KB=2^10, MB=2^20, GB=2^30, TB=2^40.
func ParseMemory(s string) (int64, error) {
	m := memoryPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, bioflowerr.NewResourceError(fmt.Sprintf("invalid memory string %q", s))
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, bioflowerr.NewResourceError(fmt.Sprintf("invalid memory string %q: %s", s, err))
	}
	unit, ok := units[m[2]]
	if !ok {
		return 0, bioflowerr.NewResourceError(fmt.Sprintf("invalid memory unit %q", m[2]))
	}
	return n * unit, nil
}

// HostCapacity is a snapshot of the machine's available resources, read
// live so can_run_step's budget check reflects reality rather than a
// hardcoded assumption.
type HostCapacity struct {
	CPUs            int
	AvailableMemory int64
	GPUs            int
}

// Probe reads live host capacity via gopsutil. gpuCount has no portable
// stdlib or gopsutil source (spec.md doesn't mandate one), so it is
// supplied by the caller — typically 0 unless RunOptions configures it.
func Probe(gpuCount int) (HostCapacity, error) {
	counts, err := cpu.Counts(true)
	if err != nil {
		return HostCapacity{}, bioflowerr.NewResourceError("cannot read host cpu count: " + err.Error())
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return HostCapacity{}, bioflowerr.NewResourceError("cannot read host memory: " + err.Error())
	}
	return HostCapacity{
		CPUs:            counts,
		AvailableMemory: int64(vm.Available),
		GPUs:            gpuCount,
	}, nil
}
