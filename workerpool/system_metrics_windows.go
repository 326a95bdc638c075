//go:build windows

package workerpool

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/flywheel/errors"
)

// getMemoryStats returns total and available system memory in bytes.
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}
