package workerpool

import "fmt"

// getMemoryStats is implemented in the platform files
// system_metrics_linux.go, system_metrics_darwin.go, and
// system_metrics_windows.go.

const bytesPerGB = 1024 * 1024 * 1024

// memoryPerWorkerGB is a rough planning figure for one worker running its
// full complement of concurrent jobs.
const memoryPerWorkerGB = 1.0

// memoryBufferGB is kept free for the rest of the system.
const memoryBufferGB = 2.0

// memorySnapshot returns used and total system memory in GB plus the
// utilization percentage.
func memorySnapshot() (usedGB, totalGB, percent float64, err error) {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return 0, 0, 0, err
	}

	totalGB = float64(total) / bytesPerGB
	usedGB = float64(total-available) / bytesPerGB
	percent = usedGB / totalGB * 100
	return usedGB, totalGB, percent, nil
}

// safeWorkerCount recommends a worker count for the given free memory,
// always allowing at least one.
func safeWorkerCount(availableGB float64) int {
	if availableGB < memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > scaleUpWorkerCeiling {
		return scaleUpWorkerCeiling
	}
	return recommended
}

// checkMemoryPressure compares the current worker count against what the
// available memory supports. Returns a warning string, or empty when the
// count is fine or memory stats are unavailable.
func (m *Manager) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	m.mu.Lock()
	workers := len(m.workers)
	m.mu.Unlock()

	availableGB := float64(available) / bytesPerGB
	totalGB := float64(total) / bytesPerGB
	recommended := safeWorkerCount(availableGB)

	if workers > recommended {
		return fmt.Sprintf(
			"worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB)",
			workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
