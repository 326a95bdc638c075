package workerpool

import "github.com/teranos/flywheel/queue"

// Strategy selects which eligible worker receives the next claimed job.
type Strategy string

const (
	// StrategyRoundRobin rotates through eligible workers in insertion
	// order.
	StrategyRoundRobin Strategy = "round-robin"

	// StrategyLeastLoaded picks the eligible worker with the smallest
	// activeJobs/maxJobs ratio. This is the default.
	StrategyLeastLoaded Strategy = "least-loaded"

	// StrategyJobTypeAffinity prefers workers that name the job's type
	// explicitly over workers that accept everything, then falls back to
	// least-loaded within the preferred group.
	StrategyJobTypeAffinity Strategy = "job-type-affinity"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLoaded, StrategyJobTypeAffinity:
		return true
	}
	return false
}

// pickLocked applies the active strategy to the eligible set without
// side effects: the same pool state yields the same pick, so a job waits
// for its chosen worker's tick instead of drifting between workers. The
// round-robin cursor advances only when a claim succeeds. Requires m.mu
// held; eligible is non-empty and in insertion order.
func (m *Manager) pickLocked(jobType queue.JobType, eligible []*Worker) *Worker {
	switch m.strategy {
	case StrategyRoundRobin:
		return eligible[m.rrNext%len(eligible)]
	case StrategyJobTypeAffinity:
		if specialists := filterSpecialists(jobType, eligible); len(specialists) > 0 {
			return pickLeastLoaded(specialists)
		}
		return pickLeastLoaded(eligible)
	default:
		return pickLeastLoaded(eligible)
	}
}

// pickLeastLoaded returns the worker with the smallest activeJobs/maxJobs
// ratio. Ties keep the earliest worker so the choice is deterministic.
func pickLeastLoaded(workers []*Worker) *Worker {
	best := workers[0]
	bestActive := best.proc.Stats().ActiveJobs
	for _, w := range workers[1:] {
		active := w.proc.Stats().ActiveJobs
		// Compare active/max as cross products to stay in integers.
		if active*best.cfg.MaxJobs < bestActive*w.cfg.MaxJobs {
			best = w
			bestActive = active
		}
	}
	return best
}

func filterSpecialists(jobType queue.JobType, workers []*Worker) []*Worker {
	var out []*Worker
	for _, w := range workers {
		if w.specialist(jobType) {
			out = append(out, w)
		}
	}
	return out
}
