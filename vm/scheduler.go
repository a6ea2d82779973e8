package vm

import (
	"math"
	"time"
)

// ---------------------------------------------------------------------------
// Scheduler: priority-weighted time budgets
// ---------------------------------------------------------------------------

// Unbounded is the budget of a real-time entity: it runs until it yields.
const Unbounded = time.Duration(math.MaxInt64)

// PriorityRealTime marks a process or thread that is never preempted by
// slice expiry.
const PriorityRealTime = -1

// DefaultPriority is the weight of new processes and threads.
const DefaultPriority = 1

// Budgets splits total among entities weighted by priority. Each entity with
// priority p >= 0 gets ceil(total * p / sum) where sum is the total weight of
// all such entities; real-time entities get Unbounded.
func Budgets(total time.Duration, priorities []int) []time.Duration {
	out := make([]time.Duration, len(priorities))
	sum := 0
	for _, p := range priorities {
		if p > 0 {
			sum += p
		}
	}
	for i, p := range priorities {
		switch {
		case p < 0 || total == Unbounded:
			out[i] = Unbounded
		case sum == 0 || p == 0:
			out[i] = 0
		default:
			out[i] = time.Duration(math.Ceil(float64(total) * float64(p) / float64(sum)))
		}
	}
	return out
}
