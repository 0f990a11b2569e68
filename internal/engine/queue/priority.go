package queue

import "github.com/surge-downloader/swarm/internal/engine/types"

// CalculateAutoPriority derives the priority from the completed share when
// auto priority is on, otherwise returns the stored priority.
func (it *Item) CalculateAutoPriority() types.Priority {
	if !it.AutoPriority() {
		return it.Priority()
	}
	return AutoPriorityFor(it.DoneSize(), it.size)
}

// AutoPriorityFor maps tenths done to a tier: 0-2 low, 3-5 normal, 6-8 high,
// 9-10 higher. Unknown or empty sizes are normal.
func AutoPriorityFor(done, size int64) types.Priority {
	if size <= 0 {
		return types.PriorityNormal
	}
	switch percent := done * 10 / size; {
	case percent >= 0 && percent <= 2:
		return types.PriorityLow
	case percent >= 6 && percent <= 8:
		return types.PriorityHigh
	case percent >= 9 && percent <= 10:
		return types.PriorityHigher
	default:
		return types.PriorityNormal
	}
}
