package watering

import (
	"github.com/itohio/goplant/pkg/mathx"
)

// QueueSize is the capacity of the pending watering queue.
const QueueSize = 8

// queue is a bounded list of pending scale ids. Duplicates are allowed.
// It is not safe for concurrent use; the Scheduler guards it.
type queue struct {
	ids [QueueSize]uint8
	n   int
}

func (q *queue) push(id uint8) bool {
	if q.n >= QueueSize {
		return false
	}
	q.ids[q.n] = id
	q.n++
	return true
}

// popNearest reorders the queue nearest-neighbour first and removes the front.
func (q *queue) popNearest() (uint8, bool) {
	if q.n == 0 {
		return 0, false
	}

	ReorderNearest(q.ids[:q.n])
	id := q.ids[0]
	copy(q.ids[:], q.ids[1:q.n])
	q.n--
	q.ids[q.n] = 0
	return id, true
}

func (q *queue) items() []uint8 {
	out := make([]uint8, q.n)
	copy(out, q.ids[:q.n])
	return out
}

// ReorderNearest reorders ids in place as a greedy nearest-neighbour tour over the ids
// treated as 1-D positions. The first element stays in place; every following position
// takes the remaining id closest to the previous one, the earliest on ties.
func ReorderNearest(ids []uint8) {
	for i := 1; i < len(ids); i++ {
		prev := ids[i-1]
		best := i
		for j := i + 1; j < len(ids); j++ {
			if mathx.AbsDiff(ids[j], prev) < mathx.AbsDiff(ids[best], prev) {
				best = j
			}
		}
		ids[i], ids[best] = ids[best], ids[i]
	}
}
