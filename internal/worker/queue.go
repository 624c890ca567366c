package worker

import (
	"time"

	"github.com/mproffitt/pyccata-sub001/internal/domain"
)

type item struct {
	unit domain.Unit
	seq  uint64
	// notBefore delays a requeued unit.
	notBefore time.Time
	// progress is the pool's progress counter when the unit was launched.
	progress uint64
	waiting  bool
}

// unitQueue is a container/heap ordered by priority descending, then by
// submission order.
type unitQueue []*item

func (q unitQueue) Len() int { return len(q) }

func (q unitQueue) Less(i, j int) bool {
	pi, pj := q[i].unit.Priority(), q[j].unit.Priority()
	if pi != pj {
		return pi > pj
	}
	return q[i].seq < q[j].seq
}

func (q unitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *unitQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *unitQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
