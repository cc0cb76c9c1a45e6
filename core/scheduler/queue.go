package scheduler

import (
	"container/heap"
	"sync"
	"time"

	"fleet-orchestrator/core/models"
)

// Kind is the type of entity a unit of work processes
type Kind string

const (
	KindRun            Kind = "run"
	KindJob            Kind = "job"
	KindInstance       Kind = "instance"
	KindPlacementGroup Kind = "placement_group"
)

// Unit is one entity to process on a tick
type Unit struct {
	Kind            Kind
	ID              string
	Priority        int
	LastProcessedAt time.Time

	group *models.PlacementGroup
	index int
}

// WorkQueue is a priority queue of units. Higher priority comes first, then
// the unit that has waited longest since it was last processed.
type WorkQueue struct {
	units  []*Unit
	queued map[string]bool
	mu     sync.Mutex
}

// NewWorkQueue creates a new work queue
func NewWorkQueue() *WorkQueue {
	wq := &WorkQueue{
		units:  make([]*Unit, 0),
		queued: make(map[string]bool),
	}
	heap.Init(wq)
	return wq
}

func key(kind Kind, id string) string {
	return string(kind) + "/" + id
}

// Enqueue adds a unit. A unit already queued is ignored.
func (wq *WorkQueue) Enqueue(u *Unit) {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	k := key(u.Kind, u.ID)
	if wq.queued[k] {
		return
	}
	wq.queued[k] = true
	heap.Push(wq, u)
}

// PopUnit removes and returns the next unit, or nil if the queue is empty
func (wq *WorkQueue) PopUnit() *Unit {
	wq.mu.Lock()
	defer wq.mu.Unlock()

	if wq.Len() == 0 {
		return nil
	}
	u := heap.Pop(wq).(*Unit)
	delete(wq.queued, key(u.Kind, u.ID))
	return u
}

// Size returns the number of queued units
func (wq *WorkQueue) Size() int {
	wq.mu.Lock()
	defer wq.mu.Unlock()
	return wq.Len()
}

// Len implements heap.Interface
func (wq *WorkQueue) Len() int {
	return len(wq.units)
}

// Less implements heap.Interface
func (wq *WorkQueue) Less(i, j int) bool {
	a, b := wq.units[i], wq.units[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.LastProcessedAt.Before(b.LastProcessedAt)
}

// Swap implements heap.Interface
func (wq *WorkQueue) Swap(i, j int) {
	wq.units[i], wq.units[j] = wq.units[j], wq.units[i]
	wq.units[i].index = i
	wq.units[j].index = j
}

// Push implements heap.Interface
func (wq *WorkQueue) Push(x interface{}) {
	u := x.(*Unit)
	u.index = len(wq.units)
	wq.units = append(wq.units, u)
}

// Pop implements heap.Interface
func (wq *WorkQueue) Pop() interface{} {
	old := wq.units
	n := len(old)
	u := old[n-1]
	old[n-1] = nil
	u.index = -1
	wq.units = old[0 : n-1]
	return u
}
