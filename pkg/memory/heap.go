package memory

import "container/heap"

// entry is a heap slot. item points into WorkingTier.items.
type entry struct {
	item     *Item
	priority float64
	seq      uint64
}

// priorityQueue is a min-heap on priority: the root is the item evicted
// first. Equal priorities pop the oldest item first, then insertion order.
// Push and Pop are O(log n); rebuild is O(n).
type priorityQueue []*entry

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority < pq[j].priority
	}
	if !pq[i].item.CreatedAt.Equal(pq[j].item.CreatedAt) {
		return pq[i].item.CreatedAt.Before(pq[j].item.CreatedAt)
	}
	return pq[i].seq < pq[j].seq
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) { *pq = append(*pq, x.(*entry)) }

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return e
}

func (pq *priorityQueue) push(e *entry) { heap.Push(pq, e) }

func (pq *priorityQueue) pop() *entry {
	if pq.Len() == 0 {
		return nil
	}
	return heap.Pop(pq).(*entry)
}

// rebuild replaces the heap contents with entries and restores the heap
// invariant.
func (pq *priorityQueue) rebuild(entries []*entry) {
	*pq = entries
	heap.Init(pq)
}
