package dag

import (
	"container/heap"
	"sort"

	"kmpipe/internal/core"
)

type frontierItem struct {
	task  *core.Task
	seq   int
	index int
}

// frontier holds ready tasks ordered by stage tag. Ties keep readiness
// order so that dispatch is reproducible for a given completion order.
type frontier []*frontierItem

func (f frontier) Len() int           { return len(f) }
func (f frontier) Less(i, j int) bool { return before(f[i], f[j]) }
func (f frontier) Swap(i, j int) {
	f[i], f[j] = f[j], f[i]
	f[i].index = i
	f[j].index = j
}
func (f *frontier) Push(x any) {
	it := x.(*frontierItem)
	it.index = len(*f)
	*f = append(*f, it)
}
func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*f = old[:n-1]
	return it
}

// largest returns up to n items with the highest priority key, highest first.
func (f frontier) largest(n int) []*frontierItem {
	if n <= 0 || len(f) == 0 {
		return nil
	}
	cp := make([]*frontierItem, len(f))
	copy(cp, f)
	sort.Slice(cp, func(i, j int) bool {
		a, b := cp[i].task, cp[j].task
		if a.Less(b) || b.Less(a) {
			return b.Less(a)
		}
		return cp[i].seq < cp[j].seq
	})
	if n > len(cp) {
		n = len(cp)
	}
	return cp[:n]
}

// before orders by stage tag, then by readiness.
func before(a, b *frontierItem) bool {
	if a.task.Less(b.task) || b.task.Less(a.task) {
		return a.task.Less(b.task)
	}
	return a.seq < b.seq
}

func (f *frontier) remove(it *frontierItem) {
	if it.index >= 0 {
		heap.Remove(f, it.index)
	}
}
