package planner

import (
	"container/heap"
	"strings"

	"nestwrite/internal/mutationerr"
)

// linearize orders nodes so every node follows its dependencies. Among nodes
// that are ready at the same time, the one that appears first in the input
// tree wins, so identical inputs always produce identical plans.
func linearize(nodes []*PendingWrite) ([]*PendingWrite, error) {
	indegree := make(map[*PendingWrite]int, len(nodes))
	dependents := make(map[*PendingWrite][]*PendingWrite, len(nodes))
	for _, n := range nodes {
		indegree[n] += 0
		for _, d := range n.Deps {
			indegree[n]++
			dependents[d] = append(dependents[d], n)
		}
	}

	ready := &readyQueue{}
	for _, n := range nodes {
		if indegree[n] == 0 {
			heap.Push(ready, n)
		}
	}

	out := make([]*PendingWrite, 0, len(nodes))
	for ready.Len() > 0 {
		n := heap.Pop(ready).(*PendingWrite)
		out = append(out, n)
		for _, m := range dependents[n] {
			indegree[m]--
			if indegree[m] == 0 {
				heap.Push(ready, m)
			}
		}
	}

	if len(out) < len(nodes) {
		var stuck []string
		for _, n := range nodes {
			if indegree[n] > 0 {
				stuck = append(stuck, n.Path)
			}
		}
		return nil, mutationerr.New(mutationerr.KindCyclicRequiredRelation, stuck[0],
			"writes depend on each other in a cycle: %s", strings.Join(stuck, ", "))
	}
	return out, nil
}

// seqLess compares tree positions. A prefix sorts before its extensions.
func seqLess(a, b *PendingWrite) bool {
	for i := 0; i < len(a.seq) && i < len(b.seq); i++ {
		if a.seq[i] != b.seq[i] {
			return a.seq[i] < b.seq[i]
		}
	}
	if len(a.seq) != len(b.seq) {
		return len(a.seq) < len(b.seq)
	}
	return a.ID < b.ID
}

type readyQueue []*PendingWrite

func (q readyQueue) Len() int           { return len(q) }
func (q readyQueue) Less(i, j int) bool { return seqLess(q[i], q[j]) }
func (q readyQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *readyQueue) Push(x any) {
	*q = append(*q, x.(*PendingWrite))
}

func (q *readyQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}
