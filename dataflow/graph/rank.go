package graph

import (
	"container/heap"
	"fmt"
)

// operatorHeap orders operators by a key function; the run queue keys on
// rank and the topological sort keys on insertion index.
type operatorHeap struct {
	ops []*Operator
	key func(*Operator) int
}

func (h *operatorHeap) Len() int           { return len(h.ops) }
func (h *operatorHeap) Less(i, j int) bool { return h.key(h.ops[i]) < h.key(h.ops[j]) }
func (h *operatorHeap) Swap(i, j int)      { h.ops[i], h.ops[j] = h.ops[j], h.ops[i] }
func (h *operatorHeap) Push(x any)         { h.ops = append(h.ops, x.(*Operator)) }
func (h *operatorHeap) Pop() any {
	n := len(h.ops)
	op := h.ops[n-1]
	h.ops[n-1] = nil
	h.ops = h.ops[:n-1]
	return op
}

// computeRanks assigns ranks with Kahn's algorithm. Among operators whose
// dependencies are all ranked, the one added first is ranked next, so ranks
// depend only on the graph and the order operators were added.
func computeRanks(ops []*Operator) error {
	indegree := make(map[*Operator]int, len(ops))
	ready := &operatorHeap{key: func(o *Operator) int { return o.id }}
	for _, op := range ops {
		n := len(op.dependencies())
		indegree[op] = n
		if n == 0 {
			ready.ops = append(ready.ops, op)
		}
	}
	heap.Init(ready)

	rank := 0
	for ready.Len() > 0 {
		op := heap.Pop(ready).(*Operator)
		op.rank = rank
		rank++
		for _, t := range op.targets {
			indegree[t]--
			if indegree[t] == 0 {
				heap.Push(ready, t)
			}
		}
	}
	if rank != len(ops) {
		return fmt.Errorf("ranking %d operators: %w", len(ops)-rank, ErrCycle)
	}
	return nil
}

// reachable reports whether to can be reached from from along target edges,
// including the extra edges in pending.
func reachable(from, to *Operator, pending []edge) bool {
	extra := make(map[*Operator][]*Operator, len(pending))
	for _, e := range pending {
		extra[e.producer] = append(extra[e.producer], e.consumer)
	}
	seen := map[*Operator]bool{from: true}
	stack := []*Operator{from}
	for len(stack) > 0 {
		op := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if op == to {
			return true
		}
		next := append(append([]*Operator(nil), op.targets...), extra[op]...)
		for _, t := range next {
			if !seen[t] {
				seen[t] = true
				stack = append(stack, t)
			}
		}
	}
	return false
}
