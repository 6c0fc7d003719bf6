package scheduler

import (
	"container/heap"
	"time"
)

// entryKind discriminates what a queue entry does when it fires.
type entryKind int

const (
	entryInject entryKind = iota
	entryActionTimeout
	entryBranchTimeout
	entryAutoEnd
)

// entry is one pending firing for a session.
type entry struct {
	kind     entryKind
	deadline time.Time
	injectID string // entryInject, entryActionTimeout
	ruleID   string // entryBranchTimeout
	reason   string // entryAutoEnd
}

// pendingQueue is a min-heap of entries ordered by deadline. One queue
// per session, driven by a single waiting goroutine.
type pendingQueue []*entry

func (q pendingQueue) Len() int           { return len(q) }
func (q pendingQueue) Less(i, j int) bool { return q[i].deadline.Before(q[j].deadline) }
func (q pendingQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pendingQueue) Push(x any)        { *q = append(*q, x.(*entry)) }

func (q *pendingQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

func (q *pendingQueue) push(e *entry) { heap.Push(q, e) }

func (q *pendingQueue) popNext() *entry {
	if q.Len() == 0 {
		return nil
	}
	return heap.Pop(q).(*entry)
}

func (q *pendingQueue) peek() *entry {
	if q.Len() == 0 {
		return nil
	}
	return (*q)[0]
}

// drain empties the queue and returns every entry.
func (q *pendingQueue) drain() []*entry {
	out := make([]*entry, 0, q.Len())
	for q.Len() > 0 {
		out = append(out, q.popNext())
	}
	return out
}
