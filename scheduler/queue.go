package scheduler

import (
	"context"

	"github.com/jonwraymond/toolrun"
)

// DefaultQueueCapacities are the per-priority queue bounds, indexed by
// toolrun.Priority.
var DefaultQueueCapacities = [toolrun.NumPriorities]int{
	100, // critical
	200, // high
	500, // normal
	200, // low
}

// task is one queued invocation. The worker delivers exactly one
// result on done.
type task struct {
	ctx  context.Context
	req  *toolrun.Request
	done chan toolrun.Result
}

// PriorityQueueSet is four bounded FIFO queues, one per priority
// level. Enqueue never blocks: a full queue rejects synchronously.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - Ordering: FIFO within a level; cross-level ordering is the
//   dispatcher's concern.
type PriorityQueueSet struct {
	queues [toolrun.NumPriorities]chan *task
}

// NewPriorityQueueSet creates the queue set. Non-positive capacities
// fall back to DefaultQueueCapacities. Capacities are fixed for the
// life of the set.
func NewPriorityQueueSet(capacities [toolrun.NumPriorities]int) *PriorityQueueSet {
	q := &PriorityQueueSet{}
	for i := range q.queues {
		capacity := capacities[i]
		if capacity <= 0 {
			capacity = DefaultQueueCapacities[i]
		}
		q.queues[i] = make(chan *task, capacity)
	}
	return q
}

// Enqueue adds t to its priority's queue, or returns
// toolrun.ErrQueueFull immediately when the queue is at capacity.
func (q *PriorityQueueSet) Enqueue(t *task) error {
	select {
	case q.queues[t.req.Priority] <- t:
		return nil
	default:
		return toolrun.ErrQueueFull
	}
}

// tryDequeue takes the next task from the highest-priority non-empty
// queue at or above level, without blocking.
func (q *PriorityQueueSet) tryDequeue(level toolrun.Priority) *task {
	for p := toolrun.PriorityCritical; p <= level; p++ {
		select {
		case t := <-q.queues[p]:
			return t
		default:
		}
	}
	return nil
}

// dequeue blocks until a task at or above level is available or stop
// closes. When several arms are ready at once the select chooses
// uniformly among them, so a wake may take a lower level before a
// higher one; the non-blocking tryDequeue scan on the next dispatch
// iteration restores strict priority order.
func (q *PriorityQueueSet) dequeue(level toolrun.Priority, stop <-chan struct{}) (*task, bool) {
	switch level {
	case toolrun.PriorityCritical:
		select {
		case <-stop:
			return nil, false
		case t := <-q.queues[toolrun.PriorityCritical]:
			return t, true
		}
	case toolrun.PriorityHigh:
		select {
		case <-stop:
			return nil, false
		case t := <-q.queues[toolrun.PriorityCritical]:
			return t, true
		case t := <-q.queues[toolrun.PriorityHigh]:
			return t, true
		}
	case toolrun.PriorityNormal:
		select {
		case <-stop:
			return nil, false
		case t := <-q.queues[toolrun.PriorityCritical]:
			return t, true
		case t := <-q.queues[toolrun.PriorityHigh]:
			return t, true
		case t := <-q.queues[toolrun.PriorityNormal]:
			return t, true
		}
	default:
		select {
		case <-stop:
			return nil, false
		case t := <-q.queues[toolrun.PriorityCritical]:
			return t, true
		case t := <-q.queues[toolrun.PriorityHigh]:
			return t, true
		case t := <-q.queues[toolrun.PriorityNormal]:
			return t, true
		case t := <-q.queues[toolrun.PriorityLow]:
			return t, true
		}
	}
}

// Depth reports the number of queued tasks at one priority level.
func (q *PriorityQueueSet) Depth(p toolrun.Priority) int {
	return len(q.queues[p])
}

// Depths reports every queue's depth, indexed by priority.
func (q *PriorityQueueSet) Depths() [toolrun.NumPriorities]int {
	var out [toolrun.NumPriorities]int
	for i, ch := range q.queues {
		out[i] = len(ch)
	}
	return out
}

// Capacities reports every queue's capacity, indexed by priority.
func (q *PriorityQueueSet) Capacities() [toolrun.NumPriorities]int {
	var out [toolrun.NumPriorities]int
	for i, ch := range q.queues {
		out[i] = cap(ch)
	}
	return out
}

// drain empties every queue, returning the abandoned tasks.
func (q *PriorityQueueSet) drain() []*task {
	var out []*task
	for _, ch := range q.queues {
	drainLoop:
		for {
			select {
			case t := <-ch:
				out = append(out, t)
			default:
				break drainLoop
			}
		}
	}
	return out
}
